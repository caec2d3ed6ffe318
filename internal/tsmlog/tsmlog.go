// Package tsmlog is the TSM core's structured logging root. Every
// subsystem gets a sub-logger tagged with its component name, the same
// pattern virtengine-virtengine's JWKS manager uses for zerolog
// (logger.With().Str("component", ...).Logger()), so a log aggregator can
// filter the firmware's diagnostic stream by component without parsing
// free-form text.
package tsmlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Root is the process-wide base logger. It is replaced wholesale by
// SetOutput, e.g. to redirect to the runtime SBI console instead of
// stderr once running under real firmware.
var Root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()

// SetOutput redirects the root logger's sink. Used by cmd/shadowfax to
// switch between human-readable console output and a structured JSON
// sink for automation.
func SetOutput(w io.Writer, json bool) {
	if json {
		Root = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	Root = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
}

func component(name string) zerolog.Logger {
	return Root.With().Str("component", name).Logger()
}

// Dispatcher returns the sub-logger for the SBI dispatcher (component B).
func Dispatcher() zerolog.Logger { return component("sbi") }

// Allocator returns the sub-logger for the confidential-page allocator (component C).
func Allocator() zerolog.Logger { return component("pool") }

// Domains returns the sub-logger for the supervisor-domain registry (component D).
func Domains() zerolog.Logger { return component("supd") }

// TVM returns the sub-logger for the TVM object store (component E).
func TVM() zerolog.Logger { return component("tvm") }

// WorldSwitch returns the sub-logger for the vCPU world-switch (component F).
func WorldSwitch() zerolog.Logger { return component("worldswitch") }

// Attestation returns the sub-logger for DICE and evidence generation (component G).
func Attestation() zerolog.Logger { return component("attest") }

// Platform returns the sub-logger for the hardware-facing boundary.
func Platform() zerolog.Logger { return component("platform") }
