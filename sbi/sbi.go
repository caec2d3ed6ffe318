// Package sbi implements the SBI dispatcher (spec §4.2, component B):
// decoding an ECALL's extension id, function id, and six argument
// registers, routing to the right handler table, and formatting the
// {error, value} reply every extension returns (spec §6).
//
// The dispatch table is a plain Go map keyed by extension id, filled in
// once at boot — a static table over a closed set of extensions, per
// spec §9's "Dynamic dispatch" note preferring this over any vtable-style
// abstraction, the same shape tinyrange-cc's rv64 package uses for its
// own ext-id switch in HandleSBI.
package sbi

import (
	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/internal/tsmlog"
)

// Extension identifiers (spec §6).
const (
	ExtBase Extension = 0x10
	ExtDBCN Extension = 0x4442434E
	ExtSUPD Extension = 0x53555044
	ExtCOVH Extension = 0x434F5648
	ExtCOVG Extension = 0x434F5647
)

// Extension is an SBI extension id.
type Extension uint64

// SpecVersion is the SBI specification version this implementation
// reports from BASE.GET_SPEC_VERSION (spec §8 scenario 1).
const SpecVersion = 0x0100_0000

// BASE function ids, the subset this dispatcher answers locally without
// routing anywhere (spec §4.2's dispatch table: "0x10 (BASE) | local").
const (
	BaseGetSpecVersion   uint64 = 0
	BaseGetImplID        uint64 = 1
	BaseGetImplVersion   uint64 = 2
	BaseProbeExtension   uint64 = 3
	BaseGetMvendorID     uint64 = 4
	BaseGetMarchID       uint64 = 5
	BaseGetMimplID       uint64 = 6
)

// ImplID identifies this firmware as the SBI "implementation ID" value
// (an arbitrary but stable constant, analogous to tinyrange-cc's made-up
// "CC_RV64G" value for the same BASE function).
const ImplID uint64 = 0x53465658 // "SFVX"

// Args is the decoded register state of one ECALL (spec §6: "a0..a5 =
// args, a6 = function id, a7 = extension id").
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
	FID                    uint64
	EID                    Extension
}

// Reply is the {error, value} pair returned in a0/a1 (spec §6).
type Reply struct {
	Error sbierr.Code
	Value uint64
}

func success(value uint64) Reply { return Reply{Error: sbierr.Success, Value: value} }

func fromErr(err error) Reply {
	if err == nil {
		return success(0)
	}
	return Reply{Error: sbierr.CodeOf(err)}
}

// ReplyFrom builds a Reply from a (value, error) pair, the shape every
// COVH/COVG handler naturally returns.
func ReplyFrom(value uint64, err error) Reply {
	if err != nil {
		return fromErr(err)
	}
	return success(value)
}

// Handler answers every ECALL routed to one extension.
type Handler func(Args) Reply

// Dispatcher is the single entry point invoked on every ECALL
// originating from HS/VS-mode (spec §4.2). It never blocks — the one
// exception, run_tvm_vcpu, returns to its caller on every guest trap by
// construction (spec §5) rather than by the dispatcher imposing a
// timeout.
type Dispatcher struct {
	table map[Extension]Handler
}

// NewDispatcher constructs an empty dispatcher; extensions are wired in
// with Register.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{table: make(map[Extension]Handler)}
}

// Register binds a handler to an extension id. Called once per extension
// at boot.
func (d *Dispatcher) Register(ext Extension, h Handler) {
	d.table[ext] = h
}

// registered reports whether ext has either a routed handler or is the
// BASE extension answered locally; used by BASE.PROBE_EXTENSION.
func (d *Dispatcher) registered(ext Extension) bool {
	if ext == ExtBase {
		return true
	}
	_, ok := d.table[ext]
	return ok
}

// Dispatch decodes and routes one ECALL (spec §4.2).
func (d *Dispatcher) Dispatch(args Args) Reply {
	log := tsmlog.Dispatcher()
	log.Debug().
		Uint64("eid", uint64(args.EID)).
		Uint64("fid", args.FID).
		Msg("ecall dispatch")

	if args.EID == ExtBase {
		return d.dispatchBase(args)
	}
	h, ok := d.table[args.EID]
	if !ok {
		return Reply{Error: sbierr.NotSupported}
	}
	return h(args)
}

func (d *Dispatcher) dispatchBase(args Args) Reply {
	switch args.FID {
	case BaseGetSpecVersion:
		return success(SpecVersion)
	case BaseGetImplID:
		return success(ImplID)
	case BaseGetImplVersion:
		return success(0x0001_0000)
	case BaseProbeExtension:
		if d.registered(Extension(args.A0)) {
			return success(1)
		}
		return success(0)
	case BaseGetMvendorID, BaseGetMarchID, BaseGetMimplID:
		return success(0)
	default:
		return Reply{Error: sbierr.NotSupported}
	}
}
