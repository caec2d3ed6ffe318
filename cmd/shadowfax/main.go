// Command shadowfax is the conformance harness around the TSM core: it
// boots the same components a real M-mode image boots (the confidential
// pool, the TVM store, the DICE chain, the world-switch, and the SBI
// dispatcher), backed by platform.Stub instead of real hart CSRs and PMP
// registers, and exposes them through a small cobra CLI for interactive
// probing and for running the seed conformance scenarios.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shadowfax",
	Short: "RISC-V CoVE Trusted Security Monitor core, under a stub hart",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file to use (TOML)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit newline-delimited JSON logs instead of console output")
	rootCmd.PersistentFlags().Uint64("pool-base", 0x8900_0000, "the confidential pool's base physical address")
	rootCmd.PersistentFlags().Uint64("pool-pages", 256, "the confidential pool's page count")
	rootCmd.PersistentFlags().Uint64("tsm-static-region-pages", 16, "pages reserved at the top of the pool for the TSM's own static state (0 disables the reservation)")

	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(domainInfoCmd)
	rootCmd.AddCommand(serveCmd)
}
