package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/internal/tsmlog"
	"github.com/hisa-team/shadowfax/sbi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "boot the TSM core with an idle SBI dispatcher and block until interrupted",
	RunE:  runServe,
}

// runServe boots the same components selftest exercises and wires them
// into an sbi.Dispatcher reachable at d, then blocks on SIGINT/SIGTERM.
// A hosted build with a real ECALL trap path would drive Dispatch from
// the trap handler instead of leaving it idle; this command exists so the
// full boot sequence (and its logging) can be exercised end to end
// without a conformance scenario driving it.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadPlatform()
	core, stub, err := bootCore(cfg)
	if err != nil {
		return err
	}
	defer stub.Close()

	d := sbi.NewDispatcher()
	d.Register(sbi.ExtSUPD, func(a sbi.Args) sbi.Reply {
		info, err := core.GetTSMInfo()
		if err != nil {
			return sbi.ReplyFrom(0, err)
		}
		return sbi.ReplyFrom(uint64(info.Version), nil)
	})
	d.Register(sbi.ExtCOVH, func(a sbi.Args) sbi.Reply {
		switch a.FID {
		case 0: // get_tsm_info
			info, err := core.GetTSMInfo()
			return sbi.ReplyFrom(uint64(info.Version), err)
		default:
			return sbi.Reply{Error: sbierr.NotSupported}
		}
	})

	log := tsmlog.Root
	log.Info().Msg("shadowfax TSM core booted, waiting for signal")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shadowfax TSM core shutting down")
	return nil
}
