package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var domainInfoCmd = &cobra.Command{
	Use:   "domain-info",
	Short: "print the supervisor-domain registry and TSM info this build reports",
	RunE:  runDomainInfo,
}

func runDomainInfo(cmd *cobra.Command, args []string) error {
	cfg := loadPlatform()
	core, stub, err := bootCore(cfg)
	if err != nil {
		return err
	}
	defer stub.Close()

	info, err := core.GetTSMInfo()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tsm version:   %#08x\n", info.Version)
	fmt.Fprintf(out, "cove version:  %#08x\n", info.CoVEVersion)
	fmt.Fprintf(out, "mpt active:    %v\n", info.MPTActive)

	n := core.Domains.EnumerateDomains()
	for i := 0; i < n; i++ {
		d, _ := core.Domains.GetDomainInfo(i)
		fmt.Fprintf(out, "domain %d: %-8s caps=%#x range=[%#x, %#x)\n", d.ID, d.Label, uint32(d.Caps), d.AddrBase, d.AddrLimit)
	}
	return nil
}
