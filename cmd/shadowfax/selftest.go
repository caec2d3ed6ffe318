package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hisa-team/shadowfax/attest"
	"github.com/hisa-team/shadowfax/covg"
	"github.com/hisa-team/shadowfax/covh"
	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/platform"
	"github.com/hisa-team/shadowfax/pool"
	"github.com/hisa-team/shadowfax/sbi"
	"github.com/hisa-team/shadowfax/supd"
	"github.com/hisa-team/shadowfax/tvm"
	"github.com/hisa-team/shadowfax/worldswitch"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "run the seed conformance scenarios against a stub hart",
	RunE:  runSelftest,
}

// scenario is one seed conformance check (spec §8's numbered list). Each
// runs against its own freshly booted Core so an earlier failure can
// never corrupt a later scenario's state.
type scenario struct {
	name string
	run  func(*covh.Core, *platform.Stub) error
}

func runSelftest(cmd *cobra.Command, args []string) error {
	cfg := loadPlatform()
	scenarios := []scenario{
		{"smoke-ecall", scenarioSmokeECALL},
		{"domain-enumeration", scenarioDomainEnumeration},
		{"full-tvm-lifecycle", scenarioFullLifecycle},
		{"attestation", scenarioAttestation},
		{"double-convert-rejection", scenarioDoubleConvert},
		{"escape-attempt", scenarioEscapeAttempt},
	}

	failed := 0
	for _, sc := range scenarios {
		core, stub, err := bootCore(cfg)
		if err != nil {
			return fmt.Errorf("boot: %w", err)
		}
		err = sc.run(core, stub)
		stub.Close()
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL %-28s %v\n", sc.name, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "PASS %-28s\n", sc.name)
	}
	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}

func bootCore(cfg platformConfig) (*covh.Core, *platform.Stub, error) {
	stub, err := platform.NewStub(uintptr(cfg.PoolBase), uintptr(cfg.PoolPages)*platform.PageSize)
	if err != nil {
		return nil, nil, err
	}
	p := pool.New(stub, uintptr(cfg.PoolBase), uintptr(cfg.PoolPages))
	if cfg.TSMStaticRegionPages > 0 {
		staticBase := uintptr(cfg.PoolBase) + (uintptr(cfg.PoolPages)-uintptr(cfg.TSMStaticRegionPages))*platform.PageSize
		p.SetStaticRegion(staticBase, uintptr(cfg.TSMStaticRegionPages))
	}
	store := tvm.NewStore()
	domains := supd.New()
	chain, err := attest.NewChain(rootSeed(cfg), firmwareHash(cfg), tsmHash(cfg))
	if err != nil {
		stub.Close()
		return nil, nil, err
	}
	guest := &covg.Handler{Store: store, Chain: chain, Hart: stub}
	core := covh.New(stub, p, domains, store, chain, guest)
	return core, stub, nil
}

func scenarioSmokeECALL(core *covh.Core, stub *platform.Stub) error {
	d := sbi.NewDispatcher()
	reply := d.Dispatch(sbi.Args{EID: sbi.ExtBase, FID: sbi.BaseGetSpecVersion})
	if reply.Error != sbierr.Success || reply.Value != sbi.SpecVersion {
		return fmt.Errorf("got {%v, %#x}, want {0, %#x}", reply.Error, reply.Value, sbi.SpecVersion)
	}
	return nil
}

func scenarioDomainEnumeration(core *covh.Core, stub *platform.Stub) error {
	n := core.Domains.EnumerateDomains()
	if n < 2 {
		return fmt.Errorf("expected at least 2 domains, got %d", n)
	}
	info, err := core.GetTSMInfo()
	if err != nil {
		return err
	}
	if !info.Implemented.Has(supd.CapCoveH) {
		return fmt.Errorf("CoVE-H capability not reported")
	}
	if info.CoVEVersion != supd.CoVEVersion {
		return fmt.Errorf("CoVE version %#x does not match build constant %#x", info.CoVEVersion, supd.CoVEVersion)
	}
	return nil
}

func scenarioFullLifecycle(core *covh.Core, stub *platform.Stub) error {
	base := stub.Base()
	const pages = 16
	if err := core.ConvertPages(base, pages); err != nil {
		return err
	}
	h, err := core.CreateTVM()
	if err != nil {
		return err
	}
	if err := core.AddTVMMemoryRegion(h, 0x1000, base, pages*platform.PageSize); err != nil {
		return err
	}
	if err := core.AddTVMPage(h, 0x1000, base, []byte("guest-entry-stub")); err != nil {
		return err
	}
	if err := core.CreateTVMVCPU(h, 0x1000); err != nil {
		return err
	}
	if err := core.FinalizeTVM(h); err != nil {
		return err
	}

	program := []worldswitch.GuestOp{
		{Kind: worldswitch.OpLoadImm, Reg: 9, Imm: 0xDEAD},
		{Kind: worldswitch.OpECALL, ExtensionID: uint64(sbi.ExtCOVG), FunctionID: 0},
	}
	reason, _, err := core.RunVCPU(h, program, 0)
	if err != nil {
		return err
	}
	if reason != worldswitch.ExitCOVG {
		return fmt.Errorf("got exit reason %v, want COVG", reason)
	}

	if err := core.DestroyTVM(h); err != nil {
		return err
	}
	if err := core.ReclaimPages(base, pages); err != nil {
		return err
	}
	for off := uintptr(0); off < pages*platform.PageSize; off++ {
		if b := stub.ReadByte(base + off); b != 0 {
			return fmt.Errorf("reclaimed byte at offset %#x is %#x, want 0", off, b)
		}
	}
	return nil
}

func scenarioAttestation(core *covh.Core, stub *platform.Stub) error {
	base := stub.Base()
	const pages = 4
	if err := core.ConvertPages(base, pages); err != nil {
		return err
	}
	h, err := core.CreateTVM()
	if err != nil {
		return err
	}
	if err := core.AddTVMMemoryRegion(h, 0x1000, base, pages*platform.PageSize); err != nil {
		return err
	}
	if err := core.CreateTVMVCPU(h, 0x1000); err != nil {
		return err
	}
	if err := core.FinalizeTVM(h); err != nil {
		return err
	}

	pubKey := []byte("conformance-public-key")
	nonce := []byte("conformance-nonce")
	for i, b := range pubKey {
		stub.WriteByte(base+uintptr(i), b)
	}
	for i, b := range nonce {
		stub.WriteByte(base+0x1000+uintptr(i), b)
	}

	// get_evidence is only valid from inside a running TVM (spec §4.5's
	// TEECALL semantics), so the guest has to actually issue the ECALL
	// through a world-switch rather than calling the handler directly;
	// a0..a5 (GPR index 9..14, since a0 is x10 and GPR[0] holds x1) carry
	// its arguments, loaded by the guest program before the trap the same
	// way a real TEECALL loads its argument registers before the ECALL.
	program := []worldswitch.GuestOp{
		{Kind: worldswitch.OpLoadImm, Reg: 9, Imm: 0x1000},               // a0: pubkey guest PA
		{Kind: worldswitch.OpLoadImm, Reg: 10, Imm: uint64(len(pubKey))}, // a1: pubkey length
		{Kind: worldswitch.OpLoadImm, Reg: 11, Imm: 0x2000},              // a2: nonce guest PA
		{Kind: worldswitch.OpLoadImm, Reg: 12, Imm: uint64(len(nonce))},  // a3: nonce length
		{Kind: worldswitch.OpLoadImm, Reg: 13, Imm: 0x3000},              // a4: output buffer guest PA
		{Kind: worldswitch.OpLoadImm, Reg: 14, Imm: 1024},                // a5: output buffer length
		{Kind: worldswitch.OpECALL, ExtensionID: uint64(sbi.ExtCOVG), FunctionID: covg.FIDGetEvidence},
	}
	reason, _, err := core.RunVCPU(h, program, 0)
	if err != nil {
		return err
	}
	if reason != worldswitch.ExitCOVG {
		return fmt.Errorf("got exit reason %v, want COVG", reason)
	}

	ctrl, err := core.Store.Get(h)
	if err != nil {
		return err
	}
	vc := ctrl.VCPU(0)
	if sbierr.Code(vc.GPR[9]) != sbierr.Success {
		return fmt.Errorf("get_evidence returned error %v", sbierr.Code(vc.GPR[9]))
	}

	outHostAddr := base + (0x3000 - 0x1000)
	encoded := make([]byte, vc.GPR[10])
	for i := range encoded {
		encoded[i] = stub.ReadByte(outHostAddr + uintptr(i))
	}
	ev, err := attest.DecodeEvidence(encoded)
	if err != nil {
		return err
	}
	if string(ev.RequestedPublicKey) != string(pubKey) || string(ev.Nonce) != string(nonce) {
		return fmt.Errorf("evidence round-trip mismatch")
	}
	return attest.VerifyCertificateChain(ev.Chain)
}

func scenarioDoubleConvert(core *covh.Core, stub *platform.Stub) error {
	base := stub.Base()
	if err := core.ConvertPages(base, 1); err != nil {
		return err
	}
	err := core.ConvertPages(base, 1)
	if sbierr.CodeOf(err) != sbierr.AlreadyAvailable {
		return fmt.Errorf("second convert_pages returned %v, want ALREADY_AVAILABLE", sbierr.CodeOf(err))
	}
	return nil
}

func scenarioEscapeAttempt(core *covh.Core, stub *platform.Stub) error {
	base := stub.Base()
	if err := core.ConvertPages(base, 1); err != nil {
		return err
	}
	h, err := core.CreateTVM()
	if err != nil {
		return err
	}
	if err := core.AddTVMMemoryRegion(h, 0x1000, base, platform.PageSize); err != nil {
		return err
	}
	if err := core.CreateTVMVCPU(h, 0x1000); err != nil {
		return err
	}
	if err := core.FinalizeTVM(h); err != nil {
		return err
	}
	if !core.Pool.DeniedByPMP(base, platform.PMPRead) {
		return fmt.Errorf("host load against a confidential frame was not denied by PMP")
	}
	return nil
}
