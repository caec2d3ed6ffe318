// Package worldswitch implements the vCPU entry/exit trampoline and trap
// dispatch (spec §4.5, component F) — the central, highest-budget
// subsystem of the TSM core.
//
// A real M-mode build's Run is almost entirely assembly: install HGATP,
// restore 31 GPRs and the guest CSRs, SRET into VS-mode, and recover
// control only when the shared trap vector redirects back to M-mode.
// That boundary is exactly the one package platform's Hart interface
// draws, the same way gVisor's machine.Run()/bluepill() pair crosses
// from Go into a raw KVM ioctl and back. Machine.Run here is the Go-side
// half of that trampoline: it consumes the typed CSR primitives instead
// of freeform assembly (spec §9), and it interprets a minimal guest
// instruction stream, a []GuestOp slice supplied by the caller, so the
// seed scenarios of spec §8 are exercisable without a real RISC-V core.
// The guest encoding Machine understands (GuestOp) is deliberately
// not the real RV64 bit encoding — decoding real RISC-V opcodes belongs
// to the out-of-scope ELF loader / hart execution unit (spec §1), not to
// the TSM core under test here (see DESIGN.md).
package worldswitch

import (
	"fmt"

	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/platform"
	"github.com/hisa-team/shadowfax/sbi"
	"github.com/hisa-team/shadowfax/tvm"
)

// ExitReason classifies why a world-switch returned control to the host
// (spec §4.5's trap-cause dispatch).
type ExitReason uint8

const (
	// ExitCOVG means the trap was a VS-mode ECALL with extension COVG,
	// already handled synchronously inside the TSM (TEECALL semantics);
	// the guest has been resumed and Run should be called again to
	// continue guest execution, unless the program has also halted.
	ExitCOVG ExitReason = iota
	// ExitHostECALL means a VS-mode ECALL with an extension other than
	// COVG; control returns to the host with the guest's ECALL register
	// state visible as a vmexit reason (spec §4.5).
	ExitHostECALL
	// ExitPageFault means the guest faulted on an address outside its
	// declared regions and the fault is reported to the host. Run sets
	// no IO error code and does not mark the vCPU terminated; lazy
	// demand-fill is not implemented, per SPEC_FULL.md's eager-load
	// decision.
	ExitPageFault
	// ExitIllegalInstruction, ExitMisaligned, ExitBreakpoint report the
	// trap to the host. Run does not mark the vCPU terminated: a caller
	// that calls Run again resumes at the returned index. Run itself
	// produces only ExitIllegalInstruction of the three.
	ExitIllegalInstruction
	ExitMisaligned
	ExitBreakpoint
	// ExitInterrupt means an interrupt was forwarded to the host domain;
	// CoVE-I (AIA-assisted injection) is not implemented (spec §1).
	ExitInterrupt
	// ExitHalt means the guest program ran to completion (its own HALT
	// op), used by selftest scenarios to know when to stop calling Run.
	ExitHalt
)

func (r ExitReason) String() string {
	names := [...]string{"COVG", "HostECALL", "PageFault", "IllegalInstruction", "Misaligned", "Breakpoint", "Interrupt", "Halt"}
	if int(r) < len(names) {
		return names[r]
	}
	return "Unknown"
}

// GuestOp is one instruction in the simplified guest instruction stream
// Machine executes (see package doc). It captures exactly the guest
// behaviors the TSM core's world-switch needs to distinguish — writing a
// GPR, issuing an ECALL, touching memory outside its own regions, or
// halting — without modeling the RV64 ISA's actual encoding.
type GuestOp struct {
	Kind GuestOpKind
	Reg  int    // GPR index for OpLoadImm / OpECALL's a7,a6 are implicit fields below
	Imm  uint64 // immediate for OpLoadImm

	// ECALL fields, valid when Kind == OpECALL.
	ExtensionID uint64
	FunctionID  uint64

	// FaultAddr, valid when Kind == OpTouch: the guest-physical address
	// this instruction reads or writes, used to detect an out-of-region
	// access (ExitPageFault).
	FaultAddr uintptr
}

// GuestOpKind enumerates the guest's tiny instruction set.
type GuestOpKind uint8

const (
	OpLoadImm GuestOpKind = iota
	OpECALL
	OpTouch
	OpIllegal
	OpHalt
)

// GuestECALLHandler is implemented by package covg and injected into
// Machine so that a COVG ECALL trapped from the guest can be serviced
// synchronously without worldswitch importing covg (covg satisfies the
// interface structurally and does not import worldswitch either).
type GuestECALLHandler interface {
	HandleGuestECALL(h tvm.Handle, functionID uint64, gprs *[31]uint64) error
}

// Machine drives world-switches for vCPUs belonging to TVMs tracked by
// store, programming the guest CSRs through hart, and resolving any COVG
// ECALL through guestHandler.
type Machine struct {
	hart         platform.Hart
	store        *tvm.Store
	guestHandler GuestECALLHandler
}

// New constructs a Machine.
func New(hart platform.Hart, store *tvm.Store, guestHandler GuestECALLHandler) *Machine {
	return &Machine{hart: hart, store: store, guestHandler: guestHandler}
}

// regionContains reports whether [addr, addr+1) falls inside one of the
// TVM's declared confidential regions (guest-physical address space).
func regionContains(ctrl *tvm.Control, addr uintptr) bool {
	for _, r := range ctrl.Regions() {
		if addr >= r.GuestPA && addr < r.GuestPA+r.Length {
			return true
		}
	}
	return false
}

// Entry installs the vCPU's two-stage paging root and guest CSRs, the
// "Entry" half of spec §4.5: "install its HGATP..., restore guest CSRs
// ..., restore 31 GPRs, execute a return-from-trap to the guest." Here
// that is simply publishing the vCPU's saved fields into the Hart's CSR
// file; GuestOp execution (Run) is the Go-level stand-in for
// "return-from-trap".
func (m *Machine) Entry(vc *tvm.VCPUContext) {
	m.hart.WriteCSR(platform.HGATP, vc.HGATP)
	m.hart.WriteCSR(platform.HSTATUS, vc.HSTATUS|1) // SPV=1: SRET enters VS-mode
	m.hart.WriteCSR(platform.HEDELEG, vc.HEDELEG)
	m.hart.WriteCSR(platform.HIDELEG, vc.HIDELEG)
	m.hart.WriteCSR(platform.SEPC, vc.SEPC)
	m.hart.WriteCSR(platform.SSTATUS, vc.SSTATUS)
	m.hart.WriteCSR(platform.VSATP, vc.VSATP)
}

// Exit publishes the vCPU's register state back into its VCPUContext.
// Spec §4.5's ordering rule — "guest register state is flushed to memory
// before any TSM code that may be observed by the host executes" — is
// honored by Run calling Exit before doing anything else with the
// trapped cause.
func (m *Machine) Exit(vc *tvm.VCPUContext) {
	vc.SEPC = m.hart.ReadCSR(platform.SEPC)
	vc.SSTATUS = m.hart.ReadCSR(platform.SSTATUS)
	vc.SCAUSE = m.hart.ReadCSR(platform.SCAUSE)
	vc.STVAL = m.hart.ReadCSR(platform.STVAL)
}

// Run executes guest ops starting at vc's current program counter
// (tracked as an index into program, stored in vc.GPR's reserved slot is
// not used — the index is threaded explicitly via pc) until the guest
// issues an ECALL (a COVG one is serviced synchronously before Run
// returns ExitCOVG), faults, executes an illegal op, or halts. It returns the ExitReason
// and the index of the next unexecuted op (so callers can resume after a
// COVG ECALL that was serviced synchronously).
func (m *Machine) Run(h tvm.Handle, vc *tvm.VCPUContext, program []GuestOp, pc int) (ExitReason, int, error) {
	if err := m.store.BeginRun(h); err != nil {
		return 0, pc, err
	}
	defer m.store.EndRun(h)

	m.Entry(vc)
	defer m.Exit(vc)

	ctrl, err := m.store.Get(h)
	if err != nil {
		return 0, pc, err
	}

	for pc < len(program) {
		op := program[pc]
		pc++
		switch op.Kind {
		case OpLoadImm:
			if op.Reg < 0 || op.Reg >= len(vc.GPR) {
				return ExitIllegalInstruction, pc, nil
			}
			vc.GPR[op.Reg] = op.Imm

		case OpTouch:
			if !regionContains(ctrl, op.FaultAddr) {
				return ExitPageFault, pc, nil
			}

		case OpECALL:
			if op.ExtensionID == uint64(sbi.ExtCOVG) {
				if m.guestHandler == nil {
					return 0, pc, sbierr.Wrap(sbierr.Failure, fmt.Errorf("worldswitch: no guest ECALL handler installed"))
				}
				m.Exit(vc)
				if err := m.guestHandler.HandleGuestECALL(h, op.FunctionID, &vc.GPR); err != nil {
					vc.GPR[9] = uint64(sbierr.CodeOf(err)) // a0 (GPR index 9 == x10 minus the x0 zero register)
				}
				return ExitCOVG, pc, nil
			}
			return ExitHostECALL, pc, nil

		case OpIllegal:
			return ExitIllegalInstruction, pc, nil

		case OpHalt:
			return ExitHalt, pc, nil

		default:
			return ExitIllegalInstruction, pc, nil
		}
	}
	return ExitHalt, pc, nil
}
