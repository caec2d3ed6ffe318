// Package platform is the hardware-facing boundary of the TSM core (spec
// §4.1, §9 "Inline assembly and CSR access"). It plays the same role
// gVisor's pkg/sentry/platform plays between the sentry kernel and the
// host CPU: everything above this package is ordinary, portable Go;
// everything this package's Hart implementations do is the one place
// real CSR writes, PMP programming, and the world-switch trampoline
// would live in a hosted build.
//
// A production build targets real M-mode RISC-V hardware through a Hart
// implementation that is mostly assembly, exactly as gVisor's kvm package
// is mostly ioctl/mmap calls into the host kernel. Stub, the
// implementation carried here, is a pure-Go model of that boundary so the
// rest of the core — and its tests — never need real hardware.
package platform

import "fmt"

// CSR identifies one of the control-and-status registers the world-switch
// consumes as a typed read/write primitive rather than a freeform
// instruction string (spec §9).
type CSR int

const (
	// HGATP is the two-stage (guest-physical to host-physical) paging root.
	HGATP CSR = iota
	// HSTATUS carries SPV (the bit that routes SRET into VS-mode).
	HSTATUS
	// HEDELEG is the hypervisor exception-delegation bitmask.
	HEDELEG
	// HIDELEG is the hypervisor interrupt-delegation bitmask.
	HIDELEG
	// SEPC is the guest's saved exception PC.
	SEPC
	// SSTATUS is the guest's supervisor status register.
	SSTATUS
	// SCAUSE is the guest's trap cause.
	SCAUSE
	// STVAL is the guest's trap value (faulting address/instruction).
	STVAL
	// VSATP is the guest's own (VS-mode) first-stage paging root.
	VSATP
)

func (c CSR) String() string {
	names := [...]string{"hgatp", "hstatus", "hedeleg", "hideleg", "sepc", "sstatus", "scause", "stval", "vsatp"}
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("csr(%d)", int(c))
}

// PMPPerm is a bitset of the permissions a PMP region grants or denies.
type PMPPerm uint8

const (
	PMPRead PMPPerm = 1 << iota
	PMPWrite
	PMPExecute
)

// PMPNone denies all access: the state convert_pages programs for a
// range it has just pulled out of Host state (spec §4.3).
const PMPNone PMPPerm = 0

// PMPHostDefault is the permission set every Host-state page carries:
// the invariant in spec §3 requires Host pages to remain writable by the
// host.
const PMPHostDefault PMPPerm = PMPRead | PMPWrite | PMPExecute

// PageSize is the fixed frame size the confidential-page allocator and
// the world-switch both operate on (spec §3).
const PageSize = 4096

// Hart is the typed interface to a single RISC-V hart's M-mode-visible
// state. It is the one boundary in the TSM core that a real firmware
// build implements with CSR instructions and linker-defined PMP
// registers instead of Go data structures.
type Hart interface {
	// ReadCSR and WriteCSR access one typed CSR (spec §9).
	ReadCSR(CSR) uint64
	WriteCSR(CSR, uint64)

	// InstallPMPRegion programs a PMP entry covering
	// [base, base+1<<log2Size) with the given permission set. Spec §4.1:
	// "install_pmp_region(phys_base, log2_size, perms)".
	InstallPMPRegion(base uintptr, log2Size uint, perms PMPPerm) error

	// FlushTLB issues the TLB/cache-invalidate barrier spec §4.3 and §5
	// require after a PMP region is reprogrammed, before any hart is
	// allowed to observe the new mapping.
	FlushTLB()

	// TimerRead returns the current hart timer value (spec §4.1).
	TimerRead() uint64

	// ReadByte and WriteByte access one byte of the hart's physical
	// address space. The confidential-page allocator uses these for
	// fill and reclaim; production firmware implements them as direct
	// loads/stores, Stub as indexed access into its backing arena.
	ReadByte(pa uintptr) byte
	WriteByte(pa uintptr, v byte)
}

// GPRCount is the number of general-purpose registers a vCPU context
// saves and restores (spec §3: "All 31 general-purpose registers").
const GPRCount = 31
