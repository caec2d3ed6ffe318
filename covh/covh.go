// Package covh implements the host-facing COVH ECALL surface (spec
// §4.8, component H): thin, validate-lock-invoke glue in front of
// package pool (C), package tvm (E), package worldswitch (F), and
// package attest (G), bound into the sbi dispatcher's static table under
// extension id COVH.
//
// Every exported method here acquires the TSM giant lock (spec §5) for
// its entire body, RunVCPU included: the world-switch, the one operation
// allowed to suspend the calling host thread (spec §5: "Suspension
// points: none within a single ECALL except run_tvm_vcpu"), runs with the
// lock held.
package covh

import (
	"fmt"

	"github.com/hisa-team/shadowfax/attest"
	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/internal/syncutil"
	"github.com/hisa-team/shadowfax/internal/tsmlog"
	"github.com/hisa-team/shadowfax/platform"
	"github.com/hisa-team/shadowfax/pool"
	"github.com/hisa-team/shadowfax/supd"
	"github.com/hisa-team/shadowfax/tvm"
	"github.com/hisa-team/shadowfax/worldswitch"
)

// Function ids within the COVH extension (spec §4.8's mandatory list).
// Pinned per spec §9's open question the same way package covg pins
// get_evidence: sequential assignment asserted by
// TestFunctionIDsArePinned so a conformance run against a specific CoVE
// RFC revision can catch drift.
const (
	FIDGetTSMInfo          uint64 = 0
	FIDConvertPages        uint64 = 1
	FIDReclaimPages        uint64 = 2
	FIDCreateTVM           uint64 = 3
	FIDDestroyTVM          uint64 = 4
	FIDAddTVMMemoryRegion  uint64 = 5
	FIDAddTVMPage          uint64 = 6
	FIDCreateTVMVCPU       uint64 = 7
	FIDFinalizeTVM         uint64 = 8
	FIDRunTVMVCPU          uint64 = 9
)

// Core wires every TSM-core component together behind the single giant
// lock spec §5 requires: "a single TSM-wide ticket lock serializes every
// COVH/COVG operation and every vCPU entry/exit."
type Core struct {
	lock syncutil.TicketLock

	hart    platform.Hart
	Pool    *pool.Pool
	Domains *supd.Registry
	Store   *tvm.Store
	Chain   *attest.Chain
	Machine *worldswitch.Machine
}

// New assembles a Core from its already-constructed components. guest is
// installed as the world-switch's COVG handler.
func New(hart platform.Hart, p *pool.Pool, domains *supd.Registry, store *tvm.Store, chain *attest.Chain, guest worldswitch.GuestECALLHandler) *Core {
	return &Core{
		hart:    hart,
		Pool:    p,
		Domains: domains,
		Store:   store,
		Chain:   chain,
		Machine: worldswitch.New(hart, store, guest),
	}
}

func (c *Core) locked(fn func() error) error {
	ticket := c.lock.Lock()
	defer c.lock.Unlock(ticket)
	return fn()
}

// GetTSMInfo implements COVH.get_tsm_info (spec §4.7/§4.8). It is a pure
// read but still serializes through the giant lock so that it observes a
// consistent snapshot relative to concurrent mutations.
func (c *Core) GetTSMInfo() (supd.TSMInfo, error) {
	var info supd.TSMInfo
	err := c.locked(func() error {
		info = c.Domains.GetTSMInfo()
		return nil
	})
	return info, err
}

// ConvertPages implements COVH.convert_pages (spec §4.3, §4.8).
func (c *Core) ConvertPages(base uintptr, n uintptr) error {
	log := tsmlog.Allocator()
	return c.locked(func() error {
		_, err := c.Pool.Convert(base, n)
		if err != nil {
			log.Warn().Err(err).Uint64("base", uint64(base)).Msg("convert_pages failed")
		}
		return err
	})
}

// ReclaimPages implements COVH.reclaim_pages (spec §4.3, §4.8).
func (c *Core) ReclaimPages(base uintptr, n uintptr) error {
	return c.locked(func() error {
		return c.Pool.Reclaim(base, n)
	})
}

// tsmMeasurementSeed is mixed into every new TVM's measurement as "the
// TSM's DICE node" (spec §3); it is the TSM node's own measurement value,
// read from the chain, which fixes it when the chain is built.
func (c *Core) tsmMeasurementSeed() []byte {
	if c.Chain == nil || c.Chain.TSM == nil {
		return nil
	}
	return c.Chain.TSM.Measurement
}

// CreateTVM implements COVH.create_tvm (spec §4.4, §4.8).
func (c *Core) CreateTVM() (tvm.Handle, error) {
	var h tvm.Handle
	err := c.locked(func() error {
		h = c.Store.CreateTVM(c.tsmMeasurementSeed())
		return nil
	})
	return h, err
}

// AddTVMMemoryRegion implements COVH.add_tvm_memory_region (spec §4.3's
// assign_to_tvm plus §4.4's add_region, composed): the host has already
// converted the underlying host-physical range; this call assigns it to
// the TVM and records the region.
func (c *Core) AddTVMMemoryRegion(h tvm.Handle, guestPA, hostPA, length uintptr) error {
	return c.locked(func() error {
		n := length / platform.PageSize
		if err := c.Pool.AssignToTVM(handleOwnerID(h), hostPA, n); err != nil {
			return err
		}
		return c.Store.AddRegion(h, pool.Region{GuestPA: guestPA, HostPA: hostPA, Length: length})
	})
}

// AddTVMPage implements COVH.add_tvm_page (spec §4.3's fill, composed
// with §4.4's measurement mixing).
func (c *Core) AddTVMPage(h tvm.Handle, guestPA, hostPA uintptr, data []byte) error {
	return c.locked(func() error {
		if err := c.Pool.Fill(handleOwnerID(h), guestPA, hostPA, data); err != nil {
			return err
		}
		return c.Store.ExtendPageFill(h, guestPA, data)
	})
}

// CreateTVMVCPU implements COVH.create_tvm_vcpu (spec §4.4, §4.8).
func (c *Core) CreateTVMVCPU(h tvm.Handle, entry uint64) error {
	return c.locked(func() error {
		return c.Store.AddVCPU(h, entry)
	})
}

// FinalizeTVM implements COVH.finalize_tvm (spec §4.4, §4.6: seals the
// measurement and derives the per-TVM DICE leaf).
func (c *Core) FinalizeTVM(h tvm.Handle) error {
	return c.locked(func() error {
		return c.Store.Finalize(h, func(m tvm.Measurement) ([]byte, []byte, error) {
			return c.Chain.DeriveLeaf(m[:])
		})
	})
}

// DestroyTVM implements COVH.destroy_tvm (spec §4.4): transitions every
// owned page to Reclaiming and removes the TVM from the handle table.
func (c *Core) DestroyTVM(h tvm.Handle) error {
	return c.locked(func() error {
		owner := handleOwnerID(h)
		if _, err := c.Store.Destroy(h); err != nil {
			return err
		}
		c.Pool.MarkReclaiming(owner)
		return nil
	})
}

// RunVCPU implements COVH.run_tvm_vcpu (spec §4.5, §4.8). It is the one
// operation that blocks the calling host thread until the guest exits
// (spec §5); the giant lock is held only around the actual world-switch,
// not for the duration of any host-side wait, since Run itself never
// suspends beyond the single guest dispatch being modeled.
func (c *Core) RunVCPU(h tvm.Handle, program []worldswitch.GuestOp, pc int) (worldswitch.ExitReason, int, error) {
	ticket := c.lock.Lock()
	defer c.lock.Unlock(ticket)

	ctrl, err := c.Store.Get(h)
	if err != nil {
		return 0, pc, err
	}
	vc := ctrl.VCPU(0)
	if vc == nil {
		return 0, pc, sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("covh: TVM has no vCPU"))
	}
	return c.Machine.Run(h, vc, program, pc)
}

func handleOwnerID(h tvm.Handle) uint64 {
	return h.OwnerID()
}
