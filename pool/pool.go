// Package pool implements the confidential-page allocator (spec §4.3,
// component C): the dense, arena-indexed page-state table that tracks
// every physical frame donated by the host, and the convert / assign /
// fill / reclaim state machine that moves frames between Host,
// Converting, Confidential and Reclaiming.
//
// The arena-plus-index layout mirrors spec §9's "Arena + index for page
// metadata" note and the teacher's own flat-array approach to physical
// memory bookkeeping (kvm.go's userMemoryRegion slots, physical_map_amd64.go's
// translateToPhysical): no dynamic allocation happens on the convert/reclaim
// hot path, only indexed writes into a table sized at pool construction.
package pool

import (
	"fmt"

	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/platform"
)

// State is a page's lifecycle tag (spec §3).
type State uint8

const (
	// Host is the initial and final state: the host may freely access
	// the page.
	Host State = iota
	// Converting means the page has left Host but has not yet been
	// assigned to a TVM; it records the convert epoch it moved under.
	Converting
	// Confidential means the page is owned by exactly one TVM.
	Confidential
	// Reclaiming means the page's owning TVM was destroyed and it is
	// waiting to be zeroed and returned to Host.
	Reclaiming
)

func (s State) String() string {
	switch s {
	case Host:
		return "Host"
	case Converting:
		return "Converting"
	case Confidential:
		return "Confidential"
	case Reclaiming:
		return "Reclaiming"
	default:
		return "Unknown"
	}
}

// entry is the per-page metadata the arena stores.
type entry struct {
	state State
	owner uint64 // valid only in Confidential and Reclaiming
	epoch uint64 // the convert/reclaim epoch the page last transitioned under
}

// Region describes one contiguous, page-aligned confidential region
// owned by a TVM (spec §3's TVMCB "confidential regions" field).
type Region struct {
	GuestPA uintptr
	HostPA  uintptr
	Length  uintptr
}

// Pool is the confidential-memory pool: the set of frames currently in
// Converting, Confidential, or Reclaiming (spec §3). All methods assume
// the caller already holds the TSM giant lock (spec §5); Pool itself adds
// no locking, matching the teacher's convention of leaving synchronization
// to the caller for low-level, hot-path data structures.
type Pool struct {
	hart platform.Hart
	base uintptr
	n    uintptr // number of pages covered

	entries []entry
	epoch   uint64

	// staticRegionBase/staticRegionPages mark the TSM's own static state
	// region (spec §6: the fixed 64 KiB range holding the TVM handle
	// table, page metadata, DICE keys and the rest of the TSM's own RAM
	// footprint). convert_pages must never be able to hand this range to
	// a TVM (spec §8's boundary behavior), so it is tracked here rather
	// than left as an address the caller has to remember to avoid.
	staticRegionBase  uintptr
	staticRegionPages uintptr
}

// New constructs a Pool covering n pages of physical memory starting at
// base, all initially in Host state.
func New(hart platform.Hart, base uintptr, n uintptr) *Pool {
	return &Pool{
		hart:    hart,
		base:    base,
		n:       n,
		entries: make([]entry, n),
	}
}

// SetStaticRegion records the host-physical range the TSM's own static
// state occupies. A zero-page region (the default) disables the overlap
// check entirely, which newTestPool and most unit tests rely on.
func (p *Pool) SetStaticRegion(base, n uintptr) {
	p.staticRegionBase = base
	p.staticRegionPages = n
}

// overlapsStaticRegion reports whether [base, base+n*PageSize) intersects
// the TSM's own static region.
func (p *Pool) overlapsStaticRegion(base, n uintptr) bool {
	if p.staticRegionPages == 0 {
		return false
	}
	rangeEnd := base + n*platform.PageSize
	staticEnd := p.staticRegionBase + p.staticRegionPages*platform.PageSize
	return base < staticEnd && p.staticRegionBase < rangeEnd
}

// Base returns the pool's starting physical address.
func (p *Pool) Base() uintptr { return p.base }

// Pages returns the number of pages the pool covers.
func (p *Pool) Pages() uintptr { return p.n }

func (p *Pool) index(pa uintptr) (int, error) {
	if pa%platform.PageSize != 0 {
		return 0, sbierr.Wrap(sbierr.InvalidAddress, fmt.Errorf("address %#x is not page-aligned", pa))
	}
	if pa < p.base || pa >= p.base+p.n*platform.PageSize {
		return 0, sbierr.Wrap(sbierr.BadRange, fmt.Errorf("address %#x outside pool [%#x, %#x)", pa, p.base, p.base+p.n*platform.PageSize))
	}
	return int(pa-p.base) / platform.PageSize, nil
}

// validateRange resolves a [base, base+n*PageSize) range to the arena
// indices it covers, applying the boundary rules of spec §8: zero length
// is INVALID_PARAM, misalignment is INVALID_ADDRESS, and out-of-pool is
// BAD_RANGE.
func (p *Pool) validateRange(base uintptr, n uintptr) (int, int, error) {
	if n == 0 {
		return 0, 0, sbierr.Wrap(sbierr.InvalidParam, fmt.Errorf("zero-length range"))
	}
	start, err := p.index(base)
	if err != nil {
		return 0, 0, err
	}
	end := start + int(n)
	if end > len(p.entries) {
		return 0, 0, sbierr.Wrap(sbierr.BadRange, fmt.Errorf("range [%#x, %#x) exceeds pool capacity", base, base+n*platform.PageSize))
	}
	return start, end, nil
}

// State returns the current state of the page at pa, for tests and
// conformance assertions.
func (p *Pool) State(pa uintptr) (State, uint64, error) {
	idx, err := p.index(pa)
	if err != nil {
		return 0, 0, err
	}
	e := p.entries[idx]
	return e.state, e.owner, nil
}

// Convert transitions every page in [base, base+n*PageSize) from Host to
// Converting, installs a PMP denial over the range, and issues the
// required TLB barrier (spec §4.3's "convert" operation). Partial
// failures are rolled back before returning, so a caller never observes
// a range left half-converted.
func (p *Pool) Convert(base, n uintptr) (epoch uint64, err error) {
	start, end, err := p.validateRange(base, n)
	if err != nil {
		return 0, err
	}
	if p.overlapsStaticRegion(base, n) {
		return 0, sbierr.Wrap(sbierr.Denied, fmt.Errorf("range [%#x, %#x) overlaps the TSM's own static region [%#x, %#x)",
			base, base+n*platform.PageSize, p.staticRegionBase, p.staticRegionBase+p.staticRegionPages*platform.PageSize))
	}
	for i := start; i < end; i++ {
		if p.entries[i].state != Host {
			return 0, sbierr.Wrap(sbierr.AlreadyAvailable, fmt.Errorf("page %d is already %s", i, p.entries[i].state))
		}
	}

	p.epoch++
	e := p.epoch
	for i := start; i < end; i++ {
		p.entries[i] = entry{state: Converting, epoch: e}
	}

	if err := p.hart.InstallPMPRegion(base, log2Size(n*platform.PageSize), platform.PMPNone); err != nil {
		// Roll back: the page-state update must never outlive a failed
		// hardware-side denial.
		for i := start; i < end; i++ {
			p.entries[i] = entry{state: Host}
		}
		return 0, sbierr.Wrap(sbierr.Failure, err)
	}
	p.hart.FlushTLB()

	return e, nil
}

// AssignToTVM transitions a Converting range to Confidential(owner),
// recording it as one of the TVM's regions (spec §4.3's
// "assign_to_tvm"). Region bookkeeping in the TVMCB itself is the
// caller's responsibility (package tvm); Pool only owns the page tags.
func (p *Pool) AssignToTVM(owner uint64, base, n uintptr) error {
	start, end, err := p.validateRange(base, n)
	if err != nil {
		return err
	}
	for i := start; i < end; i++ {
		if p.entries[i].state != Converting {
			return sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("page %d is %s, not Converting", i, p.entries[i].state))
		}
	}
	for i := start; i < end; i++ {
		p.entries[i].state = Confidential
		p.entries[i].owner = owner
	}
	return nil
}

// Fill copies bytes from a host-readable scratch buffer into a single
// Confidential page owned by owner. It returns only an error; the caller
// mixes the same bytes into the TVM's measurement accumulator afterwards,
// giving the canonical copy-then-hash order spec §4.3 requires ("Source
// bytes are first copied then hashed, in that order").
func (p *Pool) Fill(owner uint64, guestPA uintptr, hostPA uintptr, data []byte) error {
	if len(data) == 0 || len(data) > platform.PageSize {
		return sbierr.Wrap(sbierr.InvalidParam, fmt.Errorf("fill length %d out of [1, %d]", len(data), platform.PageSize))
	}
	idx, err := p.index(hostPA)
	if err != nil {
		return err
	}
	e := p.entries[idx]
	if e.state != Confidential {
		return sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("page %d is %s, not Confidential", idx, e.state))
	}
	if e.owner != owner {
		return sbierr.Wrap(sbierr.Denied, fmt.Errorf("page %d is owned by %d, not %d", idx, e.owner, owner))
	}
	for i, b := range data {
		p.hart.WriteByte(hostPA+uintptr(i), b)
	}
	return nil
}

// Reclaim transitions pages out of Reclaiming back to Host: contents are
// zeroed first, the PMP denial is lifted second, and only then is the
// state tag set to Host, so that any hart observing Host is guaranteed to
// see zeroed contents (spec §4.3's ordering invariant and §8's "no leak"
// property).
func (p *Pool) Reclaim(base, n uintptr) error {
	start, end, err := p.validateRange(base, n)
	if err != nil {
		return err
	}
	for i := start; i < end; i++ {
		if p.entries[i].state != Reclaiming {
			return sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("page %d is %s, not Reclaiming", i, p.entries[i].state))
		}
	}

	for i := start; i < end; i++ {
		pa := p.base + uintptr(i)*platform.PageSize
		for off := uintptr(0); off < platform.PageSize; off++ {
			p.hart.WriteByte(pa+off, 0)
		}
	}
	if err := p.hart.InstallPMPRegion(base, log2Size(n*platform.PageSize), platform.PMPHostDefault); err != nil {
		return sbierr.Wrap(sbierr.Failure, err)
	}
	p.hart.FlushTLB()

	for i := start; i < end; i++ {
		p.entries[i] = entry{state: Host}
	}
	return nil
}

// MarkReclaiming transitions every Confidential(owner) page to Reclaiming.
// Called by covh.Core.DestroyTVM on destroy_tvm (spec §4.4).
func (p *Pool) MarkReclaiming(owner uint64) []Region {
	var regions []Region
	var runStart = -1
	flush := func(endIdx int) {
		if runStart < 0 {
			return
		}
		regions = append(regions, Region{
			HostPA: p.base + uintptr(runStart)*platform.PageSize,
			Length: uintptr(endIdx-runStart) * platform.PageSize,
		})
		runStart = -1
	}
	for i := range p.entries {
		if p.entries[i].state == Confidential && p.entries[i].owner == owner {
			p.entries[i].state = Reclaiming
			if runStart < 0 {
				runStart = i
			}
		} else {
			flush(i)
		}
	}
	flush(len(p.entries))
	return regions
}

// DeniedByPMP reports whether a host load/store matching want would be
// denied at pa. It is a thin pass-through to the underlying Stub used by
// conformance tests exercising the "escape attempt" scenario (spec §8
// scenario 6); production Hart implementations need not support this
// query since a real PMP fault traps instead of being polled.
func (p *Pool) DeniedByPMP(pa uintptr, want platform.PMPPerm) bool {
	type checker interface {
		CheckAccess(uintptr, platform.PMPPerm) bool
	}
	c, ok := p.hart.(checker)
	if !ok {
		return false
	}
	return !c.CheckAccess(pa, want)
}

func log2Size(n uintptr) uint {
	var l uint
	for (uintptr(1) << l) < n {
		l++
	}
	return l
}
