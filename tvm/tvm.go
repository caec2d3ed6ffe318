// Package tvm implements the TVM object store and lifecycle state machine
// (spec §4.4, component E): the per-TVM control block, its state
// transitions, its region list, and its measurement accumulator.
//
// Handles are generation-tagged opaque integers so a destroyed TVM's
// handle is never reissued (spec §8's "handle freshness" invariant) —
// the same non-reusable-identifier idiom the teacher's vCPU table uses
// for file descriptors, and the one oasisprotocol-cli and
// virtengine-virtengine both reach for google/uuid to seed when a
// collision-resistant correlation id (not just an array index) is
// needed across process restarts; here the generation counter starts at
// zero on every boot, and a separate per-boot correlation seed is derived
// from a UUID so attestation logs correlating handles across a reboot
// don't collide (see NewStore and CorrelationSeed).
package tvm

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/internal/syncutil"
	"github.com/hisa-team/shadowfax/pool"
)

// State is a TVMCB lifecycle state (spec §4.4).
type State uint8

const (
	New State = iota
	Configuring
	VCPUsAdded
	Finalized
	Running
	destroyed // internal only; a destroyed TVMCB is removed from the table
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Configuring:
		return "CONFIGURING"
	case VCPUsAdded:
		return "VCPUS_ADDED"
	case Finalized:
		return "FINALIZED"
	case Running:
		return "RUNNING"
	case destroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// MaxVCPUs is the number of vCPUs a TVM may have. Spec §1 and §3 both
// scope this implementation to a single vCPU per TVM ("Non-goals:
// ...multi-hart TVMs beyond a single vCPU").
const MaxVCPUs = 1

// Handle is an opaque, non-reusable TVM identifier (spec §4.4).
type Handle struct {
	index      uint32
	generation uint64
}

// Measurement is the running cryptographic hash accumulator (spec §3).
// Each event folds in as sha256(running || event), the same
// extend-a-running-digest idiom scrtlabs/reproduce-mr's measureLog uses
// to simulate RTMR extension.
type Measurement [sha256.Size]byte

// Extend mixes data into the accumulator in place.
func (m *Measurement) Extend(data []byte) {
	h := sha256.New()
	h.Write(m[:])
	h.Write(data)
	copy(m[:], h.Sum(nil))
}

// VCPUContext is the per-vCPU saved/restored register file (spec §3): 31
// GPRs, the guest trap CSRs, and the two-stage paging root. The
// world-switch package is the only consumer that mutates these fields on
// entry/exit; tvm just owns the storage.
type VCPUContext struct {
	GPR [31]uint64

	SEPC    uint64
	SSTATUS uint64
	SCAUSE  uint64
	STVAL   uint64

	HGATP   uint64
	VSATP   uint64
	HSTATUS uint64
	HEDELEG uint64
	HIDELEG uint64

	Entry uint64 // initial PC installed at create_tvm_vcpu

	// Suspended holds a pending TEECALL context when the vCPU has
	// entered the TSM synchronously and not yet returned (spec §4.5
	// TEECALL/TEERET); nil when the vCPU is not mid-TEECALL.
	Suspended *TEECallContext
}

// TEECallContext is the pending-TEECALL context spec §3's TVMCB data
// model names ("pending-TEECALL context if suspended"). TEECALL is
// handled synchronously on the same hart (spec §4.5), so in this
// implementation nothing populates the field and it stays nil; it exists
// as a named type so a
// future CoVE-I-aware build has somewhere to hang re-entrant state
// without changing VCPUContext's shape.
type TEECallContext struct {
	FunctionID uint64
	Args       [6]uint64
}

// Control is one TVM's control block (spec §3's TVMCB).
type Control struct {
	handle      Handle
	state       State
	regions     []pool.Region
	vcpus       []*VCPUContext
	measurement Measurement
	finalized   bool

	// LeafPublicKey and LeafPrivateKey are populated by package attest at
	// finalize_tvm time; tvm only stores them so get_evidence can read
	// them back without a second lookup through the handle table.
	LeafPublicKey  []byte
	LeafPrivateKey []byte
	Certificate    []byte

	// eagerLoaded records the loader strategy used to populate this TVM's
	// memory (spec §9's open question between eager and lazy loading).
	// It is set once any page has been filled through ExtendPageFill (the
	// eager path, the only loader this build has); Finalize mixes it in as
	// a one-byte tag (1 if set, 0 if no page was filled) as the last
	// measurement event before sealing.
	eagerLoaded bool
}

// OwnerID is the stable identifier package pool uses to tag pages
// confidential to this TVM. It is derived from the handle's table index
// alone (not its generation): Store never reuses a table index (nextIdx
// only advances), so two TVMs never share an owner id, and pool can stay a plain
// uint64-keyed table without importing package tvm.
func (h Handle) OwnerID() uint64 { return uint64(h.index) }

// Handle returns the control block's handle.
func (c *Control) Handle() Handle { return c.handle }

// State returns the control block's current lifecycle state.
func (c *Control) State() State { return c.state }

// Measurement returns the running (or, once Finalized, sealed) measurement.
func (c *Control) Measurement() Measurement { return c.measurement }

// Regions returns the TVM's confidential regions in insertion order.
func (c *Control) Regions() []pool.Region { return append([]pool.Region(nil), c.regions...) }

// VCPU returns the i-th vCPU context, or nil if it does not exist.
func (c *Control) VCPU(i int) *VCPUContext {
	if i < 0 || i >= len(c.vcpus) {
		return nil
	}
	return c.vcpus[i]
}

// domainSeparator is mixed in as the very first measurement event, so
// two otherwise-identical measurement sequences produced by a
// differently-versioned TSM never collide (spec §3: "Measurement
// initialized to a domain-separating constant plus the TSM's DICE node").
var domainSeparator = []byte("shadowfax-tvm-measurement-v1")

// Store is the TVM handle table (spec §4.4). All mutation of a Control
// must happen through Store's methods so that state-machine invariants
// are enforced in one place; Store itself performs no locking and
// expects the caller to hold the TSM giant lock (spec §5).
type Store struct {
	gen     syncutil.Generation
	byIndex map[uint32]*Control
	nextIdx uint32
	// correlationSeed disambiguates handles issued across process
	// restarts in attestation logs, seeded once from a UUID rather than
	// from the reused-from-zero generation counter.
	correlationSeed uint64
}

// NewStore constructs an empty TVM handle table.
func NewStore() *Store {
	seed := uuid.New()
	var s uint64
	for _, b := range seed[:8] {
		s = s<<8 | uint64(b)
	}
	return &Store{byIndex: make(map[uint32]*Control), correlationSeed: s}
}

// CorrelationSeed returns the per-boot nonce mixed into attestation logs
// alongside a TVM handle, so the same numeric handle issued across two
// boots is still distinguishable in aggregated logs.
func (s *Store) CorrelationSeed() uint64 { return s.correlationSeed }

// CreateTVM allocates a new TVMCB in the NEW state (spec §4.4: "created
// by CREATE_TVM; no regions, no vCPUs"), seeding its measurement with the
// domain separator and the TSM's own DICE node measurement (tsmMeasurement
// comes from package attest at boot).
func (s *Store) CreateTVM(tsmMeasurement []byte) Handle {
	idx := s.nextIdx
	s.nextIdx++
	gen := s.gen.Next()
	h := Handle{index: idx, generation: gen}

	ctrl := &Control{handle: h, state: New}
	ctrl.measurement.Extend(domainSeparator)
	ctrl.measurement.Extend(tsmMeasurement)

	s.byIndex[idx] = ctrl
	return h
}

func (s *Store) lookup(h Handle) (*Control, error) {
	ctrl, ok := s.byIndex[h.index]
	if !ok || ctrl.handle.generation != h.generation || ctrl.state == destroyed {
		return nil, sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("unknown or stale TVM handle %+v", h))
	}
	return ctrl, nil
}

// Get returns the control block for h, or an INVALID_STATE error if h is
// unknown, stale, or destroyed (spec §8's handle-freshness invariant).
func (s *Store) Get(h Handle) (*Control, error) {
	return s.lookup(h)
}

func requireState(ctrl *Control, allowed ...State) error {
	for _, a := range allowed {
		if ctrl.state == a {
			return nil
		}
	}
	return sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("operation not permitted in state %s", ctrl.state))
}

// AddRegion appends a confidential region to a TVM in CONFIGURING or
// VCPUS_ADDED state (spec §4.4: "regions may be appended" in both) and
// mixes a canonical region-add measurement event in (ascending guest
// physical address order is the caller's responsibility: add_tvm_memory_region
// is invoked in the order the host issues it, and the host is expected to
// issue them in ascending GPA order per spec §4.4).
func (s *Store) AddRegion(h Handle, r pool.Region) error {
	ctrl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if ctrl.state == New {
		ctrl.state = Configuring
	}
	if err := requireState(ctrl, Configuring, VCPUsAdded); err != nil {
		return err
	}
	ctrl.regions = append(ctrl.regions, r)

	var event [24]byte
	putUint64(event[0:8], uint64(r.GuestPA))
	putUint64(event[8:16], uint64(r.HostPA))
	putUint64(event[16:24], uint64(r.Length))
	ctrl.measurement.Extend(event[:])
	return nil
}

// ExtendPageFill mixes one page-fill event into the measurement, in
// canonical (region, ascending offset) order (spec §4.4). Called by
// package covh after pool.Fill succeeds.
func (s *Store) ExtendPageFill(h Handle, guestPA uintptr, data []byte) error {
	ctrl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if err := requireState(ctrl, Configuring, VCPUsAdded); err != nil {
		return err
	}
	var header [8]byte
	putUint64(header[:], uint64(guestPA))
	ctrl.measurement.Extend(header[:])
	ctrl.measurement.Extend(data)
	ctrl.eagerLoaded = true
	return nil
}

// AddVCPU creates the TVM's (sole) vCPU (spec §4.4: "add_vcpu"). entry is
// the initial guest PC.
func (s *Store) AddVCPU(h Handle, entry uint64) error {
	ctrl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if err := requireState(ctrl, Configuring, VCPUsAdded); err != nil {
		return err
	}
	if len(ctrl.vcpus) >= MaxVCPUs {
		return sbierr.Wrap(sbierr.InvalidParam, fmt.Errorf("TVM already has the maximum of %d vCPUs", MaxVCPUs))
	}
	ctrl.vcpus = append(ctrl.vcpus, &VCPUContext{Entry: entry, SEPC: entry})
	ctrl.state = VCPUsAdded
	return nil
}

// Finalize seals the measurement and moves the TVM to FINALIZED (spec
// §4.4). Before sealing, Finalize folds the loader-strategy byte (see
// ExtendPageFill's eagerLoaded bookkeeping) in as the final measurement
// event; deriveLeaf is then invoked with the sealed measurement and must
// return the per-TVM DICE leaf's public and private keys.
func (s *Store) Finalize(h Handle, deriveLeaf func(measurement Measurement) (pub, priv []byte, err error)) error {
	ctrl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if err := requireState(ctrl, VCPUsAdded); err != nil {
		return err
	}
	if len(ctrl.vcpus) == 0 {
		return sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("finalize requires at least one vCPU"))
	}

	loaderTag := byte(0)
	if ctrl.eagerLoaded {
		loaderTag = 1
	}
	ctrl.measurement.Extend([]byte{loaderTag})

	pub, priv, err := deriveLeaf(ctrl.measurement)
	if err != nil {
		return sbierr.Wrap(sbierr.Failure, err)
	}
	ctrl.LeafPublicKey = pub
	ctrl.LeafPrivateKey = priv
	ctrl.finalized = true
	ctrl.state = Finalized
	return nil
}

// BeginRun transitions a FINALIZED TVM to RUNNING for the duration of a
// world-switch (spec §4.4's transient RUNNING state).
func (s *Store) BeginRun(h Handle) error {
	ctrl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if err := requireState(ctrl, Finalized); err != nil {
		return err
	}
	ctrl.state = Running
	return nil
}

// EndRun returns a RUNNING TVM to FINALIZED on guest exit.
func (s *Store) EndRun(h Handle) error {
	ctrl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if err := requireState(ctrl, Running); err != nil {
		return err
	}
	ctrl.state = Finalized
	return nil
}

// Destroy removes a TVM from the table (spec §4.4: "only from FINALIZED
// or earlier") and returns its regions. The caller moves the TVM's pages
// to Reclaiming with pool.MarkReclaiming(h.OwnerID()). The handle is
// never reissued: Store only ever
// advances nextIdx/generation forward.
func (s *Store) Destroy(h Handle) ([]pool.Region, error) {
	ctrl, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	if ctrl.state == Running {
		return nil, sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("cannot destroy a running TVM"))
	}
	regions := ctrl.regions
	ctrl.state = destroyed
	delete(s.byIndex, h.index)
	return regions, nil
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
