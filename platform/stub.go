package platform

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Stub is an in-process Hart backed by an mmap'd byte arena, the same way
// the teacher's kvm.machine backs guest physical memory with a flat
// mmap'd region (see physical_map_amd64.go's reservedMemory handling):
// here the arena stands in for the whole addressable physical memory
// range, and a page-indexed permission bitmap stands in for PMP.
type Stub struct {
	mu sync.Mutex

	base  uintptr
	arena []byte

	csrs [9]uint64

	// perms holds one PMPPerm per page; index is (pa-base)/PageSize.
	perms []PMPPerm

	timer uint64

	flushes uint64 // number of FlushTLB calls observed, for tests
}

// NewStub allocates a Stub hart covering size bytes starting at base.
// size must be a multiple of PageSize.
func NewStub(base uintptr, size uintptr) (*Stub, error) {
	if size%PageSize != 0 {
		return nil, fmt.Errorf("platform: stub size %d is not page-aligned", size)
	}
	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap stub arena: %w", err)
	}
	perms := make([]PMPPerm, size/PageSize)
	for i := range perms {
		perms[i] = PMPHostDefault
	}
	return &Stub{base: base, arena: arena, perms: perms}, nil
}

// Close releases the backing arena.
func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arena == nil {
		return nil
	}
	err := unix.Munmap(s.arena)
	s.arena = nil
	return err
}

// Base returns the physical base address this stub backs.
func (s *Stub) Base() uintptr { return s.base }

// Size returns the number of bytes this stub backs.
func (s *Stub) Size() uintptr { return uintptr(len(s.arena)) }

func (s *Stub) index(pa uintptr) int {
	if pa < s.base || pa >= s.base+uintptr(len(s.arena)) {
		panic(fmt.Sprintf("platform: address %#x out of stub range [%#x, %#x)", pa, s.base, s.base+uintptr(len(s.arena))))
	}
	return int(pa - s.base)
}

// ReadCSR implements Hart.
func (s *Stub) ReadCSR(c CSR) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrs[c]
}

// WriteCSR implements Hart.
func (s *Stub) WriteCSR(c CSR, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrs[c] = v
}

// InstallPMPRegion implements Hart. The stub records the permission set
// for every page in the region; ReadByte/WriteByte do not check it, and
// CheckAccess reports it, so a test can assert that a denied region
// would fault.
func (s *Stub) InstallPMPRegion(base uintptr, log2Size uint, perms PMPPerm) error {
	size := uintptr(1) << log2Size
	if base%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("platform: PMP region base %#x size %#x is not page-aligned", base, size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for pa := base; pa < base+size; pa += PageSize {
		s.perms[s.index(pa)] = perms
	}
	return nil
}

// FlushTLB implements Hart.
func (s *Stub) FlushTLB() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

// Flushes returns the number of FlushTLB calls observed. Test-only hook.
func (s *Stub) Flushes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// TimerRead implements Hart.
func (s *Stub) TimerRead() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer++
	return s.timer
}

// ReadByte implements Hart. It does not enforce PMP: the allocator, not
// the hart, is responsible for only ever reading pages it owns; PMP
// enforcement on the Stub is validated separately via CheckAccess for
// scenario 6 of spec §8 (the "escape attempt" test).
func (s *Stub) ReadByte(pa uintptr) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena[s.index(pa)]
}

// WriteByte implements Hart.
func (s *Stub) WriteByte(pa uintptr, v byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arena[s.index(pa)] = v
}

// CheckAccess reports whether perms would be granted by the PMP state
// currently installed over pa. It models what a host load/store to pa
// would experience: used by tests exercising the "escape attempt"
// scenario (spec §8 scenario 6) without needing a real page-fault trap.
func (s *Stub) CheckAccess(pa uintptr, want PMPPerm) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := s.perms[s.index(pa)]
	return have&want == want
}
