// Package supd implements the supervisor-domain registry (spec §4.7,
// component D): pure-read enumeration of the domains active in the
// system, modeled the same closed, capability-bitset-over-query way the
// teacher's pkg/cpuid models a CPU's feature set as a queryable
// capability map rather than a pile of loose booleans.
package supd

// Capability is a single bit in a domain's capability bitset (spec §3).
type Capability uint32

const (
	CapTSMPresent Capability = 1 << iota
	CapCoveH
	CapCoveG
	CapMPT
)

// Set is a bitset of Capability values, following the teacher's
// cpuid.Static pattern of a closed map/set over a small enum rather than
// a growable slice of flags.
type Set uint32

// Has reports whether cap is present in the set.
func (s Set) Has(cap Capability) bool { return s&Set(cap) != 0 }

// With returns s with cap added.
func (s Set) With(cap Capability) Set { return s | Set(cap) }

// Domain is a supervisor-domain descriptor (spec §3).
type Domain struct {
	ID        uint32
	Label     string
	Caps      Set
	AddrBase  uintptr
	AddrLimit uintptr
}

// CoVEVersion is the build-constant CoVE-H/CoVE-G revision this TSM
// implements, asserted by conformance tests against the CoVE RFC
// revision under test (spec §9's open question on FID numbering).
const CoVEVersion = 0x0001_0000

// TSMVersion is the build-constant TSM firmware version reported by
// get_tsm_info.
const TSMVersion = 0x0001_0000

const (
	HostDomainID = 0
	TSMDomainID  = 1
)

// Registry enumerates the domains known to this boot (spec §4.7). It is
// immutable after construction: "All queries are pure reads; no state
// change."
type Registry struct {
	domains []Domain
}

// New builds the registry with the two domains every boot carries (spec
// §3: "At least two domains exist at boot: the host domain and the TSM
// domain"), plus any additional domains the platform substrate supplies.
func New(extra ...Domain) *Registry {
	domains := []Domain{
		{
			ID:    HostDomainID,
			Label: "host",
			Caps:  Set(0),
		},
		{
			ID:    TSMDomainID,
			Label: "tsm",
			Caps:  Set(CapTSMPresent).With(CapCoveH).With(CapCoveG),
		},
	}
	domains = append(domains, extra...)
	return &Registry{domains: domains}
}

// EnumerateDomains returns the number of known domains.
func (r *Registry) EnumerateDomains() int { return len(r.domains) }

// GetDomainInfo returns the descriptor for the i-th domain.
func (r *Registry) GetDomainInfo(i int) (Domain, bool) {
	if i < 0 || i >= len(r.domains) {
		return Domain{}, false
	}
	return r.domains[i], true
}

// TSMInfo is the reply shape for get_tsm_info (spec §4.7).
type TSMInfo struct {
	Version     uint32
	CoVEVersion uint32
	MPTActive   bool
	Implemented Set
}

// GetTSMInfo reports the TSM's own version, implemented CoVE extensions,
// and whether MPT enforcement is active. MPT is never active in this
// build (spec §9: "the core must work correctly with PMP only").
func (r *Registry) GetTSMInfo() TSMInfo {
	return TSMInfo{
		Version:     TSMVersion,
		CoVEVersion: CoVEVersion,
		MPTActive:   false,
		Implemented: Set(CapCoveH).With(CapCoveG),
	}
}
