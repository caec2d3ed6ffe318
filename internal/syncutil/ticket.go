// Package syncutil provides the concurrency primitives shared across the
// TSM core. It is new code over the standard library's sync and
// sync/atomic, kept as a narrow wrapper package in the style the teacher's
// pkg/sync name signals: a sync.Once re-export, plus a ticket lock that
// gives the TSM giant lock (covh.Core's lock) a strict FIFO ordering
// guarantee instead of the unspecified fairness of a bare sync.Mutex.
package syncutil

import (
	"sync"
	"sync/atomic"
)

// Once re-exports sync.Once under the package's own name so that callers
// depend on syncutil rather than reaching into sync directly.
type Once = sync.Once

// TicketLock is a strict FIFO mutual-exclusion lock. Every ECALL that
// touches shared TSM state (confidential-page table, TVM handle table,
// measurement accumulators) acquires the same TicketLock instance, giving
// the core the single total order over observable state changes that the
// concurrency model calls for.
type TicketLock struct {
	nowServing uint64
	nextTicket uint64
}

// Lock blocks until this caller's ticket is being served.
func (t *TicketLock) Lock() uint64 {
	ticket := atomic.AddUint64(&t.nextTicket, 1) - 1
	for atomic.LoadUint64(&t.nowServing) != ticket {
		// The TSM core never holds this lock across a suspension point
		// other than run_tvm_vcpu, so contention is expected to be brief;
		// a pure spin avoids pulling in a scheduler-aware backoff.
	}
	return ticket
}

// Unlock advances service to the next ticket. The ticket passed in must be
// the value returned by the matching Lock call.
func (t *TicketLock) Unlock(ticket uint64) {
	atomic.StoreUint64(&t.nowServing, ticket+1)
}

// Generation is a monotonically increasing counter used to tag freshly
// issued handles so that a destroyed handle is never reissued (the
// "handle freshness" invariant).
type Generation struct {
	v uint64
}

// Next returns the next generation value, starting at 1 so that the zero
// value of a handle is never valid.
func (g *Generation) Next() uint64 {
	return atomic.AddUint64(&g.v, 1)
}
