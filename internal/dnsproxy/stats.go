package dnsproxy

import "sync/atomic"

// Stats counts query outcomes. All methods are safe for concurrent use.
type Stats struct {
	queries     atomic.Uint64
	redirected  atomic.Uint64
	delegated   atomic.Uint64
	passthrough atomic.Uint64
	failures    atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Queries     uint64 `json:"queries"`
	Redirected  uint64 `json:"redirected"`
	Delegated   uint64 `json:"delegated"`
	Passthrough uint64 `json:"passthrough"`
	Failures    uint64 `json:"failures"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Queries:     s.queries.Load(),
		Redirected:  s.redirected.Load(),
		Delegated:   s.delegated.Load(),
		Passthrough: s.passthrough.Load(),
		Failures:    s.failures.Load(),
	}
}
