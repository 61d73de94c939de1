// Package httpproxy implements the intercepting replay engine: a record
// server that forwards to real origins and archives every exchange, and
// a replay server that answers exclusively from the archive.
package httpproxy

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"
)

// ErrOrigin is the sentinel for record-mode upstream failures. Origin
// errors surface to the client and are never committed to the archive.
var ErrOrigin = errors.New("origin error")

// Connection handling limits, shared by both server flavors.
const (
	// IdleTimeout closes keep-alive connections that go quiet.
	IdleTimeout = 30 * time.Second
	// ReadTimeout bounds reading a single request; origin fetches in
	// record mode inherit it.
	ReadTimeout = 30 * time.Second
	// maxBodyBytes caps buffered entity bodies. Page resources are far
	// below this; anything bigger is refused rather than swapped in.
	maxBodyBytes = 256 << 20
)

// RealLookupFunc resolves an origin host through the real resolvers,
// never through the interceptor's own redirect rules.
type RealLookupFunc func(ctx context.Context, host string) (netip.Addr, error)

// Stats counts proxy outcomes across the session.
type Stats struct {
	requests atomic.Uint64
	served   atomic.Uint64
	misses   atomic.Uint64
	recorded atomic.Uint64
	failures atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Requests uint64 `json:"requests"`
	Served   uint64 `json:"served"`
	Misses   uint64 `json:"misses"`
	Recorded uint64 `json:"recorded"`
	Failures uint64 `json:"failures"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Requests: s.requests.Load(),
		Served:   s.served.Load(),
		Misses:   s.misses.Load(),
		Recorded: s.recorded.Load(),
		Failures: s.failures.Load(),
	}
}
