// Package gate provides the bounded admission control that limits how many
// calls may be in flight to a worker at once.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPermits is the number of concurrent calls admitted when none is configured.
const DefaultPermits = 2

// Gate is a counting admission control with a fixed number of permits.
type Gate struct {
	sem      *semaphore.Weighted
	permits  int64
	inFlight atomic.Int64
}

// New creates a gate with the given number of permits.
// A non-positive count falls back to DefaultPermits.
func New(permits int) *Gate {
	if permits <= 0 {
		permits = DefaultPermits
	}

	return &Gate{
		sem:     semaphore.NewWeighted(int64(permits)),
		permits: int64(permits),
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire call permit: %w", err)
	}

	g.inFlight.Add(1)

	return nil
}

// Release returns a permit taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Permits returns the configured permit count.
func (g *Gate) Permits() int {
	return int(g.permits)
}

// InFlight returns how many permits are currently held.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}
