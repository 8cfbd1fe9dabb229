package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultPermits(t *testing.T) {
	require.Equal(t, DefaultPermits, New(0).Permits())
	require.Equal(t, DefaultPermits, New(-3).Permits())
	require.Equal(t, 5, New(5).Permits())
}

func TestGate_BoundsConcurrentHolders(t *testing.T) {
	const permits = 3

	g := New(permits)

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)

	for range 12 {
		wg.Go(func() {
			if !assert.NoError(t, g.Acquire(context.Background())) {
				return
			}
			defer g.Release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		})
	}

	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(permits))
	require.Equal(t, 0, g.InFlight())
}

func TestGate_AcquireBlocksUntilRelease(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	acquired := make(chan struct{})

	go func() {
		if err := g.Acquire(context.Background()); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should block while the only permit is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not proceed after Release")
	}

	g.Release()
}

func TestGate_AcquireRespectsContext(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, g.InFlight())
}
