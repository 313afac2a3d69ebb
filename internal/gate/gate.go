// Package gate provides the single-use rendezvous primitives that hold race
// workers until release. A new gate is created per attack execution, sized
// to the successfully provisioned worker count.
package gate

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/gatecrash/gatecrash/internal/config"
)

// Gate is the wait point every provisioned worker passes through. No
// participant proceeds past Wait until the release condition of the chosen
// primitive is satisfied.
type Gate interface {
	// Wait blocks until release or context cancellation.
	Wait(ctx context.Context) error

	// Done signals that the participant finished its work. Only the
	// semaphore primitive uses it to return an admission slot; for the
	// others it is a no-op.
	Done()
}

// New builds a gate for the given mechanism sized to participants workers.
// limit bounds concurrent admission for the semaphore mechanism; when zero,
// it defaults to the participant count (fully concurrent).
func New(mechanism config.SyncMechanism, participants, limit int) (Gate, error) {
	if participants < 0 {
		return nil, fmt.Errorf("gate: participants must be >= 0")
	}
	switch mechanism {
	case "", config.SyncBarrier:
		return NewBarrier(participants), nil
	case config.SyncCountdown:
		return NewLatch(1), nil
	case config.SyncSemaphore:
		if limit <= 0 {
			limit = participants
		}
		if limit <= 0 {
			limit = 1
		}
		return NewSemaphore(int64(limit)), nil
	default:
		return nil, fmt.Errorf("gate: unsupported sync mechanism %q", mechanism)
	}
}

// Barrier releases all participants atomically once every one of them has
// arrived. Release is a single channel close, so no participant ever
// observes a partially released barrier.
type Barrier struct {
	mu      sync.Mutex
	pending int
	release chan struct{}
}

// NewBarrier creates a barrier for exactly n participants. A barrier for
// zero participants is already released.
func NewBarrier(n int) *Barrier {
	b := &Barrier{
		pending: n,
		release: make(chan struct{}),
	}
	if n <= 0 {
		close(b.release)
	}
	return b
}

// Wait registers the caller's arrival and blocks until all participants
// have arrived.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.pending--
	last := b.pending == 0
	if last {
		close(b.release)
	}
	b.mu.Unlock()

	if last {
		return nil
	}

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done implements Gate; barriers release unconditionally.
func (b *Barrier) Done() {}

// Latch releases all waiters once an external trigger has counted it down
// to zero. The trigger is not itself a participant.
type Latch struct {
	mu      sync.Mutex
	count   int
	release chan struct{}
}

// NewLatch creates a latch requiring n countdowns before release.
func NewLatch(n int) *Latch {
	l := &Latch{
		count:   n,
		release: make(chan struct{}),
	}
	if n <= 0 {
		close(l.release)
	}
	return l
}

// CountDown decrements the latch; reaching zero releases every waiter.
// Extra countdowns after release are ignored.
func (l *Latch) CountDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count <= 0 {
		return
	}
	l.count--
	if l.count == 0 {
		close(l.release)
	}
}

// Wait blocks until the latch reaches zero.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done implements Gate; latches release unconditionally.
func (l *Latch) Done() {}

// Semaphore admits at most limit participants at a time. It trades release
// precision for bounded concurrency, so it rate-limits rather than
// synchronizes.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore creates a semaphore gate with the given admission limit.
func NewSemaphore(limit int64) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(limit)}
}

// Wait acquires an admission slot.
func (s *Semaphore) Wait(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// Done returns the admission slot.
func (s *Semaphore) Done() {
	s.sem.Release(1)
}
