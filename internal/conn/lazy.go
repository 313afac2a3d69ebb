package conn

import (
	"context"
	"sync"
)

// lazyStrategy hands out unconnected handles; every worker performs its own
// handshake after gate release. Chosen deliberately when connection
// establishment should be measured as part of the race.
type lazyStrategy struct {
	opts    Options
	mu      sync.Mutex
	handles []*exclusiveHandle
}

func newLazy(opts Options) *lazyStrategy {
	return &lazyStrategy{opts: opts}
}

func (s *lazyStrategy) Provision(ctx context.Context, n int) ([]Handle, error) {
	handles := make([]Handle, n)
	workers := make([]*exclusiveHandle, n)
	for i := 0; i < n; i++ {
		h := newExclusiveHandle(s.opts)
		workers[i] = h
		handles[i] = h
	}

	s.mu.Lock()
	s.handles = append(s.handles, workers...)
	s.mu.Unlock()

	return handles, nil
}

func (s *lazyStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		_ = h.Close()
	}
	s.handles = nil
	return nil
}
