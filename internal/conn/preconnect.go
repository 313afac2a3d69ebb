package conn

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/gatecrash/gatecrash/internal/httpclient"
)

// Bound on concurrent handshakes during provisioning. Pre-warming happens
// before the gate is armed, so it can afford to be polite.
const maxConcurrentHandshakes = 16

// preconnectStrategy establishes every worker's connection before the gate
// is armed. This is the recommended default: no handshake cost lands inside
// the race window, so send-time variance stays minimal.
type preconnectStrategy struct {
	opts    Options
	mu      sync.Mutex
	handles []*exclusiveHandle
}

func newPreconnect(opts Options) *preconnectStrategy {
	return &preconnectStrategy{opts: opts}
}

// exclusiveHandle owns one connection for one worker.
type exclusiveHandle struct {
	client *http.Client
	dialer *prewarmDialer
	err    error
}

func (h *exclusiveHandle) AcquireStream() (Stream, error) {
	if h.err != nil {
		return nil, h.err
	}
	return clientStream{client: h.client}, nil
}

func (h *exclusiveHandle) Err() error { return h.err }

func (h *exclusiveHandle) Close() error {
	if h.dialer != nil {
		h.dialer.closeStash()
	}
	if h.client != nil {
		if t, ok := h.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	return nil
}

func (s *preconnectStrategy) Provision(ctx context.Context, n int) ([]Handle, error) {
	handles := make([]Handle, n)
	workers := make([]*exclusiveHandle, n)

	limiter := s.opts.prewarmLimiter()
	sem := semaphore.NewWeighted(maxConcurrentHandshakes)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		h := newExclusiveHandle(s.opts)
		workers[i] = h
		handles[i] = h

		wg.Add(1)
		go func(worker int, h *exclusiveHandle) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				h.err = &ConnectionError{Worker: worker, Err: err}
				return
			}
			defer sem.Release(1)
			if err := limiter.Wait(ctx); err != nil {
				h.err = &ConnectionError{Worker: worker, Err: err}
				return
			}
			if err := h.dialer.establish(ctx); err != nil {
				h.err = &ConnectionError{Worker: worker, Err: err}
			}
		}(i, h)
	}
	wg.Wait()

	s.mu.Lock()
	s.handles = append(s.handles, workers...)
	s.mu.Unlock()

	return handles, nil
}

func (s *preconnectStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		_ = h.Close()
	}
	s.handles = nil
	return nil
}

func newExclusiveHandle(opts Options) *exclusiveHandle {
	dialer := &prewarmDialer{target: opts.Target}
	transport := httpclient.NewExclusiveTransport(opts.Target)
	if opts.Target.TLS {
		transport.DialTLSContext = dialer.DialTLSContext
	} else {
		transport.DialContext = dialer.DialContext
	}
	return &exclusiveHandle{
		client: httpclient.NewClient(transport, opts.Timeout),
		dialer: dialer,
	}
}
