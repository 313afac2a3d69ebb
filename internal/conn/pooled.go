package conn

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gatecrash/gatecrash/internal/httpclient"
)

const defaultPoolSize = 5

// pooledStrategy shares a bounded pool of pre-warmed connections among all
// workers of one attack. The transport mediates allocation, so workers
// blocked on a free connection serialize instead of racing; that is the
// point of the strategy.
type pooledStrategy struct {
	opts   Options
	mu     sync.Mutex
	client *http.Client
	warmed chan net.Conn
}

func newPooled(opts Options) *pooledStrategy {
	return &pooledStrategy{opts: opts}
}

func (s *pooledStrategy) Provision(ctx context.Context, n int) ([]Handle, error) {
	size := s.opts.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	if size > n && n > 0 {
		size = n
	}

	warmed := make(chan net.Conn, size)
	limiter := s.opts.prewarmLimiter()
	for i := 0; i < size; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		conn, err := dialTarget(ctx, s.opts.Target)
		if err != nil {
			// Pool warming is best effort; a short pool still works,
			// workers just dial the remainder on demand.
			continue
		}
		warmed <- conn
	}

	transport := httpclient.NewPooledTransport(s.opts.Target, size)
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		select {
		case conn := <-warmed:
			return conn, nil
		default:
			return dialTarget(ctx, s.opts.Target)
		}
	}
	if s.opts.Target.TLS {
		transport.DialTLSContext = dial
	} else {
		transport.DialContext = dial
	}

	client := httpclient.NewClient(transport, s.opts.Timeout)

	s.mu.Lock()
	s.client = client
	s.warmed = warmed
	s.mu.Unlock()

	handles := make([]Handle, n)
	for i := 0; i < n; i++ {
		handles[i] = &sharedHandle{client: client}
	}
	return handles, nil
}

func (s *pooledStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		if t, ok := s.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
		s.client = nil
	}
	// Warmed connections the attack never consumed are still open.
	if s.warmed != nil {
		for {
			select {
			case conn := <-s.warmed:
				_ = conn.Close()
				continue
			default:
			}
			break
		}
		s.warmed = nil
	}
	return nil
}

// sharedHandle is a worker's view of a connection shared with its siblings.
// Stream allocation is mediated by the underlying transport.
type sharedHandle struct {
	client *http.Client
}

func (h *sharedHandle) AcquireStream() (Stream, error) {
	return clientStream{client: h.client}, nil
}

func (h *sharedHandle) Err() error   { return nil }
func (h *sharedHandle) Close() error { return nil }
