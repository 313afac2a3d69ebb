package conn

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/gatecrash/gatecrash/internal/httpclient"
)

// multiplexedStrategy establishes a single HTTP/2 connection during
// provisioning; every worker issues its request as an independent stream
// over it. If the one connection cannot be established, the failure is
// attributed to every worker, since they all share it.
type multiplexedStrategy struct {
	opts Options
	mu   sync.Mutex
	cc   *http2.ClientConn
	raw  net.Conn
}

func newMultiplexed(opts Options) *multiplexedStrategy {
	return &multiplexedStrategy{opts: opts}
}

func (s *multiplexedStrategy) Provision(ctx context.Context, n int) ([]Handle, error) {
	cc, raw, err := s.connect(ctx)

	handles := make([]Handle, n)
	for i := 0; i < n; i++ {
		if err != nil {
			handles[i] = failedHandle{err: &ConnectionError{Worker: i, Err: err}}
			continue
		}
		handles[i] = &streamHandle{cc: cc}
	}

	if err == nil {
		s.mu.Lock()
		s.cc = cc
		s.raw = raw
		s.mu.Unlock()
	}

	return handles, nil
}

// connect dials the shared connection and completes the HTTP/2 preface so
// stream setup is all that remains when workers are released.
func (s *multiplexedStrategy) connect(ctx context.Context) (*http2.ClientConn, net.Conn, error) {
	var conn net.Conn
	var err error

	if s.opts.Target.TLS {
		tlsCfg := httpclient.TLSConfigFor(s.opts.Target)
		tlsCfg.NextProtos = []string{"h2"}
		raw, dialErr := httpclient.NewDialer().DialContext(ctx, "tcp", s.opts.Target.Addr())
		if dialErr != nil {
			return nil, nil, dialErr
		}
		tlsConn := tls.Client(raw, tlsCfg)
		if hsErr := tlsConn.HandshakeContext(ctx); hsErr != nil {
			_ = raw.Close()
			return nil, nil, hsErr
		}
		conn = tlsConn
	} else {
		// h2c with prior knowledge.
		conn, err = httpclient.NewDialer().DialContext(ctx, "tcp", s.opts.Target.Addr())
		if err != nil {
			return nil, nil, err
		}
	}

	transport := httpclient.NewMultiplexedTransport(s.opts.Target)
	cc, err := transport.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return cc, conn, nil
}

func (s *multiplexedStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cc != nil {
		_ = s.cc.Close()
		s.cc = nil
	}
	if s.raw != nil {
		_ = s.raw.Close()
		s.raw = nil
	}
	return nil
}

// streamHandle shares the attack's one HTTP/2 connection; AcquireStream
// yields an independent logical stream over it.
type streamHandle struct {
	cc *http2.ClientConn
}

func (h *streamHandle) AcquireStream() (Stream, error) {
	return h2Stream{cc: h.cc}, nil
}

func (h *streamHandle) Err() error   { return nil }
func (h *streamHandle) Close() error { return nil }

// h2Stream issues one request as an HTTP/2 stream on the shared connection.
type h2Stream struct {
	cc *http2.ClientConn
}

func (s h2Stream) Do(req *http.Request) (*http.Response, error) {
	return s.cc.RoundTrip(req)
}
