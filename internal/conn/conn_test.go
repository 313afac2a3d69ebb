package conn_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/conn"
)

func serverTarget(t *testing.T, server *httptest.Server) config.Target {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return config.Target{Host: u.Hostname(), Port: port}
}

func waitForConns(t *testing.T, counter *int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := atomic.LoadInt64(counter)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connections observed = %d, want %d", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestNewStrategySelection(t *testing.T) {
	opts := conn.Options{Target: config.Target{Host: "x"}}
	for _, kind := range []config.ConnStrategy{
		"", config.ConnPreconnect, config.ConnLazy, config.ConnPooled, config.ConnMultiplexed,
	} {
		s, err := conn.NewStrategy(kind, opts)
		if err != nil {
			t.Fatalf("NewStrategy(%q): %v", kind, err)
		}
		_ = s.Close()
	}
	if _, err := conn.NewStrategy("carrier-pigeon", opts); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

// Preconnect establishes one connection per worker during provisioning,
// before anything is sent.
func TestPreconnectEstablishesUpfront(t *testing.T) {
	var accepted int64
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt64(&accepted, 1)
		}
	}
	server.Start()
	defer server.Close()

	s, err := conn.NewStrategy(config.ConnPreconnect, conn.Options{
		Target:  serverTarget(t, server),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	handles, err := s.Provision(context.Background(), 4)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(handles) != 4 {
		t.Fatalf("handles = %d", len(handles))
	}
	for i, h := range handles {
		if h.Err() != nil {
			t.Fatalf("handle %d: %v", i, h.Err())
		}
	}
	// The server's accept loop registers connections asynchronously; give it
	// a bounded window to observe all four dials.
	waitForConns(t, &accepted, 4)

	// Streams ride the pre-established connections.
	stream, err := handles[0].AcquireStream()
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	resp, err := stream.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := atomic.LoadInt64(&accepted); got != 4 {
		t.Fatalf("request opened a new connection: accepted = %d", got)
	}
}

// A prewarm rate caps handshakes per second during provisioning.
func TestPreconnectPrewarmRatePacesHandshakes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := conn.NewStrategy(config.ConnPreconnect, conn.Options{
		Target:      serverTarget(t, server),
		Timeout:     5 * time.Second,
		PrewarmRate: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	start := time.Now()
	handles, err := s.Provision(context.Background(), 4)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	for i, h := range handles {
		if h.Err() != nil {
			t.Fatalf("handle %d: %v", i, h.Err())
		}
	}

	// At 2 handshakes/s with a burst of 2, the fourth dial cannot start
	// before the one-second mark.
	if elapsed < 700*time.Millisecond {
		t.Fatalf("provisioning finished in %s; the rate limit did not pace handshakes", elapsed)
	}
}

// Establishment failures are attributed per worker, never as a strategy
// error.
func TestPreconnectAttributesFailuresPerWorker(t *testing.T) {
	s, err := conn.NewStrategy(config.ConnPreconnect, conn.Options{
		Target:  config.Target{Host: "127.0.0.1", Port: unusedPort(t)},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	handles, err := s.Provision(context.Background(), 3)
	if err != nil {
		t.Fatalf("provisioning must not fail as a whole: %v", err)
	}

	for i, h := range handles {
		var cerr *conn.ConnectionError
		if !errors.As(h.Err(), &cerr) {
			t.Fatalf("handle %d: expected ConnectionError, got %v", i, h.Err())
		}
		if cerr.Worker != i {
			t.Fatalf("handle %d attributed to worker %d", i, cerr.Worker)
		}
		if _, err := h.AcquireStream(); err == nil {
			t.Fatalf("handle %d: stream from failed handle", i)
		}
	}
}

// Lazy provisioning opens nothing until workers send.
func TestLazyDefersConnections(t *testing.T) {
	var accepted int64
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt64(&accepted, 1)
		}
	}
	server.Start()
	defer server.Close()

	s, err := conn.NewStrategy(config.ConnLazy, conn.Options{
		Target:  serverTarget(t, server),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	handles, err := s.Provision(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&accepted); got != 0 {
		t.Fatalf("lazy provisioning opened %d connections", got)
	}

	stream, err := handles[0].AcquireStream()
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	resp, err := stream.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := atomic.LoadInt64(&accepted); got != 1 {
		t.Fatalf("accepted = %d after first send, want 1", got)
	}
}

// Pooled handles share one client; requests succeed through the bounded
// pool.
func TestPooledSharesBoundedPool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	s, err := conn.NewStrategy(config.ConnPooled, conn.Options{
		Target:   serverTarget(t, server),
		Timeout:  5 * time.Second,
		PoolSize: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	handles, err := s.Provision(context.Background(), 6)
	if err != nil {
		t.Fatal(err)
	}
	for i, h := range handles {
		if h.Err() != nil {
			t.Fatalf("handle %d: %v", i, h.Err())
		}
		stream, err := h.AcquireStream()
		if err != nil {
			t.Fatal(err)
		}
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/", nil)
		resp, err := stream.Do(req)
		if err != nil {
			t.Fatalf("handle %d do: %v", i, err)
		}
		resp.Body.Close()
	}
}

// Close releases warmed pool connections the attack never consumed.
func TestPooledCloseReleasesUnusedWarmedConns(t *testing.T) {
	var opened, closed int64
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Config.ConnState = func(c net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			atomic.AddInt64(&opened, 1)
		case http.StateClosed:
			atomic.AddInt64(&closed, 1)
		}
	}
	server.Start()
	defer server.Close()

	s, err := conn.NewStrategy(config.ConnPooled, conn.Options{
		Target:   serverTarget(t, server),
		Timeout:  5 * time.Second,
		PoolSize: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Provision(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	waitForConns(t, &opened, 3)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	waitForConns(t, &closed, 3)
}

// Multiplexed rides one h2c connection; every stream reports HTTP/2.
func TestMultiplexedSingleConnection(t *testing.T) {
	var accepted int64
	h2s := &http2.Server{}
	handler := h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "proto=%d", r.ProtoMajor)
	}), h2s)

	server := httptest.NewUnstartedServer(handler)
	server.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt64(&accepted, 1)
		}
	}
	server.Start()
	defer server.Close()

	s, err := conn.NewStrategy(config.ConnMultiplexed, conn.Options{
		Target:  serverTarget(t, server),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	handles, err := s.Provision(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}

	for i, h := range handles {
		stream, err := h.AcquireStream()
		if err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/", nil)
		resp, err := stream.Do(req)
		if err != nil {
			t.Fatalf("handle %d do: %v", i, err)
		}
		if resp.ProtoMajor != 2 {
			t.Fatalf("handle %d proto = %d, want HTTP/2", i, resp.ProtoMajor)
		}
		resp.Body.Close()
	}

	if got := atomic.LoadInt64(&accepted); got != 1 {
		t.Fatalf("multiplexed attack used %d connections, want 1", got)
	}
}

// The shared connection's failure belongs to every worker.
func TestMultiplexedFailureHitsAllWorkers(t *testing.T) {
	s, err := conn.NewStrategy(config.ConnMultiplexed, conn.Options{
		Target:  config.Target{Host: "127.0.0.1", Port: unusedPort(t)},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	handles, err := s.Provision(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, h := range handles {
		if h.Err() == nil {
			t.Fatalf("handle %d should carry the shared connection failure", i)
		}
	}
}
