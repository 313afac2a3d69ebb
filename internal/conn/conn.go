// Package conn provisions and classifies the transport connections race
// workers send over. A Strategy decides when connections are established
// relative to the synchronization point; a Handle hides whether the worker
// owns its connection exclusively or shares a mediated one.
package conn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/gatecrash/gatecrash/internal/config"
)

// Stream is one logical request/response channel. For exclusive and pooled
// handles it is the underlying client; for multiplexed handles it is an
// HTTP/2 stream over the shared connection.
type Stream interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handle is a worker's view of its provisioned connection.
type Handle interface {
	// AcquireStream returns a stream to send on. Workers are agnostic to
	// whether the stream rides an exclusive or a shared connection.
	AcquireStream() (Stream, error)

	// Err returns the provisioning failure for this handle, if any. A
	// handle with a non-nil Err must not occupy a gate slot.
	Err() error

	// Close releases the handle's resources.
	Close() error
}

// Strategy establishes one handle per worker according to its policy.
type Strategy interface {
	// Provision returns exactly n handles. Establishment failures are
	// attributed to individual handles via Handle.Err, never returned as
	// a strategy-level error, so sibling workers are unaffected.
	Provision(ctx context.Context, n int) ([]Handle, error)

	// Close tears down any connections the strategy still owns.
	Close() error
}

// ConnectionError is a handshake or provisioning failure attributed to one
// worker.
type ConnectionError struct {
	Worker int
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("worker %d: connection failed: %v", e.Worker, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Options configure a strategy for one attack.
type Options struct {
	Target  config.Target
	Timeout time.Duration

	// PoolSize bounds the pooled strategy's connection pool. Zero selects
	// the strategy default.
	PoolSize int

	// PrewarmRate caps preconnect handshakes per second so pre-warming a
	// large worker set does not trip connection-flood mitigations. Zero
	// means unlimited.
	PrewarmRate float64
}

func (o Options) prewarmLimiter() *rate.Limiter {
	if o.PrewarmRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(o.PrewarmRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.PrewarmRate), burst)
}

// NewStrategy builds the strategy selected by kind.
func NewStrategy(kind config.ConnStrategy, opts Options) (Strategy, error) {
	switch kind {
	case "", config.ConnPreconnect:
		return newPreconnect(opts), nil
	case config.ConnLazy:
		return newLazy(opts), nil
	case config.ConnPooled:
		return newPooled(opts), nil
	case config.ConnMultiplexed:
		return newMultiplexed(opts), nil
	default:
		return nil, fmt.Errorf("conn: unsupported connection strategy %q", kind)
	}
}

// clientStream adapts an *http.Client to the Stream interface.
type clientStream struct {
	client *http.Client
}

func (s clientStream) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

// failedHandle carries a provisioning failure to its worker.
type failedHandle struct {
	err error
}

func (h failedHandle) AcquireStream() (Stream, error) { return nil, h.err }
func (h failedHandle) Err() error                     { return h.err }
func (h failedHandle) Close() error                   { return nil }
