package race

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gatecrash/gatecrash/internal/conn"
	"github.com/gatecrash/gatecrash/internal/gate"
	"github.com/gatecrash/gatecrash/internal/httpclient"
	"github.com/gatecrash/gatecrash/internal/plan"
	"github.com/gatecrash/gatecrash/internal/tracing"
)

// FailureLogger logs individual worker failures.
type FailureLogger interface {
	LogFailure(err error)
}

// worker is one planned thread: a plan, its rendered request, and its
// provisioned handle.
type worker struct {
	plan   plan.ExecutionPlan
	spec   *httpclient.RequestSpec
	handle conn.Handle
}

// run executes the worker lifecycle: stage, wait at the gate, apply the
// group delay, send, and report exactly one result. One worker's failure
// never aborts its siblings.
func (w *worker) run(ctx context.Context, g gate.Gate, staged *sync.WaitGroup, c *Coordinator, results chan<- Result) {
	result := Result{
		Index:      w.plan.Index,
		Group:      w.plan.Group.Name,
		GroupIndex: w.plan.GroupIndex,
	}

	// Stage everything before the gate so only the send remains after
	// release. A worker that fails here still passes the gate: it was
	// counted as a participant, and skipping the rendezvous would strand
	// its siblings at a barrier.
	stream, streamErr := w.handle.AcquireStream()
	req, buildErr := w.spec.BuildRequest(ctx, c.Target)
	if buildErr == nil && c.Propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	staged.Done()
	if err := g.Wait(ctx); err != nil {
		result.Err = err
		result.Failure = FailureTimeout
		results <- result
		return
	}
	defer g.Done()

	if streamErr != nil {
		result.Err = streamErr
		result.Failure = FailureConnection
		results <- result
		return
	}
	if buildErr != nil {
		result.Err = buildErr
		result.Failure = FailureTransport
		results <- result
		return
	}

	result.Start = time.Now()

	// The group delay runs strictly after release; groups diverge in send
	// time by design, not by accident.
	if delay := w.plan.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.Err = ctx.Err()
			result.Failure = FailureTimeout
			results <- result
			return
		}
	}

	var span trace.Span
	if c.Tracer != nil {
		_, span = tracing.StartWorkerSpan(ctx, c.Tracer, w.plan.Index, w.plan.Group.Name)
	}
	finish := func(err error) {
		if span != nil {
			tracing.EndSpan(span, err)
		}
	}

	result.Sent = time.Now()
	resp, err := stream.Do(req)
	if err != nil {
		result.Err = &TransportError{Worker: w.plan.Index, Err: err}
		result.Failure = classifyTransportFailure(err)
		result.Elapsed = time.Since(result.Sent)
		finish(result.Err)
		results <- result
		return
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	result.Received = time.Now()
	result.Elapsed = result.Received.Sub(result.Sent)

	if err != nil {
		result.Err = &TransportError{Worker: w.plan.Index, Err: err}
		result.Failure = classifyTransportFailure(err)
		finish(result.Err)
		results <- result
		return
	}

	result.StatusCode = resp.StatusCode
	result.Header = resp.Header
	result.Body = body
	finish(nil)
	results <- result
}

// classifyTransportFailure separates deadline expiry from other transport
// errors so abandoned workers show up as timeouts.
func classifyTransportFailure(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureTransport
}
