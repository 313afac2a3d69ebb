// Package race implements the race execution engine: precisely synchronized
// concurrent request dispatch, per-worker result capture, and the
// race-window and vulnerability assessment derived from them.
package race

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gatecrash/gatecrash/internal/metrics"
)

// FailureKind classifies a worker failure by transport outcome.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureConnection FailureKind = "connection"
	FailureTransport  FailureKind = "transport"
	FailureTimeout    FailureKind = "timeout"
)

// TransportError is a send/receive failure attributed to one worker.
type TransportError struct {
	Worker int
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("worker %d: transport failed: %v", e.Worker, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Result is one worker's record of its run. Success or failure is tagged by
// transport outcome only; a completed request with any HTTP status is a
// transport success.
type Result struct {
	Index      int    `json:"thread"`
	Group      string `json:"group"`
	GroupIndex int    `json:"group_thread"`

	Start    time.Time `json:"start"`    // post-gate-release
	Sent     time.Time `json:"sent"`     // request left the worker
	Received time.Time `json:"received"` // full response read

	StatusCode int         `json:"status,omitempty"`
	Header     http.Header `json:"-"`
	Body       []byte      `json:"-"`

	Err     error         `json:"-"`
	Failure FailureKind   `json:"failure,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Completed reports whether the worker finished its request over transport.
func (r Result) Completed() bool {
	return r.Failure == FailureNone
}

// Verdict classifies an attack outcome by how many workers' responses
// satisfied the success condition.
type Verdict string

const (
	// VerdictVulnerable: more than one worker succeeded at a logically
	// single operation, so the server did not serialize it.
	VerdictVulnerable Verdict = "vulnerable"
	// VerdictNotVulnerable: exactly one success is the expected behavior.
	VerdictNotVulnerable Verdict = "not_vulnerable"
	// VerdictInconclusive: no worker succeeded; the race never reached
	// the window, or the operation is not exploitable via this pattern.
	VerdictInconclusive Verdict = "inconclusive"
)

// Outcome aggregates one race attack.
type Outcome struct {
	RunID       string        `json:"run_id"`
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	SuccessHits int           `json:"success_hits"`
	Window      time.Duration `json:"window_ns"`

	// LowConfidence marks a window reported as zero because fewer than
	// two workers completed.
	LowConfidence bool `json:"low_confidence"`

	Verdict Verdict       `json:"verdict"`
	Results []Result      `json:"results"` // completion order, not launch order
	Stats   metrics.Stats `json:"stats"`
}

// ByIndex returns the result for a global thread index, or nil. Callers
// needing per-thread semantics must key by index, not result position.
func (o *Outcome) ByIndex(index int) *Result {
	for i := range o.Results {
		if o.Results[i].Index == index {
			return &o.Results[i]
		}
	}
	return nil
}

// window computes max-min over completed workers' send timestamps. It is
// order-independent over the result sequence. Fewer than two completions
// yield a zero window flagged low-confidence.
func window(results []Result) (time.Duration, bool) {
	var earliest, latest time.Time
	completed := 0
	for _, r := range results {
		if !r.Completed() {
			continue
		}
		if completed == 0 || r.Sent.Before(earliest) {
			earliest = r.Sent
		}
		if completed == 0 || r.Sent.After(latest) {
			latest = r.Sent
		}
		completed++
	}
	if completed < 2 {
		return 0, true
	}
	return latest.Sub(earliest), false
}

// verdict applies the success-count thresholds.
func verdict(successHits int) Verdict {
	switch {
	case successHits > 1:
		return VerdictVulnerable
	case successHits == 1:
		return VerdictNotVulnerable
	default:
		return VerdictInconclusive
	}
}
