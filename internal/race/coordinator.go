package race

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatecrash/gatecrash/internal/condition"
	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/conn"
	"github.com/gatecrash/gatecrash/internal/gate"
	"github.com/gatecrash/gatecrash/internal/httpclient"
	"github.com/gatecrash/gatecrash/internal/metrics"
	"github.com/gatecrash/gatecrash/internal/plan"
	"github.com/gatecrash/gatecrash/internal/tracing"
)

// defaultCoordinationTimeout bounds a race attack when the config declares
// no explicit coordination timeout.
const defaultCoordinationTimeout = 60 * time.Second

// RenderFunc renders one worker's request template. It is the external
// rendering collaborator's contract; the engine never interprets templates
// itself.
type RenderFunc func(p plan.ExecutionPlan) (*httpclient.RequestSpec, error)

// Coordinator orchestrates one race attack: plan, provision, arm, launch,
// collect, assess.
type Coordinator struct {
	Target  config.Target
	Timeout time.Duration // per-request timeout
	Tracer  trace.Tracer
	Logger  FailureLogger

	// Propagate injects W3C trace headers into every worker's request.
	Propagate bool
}

// Execute runs a race attack described by rc. sharedRequest is the state's
// request template, used by the legacy flat form; render produces each
// worker's rendered request.
func (c *Coordinator) Execute(ctx context.Context, rc config.RaceConfig, sharedRequest string, render RenderFunc) (*Outcome, error) {
	plans, err := plan.Build(rc, sharedRequest)
	if err != nil {
		return nil, err
	}
	total := len(plans)

	successWhen, err := condition.Parse(rc.SuccessWhen)
	if err != nil {
		return nil, config.NewValidationError(fmt.Sprintf("race.success_when: %v", err))
	}
	if successWhen.Subject == "always" && rc.SuccessWhen == "" {
		successWhen = condition.MustParse("status == 200")
	}

	specs := make([]*httpclient.RequestSpec, total)
	for i, p := range plans {
		spec, err := render(p)
		if err != nil {
			return nil, fmt.Errorf("render request for thread %d (group %s): %w", p.Index, p.Group.Name, err)
		}
		specs[i] = spec
	}

	coordTimeout := rc.Timeout.Std()
	if coordTimeout <= 0 {
		coordTimeout = defaultCoordinationTimeout
	}
	raceCtx, cancel := context.WithTimeout(ctx, coordTimeout)
	defer cancel()

	var span trace.Span
	if c.Tracer != nil {
		raceCtx, span = tracing.StartAttackSpan(raceCtx, c.Tracer, total, string(rc.ConnStrategy))
		defer span.End()
	}

	strategy, err := conn.NewStrategy(rc.ConnStrategy, conn.Options{
		Target:      c.Target,
		Timeout:     c.Timeout,
		PoolSize:    rc.PoolSize,
		PrewarmRate: rc.PrewarmRate,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = strategy.Close() }()

	handles, err := strategy.Provision(raceCtx, total)
	if err != nil {
		return nil, err
	}

	results := make(chan Result, total)

	// Workers whose provisioning failed are recorded up front and never
	// occupy a gate slot; the gate is sized to the survivors so pre-failed
	// workers cannot deadlock the rendezvous.
	var launched []*worker
	for i, p := range plans {
		if provErr := handles[i].Err(); provErr != nil {
			results <- Result{
				Index:      p.Index,
				Group:      p.Group.Name,
				GroupIndex: p.GroupIndex,
				Err:        provErr,
				Failure:    FailureConnection,
			}
			continue
		}
		launched = append(launched, &worker{plan: p, spec: specs[i], handle: handles[i]})
	}

	g, err := gate.New(rc.SyncMechanism, len(launched), rc.SemaphoreCap)
	if err != nil {
		return nil, err
	}

	var staged sync.WaitGroup
	staged.Add(len(launched))
	for _, w := range launched {
		go w.run(raceCtx, g, &staged, c, results)
	}

	// The countdown latch is driven by an external trigger, not by the
	// workers: once every survivor is staged at the gate, fire it.
	if latch, ok := g.(*gate.Latch); ok {
		go func() {
			staged.Wait()
			latch.CountDown()
		}()
	}

	outcome := c.collect(raceCtx, total, results)
	outcome.SuccessHits = countSuccesses(outcome.Results, successWhen)
	outcome.Verdict = verdict(outcome.SuccessHits)
	if span != nil {
		span.SetAttributes(outcome.Attributes()...)
	}
	return outcome, nil
}

// collect gathers one result per worker, bounded by the coordination
// timeout. Workers still in flight at expiry are recorded as timeout
// failures; the coordinator never blocks past the bound.
func (c *Coordinator) collect(ctx context.Context, total int, results <-chan Result) *Outcome {
	outcome := &Outcome{
		RunID:   ulid.Make().String(),
		Total:   total,
		Results: make([]Result, 0, total),
	}
	collector := metrics.NewCollector()
	seen := make(map[int]bool, total)

	var firstSend time.Time
	record := func(r Result) {
		seen[r.Index] = true
		outcome.Results = append(outcome.Results, r)
		collector.RecordWorker(r.Elapsed, r.Err)
		if r.Completed() {
			if firstSend.IsZero() || r.Start.Before(firstSend) {
				firstSend = r.Start
			}
		}
		if r.Err != nil && c.Logger != nil {
			c.Logger.LogFailure(r.Err)
		}
	}

	deadline := ctx.Done()
	for len(outcome.Results) < total {
		select {
		case r := <-results:
			record(r)
		case <-deadline:
			// Drain anything that raced the deadline, then mark the rest
			// abandoned.
			for {
				select {
				case r := <-results:
					record(r)
					continue
				default:
				}
				break
			}
			for idx := 0; idx < total; idx++ {
				if !seen[idx] {
					record(Result{
						Index:   idx,
						Err:     context.DeadlineExceeded,
						Failure: FailureTimeout,
					})
				}
			}
		}
	}

	for _, r := range outcome.Results {
		if r.Completed() {
			outcome.Completed++
			if !firstSend.IsZero() {
				collector.RecordSendOffset(r.Sent.Sub(firstSend))
			}
		} else {
			outcome.Failed++
		}
	}

	outcome.Window, outcome.LowConfidence = window(outcome.Results)
	outcome.Stats = collector.Stats()
	return outcome
}

// countSuccesses evaluates the caller-supplied success condition over every
// completed worker's response.
func countSuccesses(results []Result, successWhen condition.Condition) int {
	hits := 0
	for _, r := range results {
		if !r.Completed() {
			continue
		}
		ok := successWhen.Evaluate(condition.Outcome{
			StatusCode: r.StatusCode,
			Header:     r.Header,
			Body:       r.Body,
		})
		if ok {
			hits++
		}
	}
	return hits
}

// Attributes exposes span-friendly attributes for an outcome.
func (o *Outcome) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("race.total", o.Total),
		attribute.Int("race.completed", o.Completed),
		attribute.Int("race.success_hits", o.SuccessHits),
		attribute.Int64("race.window_us", o.Window.Microseconds()),
		attribute.String("race.verdict", string(o.Verdict)),
	}
}
