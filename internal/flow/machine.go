// Package flow owns attack-level control flow: it runs states, evaluates
// their ordered transition rules, and carries extracted variables from one
// state into the next.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gatecrash/gatecrash/internal/condition"
	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/extractor"
	"github.com/gatecrash/gatecrash/internal/httpclient"
	"github.com/gatecrash/gatecrash/internal/plan"
	"github.com/gatecrash/gatecrash/internal/race"
	"github.com/gatecrash/gatecrash/internal/template"
	"github.com/gatecrash/gatecrash/internal/tracing"
	"github.com/gatecrash/gatecrash/internal/variables"
)

// Status is the run-level machine state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusTerminal Status = "terminal"
	StatusFailed   Status = "failed"
)

// ErrNoTransition is returned when a state's outcome matches none of its
// transition rules and the state is not terminal.
var ErrNoTransition = errors.New("no transition matched")

// transitionGuard bounds total state executions so a cyclic graph cannot
// spin forever.
const transitionGuard = 1000

// StateResult records one executed state.
type StateResult struct {
	State       string            `json:"state"`
	Description string            `json:"description,omitempty"`
	StatusCode  int               `json:"status,omitempty"`
	Race        *race.Outcome     `json:"race,omitempty"`
	Extracted   map[string]string `json:"extracted,omitempty"`
	Next        string            `json:"next,omitempty"`
	Elapsed     time.Duration     `json:"elapsed_ns"`
}

// Report is the full run outcome handed to reporting layers.
type Report struct {
	Attack        config.Metadata   `json:"attack"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	States        []StateResult     `json:"states"`
	Variables     map[string]string `json:"variables,omitempty"`
	Elapsed       time.Duration     `json:"elapsed_ns"`
}

// Machine executes one attack document.
type Machine struct {
	cfg       *config.Config
	vars      variables.Store
	tracer    trace.Tracer
	warn      extractor.Logger
	failLog   race.FailureLogger
	propagate bool
	client    *http.Client
}

// Option customizes a Machine.
type Option func(*Machine)

// WithTracer attaches a tracer for state and attack spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// WithWarnLogger attaches a logger for extraction warnings.
func WithWarnLogger(l extractor.Logger) Option {
	return func(m *Machine) { m.warn = l }
}

// WithFailureLogger attaches a logger for per-worker failures.
func WithFailureLogger(l race.FailureLogger) Option {
	return func(m *Machine) { m.failLog = l }
}

// New builds a machine for a validated config. The variable context starts
// from the CLI-injected variables.
func New(cfg *config.Config, opts ...Option) *Machine {
	store := variables.NewStore()
	store.SetAll(cfg.Variables)

	m := &Machine{
		cfg:       cfg,
		vars:      store,
		propagate: cfg.Tracing.ShouldPropagate(),
		client:    httpclient.NewClient(httpclient.NewPooledTransport(cfg.Target, 2), cfg.Timeout),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run walks the state graph from the entrypoint until a terminal state, a
// failure, or context cancellation. The variable context is mutated only
// here, between state executions, never by in-flight workers.
func (m *Machine) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Attack: m.cfg.Metadata,
		Status: StatusRunning,
	}
	start := time.Now()
	defer func() {
		report.Elapsed = time.Since(start)
		report.Variables = m.vars.GetAll()
	}()

	current := m.cfg.Entrypoint
	for steps := 0; ; steps++ {
		if steps >= transitionGuard {
			report.Status = StatusFailed
			report.FailureReason = fmt.Sprintf("aborted after %d state executions (transition cycle?)", transitionGuard)
			return report, fmt.Errorf("state machine: %s", report.FailureReason)
		}
		if err := ctx.Err(); err != nil {
			report.Status = StatusFailed
			report.FailureReason = err.Error()
			return report, err
		}

		state, ok := m.cfg.States[current]
		if !ok {
			// Unreachable after validation; kept as a hard failure rather
			// than a panic.
			report.Status = StatusFailed
			report.FailureReason = fmt.Sprintf("state %q is not defined", current)
			return report, errors.New(report.FailureReason)
		}

		result, outcome, err := m.executeState(ctx, state)
		report.States = append(report.States, *result)
		if err != nil {
			report.Status = StatusFailed
			report.FailureReason = err.Error()
			return report, err
		}

		next, matched := selectTransition(state.Next, outcome)
		if !matched {
			if state.Terminal() {
				report.Status = StatusTerminal
				return report, nil
			}
			report.Status = StatusFailed
			report.FailureReason = fmt.Sprintf("state %q: no transition matched (status %d)", current, outcome.StatusCode)
			return report, fmt.Errorf("state %q: %w", current, ErrNoTransition)
		}

		report.States[len(report.States)-1].Next = next
		current = next
	}
}

// selectTransition applies the first-match policy: rules are evaluated in
// declared order and the first whose condition holds selects the target.
func selectTransition(rules []config.Transition, outcome condition.Outcome) (string, bool) {
	for _, rule := range rules {
		cond, err := condition.Parse(rule.When)
		if err != nil {
			// Conditions were parse-checked at load; a failure here means
			// the config was mutated after validation. Fail closed.
			continue
		}
		if cond.Evaluate(outcome) {
			return rule.Goto, true
		}
	}
	return "", false
}

// executeState runs one state and returns its record plus the outcome view
// transitions are evaluated against.
func (m *Machine) executeState(ctx context.Context, state *config.AttackState) (*StateResult, condition.Outcome, error) {
	result := &StateResult{
		State:       state.Name,
		Description: state.Description,
	}
	start := time.Now()
	defer func() { result.Elapsed = time.Since(start) }()

	var span trace.Span
	if m.tracer != nil {
		ctx, span = tracing.StartStateSpan(ctx, m.tracer, state.Name, state.Race != nil)
	}

	var outcome condition.Outcome
	var err error
	if state.Race != nil {
		outcome, err = m.executeRaceState(ctx, state, result)
	} else {
		outcome, err = m.executePlainState(ctx, state, result)
	}

	if span != nil {
		tracing.EndSpan(span, err)
	}
	if err != nil {
		return result, outcome, err
	}

	outcome.Vars = m.vars
	return result, outcome, nil
}

// executePlainState performs one request/response cycle.
func (m *Machine) executePlainState(ctx context.Context, state *config.AttackState, result *StateResult) (condition.Outcome, error) {
	if state.Request == "" {
		// A terminal marker state with no request; nothing to send.
		return condition.Outcome{Vars: m.vars}, nil
	}

	rendered := template.Render(state.Request, nil, m.vars)
	spec, err := httpclient.ParseRequestText(rendered)
	if err != nil {
		return condition.Outcome{}, fmt.Errorf("state %q: %w", state.Name, err)
	}

	req, err := spec.BuildRequest(ctx, m.cfg.Target)
	if err != nil {
		return condition.Outcome{}, fmt.Errorf("state %q: %w", state.Name, err)
	}
	if m.propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return condition.Outcome{}, fmt.Errorf("state %q: %w", state.Name, err)
	}
	body, err := readBody(resp)
	if err != nil {
		return condition.Outcome{}, fmt.Errorf("state %q: %w", state.Name, err)
	}

	result.StatusCode = resp.StatusCode

	extracted := extractor.ExtractAll(extractor.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, toExtractorRules(state.Extract), m.warn)
	if len(extracted) > 0 {
		m.vars.SetAll(extracted)
		result.Extracted = extracted
	}

	return condition.Outcome{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// executeRaceState delegates to the race coordinator and folds the outcome
// back into the run context.
func (m *Machine) executeRaceState(ctx context.Context, state *config.AttackState, result *StateResult) (condition.Outcome, error) {
	rc := *state.Race

	coordinator := &race.Coordinator{
		Target:    m.cfg.Target,
		Timeout:   m.cfg.Timeout,
		Tracer:    m.tracer,
		Logger:    m.failLog,
		Propagate: m.propagate,
	}

	totalThreads := rc.TotalThreads()
	render := func(p plan.ExecutionPlan) (*httpclient.RequestSpec, error) {
		requestText := p.Group.Request
		if requestText == "" {
			requestText = state.Request
		}
		if requestText == "" {
			return nil, fmt.Errorf("group %q has no request template", p.Group.Name)
		}
		// Group variable values may themselves hold placeholders referring
		// to run variables; resolve them before the request template.
		record := template.RenderMap(p.RenderContext(totalThreads), nil, m.vars)
		rendered := template.Render(requestText, record, m.vars)
		return httpclient.ParseRequestText(rendered)
	}

	outcome, err := coordinator.Execute(ctx, rc, state.Request, render)
	if err != nil {
		return condition.Outcome{}, fmt.Errorf("state %q: %w", state.Name, err)
	}
	result.Race = outcome

	successWhen := raceSuccessCondition(rc)
	m.propagateExtractions(rc, state, outcome, successWhen, result)

	// Race bookkeeping is visible to transition conditions and later
	// templates under the race.* names.
	m.vars.Set("race.verdict", string(outcome.Verdict))
	m.vars.Set("race.success_hits", fmt.Sprintf("%d", outcome.SuccessHits))
	m.vars.Set("race.window_us", fmt.Sprintf("%d", outcome.Window.Microseconds()))

	rep := representativeResult(outcome, successWhen)
	view := condition.Outcome{}
	if rep != nil {
		result.StatusCode = rep.StatusCode
		view = condition.Outcome{
			StatusCode: rep.StatusCode,
			Header:     rep.Header,
			Body:       rep.Body,
		}
	}
	return view, nil
}

// propagateExtractions folds race-worker extractions into the run context
// according to the configured propagation mode. Under "single", the
// lowest-indexed worker that satisfied the success condition wins; ties
// cannot occur since indices are unique. Under "all", workers are folded in
// ascending index order so the highest index wins conflicting keys
// deterministically.
func (m *Machine) propagateExtractions(rc config.RaceConfig, state *config.AttackState, outcome *race.Outcome, successWhen condition.Condition, result *StateResult) {
	if len(state.Extract) == 0 {
		return
	}

	mode := rc.Propagation
	if mode == "" {
		mode = config.PropagationSingle
	}
	if mode == config.PropagationNone {
		return
	}

	rules := toExtractorRules(state.Extract)
	ordered := append([]race.Result(nil), outcome.Results...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	merged := map[string]string{}
	for i := range ordered {
		r := &ordered[i]
		if !r.Completed() {
			continue
		}
		if mode == config.PropagationSingle {
			ok := successWhen.Evaluate(condition.Outcome{StatusCode: r.StatusCode, Header: r.Header, Body: r.Body})
			if !ok {
				continue
			}
		}
		extracted := extractor.ExtractAll(extractor.Response{
			StatusCode: r.StatusCode,
			Header:     r.Header,
			Body:       r.Body,
		}, rules, m.warn)
		for k, v := range extracted {
			merged[k] = v
		}
		if mode == config.PropagationSingle {
			break
		}
	}

	if len(merged) > 0 {
		m.vars.SetAll(merged)
		result.Extracted = merged
	}
}

// representativeResult picks the response transitions are evaluated against:
// the lowest-indexed worker satisfying the success condition, falling back
// to the lowest-indexed completed worker.
func representativeResult(outcome *race.Outcome, successWhen condition.Condition) *race.Result {
	var firstCompleted *race.Result
	var best *race.Result
	for i := range outcome.Results {
		r := &outcome.Results[i]
		if !r.Completed() {
			continue
		}
		if firstCompleted == nil || r.Index < firstCompleted.Index {
			firstCompleted = r
		}
		ok := successWhen.Evaluate(condition.Outcome{StatusCode: r.StatusCode, Header: r.Header, Body: r.Body})
		if ok && (best == nil || r.Index < best.Index) {
			best = r
		}
	}
	if best != nil {
		return best
	}
	return firstCompleted
}

func raceSuccessCondition(rc config.RaceConfig) condition.Condition {
	if rc.SuccessWhen == "" {
		return condition.MustParse("status == 200")
	}
	cond, err := condition.Parse(rc.SuccessWhen)
	if err != nil {
		return condition.MustParse("status == 200")
	}
	return cond
}

func toExtractorRules(rules []config.ExtractRule) []extractor.Rule {
	out := make([]extractor.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, extractor.Rule{
			Variable: r.Variable,
			JSONPath: r.JSONPath,
			Regex:    r.Regex,
			Header:   r.Header,
			Cookie:   r.Cookie,
			OnError:  r.OnError,
		})
	}
	return out
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}
