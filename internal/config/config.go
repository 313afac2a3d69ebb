package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gatecrash/gatecrash/internal/condition"
)

// SyncMechanism selects the rendezvous primitive used to release race workers.
type SyncMechanism string

const (
	SyncBarrier   SyncMechanism = "barrier"
	SyncCountdown SyncMechanism = "countdown_latch"
	SyncSemaphore SyncMechanism = "semaphore"
)

// ConnStrategy selects how transport connections are established relative to
// the synchronization point.
type ConnStrategy string

const (
	ConnPreconnect  ConnStrategy = "preconnect"
	ConnLazy        ConnStrategy = "lazy"
	ConnPooled      ConnStrategy = "pooled"
	ConnMultiplexed ConnStrategy = "multiplexed"
)

// Propagation controls how race-worker extractions flow into later states.
type Propagation string

const (
	// PropagationSingle folds in the extractions of the lowest-indexed
	// worker that satisfied the success condition.
	PropagationSingle Propagation = "single"
	// PropagationAll merges extractions from every completed worker in
	// ascending global index order, later workers overriding earlier ones.
	PropagationAll Propagation = "all"
	// PropagationNone discards race-worker extractions.
	PropagationNone Propagation = "none"
)

// ThreadGroup is a named, independently-configured subset of an attack's
// concurrent workers. Immutable once parsed.
type ThreadGroup struct {
	Name      string            `yaml:"name"`
	Threads   int               `yaml:"threads"`
	DelayMs   int               `yaml:"delay_ms"`
	Request   string            `yaml:"request"`
	Variables map[string]string `yaml:"variables"`
}

// Delay returns the group's post-release delay.
func (g ThreadGroup) Delay() time.Duration {
	return time.Duration(g.DelayMs) * time.Millisecond
}

// RaceConfig describes one race attack. The legacy flat form sets Threads;
// the groups form sets ThreadGroups. A non-empty group list selects the
// groups form.
type RaceConfig struct {
	Threads       int           `yaml:"threads"`
	SyncMechanism SyncMechanism `yaml:"sync_mechanism"`
	ConnStrategy  ConnStrategy  `yaml:"connection_strategy"`
	Propagation   Propagation   `yaml:"thread_propagation"`
	Timeout       Duration      `yaml:"timeout"`
	PoolSize      int           `yaml:"pool_size"`
	PrewarmRate   float64       `yaml:"prewarm_rate"`
	SemaphoreCap  int           `yaml:"semaphore_limit"`
	SuccessWhen   string        `yaml:"success_when"`
	ThreadGroups  []ThreadGroup `yaml:"thread_groups"`
}

// UsesGroups reports whether the thread-groups form is active.
func (rc RaceConfig) UsesGroups() bool {
	return len(rc.ThreadGroups) > 0
}

// TotalThreads returns the total worker count for either form.
func (rc RaceConfig) TotalThreads() int {
	if !rc.UsesGroups() {
		return rc.Threads
	}
	total := 0
	for _, g := range rc.ThreadGroups {
		total += g.Threads
	}
	return total
}

// ExtractRule declares a value to pull out of a state's response.
type ExtractRule struct {
	Variable string `yaml:"name"`
	JSONPath string `yaml:"json"`
	Regex    string `yaml:"regex"`
	Header   string `yaml:"header"`
	Cookie   string `yaml:"cookie"`
	OnError  bool   `yaml:"on_error"`
}

// Transition is one ordered rule in a state's next list. An empty When
// always matches. Rules are evaluated in declared order; the first match
// wins.
type Transition struct {
	When string `yaml:"when"`
	Goto string `yaml:"goto"`
}

// AttackState is one node of the attack graph: a plain request or a race
// attack plus its outgoing transitions. A state with no transitions is
// terminal.
type AttackState struct {
	Name        string        `yaml:"-"`
	Description string        `yaml:"description"`
	Request     string        `yaml:"request"`
	Race        *RaceConfig   `yaml:"race"`
	Extract     []ExtractRule `yaml:"extract"`
	Next        []Transition  `yaml:"next"`
}

// Terminal reports whether the state has no outgoing transitions.
func (s *AttackState) Terminal() bool {
	return len(s.Next) == 0
}

// Metadata describes the attack document.
type Metadata struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	Author        string `yaml:"author"`
	Vulnerability string `yaml:"vulnerability"`
}

// Target is the host under test.
type Target struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Insecure bool   `yaml:"insecure"`
}

// BaseURL renders the scheme://host:port prefix for request URLs.
func (t Target) BaseURL() string {
	scheme := "http"
	port := t.Port
	if t.TLS {
		scheme = "https"
	}
	if port == 0 {
		if t.TLS {
			port = 443
		} else {
			port = 80
		}
	}
	return fmt.Sprintf("%s://%s:%d", scheme, t.Host, port)
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		if t.TLS {
			port = 443
		} else {
			port = 80
		}
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	Protocol    string  `yaml:"protocol" mapstructure:"protocol"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	Propagate   bool    `yaml:"propagate" mapstructure:"propagate"`
}

// Enabled reports whether tracing is configured at all.
func (tc TracingConfig) Enabled() bool {
	return tc.ResolvedEndpoint() != ""
}

// ResolvedEndpoint returns the exporter endpoint, preferring the document
// value over the standard OTEL_EXPORTER_OTLP_ENDPOINT environment variable.
func (tc TracingConfig) ResolvedEndpoint() string {
	if ep := strings.TrimSpace(tc.Endpoint); ep != "" {
		return ep
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// ResolvedServiceName returns the reported service name, preferring the
// document value over OTEL_SERVICE_NAME.
func (tc TracingConfig) ResolvedServiceName() string {
	if tc.ServiceName != "" {
		return tc.ServiceName
	}
	if env := os.Getenv("OTEL_SERVICE_NAME"); env != "" {
		return env
	}
	return "gatecrash"
}

// ShouldPropagate reports whether W3C trace headers are injected into
// outgoing attack requests.
func (tc TracingConfig) ShouldPropagate() bool {
	return tc.Enabled() && tc.Propagate
}

// Config is the fully resolved run configuration: attack document plus
// CLI/tool-level overrides.
type Config struct {
	Metadata   Metadata
	Target     Target
	Entrypoint string
	States     map[string]*AttackState

	// Variables injected from the command line (--var key=value).
	Variables map[string]string

	Timeout    time.Duration
	JSONOutput bool
	Verbose    bool
	Tracing    TracingConfig
	AttackFile string
}

// ValidationError aggregates all structural issues found in a configuration.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

// Issues returns a copy of the individual problems.
func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// NewValidationError builds a ValidationError from issue strings.
func NewValidationError(issues ...string) ValidationError {
	return ValidationError{issues: issues}
}

// Validate checks the whole configuration and returns a ValidationError
// listing every structural problem. Structural errors are detected here,
// before any network activity, and are fatal to the run.
func (c *Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Target.Host) == "" {
		issues = append(issues, "target: host is required")
	}
	if c.Target.Port < 0 || c.Target.Port > 65535 {
		issues = append(issues, fmt.Sprintf("target: port %d out of range", c.Target.Port))
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}

	if len(c.States) == 0 {
		issues = append(issues, "states: at least one state is required")
	}

	entry := strings.TrimSpace(c.Entrypoint)
	if entry == "" {
		issues = append(issues, "entrypoint: state is required")
	} else if _, ok := c.States[entry]; !ok {
		issues = append(issues, fmt.Sprintf("entrypoint: state %q is not defined", entry))
	}

	for name, state := range c.States {
		issues = append(issues, validateState(name, state, c.States)...)
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateState(name string, state *AttackState, states map[string]*AttackState) []string {
	var issues []string

	if state.Race != nil {
		issues = append(issues, validateRace(name, state.Race)...)
	} else if strings.TrimSpace(state.Request) == "" && !state.Terminal() {
		issues = append(issues, fmt.Sprintf("states.%s: request is required for a non-terminal plain state", name))
	}

	for idx, tr := range state.Next {
		target := strings.TrimSpace(tr.Goto)
		if target == "" {
			issues = append(issues, fmt.Sprintf("states.%s.next[%d]: goto is required", name, idx))
		} else if _, ok := states[target]; !ok {
			// Dangling targets are a load-time error, never a run-time one.
			issues = append(issues, fmt.Sprintf("states.%s.next[%d]: goto target %q is not defined", name, idx, target))
		}
		if _, err := condition.Parse(tr.When); err != nil {
			issues = append(issues, fmt.Sprintf("states.%s.next[%d]: %v", name, idx, err))
		}
	}

	for idx, rule := range state.Extract {
		if strings.TrimSpace(rule.Variable) == "" {
			issues = append(issues, fmt.Sprintf("states.%s.extract[%d]: name is required", name, idx))
		}
		sources := 0
		for _, s := range []string{rule.JSONPath, rule.Regex, rule.Header, rule.Cookie} {
			if strings.TrimSpace(s) != "" {
				sources++
			}
		}
		if sources != 1 {
			issues = append(issues, fmt.Sprintf("states.%s.extract[%d]: exactly one of json, regex, header, cookie is required", name, idx))
		}
	}

	return issues
}

func validateRace(name string, rc *RaceConfig) []string {
	var issues []string

	if rc.UsesGroups() {
		seen := map[string]int{}
		for idx, g := range rc.ThreadGroups {
			if strings.TrimSpace(g.Name) == "" {
				issues = append(issues, fmt.Sprintf("states.%s.race.thread_groups[%d]: name is required", name, idx))
			}
			if g.Threads < 0 {
				issues = append(issues, fmt.Sprintf("states.%s.race.thread_groups[%d]: threads must be >= 0", name, idx))
			}
			if g.DelayMs < 0 {
				issues = append(issues, fmt.Sprintf("states.%s.race.thread_groups[%d]: delay_ms must be >= 0", name, idx))
			}
			if prev, ok := seen[g.Name]; ok {
				issues = append(issues, fmt.Sprintf("states.%s.race.thread_groups[%d]: duplicate group name %q also defined at index %d", name, idx, g.Name, prev))
			} else {
				seen[g.Name] = idx
			}
		}
	}

	if rc.TotalThreads() < 1 {
		issues = append(issues, fmt.Sprintf("states.%s.race: total threads must be >= 1", name))
	}

	switch rc.SyncMechanism {
	case "", SyncBarrier, SyncCountdown, SyncSemaphore:
	default:
		issues = append(issues, fmt.Sprintf("states.%s.race: unsupported sync_mechanism %q", name, rc.SyncMechanism))
	}

	switch rc.ConnStrategy {
	case "", ConnPreconnect, ConnLazy, ConnPooled, ConnMultiplexed:
	default:
		issues = append(issues, fmt.Sprintf("states.%s.race: unsupported connection_strategy %q", name, rc.ConnStrategy))
	}

	switch rc.Propagation {
	case "", PropagationSingle, PropagationAll, PropagationNone:
	default:
		issues = append(issues, fmt.Sprintf("states.%s.race: unsupported thread_propagation %q", name, rc.Propagation))
	}

	if rc.Timeout < 0 {
		issues = append(issues, fmt.Sprintf("states.%s.race: timeout must be >= 0", name))
	}
	if rc.PoolSize < 0 {
		issues = append(issues, fmt.Sprintf("states.%s.race: pool_size must be >= 0", name))
	}
	if rc.PrewarmRate < 0 {
		issues = append(issues, fmt.Sprintf("states.%s.race: prewarm_rate must be >= 0", name))
	}
	if rc.SemaphoreCap < 0 {
		issues = append(issues, fmt.Sprintf("states.%s.race: semaphore_limit must be >= 0", name))
	}

	if _, err := condition.Parse(rc.SuccessWhen); err != nil {
		issues = append(issues, fmt.Sprintf("states.%s.race.success_when: %v", name, err))
	}

	return issues
}
