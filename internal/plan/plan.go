// Package plan expands a race configuration into the flat, ordered list of
// per-worker execution plans.
package plan

import (
	"fmt"
	"time"

	"github.com/gatecrash/gatecrash/internal/config"
)

// legacyGroupName names the synthetic group the flat-threads form is
// normalized into. Nothing downstream distinguishes the two forms beyond
// this translation.
const legacyGroupName = "default"

// ExecutionPlan is the skeleton for one race worker: which group it belongs
// to and where it sits in the global launch order. Request rendering is the
// caller's job; the plan carries the template and variables that apply.
type ExecutionPlan struct {
	// Index is the global thread index, 0..totalThreads-1, assigned by
	// group order then intra-group order.
	Index int

	// GroupIndex is the worker's position inside its group, 0..threads-1.
	GroupIndex int

	// Group is a read-only back-reference to the owning thread group.
	Group *config.ThreadGroup
}

// Delay returns the worker's post-release delay.
func (p ExecutionPlan) Delay() time.Duration {
	return p.Group.Delay()
}

// RenderContext returns the template context values this worker exposes to
// the rendering collaborator.
func (p ExecutionPlan) RenderContext(totalThreads int) map[string]string {
	ctx := map[string]string{
		"group":         p.Group.Name,
		"group_threads": fmt.Sprintf("%d", p.Group.Threads),
		"group_delay":   p.Group.Delay().String(),
		"thread":        fmt.Sprintf("%d", p.Index),
		"group_thread":  fmt.Sprintf("%d", p.GroupIndex),
		"total_threads": fmt.Sprintf("%d", totalThreads),
	}
	for key, value := range p.Group.Variables {
		ctx[key] = value
	}
	return ctx
}

// Build expands a RaceConfig of either form into ordered execution plans.
// The legacy flat form becomes a single synthetic group with zero delay and
// the attack's shared request template. Structural problems are returned as
// a config.ValidationError.
func Build(rc config.RaceConfig, sharedRequest string) ([]ExecutionPlan, error) {
	groups := rc.ThreadGroups
	if !rc.UsesGroups() {
		groups = []config.ThreadGroup{{
			Name:    legacyGroupName,
			Threads: rc.Threads,
			Request: sharedRequest,
		}}
	}

	var issues []string
	total := 0
	for idx, g := range groups {
		if g.Threads < 0 {
			issues = append(issues, fmt.Sprintf("thread_groups[%d]: threads must be >= 0", idx))
		}
		total += g.Threads
	}
	if total < 1 {
		issues = append(issues, "total threads must be >= 1")
	}
	if len(issues) > 0 {
		return nil, config.NewValidationError(issues...)
	}

	plans := make([]ExecutionPlan, 0, total)
	index := 0
	for gi := range groups {
		group := &groups[gi]
		for local := 0; local < group.Threads; local++ {
			plans = append(plans, ExecutionPlan{
				Index:      index,
				GroupIndex: local,
				Group:      group,
			})
			index++
		}
	}

	return plans, nil
}
