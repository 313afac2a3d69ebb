package plan_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/plan"
)

// TestBuildGroupsAssignsContiguousIndices covers the canonical last-chance
// pattern: a solo group followed by a flood group. Global indices must be
// contiguous across groups in declaration order.
func TestBuildGroupsAssignsContiguousIndices(t *testing.T) {
	rc := config.RaceConfig{
		ThreadGroups: []config.ThreadGroup{
			{Name: "solo", Threads: 1, DelayMs: 50},
			{Name: "flood", Threads: 50},
		},
	}

	plans, err := plan.Build(rc, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plans) != 51 {
		t.Fatalf("expected 51 plans, got %d", len(plans))
	}

	if plans[0].Group.Name != "solo" || plans[0].Index != 0 || plans[0].GroupIndex != 0 {
		t.Fatalf("solo plan mismatch: %+v", plans[0])
	}
	if plans[0].Delay() != 50*time.Millisecond {
		t.Fatalf("solo delay = %s, want 50ms", plans[0].Delay())
	}

	for i := 1; i < 51; i++ {
		p := plans[i]
		if p.Group.Name != "flood" {
			t.Fatalf("plan %d: group %q, want flood", i, p.Group.Name)
		}
		if p.Index != i {
			t.Fatalf("plan %d: global index %d", i, p.Index)
		}
		if p.GroupIndex != i-1 {
			t.Fatalf("plan %d: group index %d, want %d", i, p.GroupIndex, i-1)
		}
		if p.Delay() != 0 {
			t.Fatalf("flood workers must not inherit solo delay")
		}
	}
}

// TestBuildLegacyFormMatchesSingleGroup verifies the flat-threads form is
// indistinguishable from one group with the same size and the shared
// request template.
func TestBuildLegacyFormMatchesSingleGroup(t *testing.T) {
	legacy, err := plan.Build(config.RaceConfig{Threads: 20}, "GET / HTTP/1.1\r\n\r\n")
	if err != nil {
		t.Fatalf("legacy build: %v", err)
	}
	grouped, err := plan.Build(config.RaceConfig{
		ThreadGroups: []config.ThreadGroup{
			{Name: "default", Threads: 20, Request: "GET / HTTP/1.1\r\n\r\n"},
		},
	}, "")
	if err != nil {
		t.Fatalf("grouped build: %v", err)
	}

	if len(legacy) != len(grouped) {
		t.Fatalf("plan counts differ: %d vs %d", len(legacy), len(grouped))
	}
	for i := range legacy {
		l, g := legacy[i], grouped[i]
		if l.Index != g.Index || l.GroupIndex != g.GroupIndex {
			t.Fatalf("plan %d indices differ: %+v vs %+v", i, l, g)
		}
		if l.Group.Name != g.Group.Name || l.Group.Request != g.Group.Request {
			t.Fatalf("plan %d groups differ: %+v vs %+v", i, l.Group, g.Group)
		}
	}
}

func TestBuildRejectsEmptyPlans(t *testing.T) {
	tests := []struct {
		name string
		rc   config.RaceConfig
	}{
		{"zero legacy threads", config.RaceConfig{Threads: 0}},
		{"negative group threads", config.RaceConfig{
			ThreadGroups: []config.ThreadGroup{{Name: "g", Threads: -1}},
		}},
		{"all groups empty", config.RaceConfig{
			ThreadGroups: []config.ThreadGroup{{Name: "a"}, {Name: "b"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plan.Build(tt.rc, "")
			if err == nil {
				t.Fatal("expected error")
			}
			var verr config.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestRenderContextExposesThreadIdentity(t *testing.T) {
	rc := config.RaceConfig{
		ThreadGroups: []config.ThreadGroup{
			{Name: "solo", Threads: 1},
			{Name: "flood", Threads: 3, Variables: map[string]string{"coupon": "HALFOFF"}},
		},
	}
	plans, err := plan.Build(rc, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ctx := plans[2].RenderContext(4)
	want := map[string]string{
		"group":         "flood",
		"group_threads": "3",
		"thread":        "2",
		"group_thread":  "1",
		"total_threads": "4",
		"coupon":        "HALFOFF",
	}
	for key, val := range want {
		if got := ctx[key]; got != val {
			t.Errorf("ctx[%q] = %q, want %q", key, got, val)
		}
	}
}
