package output_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/flow"
	"github.com/gatecrash/gatecrash/internal/metrics"
	"github.com/gatecrash/gatecrash/internal/output"
	"github.com/gatecrash/gatecrash/internal/race"
)

func sampleReport() *flow.Report {
	return &flow.Report{
		Attack: config.Metadata{
			Name:          "coupon-double-spend",
			Vulnerability: "CWE-362",
		},
		Status:  flow.StatusTerminal,
		Elapsed: 1250 * time.Millisecond,
		States: []flow.StateResult{
			{
				State:      "login",
				StatusCode: 200,
				Extracted:  map[string]string{"session": "s-1"},
				Next:       "redeem",
			},
			{
				State: "redeem",
				Race: &race.Outcome{
					RunID:       "01J8Z0",
					Total:       20,
					Completed:   19,
					Failed:      1,
					SuccessHits: 3,
					Window:      180 * time.Microsecond,
					Verdict:     race.VerdictVulnerable,
					Stats: metrics.Stats{
						Total:      19,
						Successes:  19,
						P50Latency: 4 * time.Millisecond,
						P99Latency: 9 * time.Millisecond,
						Errors:     map[string]int{"*conn.ConnectionError": 1},
					},
				},
			},
		},
		Variables: map[string]string{"session": "s-1", "race.verdict": "vulnerable"},
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	output.PrintReport(&buf, sampleReport())
	got := buf.String()

	for _, want := range []string{
		"coupon-double-spend",
		"CWE-362",
		"Status:            terminal",
		`State "login" -> "redeem"`,
		"session = s-1",
		"Verdict:       vulnerable",
		"Success Hits:  3",
		"Race Window:   180µs",
		"*conn.ConnectionError: 1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
}

func TestPrintReportLowConfidenceWindow(t *testing.T) {
	report := sampleReport()
	report.States[1].Race.LowConfidence = true
	report.States[1].Race.Window = 0

	var buf bytes.Buffer
	output.PrintReport(&buf, report)
	if !strings.Contains(buf.String(), "fewer than two completions") {
		t.Fatalf("low-confidence window not flagged:\n%s", buf.String())
	}
}

func TestPrintJSONReport(t *testing.T) {
	var buf bytes.Buffer
	if err := output.PrintJSONReport(&buf, sampleReport()); err != nil {
		t.Fatalf("print: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["status"] != "terminal" {
		t.Errorf("status = %v", decoded["status"])
	}
	states, ok := decoded["states"].([]interface{})
	if !ok || len(states) != 2 {
		t.Fatalf("states = %v", decoded["states"])
	}
}
