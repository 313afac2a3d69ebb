// Package output renders run reports for terminal and machine consumers.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gatecrash/gatecrash/internal/flow"
	"github.com/gatecrash/gatecrash/internal/race"
	"github.com/gatecrash/gatecrash/internal/variables"
)

// PrintReport outputs a human-readable summary of one attack run.
func PrintReport(w io.Writer, report *flow.Report) {
	fmt.Fprintln(w, "\n--- Attack Results ---")
	if report.Attack.Name != "" {
		fmt.Fprintf(w, "Attack:            %s\n", report.Attack.Name)
	}
	if report.Attack.Vulnerability != "" {
		fmt.Fprintf(w, "Vulnerability:     %s\n", report.Attack.Vulnerability)
	}
	fmt.Fprintf(w, "Status:            %s\n", report.Status)
	if report.FailureReason != "" {
		fmt.Fprintf(w, "Failure:           %s\n", report.FailureReason)
	}
	fmt.Fprintf(w, "States Executed:   %d\n", len(report.States))
	fmt.Fprintf(w, "Duration:          %s\n", report.Elapsed.Round(time.Millisecond))

	for _, state := range report.States {
		fmt.Fprintf(w, "\nState %q", state.State)
		if state.Next != "" {
			fmt.Fprintf(w, " -> %q", state.Next)
		}
		fmt.Fprintln(w, ":")
		if state.Description != "" {
			fmt.Fprintf(w, "  %s\n", state.Description)
		}
		if state.StatusCode != 0 {
			fmt.Fprintf(w, "  Response Status: %d\n", state.StatusCode)
		}
		if state.Race != nil {
			printRaceOutcome(w, state.Race)
		}
		if len(state.Extracted) > 0 {
			fmt.Fprintln(w, "  Extracted:")
			printSortedKV(w, state.Extracted, "    ")
		}
	}

	if len(report.Variables) > 0 {
		fmt.Fprintln(w, "\nFinal Variables:")
		printSortedKV(w, report.Variables, "  ")
	}
}

func printRaceOutcome(w io.Writer, outcome *race.Outcome) {
	fmt.Fprintf(w, "  Race %s:\n", outcome.RunID)
	fmt.Fprintf(w, "    Verdict:       %s\n", outcome.Verdict)
	fmt.Fprintf(w, "    Threads:       %d\n", outcome.Total)
	fmt.Fprintf(w, "    Completed:     %d\n", outcome.Completed)
	fmt.Fprintf(w, "    Failed:        %d\n", outcome.Failed)
	fmt.Fprintf(w, "    Success Hits:  %d\n", outcome.SuccessHits)
	if outcome.LowConfidence {
		fmt.Fprintln(w, "    Race Window:   n/a (fewer than two completions)")
	} else {
		fmt.Fprintf(w, "    Race Window:   %s\n", outcome.Window.Round(time.Microsecond))
	}

	stats := outcome.Stats
	if stats.Total > 0 {
		fmt.Fprintln(w, "    Latency:")
		fmt.Fprintf(w, "      Min:         %s\n", stats.MinLatency)
		fmt.Fprintf(w, "      Max:         %s\n", stats.MaxLatency)
		fmt.Fprintf(w, "      Mean:        %s\n", stats.MeanLatency)
		fmt.Fprintf(w, "      P50:         %s\n", stats.P50Latency)
		fmt.Fprintf(w, "      P99:         %s\n", stats.P99Latency)
	}
	if stats.P99SendOffset > 0 {
		fmt.Fprintln(w, "    Send Offset:")
		fmt.Fprintf(w, "      P50:         %s\n", stats.P50SendOffset)
		fmt.Fprintf(w, "      P99:         %s\n", stats.P99SendOffset)
	}

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "    Errors:")
		names := make([]string, 0, len(stats.Errors))
		for name := range stats.Errors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "      %s: %d\n", name, stats.Errors[name])
		}
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, report *flow.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printSortedKV(w io.Writer, values map[string]string, indent string) {
	for _, k := range variables.Keys(values) {
		fmt.Fprintf(w, "%s%s = %s\n", indent, k, values[k])
	}
}
