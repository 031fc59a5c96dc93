package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"conductor/internal/stats"
)

// FormatText writes the report in human-readable format.
func FormatText(w io.Writer, r *Report, thresholds *ThresholdResults) {
	tests := r.Tests()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Conductor - Benchmark Report")
	fmt.Fprintln(w, "============================")
	fmt.Fprintf(w, "Run: %s\n", r.RunID)

	if len(tests) == 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "No tests recorded")
	}
	for _, t := range tests {
		fmt.Fprintln(w, "")
		fmt.Fprintf(w, "Test: %s\n", t.Name)
		for _, it := range t.Iterations() {
			fmt.Fprintf(w, "  Iteration %d (%d workers, %s)\n",
				it.Index, len(it.PerWorker), FormatDuration(it.Aggregate.Duration()))
			for _, op := range it.Aggregate.Operations() {
				os, _ := it.Aggregate.Get(op)
				fmt.Fprintf(w, "    %-28s %s reqs   errors=%s  mean=%s  rps=%.1f\n",
					op, formatNumber(os.Requests), formatNumber(os.Errors),
					formatMean(os), throughput(os, it.Aggregate.Duration()))
			}
		}
	}

	if thresholds != nil && len(thresholds.Results) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Thresholds:")
		for _, result := range thresholds.Results {
			symbol := "✓"
			if !result.Passed {
				symbol = "✗"
			}
			fmt.Fprintf(w, "  %s %s/%s < %s (actual: %s)\n",
				symbol, result.Test, result.Name, result.Threshold, result.Actual)
		}
	}
}

// FormatJSON writes the report in JSON format.
func FormatJSON(w io.Writer, r *Report, thresholds *ThresholdResults) error {
	output := jsonReport{
		RunID:      r.RunID.String(),
		Tests:      make([]jsonTest, 0),
		Thresholds: thresholds,
	}
	for _, t := range r.Tests() {
		jt := jsonTest{Name: t.Name, Iterations: make([]jsonIteration, 0)}
		for _, it := range t.Iterations() {
			ji := jsonIteration{
				Index:      it.Index,
				Workers:    it.Workers(),
				Duration:   it.Aggregate.Duration().Round(time.Millisecond).String(),
				Operations: make(map[string]jsonOperation),
			}
			for _, op := range it.Aggregate.Operations() {
				os, _ := it.Aggregate.Get(op)
				ji.Operations[op.String()] = jsonOperation{
					Requests:       os.Requests,
					Errors:         os.Errors,
					Mean:           formatMean(os),
					RequestsPerSec: throughput(os, it.Aggregate.Duration()),
				}
			}
			jt.Iterations = append(jt.Iterations, ji)
		}
		output.Tests = append(output.Tests, jt)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

type jsonReport struct {
	RunID      string            `json:"runId"`
	Tests      []jsonTest        `json:"tests"`
	Thresholds *ThresholdResults `json:"thresholds,omitempty"`
}

type jsonTest struct {
	Name       string          `json:"name"`
	Iterations []jsonIteration `json:"iterations"`
}

type jsonIteration struct {
	Index      int                      `json:"index"`
	Workers    []int                    `json:"workers"`
	Duration   string                   `json:"duration"`
	Operations map[string]jsonOperation `json:"operations"`
}

type jsonOperation struct {
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	Mean           string  `json:"mean"`
	RequestsPerSec float64 `json:"requestsPerSec"`
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

func formatMean(os stats.OperationStats) string {
	if os.Timed == 0 {
		return "-"
	}
	return FormatDuration(os.Mean())
}

func throughput(os stats.OperationStats, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(os.Requests) / window.Seconds()
}

// formatNumber groups digits in thousands.
func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}
