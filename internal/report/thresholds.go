package report

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"conductor/internal/stats"
)

// Thresholds defines pass/fail criteria checked against the latest iteration
// of every test.
type Thresholds struct {
	// ErrorRate is the maximum share of failed requests, e.g. "1%".
	ErrorRate string `yaml:"errorRate"`
	// Mean caps the mean latency per operation.
	Mean map[string]time.Duration `yaml:"mean"`
}

// ThresholdResult represents the outcome of a single threshold check.
type ThresholdResult struct {
	Test      string `json:"test"`
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
}

// ThresholdResults contains all threshold check results.
type ThresholdResults struct {
	Passed  bool              `json:"passed"`
	Results []ThresholdResult `json:"results"`
}

// Validate rejects malformed thresholds.
func (t *Thresholds) Validate() error {
	if t == nil || t.ErrorRate == "" {
		return nil
	}
	if _, err := parsePercentage(t.ErrorRate); err != nil {
		return fmt.Errorf("thresholds.errorRate: %w", err)
	}
	return nil
}

// Check evaluates all thresholds against r.
func (t *Thresholds) Check(r *Report) *ThresholdResults {
	results := &ThresholdResults{Passed: true, Results: make([]ThresholdResult, 0)}
	if t == nil {
		return results
	}
	for _, test := range r.Tests() {
		its := test.Iterations()
		if len(its) == 0 {
			continue
		}
		last := its[len(its)-1].Aggregate
		if t.ErrorRate != "" {
			results.checkErrorRate(test.Name, t.ErrorRate, last)
		}
		for _, op := range slices.Sorted(maps.Keys(t.Mean)) {
			results.checkMean(test.Name, op, t.Mean[op], last)
		}
	}
	return results
}

func (r *ThresholdResults) checkErrorRate(test, threshold string, snap stats.Snapshot) {
	limit, err := parsePercentage(threshold)
	if err != nil {
		return
	}
	total := snap.Total()
	actual := 0.0
	if total.Requests > 0 {
		actual = float64(total.Errors) / float64(total.Requests) * 100
	}
	r.add(ThresholdResult{
		Test:      test,
		Name:      "error_rate",
		Passed:    actual < limit,
		Threshold: threshold,
		Actual:    fmt.Sprintf("%.2f%%", actual),
	})
}

func (r *ThresholdResults) checkMean(test, op string, limit time.Duration, snap stats.Snapshot) {
	os, ok := snap.Get(stats.Operation(op))
	if !ok || os.Timed == 0 || limit <= 0 {
		return
	}
	r.add(ThresholdResult{
		Test:      test,
		Name:      op + ".mean",
		Passed:    os.Mean() < limit,
		Threshold: FormatDuration(limit),
		Actual:    FormatDuration(os.Mean()),
	})
}

func (r *ThresholdResults) add(res ThresholdResult) {
	if !res.Passed {
		r.Passed = false
	}
	r.Results = append(r.Results, res)
}

// Violations returns only the failed threshold results.
func (r *ThresholdResults) Violations() []ThresholdResult {
	violations := make([]ThresholdResult, 0)
	for _, result := range r.Results {
		if !result.Passed {
			violations = append(violations, result)
		}
	}
	return violations
}

func parsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, fmt.Errorf("invalid percentage format: %s", s)
	}
	return strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
}
