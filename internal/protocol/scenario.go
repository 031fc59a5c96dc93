package protocol

import (
	"context"
	"fmt"

	"conductor/internal/stage"
)

// Scenario is an ordered list of stages run as one unit of the failure policy.
type Scenario struct {
	Name   string
	Stages []stage.Spec
}

// ScenarioOutcome records what happened to one scenario.
type ScenarioOutcome struct {
	Name   string
	Result Result
	Stages []Outcome
	// Skipped names the stages not dispatched after a failure.
	Skipped []string
}

// Summary records a whole run.
type Summary struct {
	Scenarios []ScenarioOutcome
	// Aborted is set when a failing stage had exitOnFailure.
	Aborted bool
}

// Failed reports whether any scenario did not succeed.
func (s Summary) Failed() bool {
	for _, sc := range s.Scenarios {
		if sc.Result != Success {
			return true
		}
	}
	return false
}

// Run executes scenarios in order. Stage K+1 is dispatched only after stage
// K's acks are collected. A failing stage skips the rest of its scenario, or
// aborts the run when it has exitOnFailure set.
func (m *Master) Run(ctx context.Context, scenarios []Scenario) (Summary, error) {
	var sum Summary
	for _, sc := range scenarios {
		out := ScenarioOutcome{Name: sc.Name, Result: Success}
		log := m.log.With("scenario", sc.Name)
		log.Info("scenario started", "stages", len(sc.Stages))

		for i, spec := range sc.Stages {
			if err := ctx.Err(); err != nil {
				sum.Scenarios = append(sum.Scenarios, out)
				return sum, err
			}
			res, err := m.RunStage(ctx, spec)
			if err != nil {
				sum.Scenarios = append(sum.Scenarios, out)
				return sum, fmt.Errorf("scenario %s: %w", sc.Name, err)
			}
			out.Stages = append(out.Stages, res)
			if res.Result == Success {
				continue
			}

			out.Result = res.Result
			for _, rest := range sc.Stages[i+1:] {
				out.Skipped = append(out.Skipped, specName(rest))
			}
			if res.Result == Exit {
				log.Error("stage failed with exitOnFailure, aborting run", "stage", res.Stage)
				sum.Scenarios = append(sum.Scenarios, out)
				sum.Aborted = true
				return sum, nil
			}
			log.Warn("stage failed, skipping rest of scenario", "stage", res.Stage, "skipped", len(out.Skipped))
			break
		}
		log.Info("scenario finished", "result", out.Result.String())
		sum.Scenarios = append(sum.Scenarios, out)
	}
	return sum, nil
}

func specName(s stage.Spec) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}
