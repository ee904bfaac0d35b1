// Package pipeline implements the tolerance schedule loop: the driver
// that sits above the Step Orchestrator, advancing a list of
// decreasing per-modality sigmas and repeating the assignment+modeling
// round at each one until the global violation score stored on BPS
// drops below max_violations, or giving up with a ConvergenceFailure
// once max_iterations is exhausted at a given sigma.
package pipeline

import (
	"context"
	"fmt"
)

// ConvergenceFailure marks max_iterations reached at one sigma without
// the violation score ever dropping below max_violations: fatal,
// surfaced to the CLI as a specific nonzero exit status.
type ConvergenceFailure struct {
	Sigma          float64
	Iterations     int
	ViolationScore float64
}

func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("pipeline: convergence failure at sigma=%v after %d iterations (violation_score=%v, threshold not met)",
		e.Sigma, e.Iterations, e.ViolationScore)
}

// Schedule is one tolerance schedule: the decreasing sigmas to advance
// through, the violation-score threshold that gates advancing past the
// current one, and the per-sigma iteration budget.
type Schedule struct {
	Sigmas        []float64
	MaxViolations float64
	MaxIterations int
}

// AssignmentFunc runs every assignment engine relevant to sigma for
// one outer iteration (the hic/damid/sprite/fish orchestrator.Runner
// invocations the caller wires up).
type AssignmentFunc func(ctx context.Context, sigma float64, iteration int) error

// ModelingFunc runs one modeling step and reports the resulting global
// violation score, the convergence signal published on BPS.
type ModelingFunc func(ctx context.Context, sigma float64, iteration int) (violationScore float64, err error)

// Driver owns one Schedule and the two callbacks that actually run a
// round. The Step Orchestrator underneath each callback handles the
// per-step durability and restart bookkeeping; Driver only decides
// which sigma/iteration comes next and when to stop.
type Driver struct {
	Schedule      Schedule
	RunAssignment AssignmentFunc
	RunModeling   ModelingFunc
}

// Run drives the schedule to completion, returning nil on success
// (every sigma converged), a *ConvergenceFailure if one sigma
// exhausted its iteration budget, or whatever error RunAssignment/
// RunModeling propagated.
func (d *Driver) Run(ctx context.Context) error {
	for _, sigma := range d.Schedule.Sigmas {
		converged, lastScore, err := d.runSigma(ctx, sigma)
		if err != nil {
			return err
		}
		if !converged {
			return &ConvergenceFailure{Sigma: sigma, Iterations: d.Schedule.MaxIterations, ViolationScore: lastScore}
		}
	}
	return nil
}

func (d *Driver) runSigma(ctx context.Context, sigma float64) (converged bool, lastScore float64, err error) {
	for iter := 0; iter < d.Schedule.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return false, lastScore, err
		}
		if err := d.RunAssignment(ctx, sigma, iter); err != nil {
			return false, lastScore, err
		}
		score, err := d.RunModeling(ctx, sigma, iter)
		if err != nil {
			return false, lastScore, err
		}
		lastScore = score
		if score < d.Schedule.MaxViolations {
			return true, lastScore, nil
		}
	}
	return false, lastScore, nil
}
