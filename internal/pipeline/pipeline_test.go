package pipeline

import (
	"context"
	"errors"
	"testing"
)

// TestDriverRunAdvancesSigmaOnConvergence exercises spec 8 scenario 5:
// two sigmas, both converging on their first iteration, should invoke
// the modeling callback exactly twice.
func TestDriverRunAdvancesSigmaOnConvergence(t *testing.T) {
	scores := map[float64]float64{0.5: 0.02, 0.2: 0.03}
	var assignCalls, modelCalls int

	d := &Driver{
		Schedule: Schedule{
			Sigmas:        []float64{0.5, 0.2},
			MaxViolations: 0.05,
			MaxIterations: 10,
		},
		RunAssignment: func(ctx context.Context, sigma float64, iteration int) error {
			assignCalls++
			return nil
		},
		RunModeling: func(ctx context.Context, sigma float64, iteration int) (float64, error) {
			modelCalls++
			return scores[sigma], nil
		},
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("expected a converged run, got error: %v", err)
	}
	if modelCalls != 2 {
		t.Fatalf("expected exactly 2 modeling steps, got %d", modelCalls)
	}
	if assignCalls != 2 {
		t.Fatalf("expected exactly 2 assignment rounds, got %d", assignCalls)
	}
}

// TestDriverRunRetriesWithinSigmaBeforeAdvancing checks that a sigma
// which doesn't converge immediately keeps iterating (not advancing)
// until the score drops below threshold or the iteration budget runs
// out.
func TestDriverRunRetriesWithinSigmaBeforeAdvancing(t *testing.T) {
	var iter int
	d := &Driver{
		Schedule: Schedule{
			Sigmas:        []float64{0.5},
			MaxViolations: 0.05,
			MaxIterations: 5,
		},
		RunAssignment: func(ctx context.Context, sigma float64, iteration int) error { return nil },
		RunModeling: func(ctx context.Context, sigma float64, iteration int) (float64, error) {
			iter++
			if iter < 3 {
				return 0.2, nil
			}
			return 0.01, nil
		},
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("expected convergence on the third iteration, got error: %v", err)
	}
	if iter != 3 {
		t.Fatalf("expected exactly 3 modeling calls before convergence, got %d", iter)
	}
}

// TestDriverRunReturnsConvergenceFailure checks spec 7's
// ConvergenceFailure: max_iterations exhausted at one sigma without
// the score ever dropping below max_violations.
func TestDriverRunReturnsConvergenceFailure(t *testing.T) {
	d := &Driver{
		Schedule: Schedule{
			Sigmas:        []float64{0.5, 0.2},
			MaxViolations: 0.05,
			MaxIterations: 3,
		},
		RunAssignment: func(ctx context.Context, sigma float64, iteration int) error { return nil },
		RunModeling: func(ctx context.Context, sigma float64, iteration int) (float64, error) {
			return 0.5, nil
		},
	}
	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected a ConvergenceFailure")
	}
	var cf *ConvergenceFailure
	if !errors.As(err, &cf) {
		t.Fatalf("expected *ConvergenceFailure, got %T: %v", err, err)
	}
	if cf.Sigma != 0.5 {
		t.Fatalf("expected the failure to be reported at the first sigma (0.5), got %v", cf.Sigma)
	}
	if cf.Iterations != 3 {
		t.Fatalf("expected Iterations=3, got %d", cf.Iterations)
	}
}

// TestDriverRunPropagatesAssignmentError checks that a failing
// assignment round aborts the schedule immediately rather than being
// swallowed as a non-convergent iteration.
func TestDriverRunPropagatesAssignmentError(t *testing.T) {
	wantErr := errors.New("boom")
	d := &Driver{
		Schedule: Schedule{Sigmas: []float64{0.5}, MaxViolations: 0.05, MaxIterations: 3},
		RunAssignment: func(ctx context.Context, sigma float64, iteration int) error {
			return wantErr
		},
		RunModeling: func(ctx context.Context, sigma float64, iteration int) (float64, error) {
			t.Fatal("RunModeling should not be called when RunAssignment fails")
			return 0, nil
		},
	}
	if err := d.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected the assignment error to propagate, got %v", err)
	}
}
