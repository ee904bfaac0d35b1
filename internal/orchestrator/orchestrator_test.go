package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"

	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/parallel"
	"github.com/alberlab/igm3d/internal/steplog"
)

type fakeStep struct {
	name           string
	calls          []string
	runtimeFragment string
	restored       string
	cfg            interface{}
	taskArgs       []interface{}
	failTask       bool
}

func (s *fakeStep) Name() string { return s.name }
func (s *fakeStep) Setup(ctx context.Context) error {
	s.calls = append(s.calls, "setup")
	return nil
}
func (s *fakeStep) BeforeMap(ctx context.Context) error {
	s.calls = append(s.calls, "before_map")
	return nil
}
func (s *fakeStep) Args(ctx context.Context) ([]interface{}, error) {
	if s.taskArgs == nil {
		s.taskArgs = []interface{}{1, 2, 3}
	}
	return s.taskArgs, nil
}
func (s *fakeStep) Task(ctx context.Context, arg interface{}, tmpDir string) error {
	s.calls = append(s.calls, "task")
	if s.failTask {
		return errBoom
	}
	return nil
}
func (s *fakeStep) BeforeReduce(ctx context.Context) error {
	s.calls = append(s.calls, "before_reduce")
	return nil
}
func (s *fakeStep) Reduce(ctx context.Context) error {
	s.calls = append(s.calls, "reduce")
	return nil
}
func (s *fakeStep) Cleanup(ctx context.Context) error {
	s.calls = append(s.calls, "cleanup")
	return nil
}
func (s *fakeStep) Skip(ctx context.Context) error {
	s.calls = append(s.calls, "skip")
	return nil
}
func (s *fakeStep) RuntimeFragment(ctx context.Context) (string, error) {
	return s.runtimeFragment, nil
}
func (s *fakeStep) RestoreRuntimeFragment(ctx context.Context, data string) error {
	s.restored = data
	return nil
}
func (s *fakeStep) ConfigSubtree() interface{} { return s.cfg }

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newRunner(t *testing.T) (*Runner, func()) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	l, err := steplog.Open(filepath.Join(dir, "steps.db"))
	if err != nil {
		t.Fatal(err)
	}
	return &Runner{Log: l, Controller: parallel.Serial{}, TmpDir: dir}, func() { l.Close(); cleanup() }
}

func TestRunExecutesAllPhasesInOrder(t *testing.T) {
	r, cleanup := newRunner(t)
	defer cleanup()
	step := &fakeStep{name: "HiCAssignmentStep", cfg: map[string]int{"x": 1}, runtimeFragment: "{}"}
	if err := r.Run(context.Background(), step, 1); err != nil {
		t.Fatal(err)
	}
	want := []string{"setup", "before_map", "task", "task", "task", "before_reduce", "reduce", "cleanup"}
	if len(step.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, step.calls)
	}
	for i, c := range want {
		if step.calls[i] != c {
			t.Fatalf("expected %v, got %v", want, step.calls)
		}
	}
}

func TestRunSecondCallSkips(t *testing.T) {
	r, cleanup := newRunner(t)
	defer cleanup()
	step := &fakeStep{name: "ModelingStep", cfg: 42, runtimeFragment: "{\"iter\":1}"}
	if err := r.Run(context.Background(), step, 1); err != nil {
		t.Fatal(err)
	}
	step.calls = nil
	if err := r.Run(context.Background(), step, 1); err != nil {
		t.Fatal(err)
	}
	if len(step.calls) != 1 || step.calls[0] != "skip" {
		t.Fatalf("expected only 'skip' to be called on the second run, got %v", step.calls)
	}
	if step.restored != "{\"iter\":1}" {
		t.Fatalf("expected the completed run's runtime fragment to be restored, got %q", step.restored)
	}
}

func TestRunResumesAfterMappedCrash(t *testing.T) {
	r, cleanup := newRunner(t)
	defer cleanup()
	step := &fakeStep{name: "DamIDAssignmentStep", cfg: "v1", runtimeFragment: "frag-after-map"}

	// Seed the log by hand up through "mapped" under this step's uid, as
	// a crash between the map and reduce phases would leave it.
	ctx := context.Background()
	u := uid(step.Name(), 2, mustHash(step.ConfigSubtree()))
	for _, s := range []steplog.Status{steplog.StatusEntry, steplog.StatusSetup, steplog.StatusMap} {
		if err := r.Log.Append(ctx, steplog.Record{UID: u, Name: step.Name(), Time: int64(len(s)), Status: s}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Log.Append(ctx, steplog.Record{UID: u, Name: step.Name(), Time: 100, Status: steplog.StatusMapped, Data: "frag-after-map"}); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(ctx, step, 2); err != nil {
		t.Fatal(err)
	}
	want := []string{"before_reduce", "reduce", "cleanup"}
	if len(step.calls) != len(want) {
		t.Fatalf("expected resume to skip setup/map and run %v, got %v", want, step.calls)
	}
	for i, c := range want {
		if step.calls[i] != c {
			t.Fatalf("expected %v, got %v", want, step.calls)
		}
	}
	if step.restored != "frag-after-map" {
		t.Fatalf("expected runtime fragment from the mapped row to be restored, got %q", step.restored)
	}
}

func TestRunResumesAfterMapCrash(t *testing.T) {
	r, cleanup := newRunner(t)
	defer cleanup()
	step := &fakeStep{name: "SpriteAssignmentStep", cfg: "v1", runtimeFragment: "frag-after-mapped"}

	ctx := context.Background()
	u := uid(step.Name(), 3, mustHash(step.ConfigSubtree()))
	for i, s := range []steplog.Status{steplog.StatusEntry, steplog.StatusSetup, steplog.StatusMap} {
		if err := r.Log.Append(ctx, steplog.Record{UID: u, Name: step.Name(), Time: int64(i), Status: s}); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Run(ctx, step, 3); err != nil {
		t.Fatal(err)
	}
	want := []string{"before_map", "task", "task", "task", "before_reduce", "reduce", "cleanup"}
	if len(step.calls) != len(want) {
		t.Fatalf("expected resuming from 'map' to redo the map phase and run %v, got %v", want, step.calls)
	}
	for i, c := range want {
		if step.calls[i] != c {
			t.Fatalf("expected %v, got %v", want, step.calls)
		}
	}
}

func TestRunRetriesFromLastGoodSubstepAfterFailure(t *testing.T) {
	r, cleanup := newRunner(t)
	defer cleanup()
	step := &fakeStep{name: "FlakyStep", cfg: "v1", runtimeFragment: "frag-ok", failTask: true}

	ctx := context.Background()
	if err := r.Run(ctx, step, 4); err == nil {
		t.Fatal("expected the first run to fail")
	}
	u := uid(step.Name(), 4, mustHash(step.ConfigSubtree()))
	ok, err := r.Log.HasStatus(ctx, u, steplog.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a failed record in the step log")
	}

	step.calls = nil
	step.failTask = false
	if err := r.Run(ctx, step, 4); err != nil {
		t.Fatal(err)
	}
	want := []string{"before_map", "task", "task", "task", "before_reduce", "reduce", "cleanup"}
	if len(step.calls) != len(want) {
		t.Fatalf("expected the retry to redo the map phase from the last good substep (map) and run %v, got %v", want, step.calls)
	}
	for i, c := range want {
		if step.calls[i] != c {
			t.Fatalf("expected %v, got %v", want, step.calls)
		}
	}

	status, ok, err := r.Log.Latest(ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || status.Status != steplog.StatusCompleted {
		t.Fatalf("expected the retry to reach 'completed', got %+v", status)
	}
}

func TestRunRecordsFailedOnTaskError(t *testing.T) {
	r, cleanup := newRunner(t)
	defer cleanup()
	step := &fakeStep{name: "FailingStep", cfg: 1, failTask: true}
	if err := r.Run(context.Background(), step, 1); err == nil {
		t.Fatal("expected an error from a failing task")
	}
	u := uid(step.Name(), 1, mustHash(step.ConfigSubtree()))
	ok, err := r.Log.HasStatus(context.Background(), u, steplog.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a failed record in the step log")
	}
}

func mustHash(v interface{}) uint64 {
	h, err := config.SubtreeHash(v)
	if err != nil {
		panic(err)
	}
	return h
}
