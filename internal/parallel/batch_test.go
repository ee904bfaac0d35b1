package parallel

import (
	"context"
	"testing"
	"time"
)

func TestBatchMapCompletesAllBatches(t *testing.T) {
	dir := t.TempDir()
	RegisterTask("batch-test-ok", func(ctx context.Context, arg interface{}) error { return nil })
	b := Batch{
		MaxTasks:          3,
		SimultaneousTasks: 2,
		TmpDir:            dir,
		TaskName:          "batch-test-ok",
		// Simulates a scheduler that finishes a job the instant it's
		// submitted: touch the .complete sentinel next to the script.
		SubmitCmd:    `f={{script}}; touch "${f%.sh}.complete"; echo job-ok`,
		PollCmd:      "false", // "no longer queued" on the very first poll
		PollInterval: time.Millisecond,
	}
	args := make([]interface{}, 10)
	for i := range args {
		args[i] = i
	}
	if err := b.Map(context.Background(), args, func(ctx context.Context, arg interface{}) error { return nil }); err != nil {
		t.Fatalf("expected batch run to succeed, got %v", err)
	}
}

func TestBatchMapSurfacesJobFailure(t *testing.T) {
	dir := t.TempDir()
	RegisterTask("batch-test-fail", func(ctx context.Context, arg interface{}) error { return nil })
	b := Batch{
		MaxTasks:          1,
		SimultaneousTasks: 1,
		TmpDir:            dir,
		TaskName:          "batch-test-fail",
		SubmitCmd:         `echo job-fail`, // never touches .complete
		PollCmd:           "false",         // "no longer queued" immediately, with no sentinel -> failure
		PollInterval:      time.Millisecond,
	}
	err := b.Map(context.Background(), []interface{}{1, 2}, func(ctx context.Context, arg interface{}) error { return nil })
	if err == nil {
		t.Fatal("expected an error when a batch finishes without its .complete sentinel")
	}
}

func TestBatchMapEmptyArgsIsNoop(t *testing.T) {
	b := Batch{TmpDir: t.TempDir(), TaskName: "unused"}
	if err := b.Map(context.Background(), nil, func(ctx context.Context, arg interface{}) error { return nil }); err != nil {
		t.Fatal(err)
	}
}
