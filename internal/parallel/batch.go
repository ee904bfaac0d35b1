package parallel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Batch is the cluster batch-scheduler backend: split args into at
// most MaxTasks batches, each batch a job script, submit via a
// configurable shell command, poll for completion via a configurable
// polling command plus a ".complete" sentinel file, honoring a cap on
// simultaneously outstanding jobs.
//
// A Slurm-style controller would pickle `(f, sub_args)` for a worker
// process to unpickle and run; Go can't serialize a closure across a
// process boundary that way, so TaskName substitutes for pickling the
// function itself: each job script runs "igm3d run-batch -task=<TaskName>"
// to name the Task registered via RegisterTask. cmd/igm3d has no
// run-batch subcommand, and nothing in this module calls LookupTask on
// the worker side.
type Batch struct {
	// MaxTasks bounds how many batches args is split into.
	MaxTasks int
	// SimultaneousTasks bounds how many batches are in flight at once.
	SimultaneousTasks int
	// TmpDir holds per-run batch input/output files.
	TmpDir string
	// TaskName identifies, in the package-level task registry, the Task
	// the out-of-process worker should run for each arg in a batch.
	TaskName string
	// SubmitCmd is a shell template with a single {{script}} placeholder
	// naming the batch script to submit; must print a job id to stdout.
	SubmitCmd string
	// PollCmd is a shell template with a {{jobid}} placeholder; exit
	// status 0 means "still running", nonzero means "no longer queued"
	// (the caller then checks the .complete sentinel to distinguish
	// success from failure, exactly as slurm_controller.py's
	// job_is_completed/job_was_successful pair does).
	PollCmd      string
	PollInterval time.Duration
}

var (
	registryMu sync.Mutex
	registry   = map[string]Task{}
)

// RegisterTask makes a Task reachable by name from an out-of-process
// batch worker (see Batch.TaskName).
func RegisterTask(name string, t Task) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = t
}

// LookupTask returns the Task registered under name, for a worker-side
// batch runner; no code in this module calls it.
func LookupTask(name string) (Task, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	t, ok := registry[name]
	return t, ok
}

var batchRunSeq int64

func nextBatchRunSeq() int64 { return atomic.AddInt64(&batchRunSeq, 1) }

func splitEvenly(args []interface{}, maxBatches int) [][]interface{} {
	if maxBatches <= 0 || maxBatches > len(args) {
		maxBatches = len(args)
	}
	if maxBatches == 0 {
		return nil
	}
	batches := make([][]interface{}, maxBatches)
	for i, a := range args {
		b := i % maxBatches
		batches[b] = append(batches[b], a)
	}
	out := batches[:0]
	for _, b := range batches {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	return out
}

func (b Batch) Map(ctx context.Context, args []interface{}, task Task) error {
	if len(args) == 0 {
		return nil
	}
	if b.TaskName != "" {
		RegisterTask(b.TaskName, task)
	}

	runID := fmt.Sprintf("batchc-%d-%d", os.Getpid(), nextBatchRunSeq())
	outDir := filepath.Join(b.TmpDir, runID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return baseerrors.E(err, "parallel: create batch dir", outDir)
	}

	batches := splitEvenly(args, b.MaxTasks)
	pending := make(map[int]string) // batch index -> job id
	toSend := make([]int, len(batches))
	for i := range batches {
		toSend[i] = i
	}
	completed := make(map[int]bool)

	for len(toSend) > 0 || len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		for idx, jobID := range pending {
			done, ok, err := b.jobFinished(ctx, idx, outDir, jobID)
			if err != nil {
				return err
			}
			if done {
				if !ok {
					return baseerrors.E(fmt.Sprintf("parallel: batch %d failed; see %s", idx, batchErrPath(outDir, idx)))
				}
				completed[idx] = true
				delete(pending, idx)
			}
		}
		for len(pending) < b.SimultaneousTasks && len(toSend) > 0 {
			idx := toSend[0]
			toSend = toSend[1:]
			jobID, err := b.submit(ctx, outDir, idx, batches[idx])
			if err != nil {
				return err
			}
			pending[idx] = jobID
		}
		if len(pending) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.PollInterval):
			}
		}
	}
	log.Debug.Printf("parallel: batch run %s completed %d batches over %d args", runID, len(batches), len(args))
	return nil
}

func batchArgsPath(outDir string, idx int) string { return filepath.Join(outDir, fmt.Sprintf("%d.args.json", idx)) }
func batchCompletePath(outDir string, idx int) string {
	return filepath.Join(outDir, fmt.Sprintf("%d.complete", idx))
}
func batchErrPath(outDir string, idx int) string { return filepath.Join(outDir, fmt.Sprintf("%d.err", idx)) }

func (b Batch) submit(ctx context.Context, outDir string, idx int, batchArgs []interface{}) (string, error) {
	data, err := json.Marshal(batchArgs)
	if err != nil {
		return "", baseerrors.E(err, "parallel: marshal batch args", idx)
	}
	if err := os.WriteFile(batchArgsPath(outDir, idx), data, 0o644); err != nil {
		return "", baseerrors.E(err, "parallel: write batch args", idx)
	}
	script := fmt.Sprintf("igm3d run-batch -task=%s -args=%s -complete=%s -err=%s",
		b.TaskName, batchArgsPath(outDir, idx), batchCompletePath(outDir, idx), batchErrPath(outDir, idx))
	scriptPath := filepath.Join(outDir, fmt.Sprintf("%d.sh", idx))
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		return "", baseerrors.E(err, "parallel: write batch script", idx)
	}
	cmdline := strings.ReplaceAll(b.SubmitCmd, "{{script}}", scriptPath)
	out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).Output()
	if err != nil {
		return "", baseerrors.E(err, "parallel: submit batch", idx)
	}
	return strings.TrimSpace(string(out)), nil
}

// jobFinished reports (done, succeeded, err). A job is done once the
// poll command reports it's no longer queued; it's considered to have
// succeeded iff its .complete sentinel exists.
func (b Batch) jobFinished(ctx context.Context, idx int, outDir, jobID string) (bool, bool, error) {
	if _, err := os.Stat(batchCompletePath(outDir, idx)); err == nil {
		return true, true, nil
	}
	cmdline := strings.ReplaceAll(b.PollCmd, "{{jobid}}", jobID)
	err := exec.CommandContext(ctx, "sh", "-c", cmdline).Run()
	if err == nil {
		return false, false, nil // still queued/running
	}
	// No longer queued: success iff the sentinel landed in the meantime.
	if _, statErr := os.Stat(batchCompletePath(outDir, idx)); statErr == nil {
		return true, true, nil
	}
	return true, false, nil
}
