// Package parallel implements the Parallel Controller abstraction: map
// a pure task function over a list of arguments across workers,
// abstracting over serial / worker-pool / cluster batch-scheduler
// backends.
//
// The serial and worker-pool backends use the same fixed-size
// worker-pool idiom as a `traverse.Each(parallelism, func(worker int)
// error {...})` pileup call — manually partitioning a slice of work
// rather than spawning one goroutine per argument.
package parallel

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/traverse"
)

// Task must be purely a function of (arg, cfg, tmp_dir) plus its input
// files; its return value is ignored, and side effects are files and
// sentinels. Controller.Map only ever reports the error, never a
// value.
type Task func(ctx context.Context, arg interface{}) error

// Controller maps a Task over args. A single call to Map is "at least
// once" per arg: the orchestrator relies on file-atomicity (ready
// sentinels) to make tasks effectively idempotent across retries.
type Controller interface {
	Map(ctx context.Context, args []interface{}, task Task) error
}

// Serial runs every task in argument order on the calling goroutine.
type Serial struct{}

func (Serial) Map(ctx context.Context, args []interface{}, task Task) error {
	for _, a := range args {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := task(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// WorkerPool fans args out across a fixed number of goroutines.
// Workers <= 0 defaults to runtime.NumCPU().
type WorkerPool struct {
	Workers int
}

func (w WorkerPool) Map(ctx context.Context, args []interface{}, task Task) error {
	if len(args) == 0 {
		return nil
	}
	n := w.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > len(args) {
		n = len(args)
	}
	return traverse.Each(n, func(worker int) error {
		start := (worker * len(args)) / n
		end := ((worker + 1) * len(args)) / n
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := task(ctx, args[i]); err != nil {
				return fmt.Errorf("worker %d, arg %d: %w", worker, i, err)
			}
		}
		return nil
	})
}
