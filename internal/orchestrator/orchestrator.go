// Package orchestrator drives a pipeline Step through a fixed,
// non-overridable run() protocol:
// entry -> setup -> map -> mapped -> reduced -> cleanup -> completed
// (or failed), recording each transition in the durable step log so a
// crash can resume at the earliest missing substep.
//
// The setup -> map -> reduce -> cleanup shape and the "read prior index
// state before acting" restart idiom mirror how a mark-duplicates-style
// batch stage drives itself, generalized here from one hardcoded
// pipeline stage into a reusable driver over any Step.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/parallel"
	"github.com/alberlab/igm3d/internal/steplog"
)

// Step is the contract every Assignment/Modeling step implements. run()
// (embodied by Runner.Run below) is fixed; a Step only supplies the
// per-phase behavior.
type Step interface {
	// Name identifies the step for logging and uid computation.
	Name() string

	Setup(ctx context.Context) error
	BeforeMap(ctx context.Context) error
	// Args returns the argument list mapped over in the map phase.
	Args(ctx context.Context) ([]interface{}, error)
	// Task must be purely a function of (arg, tmpDir) plus its input
	// files; its return value (beyond error) is ignored. Side effects
	// are files and sentinels — this is what makes restart safe.
	Task(ctx context.Context, arg interface{}, tmpDir string) error
	BeforeReduce(ctx context.Context) error
	Reduce(ctx context.Context) error
	Cleanup(ctx context.Context) error
	// Skip is called in place of the whole run() body when a completed
	// record already exists; the stored runtime fragment has already
	// been restored via RestoreRuntimeFragment by the time Skip runs.
	Skip(ctx context.Context) error

	// RuntimeFragment serializes whatever live runtime state needs to
	// survive a restart, embedded in the mapped/reduced/completed log
	// rows.
	RuntimeFragment(ctx context.Context) (string, error)
	// RestoreRuntimeFragment merges a previously stored fragment back
	// into the live runtime; called once on restart, before resuming
	// past whatever substep produced it.
	RestoreRuntimeFragment(ctx context.Context, data string) error

	// ConfigSubtree returns the portion of the config this step's uid
	// should be sensitive to (config.Schema.RelevantSubtree(Name())
	// typically satisfies this).
	ConfigSubtree() interface{}
}

// Runner drives Steps through the fixed run() protocol.
type Runner struct {
	Log        *steplog.Log
	Controller parallel.Controller
	TmpDir     string
}

func uid(name string, stepNo int, cfgHash uint64) string {
	return fmt.Sprintf("%s.%d.%x", name, stepNo, cfgHash)
}

// Run executes step as the stepNo'th step of the pipeline, resuming
// from whatever substep the durable log shows was last reached.
func (r *Runner) Run(ctx context.Context, step Step, stepNo int) (err error) {
	cfgHash, err := config.SubtreeHash(step.ConfigSubtree())
	if err != nil {
		return err
	}
	u := uid(step.Name(), stepNo, cfgHash)

	latest, ok, err := r.Log.Latest(ctx, u)
	status := steplog.Status("")
	if err != nil {
		return err
	}
	if ok {
		status = latest.Status
	}

	if status == steplog.StatusCompleted {
		log.Debug.Printf("orchestrator: %s already completed, skipping", u)
		if latest.Data != "" {
			if err = step.RestoreRuntimeFragment(ctx, latest.Data); err != nil {
				return err
			}
		}
		return step.Skip(ctx)
	}

	// A failed record's Data field holds the error message, not a
	// runtime fragment, and says nothing about which substep was
	// actually in flight when it died. Walk the full history back to
	// the last substep that did complete and resume from there,
	// restoring whatever fragment that substep recorded.
	if status == steplog.StatusFailed {
		records, rerr := r.Log.Records(ctx, u)
		if rerr != nil {
			return rerr
		}
		status = steplog.StatusEntry
		var fragment string
		for _, rec := range records {
			if rec.Status == steplog.StatusFailed {
				continue
			}
			status = rec.Status
			fragment = rec.Data
		}
		if fragment != "" {
			if err = step.RestoreRuntimeFragment(ctx, fragment); err != nil {
				return err
			}
		}
	} else if ok && latest.Data != "" {
		if err = step.RestoreRuntimeFragment(ctx, latest.Data); err != nil {
			return err
		}
	}

	defer func() {
		if err != nil {
			_ = r.append(ctx, u, step.Name(), steplog.StatusFailed, err.Error())
		}
	}()

	if status == "" {
		if err = r.append(ctx, u, step.Name(), steplog.StatusEntry, ""); err != nil {
			return err
		}
		status = steplog.StatusEntry
	}
	if status == steplog.StatusEntry {
		if err = step.Setup(ctx); err != nil {
			return err
		}
		if err = r.append(ctx, u, step.Name(), steplog.StatusSetup, ""); err != nil {
			return err
		}
		status = steplog.StatusSetup
	}
	// A record of "map" means BeforeMap was logged but the fan-out
	// itself may never have started or may have died partway through;
	// re-running BeforeMap and the whole map phase is the only safe
	// option since individual task completion isn't tracked.
	if status == steplog.StatusSetup || status == steplog.StatusMap {
		if err = step.BeforeMap(ctx); err != nil {
			return err
		}
		if err = r.append(ctx, u, step.Name(), steplog.StatusMap, ""); err != nil {
			return err
		}
		var args []interface{}
		if args, err = step.Args(ctx); err != nil {
			return err
		}
		taskTmp := filepath.Join(r.TmpDir, u)
		if err = os.MkdirAll(taskTmp, 0o755); err != nil {
			return baseerrors.E(err, "orchestrator: create task tmp dir", taskTmp)
		}
		mapErr := r.Controller.Map(ctx, args, func(ctx context.Context, arg interface{}) error {
			return step.Task(ctx, arg, taskTmp)
		})
		if mapErr != nil {
			err = mapErr
			return err
		}
		var fragment string
		if fragment, err = step.RuntimeFragment(ctx); err != nil {
			return err
		}
		if err = r.append(ctx, u, step.Name(), steplog.StatusMapped, fragment); err != nil {
			return err
		}
		status = steplog.StatusMapped
	}
	if status == steplog.StatusMapped {
		if err = step.BeforeReduce(ctx); err != nil {
			return err
		}
		if err = step.Reduce(ctx); err != nil {
			return err
		}
		var fragment string
		if fragment, err = step.RuntimeFragment(ctx); err != nil {
			return err
		}
		if err = r.append(ctx, u, step.Name(), steplog.StatusReduced, fragment); err != nil {
			return err
		}
		status = steplog.StatusReduced
	}
	if status == steplog.StatusReduced {
		if err = step.Cleanup(ctx); err != nil {
			return err
		}
		if err = r.append(ctx, u, step.Name(), steplog.StatusCleanup, ""); err != nil {
			return err
		}
		status = steplog.StatusCleanup
	}

	var fragment string
	if fragment, err = step.RuntimeFragment(ctx); err != nil {
		return err
	}
	if err = r.append(ctx, u, step.Name(), steplog.StatusCompleted, fragment); err != nil {
		return err
	}
	return nil
}

func (r *Runner) append(ctx context.Context, uid, name string, status steplog.Status, data string) error {
	return r.Log.Append(ctx, steplog.Record{UID: uid, Name: name, Cfg: "", Time: time.Now().UnixNano(), Status: status, Data: data})
}

// ConfigSnapshot is a convenience helper Steps can use to build the
// JSON config snapshot recorded alongside each step log record.
func ConfigSnapshot(subtree interface{}) (string, error) {
	data, err := json.Marshal(subtree)
	if err != nil {
		return "", baseerrors.E(err, "orchestrator: marshal config snapshot")
	}
	return string(data), nil
}
