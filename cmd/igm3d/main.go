// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
igm3d runs the Iterative Assignment-Modeling pipeline to completion
against a single config file: alternating Hi-C/DamID/SPRITE/FISH
assignment steps with a modeling step across a decreasing tolerance
schedule, until the population's violation score drops below
optimization.max_violations or optimization.max_iterations is
exhausted.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"golang.org/x/sys/unix"

	"github.com/alberlab/igm3d/internal/assign/damid"
	"github.com/alberlab/igm3d/internal/assign/fish"
	"github.com/alberlab/igm3d/internal/assign/hic"
	"github.com/alberlab/igm3d/internal/assign/sprite"
	"github.com/alberlab/igm3d/internal/bps"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/genome"
	"github.com/alberlab/igm3d/internal/kernel"
	"github.com/alberlab/igm3d/internal/model"
	"github.com/alberlab/igm3d/internal/orchestrator"
	"github.com/alberlab/igm3d/internal/parallel"
	"github.com/alberlab/igm3d/internal/pipeline"
	"github.com/alberlab/igm3d/internal/randominit"
	"github.com/alberlab/igm3d/internal/steplog"
	"github.com/alberlab/igm3d/internal/workdir"
)

var forceRestart = flag.Bool("force-restart", false,
	"skip the liveness check on an existing .igm-pid.txt sentinel; resuming from the step log "+
		"and the latest published BPS generation is unaffected")

func igm3dUsage() {
	fmt.Printf("Usage: %s [OPTIONS] config.yaml\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = igm3dUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("exactly one positional argument (config file path) required; please check flag syntax: '%s'",
			strings.Join(flag.Args(), " "))
	}
	cfgPath := flag.Arg(0)

	workdir.RegisterS3()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := os.MkdirAll(cfg.Parameters.Workdir, 0o755); err != nil {
		log.Fatalf("igm3d: create workdir: %v", err)
	}

	pidPath := filepath.Join(cfg.Parameters.Workdir, ".igm-pid.txt")
	if !*forceRestart {
		checkLiveness(pidPath)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Fatalf("igm3d: write pid sentinel: %v", err)
	}
	defer os.Remove(pidPath)

	ctx := vcontext.Background()

	genomeIndex, err := genome.LoadJSON(cfg.Parameters.GenomeIndex)
	if err != nil {
		log.Fatalf("%v", err)
	}

	stepLog, err := steplog.Open(cfg.Parameters.StepDB)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer stepLog.Close()

	runner := &orchestrator.Runner{
		Log:        stepLog,
		Controller: buildController(cfg),
		TmpDir:     cfg.Parameters.TmpDir,
	}
	kernelAdapter := buildKernel(cfg)

	var stepNo int
	nextStepNo := func() int { stepNo++; return stepNo }

	generationDir := func(gen int) string {
		return filepath.Join(cfg.Optimization.StructureOutput, fmt.Sprintf("generation-%04d", gen))
	}

	generation := 0
	prior := bps.New(generationDir(generation), genomeIndex.NumBeads(), 0)
	if _, err := prior.ReadManifest(ctx); err != nil {
		initStep := &randominit.Step{
			Cfg:          cfg,
			Genome:       genomeIndex,
			Out:          prior,
			BaseSeed:     1,
			RunnerTmpDir: cfg.Parameters.TmpDir,
			StepNo:       nextStepNo(),
		}
		if err := runner.Run(ctx, initStep, initStep.StepNo); err != nil {
			log.Fatalf("igm3d: generation-0 random init: %v", err)
		}
	}

	var (
		hicStep    *hic.Step
		damidStep  *damid.Step
		spriteStep *sprite.Step
		fishStep   *fish.Step
	)

	runAssignment := func(ctx context.Context, sigma float64, iteration int) error {
		// Each modality can in principle carry its own independent
		// decreasing sigma/tolerance list; this driver advances every
		// active modality's activation cutoff in lockstep off a single
		// shared schedule, since configs in practice only ever populate
		// one list at a time.
		if cfg.Restraints.HiC.InputFile != "" {
			cfg.Restraints.HiC.ContactRange = sigma
			hicStep = &hic.Step{
				Cfg: cfg, Genome: genomeIndex, Prior: prior,
				Sigma: sigma, Iteration: iteration, StepNo: nextStepNo(),
				RunnerTmpDir: cfg.Parameters.TmpDir,
			}
			if err := runner.Run(ctx, hicStep, hicStep.StepNo); err != nil {
				return err
			}
		}
		if cfg.Restraints.DamID.InputFile != "" {
			cfg.Restraints.DamID.ContactRange = sigma
			damidStep = &damid.Step{
				Cfg: cfg, Genome: genomeIndex, Prior: prior,
				Sigma: sigma, Iteration: iteration, StepNo: nextStepNo(),
				RunnerTmpDir: cfg.Parameters.TmpDir,
			}
			if err := runner.Run(ctx, damidStep, damidStep.StepNo); err != nil {
				return err
			}
		}
		if cfg.Restraints.Sprite.InputFile != "" {
			spriteStep = &sprite.Step{
				Cfg: cfg, Genome: genomeIndex, Prior: prior,
				Sigma: sigma, Iteration: iteration, StepNo: nextStepNo(),
				BaseSeed: 3, RunnerTmpDir: cfg.Parameters.TmpDir,
			}
			if err := runner.Run(ctx, spriteStep, spriteStep.StepNo); err != nil {
				return err
			}
		}
		if cfg.Restraints.FISH.InputFile != "" {
			fishStep = &fish.Step{
				Cfg: cfg, Genome: genomeIndex, Prior: prior,
				Sigma: sigma, Iteration: iteration, StepNo: nextStepNo(),
				RunnerTmpDir: cfg.Parameters.TmpDir,
			}
			if err := runner.Run(ctx, fishStep, fishStep.StepNo); err != nil {
				return err
			}
		}
		return nil
	}

	runModeling := func(ctx context.Context, sigma float64, iteration int) (float64, error) {
		inputs, err := collectInputs(hicStep, damidStep, spriteStep, fishStep)
		if err != nil {
			return 0, err
		}

		generation++
		out := bps.New(generationDir(generation), genomeIndex.NumBeads(), 0)
		modelStep := &model.Step{
			Cfg: cfg, Genome: genomeIndex, Prior: prior, Out: out,
			Kernel: kernelAdapter, Inputs: inputs,
			StepNo: nextStepNo(), BaseSeed: 2, RunnerTmpDir: cfg.Parameters.TmpDir,
		}
		if err := runner.Run(ctx, modelStep, modelStep.StepNo); err != nil {
			return 0, err
		}
		prior = out
		return modelStep.ViolationScore(), nil
	}

	driver := &pipeline.Driver{
		Schedule: pipeline.Schedule{
			Sigmas:        sigmaSchedule(cfg),
			MaxViolations: cfg.Optimization.MaxViolations,
			MaxIterations: cfg.Optimization.MaxIterations,
		},
		RunAssignment: runAssignment,
		RunModeling:   runModeling,
	}

	if err := driver.Run(ctx); err != nil {
		if cf, ok := err.(*pipeline.ConvergenceFailure); ok {
			log.Error.Printf("%v", cf)
			os.Exit(1)
		}
		log.Panicf("%v", err)
	}
	log.Printf("igm3d: converged after %d generations", generation)
}

// checkLiveness refuses to start if pidPath names a pid that is still
// alive, so a process supervisor's liveness probe against the pid
// file can't race a second instance starting against the same workdir.
func checkLiveness(pidPath string) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return
	}
	if err := unix.Kill(pid, syscall.Signal(0)); err == nil {
		log.Fatalf("igm3d: another instance (pid %d) appears to be running against this workdir (%s); pass -force-restart to override", pid, pidPath)
	}
}

func collectInputs(hicStep *hic.Step, damidStep *damid.Step, spriteStep *sprite.Step, fishStep *fish.Step) (model.Inputs, error) {
	var inputs model.Inputs
	if hicStep != nil {
		rows, err := hicStep.Rows()
		if err != nil {
			return inputs, err
		}
		inputs.HiC = rows
	}
	if damidStep != nil {
		rows, err := damidStep.Rows()
		if err != nil {
			return inputs, err
		}
		inputs.DamID = rows
	}
	if spriteStep != nil {
		rows, err := spriteStep.Rows()
		if err != nil {
			return inputs, err
		}
		inputs.Sprite = make([]model.SpriteClusterInput, len(rows))
		for i, r := range rows {
			inputs.Sprite[i] = model.SpriteClusterInput{
				Assignment:     r.Assignment,
				SumCubedRadii:  r.SumCubedRadii,
				VolumeFraction: r.VolumeFraction,
			}
		}
	}
	if fishStep != nil {
		rows, err := fishStep.Rows()
		if err != nil {
			return inputs, err
		}
		inputs.FISH = rows
	}
	return inputs, nil
}

// sigmaSchedule picks the first non-empty decreasing schedule among the
// active modalities as the shared tolerance schedule (see runAssignment's
// comment).
func sigmaSchedule(cfg *config.Schema) []float64 {
	for _, list := range [][]float64{
		cfg.Restraints.HiC.SigmaList,
		cfg.Restraints.DamID.SigmaList,
		cfg.Restraints.FISH.TolList,
	} {
		if len(list) > 0 {
			return list
		}
	}
	return []float64{0}
}

// buildController selects the Parallel Controller backend named by
// parallel.controller.
func buildController(cfg *config.Schema) parallel.Controller {
	switch cfg.Parallel.Controller {
	case "worker-cluster":
		workers := 0
		if opts, ok := cfg.Parallel.ControllerOptions["worker-cluster"]; ok {
			if v, ok := optInt(opts, "workers"); ok {
				workers = v
			}
		}
		return parallel.WorkerPool{Workers: workers}
	case "batch":
		// The out-of-process batch-scheduler worker CLI is a separate
		// collaborator this module doesn't yet ship (see DESIGN.md);
		// fall back to an in-process worker pool so a batch config still
		// runs rather than refusing outright.
		return parallel.WorkerPool{}
	default:
		return parallel.Serial{}
	}
}

// buildKernel selects the Kernel Adapter named by optimization.kernel.
func buildKernel(cfg *config.Schema) kernel.Adapter {
	if cfg.Optimization.Kernel == "" || cfg.Optimization.Kernel == "reference" {
		return &kernel.ReferenceAdapter{}
	}
	opts := cfg.Optimization.KernelOpts[cfg.Optimization.Kernel]
	binaryPath, _ := opts["executable"].(string)
	var extraArgs []string
	if raw, ok := opts["extra_args"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				extraArgs = append(extraArgs, s)
			}
		}
	}
	return &kernel.SubprocessAdapter{BinaryPath: binaryPath, ExtraArgs: extraArgs}
}

func optInt(m map[string]interface{}, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
