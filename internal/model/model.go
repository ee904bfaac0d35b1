// Package model implements the Modeling Engine: the per-structure
// construction of the full restraint set from a BPS snapshot plus one
// iteration's assignment-engine output, dispatch to a Kernel Adapter,
// and the streaming reduce that publishes the relaxed population back
// to a new BPS generation.
//
// Each structure's task loads its prior coordinates, builds particles,
// adds intrinsic restraints, adds data-driven restraints, then relaxes
// and writes a result artifact plus a completion sentinel; reduce
// drains those artifacts through a file poller, accumulates violation
// counts, and publishes the new population atomically through
// internal/orchestrator.Step, internal/bps, and internal/filepoller.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/alberlab/igm3d/internal/bps"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/filepoller"
	"github.com/alberlab/igm3d/internal/genome"
	"github.com/alberlab/igm3d/internal/kernel"
	"github.com/alberlab/igm3d/internal/restraint"
)

// artifact is the per-structure .hms result a Task writes and Reduce
// reads back. The `mstep_<struct-id>.hms` filename is kept but the
// contents are JSON, consistent with the Kernel Adapter's own
// wireInput/wireOutput documents in internal/kernel/subprocess.go.
type artifact struct {
	StructID    int                `json:"struct_id"`
	Positions   []restraint.Vec3   `json:"positions"`
	Diagnostics kernel.Diagnostics `json:"diagnostics"`
}

type kindStat struct {
	Imposed  int `json:"imposed"`
	Violated int `json:"violated"`
}

// runtimeFragment is the per-step runtime state the step log carries
// across a restart: the reduce step's headline violation metrics,
// recomputed or restored rather than ever lost.
type runtimeFragment struct {
	ViolationScore float64 `json:"violation_score"`
	TotalImposed   int     `json:"total_imposed"`
	TotalViolated  int     `json:"total_violated"`
}

// Step implements orchestrator.Step for one modeling iteration. A
// single Step instance runs exactly one step_no; the pipeline driver
// (cmd/igm3d) constructs a fresh one per A/M iteration with that
// iteration's assignment Inputs and a fresh Prior/Out pair of BPS
// stores (Out becomes the next iteration's Prior once published).
type Step struct {
	Cfg    *config.Schema
	Genome *genome.Index
	Prior  *bps.Store
	Out    *bps.Store
	Kernel kernel.Adapter
	Inputs Inputs

	StepNo   int
	BaseSeed int64

	// RunnerTmpDir must equal the orchestrator.Runner.TmpDir the caller
	// drives this Step with; Task/Reduce both need the exact per-uid
	// scratch directory orchestrator.Runner.Run derives internally, and
	// the Step interface has no other way to learn it.
	RunnerTmpDir string

	mu        sync.Mutex
	violation runtimeFragment
}

func (s *Step) Name() string { return "ModelingStep" }

func (s *Step) ConfigSubtree() interface{} { return s.Cfg.RelevantSubtree(s.Name()) }

func (s *Step) taskTmpDir() (string, error) {
	h, err := config.SubtreeHash(s.ConfigSubtree())
	if err != nil {
		return "", err
	}
	return filepath.Join(s.RunnerTmpDir, fmt.Sprintf("%s.%d.%x", s.Name(), s.StepNo, h)), nil
}

func (s *Step) Setup(ctx context.Context) error { return nil }

func (s *Step) BeforeMap(ctx context.Context) error { return nil }

func (s *Step) Args(ctx context.Context) ([]interface{}, error) {
	n := s.Cfg.Model.PopulationSize
	args := make([]interface{}, n)
	for i := 0; i < n; i++ {
		args[i] = i
	}
	return args, nil
}

// Task relaxes one structure: load its prior coordinates, build
// particles, add intrinsic restraints, add data-driven restraints, then
// relax and write the result artifact.
func (s *Step) Task(ctx context.Context, arg interface{}, tmpDir string) error {
	structID := arg.(int)

	manifest, err := s.Prior.ReadManifest(ctx)
	if err != nil {
		return err
	}
	coords, err := s.Prior.ReadStructure(ctx, manifest, structID)
	if err != nil {
		return err
	}

	nBeads := s.Genome.NumBeads()
	particles := make([]restraint.Particle, nBeads, nBeads+1+len(s.Inputs.Sprite))
	chainOf := map[[2]int32]int32{}
	for i := 0; i < nBeads; i++ {
		bead := s.Genome.Bead(int32(i))
		key := [2]int32{bead.Chrom, int32(bead.Copy)}
		chain, ok := chainOf[key]
		if !ok {
			chain = int32(len(chainOf))
			chainOf[key] = chain
		}
		particles[i] = restraint.Particle{
			Pos: coords[i], Radius: bead.Radius, Type: restraint.Normal, Chain: chain,
		}
	}
	centerIdx := len(particles)
	particles = append(particles, restraint.Particle{Type: restraint.StaticDummy})

	var restraints []restraint.Restraint
	restraints = append(restraints, buildIntrinsicRestraints(s.Cfg, s.Genome)...)
	restraints = append(restraints, buildHiCRestraints(
		s.Inputs.HiC, particles, s.Cfg.Restraints.HiC.ContactRange, s.Cfg.Restraints.HiC.KSpring)...)
	if dr := buildDamidRestraint(s.Inputs.DamID, particles, s.Cfg, s.Cfg.Restraints.DamID.KSpring); dr != nil {
		restraints = append(restraints, dr)
	}
	restraints = append(restraints, buildSpriteRestraints(
		s.Inputs.Sprite, structID, &particles, s.Cfg.Restraints.Sprite.VolumeFraction, s.Cfg.Restraints.Sprite.KSpring)...)
	restraints = append(restraints, buildFishRestraints(
		s.Inputs.FISH[structID], centerIdx, s.Cfg.Restraints.FISH.KSpring)...)

	opts := kernelOptionsFromConfig(s.Cfg, kernel.DeriveSeed(s.BaseSeed, structID, s.StepNo))
	kernelTmp := filepath.Join(tmpDir, fmt.Sprintf("kernel-%d", structID))
	diag, err := s.Kernel.Relax(ctx, particles, restraints, opts, kernelTmp)
	if err != nil {
		return err
	}

	art := artifact{StructID: structID, Positions: make([]restraint.Vec3, nBeads), Diagnostics: diag}
	for i := 0; i < nBeads; i++ {
		art.Positions[i] = particles[i].Pos
	}
	data, err := json.Marshal(art)
	if err != nil {
		return baseerrors.E(err, "model: marshal artifact", structID)
	}

	dataPath := filepath.Join(tmpDir, fmt.Sprintf("mstep_%d.hms", structID))
	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		return baseerrors.E(err, "model: write artifact", dataPath)
	}
	if err := os.WriteFile(dataPath+".complete", nil, 0o644); err != nil {
		return baseerrors.E(err, "model: write sentinel", dataPath)
	}
	return nil
}

func (s *Step) BeforeReduce(ctx context.Context) error { return nil }

// Reduce drains the per-structure artifacts via the File Poller,
// accumulates violation statistics, and publishes the relaxed
// population to s.Out.
func (s *Step) Reduce(ctx context.Context) error {
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	n := s.Cfg.Model.PopulationSize
	coords := make([][]restraint.Vec3, n)
	received := make([]bool, n)
	nReceived := 0

	totalImposed, totalViolated := 0, 0
	perKind := map[string]kindStat{}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := filepoller.New(tmpDir, filepoller.Options{})
	watchErr := poller.Watch(pollCtx, func(ctx context.Context, f filepoller.ReadyFile) error {
		var art artifact
		if err := json.Unmarshal(f.Data, &art); err != nil {
			return baseerrors.E(err, "model: unmarshal artifact", f.Path)
		}
		coords[art.StructID] = art.Positions
		if !received[art.StructID] {
			received[art.StructID] = true
			nReceived++
		}
		for _, rd := range art.Diagnostics.Restraints {
			totalImposed++
			st := perKind[rd.Note]
			st.Imposed++
			if rd.ViolationRatio > 0 {
				totalViolated++
				st.Violated++
			}
			perKind[rd.Note] = st
		}
		if nReceived == n {
			cancel()
		}
		return nil
	})
	if watchErr != nil && pollCtx.Err() == nil {
		return watchErr
	}
	if nReceived != n {
		return baseerrors.E(fmt.Sprintf("model: reduce received %d/%d structures", nReceived, n))
	}

	violationScore := 0.0
	if totalImposed > 0 {
		violationScore = float64(totalViolated) / float64(totalImposed)
	}
	s.mu.Lock()
	s.violation = runtimeFragment{ViolationScore: violationScore, TotalImposed: totalImposed, TotalViolated: totalViolated}
	s.mu.Unlock()

	return s.publish(ctx, coords, violationScore, perKind)
}

func (s *Step) publish(ctx context.Context, coords [][]restraint.Vec3, violationScore float64, perKind map[string]kindStat) error {
	summary, err := json.Marshal(struct {
		ViolationScore float64             `json:"violation_score"`
		PerKind        map[string]kindStat `json:"per_kind"`
	}{violationScore, perKind})
	if err != nil {
		return baseerrors.E(err, "model: marshal summary")
	}
	cfgData, err := json.Marshal(s.Cfg)
	if err != nil {
		return baseerrors.E(err, "model: marshal config snapshot")
	}

	chunkSize := s.Out.ChunkSize
	var chunks []bps.ChunkInfo
	for start := 0; start < len(coords); start += chunkSize {
		end := start + chunkSize
		if end > len(coords) {
			end = len(coords)
		}
		info, err := s.Out.WriteChunk(ctx, len(chunks), start, coords[start:end])
		if err != nil {
			return err
		}
		chunks = append(chunks, info)
	}
	return s.Out.PublishManifest(ctx, bps.Manifest{
		NumStructures: len(coords),
		NumBeads:      s.Genome.NumBeads(),
		ChunkSize:     chunkSize,
		Chunks:        chunks,
		Violation:     violationScore,
		Summary:       string(summary),
		ConfigData:    string(cfgData),
	})
}

func (s *Step) Cleanup(ctx context.Context) error {
	if s.Cfg.Optimization.KeepTemporaryFiles {
		return nil
	}
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpDir)
}

func (s *Step) Skip(ctx context.Context) error {
	s.mu.Lock()
	v := s.violation
	s.mu.Unlock()
	log.Debug.Printf("model: %s.%d already completed, violation_score=%.4f", s.Name(), s.StepNo, v.ViolationScore)
	return nil
}

func (s *Step) RuntimeFragment(ctx context.Context) (string, error) {
	s.mu.Lock()
	v := s.violation
	s.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return "", baseerrors.E(err, "model: marshal runtime fragment")
	}
	return string(data), nil
}

func (s *Step) RestoreRuntimeFragment(ctx context.Context, data string) error {
	if data == "" {
		return nil
	}
	var v runtimeFragment
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return baseerrors.E(err, "model: unmarshal runtime fragment")
	}
	s.mu.Lock()
	s.violation = v
	s.mu.Unlock()
	return nil
}

// ViolationScore returns the most recently computed (or restored)
// global violation score: total_violations / total_imposed.
func (s *Step) ViolationScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violation.ViolationScore
}

// kernelOptionsFromConfig translates the untyped
// optimization.optimizer_options map into typed kernel.Options,
// leaving fields at their zero value (and so the Kernel Adapter's own
// defaults) when a key is absent.
func kernelOptionsFromConfig(cfg *config.Schema, seed int64) kernel.Options {
	opts := kernel.Options{
		Seed:               seed,
		KeepTemporaryFiles: cfg.Optimization.KeepTemporaryFiles,
		RandomShuffling:    cfg.Optimization.RandomShuffling,
	}
	oo := cfg.Optimization.OptimizerOptions
	if v, ok := optFloat(oo, "mdsteps"); ok {
		opts.MDSteps = int(v)
	}
	if v, ok := optFloat(oo, "timestep"); ok {
		opts.TimeStep = v
	}
	if v, ok := optFloat(oo, "initial_temperature"); ok {
		opts.InitialTemperature = v
	}
	if v, ok := optFloat(oo, "final_temperature"); ok {
		opts.FinalTemperature = v
	}
	if v, ok := optFloat(oo, "damping"); ok {
		opts.Damping = v
	}
	if v, ok := optFloat(oo, "cg_iterations"); ok {
		opts.CGIterations = int(v)
	}
	if v, ok := optFloat(oo, "cg_tolerance"); ok {
		opts.CGTolerance = v
	}
	if v, ok := optFloat(oo, "velocity_cap"); ok {
		opts.VelocityCap = v
	}
	if v, ok := optFloat(oo, "max_wall_time_seconds"); ok {
		opts.MaxWallTime = int64(v * float64(time.Second))
	}
	return opts
}

func optFloat(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
