package sprite

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	baseerrors "github.com/grailbio/base/errors"

	"github.com/alberlab/igm3d/internal/assign/table"
	"github.com/alberlab/igm3d/internal/bps"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/filepoller"
	"github.com/alberlab/igm3d/internal/genome"
	"github.com/alberlab/igm3d/internal/restraint"
)

// InputCluster is one SPRITE cluster definition: a set of loci, named
// by one representative bead id per locus, that a single cross-linking
// experiment observed co-located. VolumeFraction, when nonzero,
// overrides restraints.sprite.volume_fraction for this cluster only.
type InputCluster struct {
	ClusterID      int     `json:"cluster_id"`
	Loci           []int   `json:"loci"`
	VolumeFraction float64 `json:"volume_fraction,omitempty"`
}

// PersistedCluster is one row of the published SPRITE table: the
// cluster's global assignment plus the per-cluster metadata the
// Modeling Engine needs to rebuild its dynamic-centroid bound.
type PersistedCluster struct {
	ClusterID      int        `json:"cluster_id"`
	Assignment     Assignment `json:"assignment"`
	SumCubedRadii  float64    `json:"sum_cubed_radii"`
	VolumeFraction float64    `json:"volume_fraction,omitempty"`
}

// Step implements orchestrator.Step for one SPRITE assignment
// iteration: per-cluster candidate generation followed by a single
// serial global reduce.
type Step struct {
	Cfg    *config.Schema
	Genome *genome.Index
	Prior  *bps.Store

	Sigma        float64
	Iteration    int
	StepNo       int
	BaseSeed     int64
	RunnerTmpDir string

	clusters  []InputCluster
	coords    [][]restraint.Vec3 // coords[structID][beadID]
	tablePath string
}

func (s *Step) Name() string { return "SpriteAssignmentStep" }

func (s *Step) ConfigSubtree() interface{} { return s.Cfg.RelevantSubtree(s.Name()) }

func (s *Step) taskTmpDir() (string, error) {
	h, err := config.SubtreeHash(s.ConfigSubtree())
	if err != nil {
		return "", err
	}
	return filepath.Join(s.RunnerTmpDir, fmt.Sprintf("%s.%d.%x", s.Name(), s.StepNo, h)), nil
}

func (s *Step) Setup(ctx context.Context) error {
	raw, err := os.ReadFile(s.Cfg.Restraints.Sprite.InputFile)
	if err != nil {
		return baseerrors.E(err, "sprite: read input file", s.Cfg.Restraints.Sprite.InputFile)
	}
	if err := json.Unmarshal(raw, &s.clusters); err != nil {
		return baseerrors.E(err, "sprite: unmarshal input file", s.Cfg.Restraints.Sprite.InputFile)
	}
	s.tablePath = filepath.Join(s.Cfg.Restraints.Sprite.TmpDir, "sprite.table")

	manifest, err := s.Prior.ReadManifest(ctx)
	if err != nil {
		return err
	}
	s.coords = make([][]restraint.Vec3, manifest.NumStructures)
	for structID := range s.coords {
		c, err := s.Prior.ReadStructure(ctx, manifest, structID)
		if err != nil {
			return err
		}
		s.coords[structID] = c
	}
	return nil
}

func (s *Step) BeforeMap(ctx context.Context) error { return nil }

func (s *Step) Args(ctx context.Context) ([]interface{}, error) {
	args := make([]interface{}, len(s.clusters))
	for i := range s.clusters {
		args[i] = i
	}
	return args, nil
}

// Task finds, for every structure, the cluster's best copy combination,
// keeps the KeepBest smallest-radius-of-gyration candidates, and writes
// them for Reduce to collect.
func (s *Step) Task(ctx context.Context, arg interface{}, tmpDir string) error {
	clusterIdx := arg.(int)
	cluster := s.clusters[clusterIdx]

	var copyChoices [][]int
	var sumCubedRadii float64
	for _, bead := range cluster.Loci {
		lid := s.Genome.LocusOf(int32(bead))
		copies := s.Genome.CopyIndex[lid]
		choices := make([]int, len(copies))
		for i, id := range copies {
			choices[i] = int(id)
		}
		copyChoices = append(copyChoices, choices)
		r := s.Genome.Bead(int32(bead)).Radius
		sumCubedRadii += r * r * r
	}

	candidates := make([]Candidate, 0, len(s.coords))
	for structID, coords := range s.coords {
		rgSq, chosen := BestCombination(copyChoices, func(beadID int) restraint.Vec3 { return coords[beadID] })
		if chosen == nil {
			continue
		}
		candidates = append(candidates, Candidate{RgSq: rgSq, Struct: structID, BeadIDs: chosen})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].RgSq < candidates[j].RgSq })
	keepBest := s.Cfg.Restraints.Sprite.KeepBest
	if keepBest > 0 && len(candidates) > keepBest {
		candidates = candidates[:keepBest]
	}

	cc := ClusterCandidates{ClusterID: cluster.ClusterID, Active: len(candidates) > 0, Best: candidates}
	data, err := json.Marshal(struct {
		ClusterCandidates
		SumCubedRadii  float64
		VolumeFraction float64
	}{cc, sumCubedRadii, cluster.VolumeFraction})
	if err != nil {
		return baseerrors.E(err, "sprite: marshal candidates", clusterIdx)
	}
	path := filepath.Join(tmpDir, fmt.Sprintf("cluster_%d.json", clusterIdx))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return baseerrors.E(err, "sprite: write candidates", path)
	}
	return os.WriteFile(path+".complete", nil, 0o644)
}

func (s *Step) BeforeReduce(ctx context.Context) error { return nil }

// Reduce performs the single serial Boltzmann-weighted global
// assignment, deliberately not parallelized since it must see every
// cluster's candidates at once to balance occupancy.
func (s *Step) Reduce(ctx context.Context) error {
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	n := len(s.clusters)
	type perCluster struct {
		cc             ClusterCandidates
		sumCubedRadii  float64
		volumeFraction float64
	}
	results := make([]perCluster, n)
	received := make([]bool, n)
	nReceived := 0
	var mu sync.Mutex

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := filepoller.New(tmpDir, filepoller.Options{})
	watchErr := poller.Watch(pollCtx, func(ctx context.Context, f filepoller.ReadyFile) error {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(f.Path), "cluster_%d.json", &idx); err != nil {
			return baseerrors.E(err, "sprite: parse task filename", f.Path)
		}
		var parsed struct {
			ClusterCandidates
			SumCubedRadii  float64
			VolumeFraction float64
		}
		if err := json.Unmarshal(f.Data, &parsed); err != nil {
			return baseerrors.E(err, "sprite: unmarshal candidates", f.Path)
		}
		mu.Lock()
		results[idx] = perCluster{parsed.ClusterCandidates, parsed.SumCubedRadii, parsed.VolumeFraction}
		if !received[idx] {
			received[idx] = true
			nReceived++
		}
		done := nReceived == n
		mu.Unlock()
		if done {
			cancel()
		}
		return nil
	})
	if watchErr != nil && pollCtx.Err() == nil {
		return watchErr
	}
	if nReceived != n {
		return baseerrors.E(fmt.Sprintf("sprite: reduce received %d/%d clusters", nReceived, n))
	}

	rng := rand.New(rand.NewSource(s.BaseSeed + int64(s.Iteration)))
	order := rng.Perm(n)
	clusters := make([]ClusterCandidates, n)
	for i, j := range order {
		clusters[i] = results[j].cc
	}
	shuffled := Assign(clusters, len(s.coords), s.Cfg.Restraints.Sprite.RadiusKT, rng)
	assignments := make([]Assignment, n)
	for i, j := range order {
		assignments[j] = shuffled[i]
	}

	rows := make([]PersistedCluster, n)
	for i, a := range assignments {
		rows[i] = PersistedCluster{
			ClusterID:      results[i].cc.ClusterID,
			Assignment:     a,
			SumCubedRadii:  results[i].sumCubedRadii,
			VolumeFraction: results[i].volumeFraction,
		}
	}
	if err := table.Archive(s.tablePath, s.Sigma, s.Iteration); err != nil {
		return err
	}
	return table.Write(rows, s.tablePath)
}

func (s *Step) Cleanup(ctx context.Context) error {
	if s.Cfg.Restraints.Sprite.KeepTemporaryFiles {
		return nil
	}
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpDir)
}

func (s *Step) Skip(ctx context.Context) error                               { return nil }
func (s *Step) RuntimeFragment(ctx context.Context) (string, error)          { return "", nil }
func (s *Step) RestoreRuntimeFragment(ctx context.Context, data string) error { return nil }

// Rows reads the most recently published table back.
func (s *Step) Rows() ([]PersistedCluster, error) {
	var rows []PersistedCluster
	if err := table.Read(s.tablePath, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
