package fish

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	baseerrors "github.com/grailbio/base/errors"

	"github.com/alberlab/igm3d/internal/assign/table"
	"github.com/alberlab/igm3d/internal/bps"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/filepoller"
	"github.com/alberlab/igm3d/internal/genome"
	"github.com/alberlab/igm3d/internal/restraint"
)

// InputProbe is one FISH probe or pair observation: a sorted
// experimental target distribution for either a single locus's radial
// distance (Kind radial_min/radial_max, one representative bead id in
// Beads) or a locus pair's inter-bead distance (Kind pair_min/pair_max,
// two representative bead ids).
type InputProbe struct {
	Kind    string    `json:"kind"` // radial_min | radial_max | pair_min | pair_max
	Beads   []int     `json:"beads"`
	Targets []float64 `json:"targets"` // sorted ascending, one per structure
	Tol     float64   `json:"tol"`
}

// Step implements orchestrator.Step for one FISH assignment iteration:
// per-probe rank matching, one task per probe/pair.
type Step struct {
	Cfg    *config.Schema
	Genome *genome.Index
	Prior  *bps.Store

	Sigma        float64
	Iteration    int
	StepNo       int
	RunnerTmpDir string

	probes    []InputProbe
	coords    [][]restraint.Vec3 // coords[structID][beadID]
	tablePath string
}

func (s *Step) Name() string { return "FishAssignmentStep" }

func (s *Step) ConfigSubtree() interface{} { return s.Cfg.RelevantSubtree(s.Name()) }

func (s *Step) taskTmpDir() (string, error) {
	h, err := config.SubtreeHash(s.ConfigSubtree())
	if err != nil {
		return "", err
	}
	return filepath.Join(s.RunnerTmpDir, fmt.Sprintf("%s.%d.%x", s.Name(), s.StepNo, h)), nil
}

func (s *Step) Setup(ctx context.Context) error {
	raw, err := os.ReadFile(s.Cfg.Restraints.FISH.InputFile)
	if err != nil {
		return baseerrors.E(err, "fish: read input file", s.Cfg.Restraints.FISH.InputFile)
	}
	if err := json.Unmarshal(raw, &s.probes); err != nil {
		return baseerrors.E(err, "fish: unmarshal input file", s.Cfg.Restraints.FISH.InputFile)
	}
	s.tablePath = filepath.Join(s.Cfg.Restraints.FISH.TmpDir, "fish.table")

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
	args := make([]interface{}, len(s.probes))
	for i := range s.probes {
		args[i] = i
	}
	return args, nil
}

// Task matches one probe's target distribution to the population's
// current achievement by rank, producing the per-structure harmonic
// bounds the Modeling Engine will impose.
func (s *Step) Task(ctx context.Context, arg interface{}, tmpDir string) error {
	probeIdx := arg.(int)
	probe := s.probes[probeIdx]
	nStruct := len(s.coords)
	perStruct := make(map[int][]Bound)

	switch probe.Kind {
	case "radial_min", "radial_max":
		bead := probe.Beads[0]
		lid := s.Genome.LocusOf(int32(bead))
		copies := s.Genome.CopyIndex[lid]
		dists := make([][]float64, len(copies))
		for c, id := range copies {
			row := make([]float64, nStruct)
			for st := 0; st < nStruct; st++ {
				row[st] = s.coords[st][id].Norm()
			}
			dists[c] = row
		}
		reduce := Min
		if probe.Kind == "radial_max" {
			reduce = Max
		}
		matched, err := ProbeTargets(dists, reduce, probe.Targets)
		if err != nil {
			return err
		}
		for st := 0; st < len(matched); st++ {
			distsAtStruct := make([]float64, len(copies))
			for c := range copies {
				distsAtStruct[c] = dists[c][st]
			}
			var idx int
			if probe.Kind == "radial_min" {
				idx = ClosestCopy(toIntSlice(copies), distsAtStruct)
			} else {
				idx = FarthestCopy(toIntSlice(copies), distsAtStruct)
			}
			beadID := int(copies[idx])
			lower, upper := RadialBounds(beadID, matched[st], probe.Tol)
			perStruct[st] = append(perStruct[st], lower, upper)
		}

	case "pair_min", "pair_max":
		beadI, beadJ := probe.Beads[0], probe.Beads[1]
		lidI, lidJ := s.Genome.LocusOf(int32(beadI)), s.Genome.LocusOf(int32(beadJ))
		copiesI := toIntSlice(s.Genome.CopyIndex[lidI])
		copiesJ := toIntSlice(s.Genome.CopyIndex[lidJ])
		pairs := make([][2]int, 0, len(copiesI)*len(copiesJ))
		for _, a := range copiesI {
			for _, b := range copiesJ {
				pairs = append(pairs, [2]int{a, b})
			}
		}
		combosDist := PairDistances(copiesI, copiesJ, func(i, j int) []float64 {
			row := make([]float64, nStruct)
			for st := 0; st < nStruct; st++ {
				row[st] = math.Sqrt(s.coords[st][i].DistSq(s.coords[st][j]))
			}
			return row
		})
		reduce := Min
		wantMin := probe.Kind == "pair_min"
		if !wantMin {
			reduce = Max
		}
		matched, err := ProbeTargets(combosDist, reduce, probe.Targets)
		if err != nil {
			return err
		}
		for st := 0; st < len(matched); st++ {
			distsAtStruct := make([]float64, len(pairs))
			for c := range pairs {
				distsAtStruct[c] = combosDist[c][st]
			}
			perStruct[st] = append(perStruct[st], PairBounds(pairs, distsAtStruct, matched[st], probe.Tol, wantMin)...)
		}

	default:
		return baseerrors.E(fmt.Sprintf("fish: unknown probe kind %q", probe.Kind))
	}

	data, err := json.Marshal(perStruct)
	if err != nil {
		return baseerrors.E(err, "fish: marshal bounds", probeIdx)
	}
	path := filepath.Join(tmpDir, fmt.Sprintf("probe_%d.json", probeIdx))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return baseerrors.E(err, "fish: write bounds", path)
	}
	return os.WriteFile(path+".complete", nil, 0o644)
}

func (s *Step) BeforeReduce(ctx context.Context) error { return nil }

func (s *Step) Reduce(ctx context.Context) error {
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	n := len(s.probes)
	perProbe := make([]map[int][]Bound, n)
	received := make([]bool, n)
	nReceived := 0
	var mu sync.Mutex

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := filepoller.New(tmpDir, filepoller.Options{})
	watchErr := poller.Watch(pollCtx, func(ctx context.Context, f filepoller.ReadyFile) error {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(f.Path), "probe_%d.json", &idx); err != nil {
			return baseerrors.E(err, "fish: parse task filename", f.Path)
		}
		var bounds map[int][]Bound
		if err := json.Unmarshal(f.Data, &bounds); err != nil {
			return baseerrors.E(err, "fish: unmarshal bounds", f.Path)
		}
		mu.Lock()
		perProbe[idx] = bounds
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
		return baseerrors.E(fmt.Sprintf("fish: reduce received %d/%d probes", nReceived, n))
	}

	merged := map[int][]Bound{}
	for _, bounds := range perProbe {
		for st, bs := range bounds {
			merged[st] = append(merged[st], bs...)
		}
	}
	if err := table.Archive(s.tablePath, s.Sigma, s.Iteration); err != nil {
		return err
	}
	return table.Write(merged, s.tablePath)
}

func (s *Step) Cleanup(ctx context.Context) error {
	if s.Cfg.Restraints.FISH.KeepTemporaryFiles {
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

// Rows reads the most recently published table back (the Modeling
// Engine's Inputs.FISH).
func (s *Step) Rows() (map[int][]Bound, error) {
	rows := map[int][]Bound{}
	if err := table.Read(s.tablePath, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func toIntSlice(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
