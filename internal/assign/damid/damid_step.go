package damid

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	baseerrors "github.com/grailbio/base/errors"

	"github.com/alberlab/igm3d/internal/assign/table"
	"github.com/alberlab/igm3d/internal/bps"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/filepoller"
	"github.com/alberlab/igm3d/internal/genome"
)

// InputLocus is one entry of DamID's per-locus wish-probability input,
// the single-locus analogue of hic.InputPair.
type InputLocus struct {
	Bead  int     `json:"bead"`
	PWish float64 `json:"p_wish"`
}

// Step implements orchestrator.Step for one DamID activation-distance
// iteration: the same map/reduce shape as the Hi-C engine, one task
// per locus instead of per pair.
type Step struct {
	Cfg    *config.Schema
	Genome *genome.Index
	Prior  *bps.Store

	Sigma        float64
	Iteration    int
	StepNo       int
	RunnerTmpDir string

	loci      []InputLocus
	pLast     map[int]float64
	coords    [][][3]float64 // coords[structID][beadID]
	tablePath string
}

func (s *Step) Name() string { return "DamIDAssignmentStep" }

func (s *Step) ConfigSubtree() interface{} { return s.Cfg.RelevantSubtree(s.Name()) }

func (s *Step) taskTmpDir() (string, error) {
	h, err := config.SubtreeHash(s.ConfigSubtree())
	if err != nil {
		return "", err
	}
	return filepath.Join(s.RunnerTmpDir, fmt.Sprintf("%s.%d.%x", s.Name(), s.StepNo, h)), nil
}

func (s *Step) Setup(ctx context.Context) error {
	raw, err := os.ReadFile(s.Cfg.Restraints.DamID.InputFile)
	if err != nil {
		return baseerrors.E(err, "damid: read input file", s.Cfg.Restraints.DamID.InputFile)
	}
	if err := json.Unmarshal(raw, &s.loci); err != nil {
		return baseerrors.E(err, "damid: unmarshal input file", s.Cfg.Restraints.DamID.InputFile)
	}

	s.tablePath = filepath.Join(s.Cfg.Restraints.DamID.TmpDir, "damid.table")
	s.pLast = map[int]float64{}
	var prevRows []Row
	if err := table.Read(s.tablePath, &prevRows); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, r := range prevRows {
		s.pLast[r.Bead] = r.Prob
	}

	manifest, err := s.Prior.ReadManifest(ctx)
	if err != nil {
		return err
	}
	s.coords = make([][][3]float64, manifest.NumStructures)
	for structID := range s.coords {
		c, err := s.Prior.ReadStructure(ctx, manifest, structID)
		if err != nil {
			return err
		}
		row := make([][3]float64, len(c))
		for i, v := range c {
			row[i] = [3]float64(v)
		}
		s.coords[structID] = row
	}
	return nil
}

func (s *Step) BeforeMap(ctx context.Context) error { return nil }

func (s *Step) Args(ctx context.Context) ([]interface{}, error) {
	args := make([]interface{}, len(s.loci))
	for i := range s.loci {
		args[i] = i
	}
	return args, nil
}

// Task computes one locus's activation-distance rows, normalizing each
// copy's radial distance to the shrunk envelope
// before handing off to ActivationDistance.
func (s *Step) Task(ctx context.Context, arg interface{}, tmpDir string) error {
	locusIdx := arg.(int)
	locus := s.loci[locusIdx]

	lid := s.Genome.LocusOf(int32(locus.Bead))
	copies := toIntSlice(s.Genome.CopyIndex[lid])
	beadRadius := s.Genome.Bead(int32(locus.Bead)).Radius
	cutoff := 1 - s.Cfg.Restraints.DamID.ContactRange

	nStruct := len(s.coords)
	normSq := make([]float64, 0, len(copies)*nStruct)
	env := s.Cfg.Model.Restraints.Envelope
	for _, bead := range copies {
		for st := 0; st < nStruct; st++ {
			x := s.coords[st][bead]
			switch env.NucleusShape {
			case "ellipsoid":
				semi := [3]float64{env.NucleusSemi[0] * cutoff, env.NucleusSemi[1] * cutoff, env.NucleusSemi[2] * cutoff}
				normSq = append(normSq, NormalizedRadialSquaredEllipsoid(x, semi, beadRadius))
			default:
				normSq = append(normSq, NormalizedRadialSquaredSphere(x, env.NucleusRadius*cutoff, beadRadius))
			}
		}
	}

	pLast := s.pLast[locus.Bead]
	rows := ActivationDistance(copies, normSq, nStruct, locus.PWish, pLast)

	data, err := json.Marshal(rows)
	if err != nil {
		return baseerrors.E(err, "damid: marshal rows", locusIdx)
	}
	path := filepath.Join(tmpDir, fmt.Sprintf("locus_%d.json", locusIdx))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return baseerrors.E(err, "damid: write rows", path)
	}
	return os.WriteFile(path+".complete", nil, 0o644)
}

func (s *Step) BeforeReduce(ctx context.Context) error { return nil }

func (s *Step) Reduce(ctx context.Context) error {
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	n := len(s.loci)
	perLocus := make([][]Row, n)
	received := make([]bool, n)
	nReceived := 0
	var mu sync.Mutex

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := filepoller.New(tmpDir, filepoller.Options{})
	watchErr := poller.Watch(pollCtx, func(ctx context.Context, f filepoller.ReadyFile) error {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(f.Path), "locus_%d.json", &idx); err != nil {
			return baseerrors.E(err, "damid: parse task filename", f.Path)
		}
		var rows []Row
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return baseerrors.E(err, "damid: unmarshal rows", f.Path)
		}
		mu.Lock()
		perLocus[idx] = rows
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
		return baseerrors.E(fmt.Sprintf("damid: reduce received %d/%d loci", nReceived, n))
	}

	var allRows []Row
	for _, rows := range perLocus {
		allRows = append(allRows, rows...)
	}
	if err := table.Archive(s.tablePath, s.Sigma, s.Iteration); err != nil {
		return err
	}
	return table.Write(allRows, s.tablePath)
}

func (s *Step) Cleanup(ctx context.Context) error {
	if s.Cfg.Restraints.DamID.KeepTemporaryFiles {
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
func (s *Step) Rows() ([]Row, error) {
	var rows []Row
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
