package hic

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

// InputPair is one entry of the sparse contact-probability matrix P: a
// candidate locus pair and its wish probability, named by one
// representative bead id per locus (genome.Index expands that to the
// locus's full copy set). A plain JSON array stands in for a full
// probability-matrix file format since the pairwise wish matrix has no
// other consumer in this module.
type InputPair struct {
	BeadI int     `json:"bead_i"`
	BeadJ int     `json:"bead_j"`
	PWish float64 `json:"p_wish"`
}

// Step implements orchestrator.Step for one Hi-C activation-distance
// iteration: map fans out one task per candidate pair, reduce
// concatenates every pair's rows into the iteration's
// activation-distance table.
type Step struct {
	Cfg    *config.Schema
	Genome *genome.Index
	Prior  *bps.Store

	Sigma        float64
	Iteration    int
	StepNo       int
	RunnerTmpDir string

	pairs    []InputPair
	pLast    map[[2]int]float64
	coords   [][]genomeVec // coords[structID][beadID]
	tablePath string
}

type genomeVec = [3]float64

func (s *Step) Name() string { return "HiCAssignmentStep" }

func (s *Step) ConfigSubtree() interface{} { return s.Cfg.RelevantSubtree(s.Name()) }

func (s *Step) taskTmpDir() (string, error) {
	h, err := config.SubtreeHash(s.ConfigSubtree())
	if err != nil {
		return "", err
	}
	return filepath.Join(s.RunnerTmpDir, fmt.Sprintf("%s.%d.%x", s.Name(), s.StepNo, h)), nil
}

// Setup loads the wish-probability input, the previous iteration's
// table (as p_last), and the per-copy bead coordinates of the entire
// population.
func (s *Step) Setup(ctx context.Context) error {
	raw, err := os.ReadFile(s.Cfg.Restraints.HiC.InputFile)
	if err != nil {
		return baseerrors.E(err, "hic: read input file", s.Cfg.Restraints.HiC.InputFile)
	}
	if err := json.Unmarshal(raw, &s.pairs); err != nil {
		return baseerrors.E(err, "hic: unmarshal input file", s.Cfg.Restraints.HiC.InputFile)
	}

	s.tablePath = filepath.Join(s.Cfg.Restraints.HiC.TmpDir, "hic.table")
	s.pLast = map[[2]int]float64{}
	var prevRows []Row
	if err := table.Read(s.tablePath, &prevRows); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, r := range prevRows {
		s.pLast[[2]int{r.Row, r.Col}] = r.Prob
	}

	manifest, err := s.Prior.ReadManifest(ctx)
	if err != nil {
		return err
	}
	s.coords = make([][]genomeVec, manifest.NumStructures)
	for structID := range s.coords {
		c, err := s.Prior.ReadStructure(ctx, manifest, structID)
		if err != nil {
			return err
		}
		row := make([]genomeVec, len(c))
		for i, v := range c {
			row[i] = genomeVec(v)
		}
		s.coords[structID] = row
	}
	return nil
}

func (s *Step) BeforeMap(ctx context.Context) error { return nil }

func (s *Step) Args(ctx context.Context) ([]interface{}, error) {
	args := make([]interface{}, len(s.pairs))
	for i := range s.pairs {
		args[i] = i
	}
	return args, nil
}

// Task computes one candidate pair's activation-distance rows and
// writes them to the shared task directory for Reduce to collect.
func (s *Step) Task(ctx context.Context, arg interface{}, tmpDir string) error {
	pairIdx := arg.(int)
	pair := s.pairs[pairIdx]

	locusI := s.Genome.LocusOf(int32(pair.BeadI))
	locusJ := s.Genome.LocusOf(int32(pair.BeadJ))
	copiesI := s.Genome.CopyIndex[locusI]
	copiesJ := s.Genome.CopyIndex[locusJ]

	pairing := Pairing{
		CopyI:     toIntSlice(copiesI),
		CopyJ:     toIntSlice(copiesJ),
		SameChrom: s.Genome.SameChrom(int(locusI), int(locusJ)),
	}
	dSq := CombineCopies(pairing, len(s.coords), func(ci, cj int) []float64 {
		out := make([]float64, len(s.coords))
		for st := range s.coords {
			dx := s.coords[st][ci][0] - s.coords[st][cj][0]
			dy := s.coords[st][ci][1] - s.coords[st][cj][1]
			dz := s.coords[st][ci][2] - s.coords[st][cj][2]
			out[st] = dx*dx + dy*dy + dz*dz
		}
		return out
	})

	pLast := s.pLast[[2]int{pair.BeadI, pair.BeadJ}]
	radiusI := s.Genome.Bead(int32(pair.BeadI)).Radius
	radiusJ := s.Genome.Bead(int32(pair.BeadJ)).Radius
	rows := ActivationDistance(pairing, dSq, pair.PWish, pLast, s.Cfg.Restraints.HiC.ContactRange, radiusI, radiusJ)

	data, err := json.Marshal(rows)
	if err != nil {
		return baseerrors.E(err, "hic: marshal rows", pairIdx)
	}
	path := filepath.Join(tmpDir, fmt.Sprintf("pair_%d.json", pairIdx))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return baseerrors.E(err, "hic: write rows", path)
	}
	return os.WriteFile(path+".complete", nil, 0o644)
}

func (s *Step) BeforeReduce(ctx context.Context) error { return nil }

// Reduce collects every candidate pair's rows via the File Poller,
// archives the previous table under a sigma/iteration suffix, and
// publishes the new one.
func (s *Step) Reduce(ctx context.Context) error {
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	n := len(s.pairs)
	perPair := make([][]Row, n)
	received := make([]bool, n)
	nReceived := 0
	var mu sync.Mutex

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := filepoller.New(tmpDir, filepoller.Options{})
	watchErr := poller.Watch(pollCtx, func(ctx context.Context, f filepoller.ReadyFile) error {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(f.Path), "pair_%d.json", &idx); err != nil {
			return baseerrors.E(err, "hic: parse task filename", f.Path)
		}
		var rows []Row
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return baseerrors.E(err, "hic: unmarshal rows", f.Path)
		}
		mu.Lock()
		perPair[idx] = rows
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
		return baseerrors.E(fmt.Sprintf("hic: reduce received %d/%d candidate pairs", nReceived, n))
	}

	var allRows []Row
	for _, rows := range perPair {
		allRows = append(allRows, rows...)
	}
	if err := table.Archive(s.tablePath, s.Sigma, s.Iteration); err != nil {
		return err
	}
	return table.Write(allRows, s.tablePath)
}

func (s *Step) Cleanup(ctx context.Context) error {
	if s.Cfg.Restraints.HiC.KeepTemporaryFiles {
		return nil
	}
	tmpDir, err := s.taskTmpDir()
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpDir)
}

func (s *Step) Skip(ctx context.Context) error { return nil }

func (s *Step) RuntimeFragment(ctx context.Context) (string, error) { return "", nil }

func (s *Step) RestoreRuntimeFragment(ctx context.Context, data string) error { return nil }

// Rows reads the most recently published table back (the Modeling
// Engine's Inputs.HiC for the next step).
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
