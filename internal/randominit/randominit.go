// Package randominit generates the population's generation-0 bead
// coordinates: uniformly-distributed chromosome territories inside the
// nuclear envelope, published as a fresh BPS generation so the
// tolerance schedule loop always has a Prior to read from.
//
// Each chromosome copy picks one random territory center within a
// shrunk envelope, then scatters that chromosome's beads within a
// sphere around its center.
package randominit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/alberlab/igm3d/internal/bps"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/genome"
	"github.com/alberlab/igm3d/internal/restraint"
)

// chromCopy identifies one chromosome copy's territory, the unit
// generate_territories assigns a single random center to.
type chromCopy struct {
	chrom int32
	copy  int16
}

// Step implements orchestrator.Step for generation-0 population
// construction. It has no Prior to read (there is no BPS generation
// yet), so Setup only has to precompute the genome's territory layout.
type Step struct {
	Cfg    *config.Schema
	Genome *genome.Index
	Out    *bps.Store

	BaseSeed int64

	RunnerTmpDir string
	StepNo       int

	coords          [][]restraint.Vec3
	chromOrder      []chromCopy
	territoryRadius float64
	nucleusRadius   float64
}

func (s *Step) Name() string { return "RandomInitStep" }

func (s *Step) ConfigSubtree() interface{} { return s.Cfg.RelevantSubtree(s.Name()) }

func (s *Step) taskTmpDir() (string, error) {
	h, err := config.SubtreeHash(s.ConfigSubtree())
	if err != nil {
		return "", err
	}
	return filepath.Join(s.RunnerTmpDir, fmt.Sprintf("%s.%d.%x", s.Name(), s.StepNo, h)), nil
}

// Setup derives the per-(chromosome, copy) territory layout once:
// territory radius is 0.75 * nucleus_radius * cbrt(beads_in_chromosome /
// total_beads), averaged across chromosomes.
func (s *Step) Setup(ctx context.Context) error {
	s.coords = make([][]restraint.Vec3, s.Cfg.Model.PopulationSize)

	nBeads := s.Genome.NumBeads()
	sizes := map[chromCopy]int{}
	for i := 0; i < nBeads; i++ {
		b := s.Genome.Bead(int32(i))
		key := chromCopy{b.Chrom, b.Copy}
		if _, ok := sizes[key]; !ok {
			s.chromOrder = append(s.chromOrder, key)
		}
		sizes[key]++
	}

	env := s.Cfg.Model.Restraints.Envelope
	s.nucleusRadius = env.NucleusRadius
	if s.nucleusRadius <= 0 {
		s.nucleusRadius = env.NucleusSemi[0]
	}

	var sumRadii float64
	for _, key := range s.chromOrder {
		sumRadii += 0.75 * s.nucleusRadius * math.Cbrt(float64(sizes[key])/float64(nBeads))
	}
	if len(s.chromOrder) > 0 {
		s.territoryRadius = sumRadii / float64(len(s.chromOrder))
	}
	return nil
}

func (s *Step) BeforeMap(ctx context.Context) error { return nil }

func (s *Step) Args(ctx context.Context) ([]interface{}, error) {
	args := make([]interface{}, s.Cfg.Model.PopulationSize)
	for i := range args {
		args[i] = i
	}
	return args, nil
}

// Task generates one structure's chromosome territories: every
// (chrom, copy) picks one random territory center uniformly inside a
// sphere of radius nucleus_radius - territory_radius, then every bead
// of that chromosome copy is scattered uniformly inside a territory_
// radius sphere around its chromosome's center.
//
// Task keeps its result in memory instead of writing a .hms artifact:
// unlike the assignment engines and the modeling step, there is no
// cross-process restart boundary here worth a temp-file round trip --
// population size is bounded by model.population_size and the whole
// generation fits comfortably in the orchestrator's single process.
func (s *Step) Task(ctx context.Context, arg interface{}, tmpDir string) error {
	structID := arg.(int)
	rng := rand.New(rand.NewSource(s.BaseSeed + int64(structID)))

	centers := make(map[chromCopy]restraint.Vec3, len(s.chromOrder))
	for _, key := range s.chromOrder {
		centers[key] = uniformSphere(rng, s.nucleusRadius-s.territoryRadius)
	}

	nBeads := s.Genome.NumBeads()
	out := make([]restraint.Vec3, nBeads)
	for i := 0; i < nBeads; i++ {
		bead := s.Genome.Bead(int32(i))
		key := chromCopy{bead.Chrom, bead.Copy}
		out[i] = centers[key].Add(uniformSphere(rng, s.territoryRadius))
	}
	s.coords[structID] = out
	return nil
}

// uniformSphere draws a point uniformly distributed inside a sphere of
// radius r: the polar angle comes from an arccos-transformed uniform
// to avoid pole clustering, and the radius from a cube-root-transformed
// uniform so volume (not radius) is sampled uniformly.
func uniformSphere(rng *rand.Rand, r float64) restraint.Vec3 {
	phi := rng.Float64() * 2 * math.Pi
	costheta := rng.Float64()*2 - 1
	u := rng.Float64()

	theta := math.Acos(costheta)
	radius := r * math.Cbrt(u)

	return restraint.Vec3{
		radius * math.Sin(theta) * math.Cos(phi),
		radius * math.Sin(theta) * math.Sin(phi),
		radius * math.Cos(theta),
	}
}

func (s *Step) BeforeReduce(ctx context.Context) error { return nil }

// Reduce publishes the generated structures as BPS generation 0.
func (s *Step) Reduce(ctx context.Context) error {
	chunkSize := s.Out.ChunkSize
	var chunks []bps.ChunkInfo
	for start := 0; start < len(s.coords); start += chunkSize {
		end := start + chunkSize
		if end > len(s.coords) {
			end = len(s.coords)
		}
		info, err := s.Out.WriteChunk(ctx, len(chunks), start, s.coords[start:end])
		if err != nil {
			return err
		}
		chunks = append(chunks, info)
	}
	return s.Out.PublishManifest(ctx, bps.Manifest{
		NumStructures: len(s.coords),
		NumBeads:      s.Genome.NumBeads(),
		ChunkSize:     chunkSize,
		Chunks:        chunks,
	})
}

func (s *Step) Cleanup(ctx context.Context) error { return nil }

func (s *Step) Skip(ctx context.Context) error { return nil }

func (s *Step) RuntimeFragment(ctx context.Context) (string, error) { return "", nil }

func (s *Step) RestoreRuntimeFragment(ctx context.Context, data string) error { return nil }
