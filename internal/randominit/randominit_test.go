package randominit

import (
	"context"
	"testing"

	"github.com/grailbio/testutil"

	"github.com/alberlab/igm3d/internal/bps"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/genome"
)

func threeBeadGenome(t *testing.T) *genome.Index {
	t.Helper()
	idx, err := genome.NewIndex([]genome.Bead{
		{ID: 0, Chrom: 0, Start: 0, End: 100, Copy: 0, Radius: 50},
		{ID: 1, Chrom: 0, Start: 100, End: 200, Copy: 0, Radius: 50},
		{ID: 2, Chrom: 1, Start: 0, End: 100, Copy: 0, Radius: 50},
	})
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestRandomInitPublishesOneStructurePerPopulationSlot(t *testing.T) {
	outDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	runnerTmp, cleanup2 := testutil.TempDir(t, "", "")
	defer cleanup2()

	g := threeBeadGenome(t)
	var cfg config.Schema
	cfg.Model.PopulationSize = 4
	cfg.Model.Restraints.Envelope.NucleusShape = "sphere"
	cfg.Model.Restraints.Envelope.NucleusRadius = 5000

	out := bps.New(outDir, g.NumBeads(), 2)
	step := &Step{Cfg: &cfg, Genome: g, Out: out, BaseSeed: 7, RunnerTmpDir: runnerTmp, StepNo: 1}

	ctx := context.Background()
	if err := step.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	args, err := step.Args(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != cfg.Model.PopulationSize {
		t.Fatalf("expected %d args, got %d", cfg.Model.PopulationSize, len(args))
	}
	for _, a := range args {
		if err := step.Task(ctx, a, runnerTmp); err != nil {
			t.Fatal(err)
		}
	}
	if err := step.Reduce(ctx); err != nil {
		t.Fatal(err)
	}

	manifest, err := out.ReadManifest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.NumStructures != cfg.Model.PopulationSize {
		t.Fatalf("expected %d published structures, got %d", cfg.Model.PopulationSize, manifest.NumStructures)
	}
	for s := 0; s < manifest.NumStructures; s++ {
		coords, err := out.ReadStructure(ctx, manifest, s)
		if err != nil {
			t.Fatal(err)
		}
		if len(coords) != g.NumBeads() {
			t.Fatalf("structure %d: expected %d beads, got %d", s, g.NumBeads(), len(coords))
		}
		for i, c := range coords {
			if norm := c.Norm(); norm > cfg.Model.Restraints.Envelope.NucleusRadius {
				t.Fatalf("structure %d bead %d lies outside the nucleus: |pos|=%v > radius=%v",
					s, i, norm, cfg.Model.Restraints.Envelope.NucleusRadius)
			}
		}
	}
}

func TestRandomInitIsDeterministicGivenSameSeed(t *testing.T) {
	g := threeBeadGenome(t)
	var cfg config.Schema
	cfg.Model.PopulationSize = 1
	cfg.Model.Restraints.Envelope.NucleusShape = "sphere"
	cfg.Model.Restraints.Envelope.NucleusRadius = 5000

	run := func() []float64 {
		outDir, cleanup := testutil.TempDir(t, "", "")
		defer cleanup()
		out := bps.New(outDir, g.NumBeads(), 64)
		step := &Step{Cfg: &cfg, Genome: g, Out: out, BaseSeed: 42, RunnerTmpDir: outDir, StepNo: 1}
		ctx := context.Background()
		if err := step.Setup(ctx); err != nil {
			t.Fatal(err)
		}
		if err := step.Task(ctx, 0, outDir); err != nil {
			t.Fatal(err)
		}
		flat := make([]float64, 0, g.NumBeads()*3)
		for _, c := range step.coords[0] {
			flat = append(flat, c[0], c[1], c[2])
		}
		return flat
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic output given the same BaseSeed, coordinate %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}
