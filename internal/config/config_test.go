package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
model:
  population_size: 200
  restraints:
    envelope:
      nucleus_shape: sphere
      nucleus_radius: 5000
    polymer:
      contact_range: 2
      polymer_kspring: 1
      polymer_bonds_style: simple
restraints:
  hic:
    sigma_list: [0.5, 0.2]
    contact_range: 2
    kspring: 1
parallel:
  controller: serial
optimization:
  max_iterations: 20
parameters:
  genome_index: /tmp/index.json
`)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Model.PopulationSize != 200 {
		t.Fatalf("expected population_size 200, got %d", s.Model.PopulationSize)
	}
	if len(s.Restraints.HiC.SigmaList) != 2 {
		t.Fatalf("expected 2 sigma_list entries, got %d", len(s.Restraints.HiC.SigmaList))
	}
	if s.Optimization.Kernel != "reference" {
		t.Fatalf("expected default kernel 'reference', got %q", s.Optimization.Kernel)
	}
}

func TestLoadRejectsMissingPopulationSize(t *testing.T) {
	path := writeConfig(t, `
model:
  restraints:
    envelope:
      nucleus_shape: sphere
      nucleus_radius: 5000
optimization:
  max_iterations: 10
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for missing model.population_size")
	}
}

func TestLoadRejectsBadEnvelopeShape(t *testing.T) {
	path := writeConfig(t, `
model:
  population_size: 10
  restraints:
    envelope:
      nucleus_shape: donut
optimization:
  max_iterations: 10
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown nucleus_shape")
	}
}

func TestSubtreeHashStableAndSensitive(t *testing.T) {
	path := writeConfig(t, `
model:
  population_size: 100
  restraints:
    envelope:
      nucleus_shape: sphere
      nucleus_radius: 1000
restraints:
  hic:
    sigma_list: [0.5]
optimization:
  max_iterations: 5
parameters:
  genome_index: /tmp/index.json
`)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := SubtreeHash(s.RelevantSubtree("hic"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := SubtreeHash(s.RelevantSubtree("hic"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash across calls, got %d and %d", h1, h2)
	}
	s.Restraints.HiC.SigmaList = []float64{0.5, 0.2}
	h3, err := SubtreeHash(s.RelevantSubtree("hic"))
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Fatal("expected hash to change after editing the hic sigma_list")
	}
}
