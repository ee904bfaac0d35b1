// Package kernel defines the Kernel Adapter contract: the boundary
// between the Restraint Model and the actual MD/conjugate-gradient
// minimizer, which this module treats as an external black box.
// Adapter implementations translate a particle+restraint list into
// the minimizer's own input format, invoke it, and parse diagnostics
// back out.
//
// A production adapter follows the classic MD-driver shape: write a
// data file and a control script, Popen the external binary, parse
// its log and trajectory on return, and clean up temporary files
// unless keep_temporary_files is set.
package kernel

import (
	"context"

	"github.com/alberlab/igm3d/internal/restraint"
)

// AnnealStage is one (temperature, steps) pair of an annealing schedule.
type AnnealStage struct {
	Temperature float64
	Steps       int
}

// EVRamp describes a schedule of excluded-volume scaling factors applied
// progressively during relaxation, so a badly-initialized structure
// doesn't need to resolve all steric clashes in one shot.
type EVRamp struct {
	Start float64
	Stop  float64
	Step  float64
}

// Options carries per-run kernel configuration, independent of the
// particles/restraints being relaxed.
type Options struct {
	MDSteps            int
	TimeStep           float64
	InitialTemperature float64
	FinalTemperature   float64
	Damping            float64
	Seed               int64
	CGIterations       int
	CGTolerance        float64
	VelocityCap        float64
	Anneal             []AnnealStage
	EV                 *EVRamp

	// MaxWallTime bounds the wall-clock duration of a single Relax call;
	// zero means no bound. Exceeding it is a task failure.
	MaxWallTime int64 // nanoseconds; kept as an int64 so Options stays a plain value type

	KeepTemporaryFiles bool
	RandomShuffling    bool
}

// ThermoObservables holds the optional thermodynamic quantities a kernel
// run reports back, keyed by observable name (e.g. "temp", "press",
// "pe", "ke") the way a LAMMPS-style log would.
type ThermoObservables map[string]float64

// RestraintDiagnostic summarizes one restraint's outcome after
// relaxation: its score and violation ratio, tagged by Note for
// per-modality histogram aggregation in the modeling engine's reduce.
type RestraintDiagnostic struct {
	Kind           restraint.Kind
	Note           string
	Score          float64
	ViolationRatio float64
}

// Diagnostics is the Kernel Adapter's output report for a single Relax
// call, in addition to the mutated particle positions.
type Diagnostics struct {
	FinalEnergy float64
	PairEnergy  float64
	BondEnergy  float64
	ElapsedMD   float64 // simulated MD time, not wall-clock
	Thermo      ThermoObservables
	Restraints  []RestraintDiagnostic
}

// TotalImposed returns the number of restraints considered.
func (d Diagnostics) TotalImposed() int { return len(d.Restraints) }

// TotalViolated returns the number of restraints with ViolationRatio>0.
func (d Diagnostics) TotalViolated() int {
	n := 0
	for _, r := range d.Restraints {
		if r.ViolationRatio > 0 {
			n++
		}
	}
	return n
}

// Adapter is the single-structure constrained minimizer contract.
// Implementations relax particles in place and must be safe to call
// concurrently from different goroutines provided each call gets its own
// tmpDir (the modeling engine guarantees this).
type Adapter interface {
	Relax(ctx context.Context, particles []restraint.Particle, restraints []restraint.Restraint, opts Options, tmpDir string) (Diagnostics, error)
}

// DeriveSeed computes the deterministic per-(structure,iteration) RNG
// seed used to initialize the kernel's thermostat/velocity RNG.
//
// seed = ((base_seed * struct_id * step_no) mod 9190037) + 1
//
// Distinct across structures and steps so a restart-after-failure
// explores new microstates, but reproducible given the same triple.
func DeriveSeed(baseSeed int64, structID int, stepNo int) int64 {
	const modulus = 9190037
	v := (baseSeed * int64(structID) * int64(stepNo)) % modulus
	if v < 0 {
		v += modulus
	}
	return v + 1
}
