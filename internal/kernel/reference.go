package kernel

import (
	"context"
	"math"
	"math/rand"

	"github.com/alberlab/igm3d/internal/restraint"
)

// ReferenceAdapter is a pure-Go, in-process Adapter used where shelling
// out to an external MD/CG binary isn't available or desired (unit
// tests, the demo CLI path, CI). It performs a damped steepest-descent
// relaxation driven by a numerical gradient of the summed restraint
// score, enough to satisfy harmonic/excluded-volume/envelope restraint
// semantics without claiming to be a real MD engine — a production
// adapter shelling out to an external minimizer is a separate
// implementation of the same interface.
type ReferenceAdapter struct {
	// StepSize scales each steepest-descent move; small enough to avoid
	// overshoot for nanometer-scale bead coordinates. Defaults to 0.05
	// when zero.
	StepSize float64
}

const refDefaultStepSize = 0.05
const refFiniteDiffEps = 1e-3

func (a *ReferenceAdapter) Relax(ctx context.Context, particles []restraint.Particle, restraints []restraint.Restraint, opts Options, tmpDir string) (Diagnostics, error) {
	step := a.StepSize
	if step == 0 {
		step = refDefaultStepSize
	}
	iters := opts.MDSteps
	if iters <= 0 {
		iters = 200
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	if opts.RandomShuffling {
		jitterParticles(particles, rng, 1.0)
	}

	grad := make([]restraint.Vec3, len(particles))
	for it := 0; it < iters; it++ {
		if err := ctx.Err(); err != nil {
			return Diagnostics{}, err
		}
		for i := range grad {
			grad[i] = restraint.Vec3{}
		}
		accumulateGradient(particles, restraints, grad)
		moved := false
		for i := range particles {
			if particles[i].Type == restraint.StaticDummy {
				continue
			}
			delta := grad[i].Scale(-step)
			if delta.Norm() > 1e-12 {
				moved = true
			}
			particles[i].Pos = particles[i].Pos.Add(delta)
		}
		if !moved {
			break
		}
	}

	diag := Diagnostics{Thermo: ThermoObservables{}}
	for _, r := range restraints {
		score := r.Score(particles)
		diag.FinalEnergy += score
		switch r.Kind() {
		case restraint.HarmonicUpperBound, restraint.HarmonicLowerBound:
			diag.BondEnergy += score
		default:
			diag.PairEnergy += score
		}
		diag.Restraints = append(diag.Restraints, RestraintDiagnostic{
			Kind: r.Kind(), Note: r.Note(), Score: score, ViolationRatio: r.ViolationRatio(particles),
		})
	}
	diag.ElapsedMD = float64(iters) * opts.TimeStep
	return diag, nil
}

// accumulateGradient adds the numerical gradient (central differences)
// of the total restraint score with respect to each particle's position
// into grad, perturbing only particles that at least one restraint
// touches.
func accumulateGradient(particles []restraint.Particle, restraints []restraint.Restraint, grad []restraint.Vec3) {
	touched := map[int]bool{}
	for _, r := range restraints {
		for idx := range restraintParticipants(r, len(particles)) {
			touched[idx] = true
		}
	}
	for idx := range touched {
		for axis := 0; axis < 3; axis++ {
			orig := particles[idx].Pos[axis]

			particles[idx].Pos[axis] = orig + refFiniteDiffEps
			plus := sumScores(particles, restraints)

			particles[idx].Pos[axis] = orig - refFiniteDiffEps
			minus := sumScores(particles, restraints)

			particles[idx].Pos[axis] = orig
			grad[idx][axis] += (plus - minus) / (2 * refFiniteDiffEps)
		}
	}
}

func sumScores(particles []restraint.Particle, restraints []restraint.Restraint) float64 {
	s := 0.0
	for _, r := range restraints {
		s += r.Score(particles)
	}
	return s
}

// restraintParticipants returns the set of particle indices a restraint
// touches, so the finite-difference gradient only perturbs particles
// that can actually change the restraint's score.
func restraintParticipants(r restraint.Restraint, nParticles int) map[int]bool {
	set := map[int]bool{}
	switch v := r.(type) {
	case restraint.Bound:
		set[v.I], set[v.J] = true, true
	case restraint.EV:
		for _, p := range v.Particles {
			set[p] = true
		}
	case restraint.Ellipsoid:
		for _, p := range v.Particles {
			set[p] = true
		}
	case restraint.Voxel:
		for _, p := range v.Particles {
			set[p] = true
		}
	case restraint.Body:
		for _, p := range v.Particles {
			set[p] = true
		}
	}
	return set
}

// jitterParticles perturbs every non-static particle by Gaussian noise
// with standard deviation scale, drawn via a Box-Muller transform, so
// random_shuffling produces thermal-scale displacements rather than a
// uniform cube of noise.
func jitterParticles(particles []restraint.Particle, rng *rand.Rand, scale float64) {
	for i := range particles {
		if particles[i].Type == restraint.StaticDummy {
			continue
		}
		for axis := 0; axis < 3; axis += 2 {
			u1, u2 := rng.Float64(), rng.Float64()
			if u1 < 1e-300 {
				u1 = 1e-300
			}
			r := math.Sqrt(-2 * math.Log(u1))
			z0 := r * math.Cos(2*math.Pi*u2)
			particles[i].Pos[axis] += z0 * scale
			if axis+1 < 3 {
				z1 := r * math.Sin(2*math.Pi*u2)
				particles[i].Pos[axis+1] += z1 * scale
			}
		}
	}
}
