package model

import (
	"math"

	"github.com/alberlab/igm3d/internal/assign/damid"
	"github.com/alberlab/igm3d/internal/assign/fish"
	"github.com/alberlab/igm3d/internal/assign/hic"
	"github.com/alberlab/igm3d/internal/assign/sprite"
	"github.com/alberlab/igm3d/internal/config"
	"github.com/alberlab/igm3d/internal/genome"
	"github.com/alberlab/igm3d/internal/restraint"
)

// SpriteClusterInput is one cluster's resolved global assignment plus
// the geometry needed to build its centroid restraint: Assignment names
// which structure (if any) the cluster landed on and which specific
// bead copies were chosen; SumCubedRadii and VolumeFraction (falling
// back to the global config default when zero, so a cluster can
// override the population-wide volume fraction) complete
// sprite.CentroidBoundDistance's inputs.
type SpriteClusterInput struct {
	Assignment     sprite.Assignment
	SumCubedRadii  float64
	VolumeFraction float64 // 0 means "use restraints.sprite.volume_fraction"
}

// Inputs bundles one iteration's assignment-engine output, already
// loaded from their tables/files by the pipeline driver. A nil/empty
// field behaves like "this modality contributed nothing this
// iteration" rather than an error: zero targets is a no-op, not a
// failure.
type Inputs struct {
	HiC    []hic.Row
	DamID  []damid.Row
	Sprite []SpriteClusterInput
	// FISH is keyed by structure id, each already rank-matched and
	// bead-selected by internal/assign/fish.
	FISH map[int][]fish.Bound
}

// buildIntrinsicRestraints appends excluded volume, polymer bonds, and
// the envelope containment every structure gets regardless of
// assignment data. An exp_map envelope shape adds no envelope restraint
// here, and Task does not add a Voxel envelope either.
func buildIntrinsicRestraints(cfg *config.Schema, idx *genome.Index) []restraint.Restraint {
	n := idx.NumBeads()
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	out := []restraint.Restraint{restraint.EV{
		Particles: all,
		EVFactor:  cfg.Model.Restraints.Excluded.EVFactor,
		NoteStr:   "ev",
	}}

	poly := cfg.Model.Restraints.Polymer
	if poly.PolymerBondsStyle != "none" {
		for _, b := range idx.Beads {
			nextID := b.ID + 1
			if int(nextID) >= n {
				continue
			}
			if idx.Consecutive(b.ID, nextID) {
				ri, rj := idx.Bead(b.ID).Radius, idx.Bead(nextID).Radius
				out = append(out, restraint.Bound{
					I: int(b.ID), J: int(nextID), D: poly.ContactRange * (ri + rj),
					K: poly.PolymerKSpring, Lower: false, NoteStr: "polymer",
				})
			}
		}
	}

	env := cfg.Model.Restraints.Envelope
	switch env.NucleusShape {
	case "sphere":
		out = append(out, restraint.Ellipsoid{
			Particles: all,
			Semiaxes:  restraint.Vec3{env.NucleusRadius, env.NucleusRadius, env.NucleusRadius},
			K:         env.NucleusKSpring,
			NoteStr:   "envelope",
		})
	case "ellipsoid":
		out = append(out, restraint.Ellipsoid{
			Particles: all,
			Semiaxes:  restraint.Vec3(env.NucleusSemi),
			K:         env.NucleusKSpring,
			NoteStr:   "envelope",
		})
	}
	return out
}

// buildHiCRestraints implements the Hi-C restraint rule: only rows whose
// CURRENT distance already undercuts the activation threshold count as
// a plausible contact this iteration; the emitted bound itself pulls
// the pair only as far as the literal contact distance
// contact_range*(r_i+r_j), never to the (generally much larger)
// activation distance.
func buildHiCRestraints(rows []hic.Row, particles []restraint.Particle, contactRange, kHiC float64) []restraint.Restraint {
	var out []restraint.Restraint
	for _, r := range rows {
		pi, pj := particles[r.Row], particles[r.Col]
		if pi.Pos.Dist(pj.Pos) > r.Dist {
			continue
		}
		out = append(out, restraint.Bound{
			I: r.Row, J: r.Col, D: contactRange * (pi.Radius + pj.Radius), K: kHiC, Lower: false, NoteStr: "hic",
		})
	}
	return out
}

// buildDamidRestraint implements the DamID restraint rule: beads whose
// current radial level already meets or exceeds the activation
// threshold are grouped into a single negative-k Ellipsoid restraint
// pulling them further toward the shrunk envelope, rather than one
// restraint per bead. Returns nil if no bead qualifies, or if the
// envelope shape has no DamID analogue (voxel envelopes aren't
// supported for DamID).
func buildDamidRestraint(rows []damid.Row, particles []restraint.Particle, cfg *config.Schema, kDamid float64) restraint.Restraint {
	env := cfg.Model.Restraints.Envelope
	contactRange := cfg.Restraints.DamID.ContactRange
	shrink := 1 - contactRange

	var semiaxes restraint.Vec3
	switch env.NucleusShape {
	case "sphere":
		semiaxes = restraint.Vec3{env.NucleusRadius, env.NucleusRadius, env.NucleusRadius}
	case "ellipsoid":
		semiaxes = restraint.Vec3(env.NucleusSemi)
	default:
		return nil
	}
	shrunk := semiaxes.Scale(shrink)

	var affected []int
	for _, r := range rows {
		p := particles[r.Bead]
		var current float64
		if env.NucleusShape == "sphere" {
			current = math.Sqrt(damid.NormalizedRadialSquaredSphere(p.Pos, shrunk[0], p.Radius))
		} else {
			current = math.Sqrt(damid.NormalizedRadialSquaredEllipsoid(p.Pos, [3]float64(shrunk), p.Radius))
		}
		if current >= r.Dist {
			affected = append(affected, r.Bead)
		}
	}
	if len(affected) == 0 {
		return nil
	}
	return restraint.Ellipsoid{
		Particles: affected, Semiaxes: shrunk, K: -kDamid, NoteStr: "damid",
	}
}

// buildSpriteRestraints implements the SPRITE restraint rule: every
// cluster assigned to structID gets a dynamic centroid particle
// (appended to *particles) at the geometric center of its chosen
// beads, plus a harmonic upper bound from each bead to that centroid.
func buildSpriteRestraints(clusters []SpriteClusterInput, structID int, particles *[]restraint.Particle, globalVolumeFraction, kSprite float64) []restraint.Restraint {
	var out []restraint.Restraint
	for _, cl := range clusters {
		if cl.Assignment.StructID != structID || len(cl.Assignment.BeadIDs) == 0 {
			continue
		}
		centroidIdx := len(*particles)
		*particles = append(*particles, restraint.Particle{
			Pos: centroidOf(*particles, cl.Assignment.BeadIDs), Type: restraint.DynamicCentroid,
		})
		vf := cl.VolumeFraction
		if vf <= 0 {
			vf = globalVolumeFraction
		}
		for _, beadID := range cl.Assignment.BeadIDs {
			radius := (*particles)[beadID].Radius
			d := sprite.CentroidBoundDistance(cl.SumCubedRadii, radius, vf)
			out = append(out, restraint.Bound{I: beadID, J: centroidIdx, D: d, K: kSprite, Lower: false, NoteStr: "sprite"})
		}
	}
	return out
}

func centroidOf(particles []restraint.Particle, beadIDs []int) restraint.Vec3 {
	var c restraint.Vec3
	for _, id := range beadIDs {
		c = c.Add(particles[id].Pos)
	}
	return c.Scale(1 / float64(len(beadIDs)))
}

// buildFishRestraints implements the FISH restraint rule directly from
// already rank-matched Bound values (internal/assign/fish resolves
// which copy/pair each bound targets); this only has to route
// CenterRelative bounds to the structure's center dummy particle.
func buildFishRestraints(bounds []fish.Bound, centerIdx int, kFish float64) []restraint.Restraint {
	if len(bounds) == 0 {
		return nil
	}
	out := make([]restraint.Restraint, 0, len(bounds))
	for _, b := range bounds {
		j := b.J
		if b.CenterRelative {
			j = centerIdx
		}
		out = append(out, restraint.Bound{I: b.I, J: j, D: b.D, K: kFish, Lower: b.Lower, NoteStr: "fish"})
	}
	return out
}
