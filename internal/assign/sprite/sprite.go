// Package sprite implements the SPRITE Assignment Engine: per-cluster
// candidate generation (the diploid copy combination, per structure,
// that best draws the cluster's beads together) and a serial
// Boltzmann-weighted reduce that spreads clusters across the
// population instead of piling them onto whichever structures happen
// to minimize radius of gyration.
//
// The dynamic-centroid target-distance formula and the
// pick-best-then-globally-balance two-phase shape follow the reference
// IGM implementation's SPRITE restraint handling.
package sprite

import (
	"math"
	"math/rand"

	"github.com/alberlab/igm3d/internal/restraint"
)

// Candidate is one structure's best copy-combination for a cluster.
type Candidate struct {
	RgSq    float64
	Struct  int
	BeadIDs []int
}

// ClusterCandidates holds, for one cluster, its best candidates
// across the population, ascending by RgSq, capped at KeepBest.
type ClusterCandidates struct {
	ClusterID int
	Active    bool
	Best      []Candidate
}

// BestCombination brute-forces the copy combination of a cluster's
// haploid beads that minimizes radius of gyration in one structure.
// copyChoices[i] lists
// the candidate bead ids for the cluster's i-th haploid locus (one
// per copy); coords resolves a bead id to its coordinate in this
// structure.
func BestCombination(copyChoices [][]int, coords func(beadID int) restraint.Vec3) (rgSq float64, chosen []int) {
	n := len(copyChoices)
	if n == 0 {
		return 0, nil
	}
	idx := make([]int, n)
	pts := make([]restraint.Vec3, n)
	pick := make([]int, n)
	best := math.Inf(1)
	var bestPick []int
	for {
		for i, c := range idx {
			pick[i] = copyChoices[i][c]
			pts[i] = coords(pick[i])
		}
		g := radiusOfGyrationSq(pts)
		if g < best {
			best = g
			bestPick = append([]int(nil), pick...)
		}
		if !advance(idx, copyChoices) {
			break
		}
	}
	return best, bestPick
}

func advance(idx []int, choices [][]int) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < len(choices[i]) {
			return true
		}
		idx[i] = 0
	}
	return false
}

func radiusOfGyrationSq(pts []restraint.Vec3) float64 {
	var cx, cy, cz float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
		cz += p[2]
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	cz /= n
	var sum float64
	for _, p := range pts {
		dx, dy, dz := p[0]-cx, p[1]-cy, p[2]-cz
		sum += dx*dx + dy*dy + dz*dz
	}
	return sum / n
}

// Assignment is one cluster's outcome from the global reduce: the
// structure it was placed in (or -1 if inactive) and the specific
// bead copies chosen.
type Assignment struct {
	StructID int
	BeadIDs  []int
}

// Assign performs the serial Boltzmann-weighted global reduce. Callers
// must already have shuffled clusters into random processing order to
// eliminate ordering bias; Assign itself only draws the per-cluster
// selection among its own KeepBest candidates.
func Assign(clusters []ClusterCandidates, nStruct int, radiusKT float64, rng *rand.Rand) []Assignment {
	out := make([]Assignment, len(clusters))
	if nStruct <= 0 {
		return out
	}
	aveN := float64(len(clusters)) / float64(nStruct)
	stdN := math.Sqrt(aveN)
	occupancy := make([]float64, nStruct)

	for idx, cl := range clusters {
		if !cl.Active || len(cl.Best) == 0 {
			out[idx] = Assignment{StructID: -1}
			continue
		}
		g0 := math.Sqrt(cl.Best[0].RgSq)
		e0 := energy(cl.Best[0], g0, occupancy, aveN, stdN, radiusKT)
		cum := make([]float64, len(cl.Best))
		var total float64
		for k, cand := range cl.Best {
			e := energy(cand, g0, occupancy, aveN, stdN, radiusKT)
			total += math.Exp(-(e - e0))
			cum[k] = total
		}
		u := rng.Float64() * total
		chosen := len(cl.Best) - 1
		for k, c := range cum {
			if c >= u {
				chosen = k
				break
			}
		}
		cand := cl.Best[chosen]
		out[idx] = Assignment{StructID: cand.Struct, BeadIDs: cand.BeadIDs}
		occupancy[cand.Struct]++
	}
	return out
}

func energy(cand Candidate, g0 float64, occupancy []float64, aveN, stdN, radiusKT float64) float64 {
	load := occupancy[cand.Struct] - aveN
	if load < 0 {
		load = 0
	}
	return (math.Sqrt(cand.RgSq)-g0)/radiusKT + load/stdN
}

// CentroidBoundDistance computes the dynamic-centroid harmonic-upper-
// bound target distance for one bead:
// d = cube_root(Σr³ / volume_fraction) - r_bead. volumeFraction is
// the per-cluster override when the cluster file carries one,
// otherwise the global restraints.sprite.volume_fraction.
func CentroidBoundDistance(sumCubedRadii, beadRadius, volumeFraction float64) float64 {
	return math.Cbrt(sumCubedRadii/volumeFraction) - beadRadius
}
