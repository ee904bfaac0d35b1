// Package fish implements the FISH Assignment Engine: matching a probe
// or pair's experimentally observed target distribution to the
// population's current achievement, order statistic for order
// statistic, so each structure receives the target that preserves the
// population-level distribution while requiring the least movement
// from where that structure already is.
//
// The double-argsort rank-matching trick and the bead-copy selection
// rules (closest copy to center, closest/farthest inter-copy pair) are
// the same ones the reference IGM implementation uses, split here into
// a pure rank-matching core the Modeling Engine composes with bead
// selection.
package fish

import (
	"math"
	"sort"

	"github.com/alberlab/igm3d/internal/assign"
)

// Ranks returns, for each element of values, its 0-based ascending
// rank among all elements (ties broken by original index, matching
// numpy's stable argsort(argsort(.)) the original computes with).
// Ranks(values)[s] is "how many elements are current value[s] ahead
// of", i.e. argsort(argsort(values)).
func Ranks(values []float64) []int {
	n := len(values)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })
	ranks := make([]int, n)
	for rank, idx := range order {
		ranks[idx] = rank
	}
	return ranks
}

// TargetsFromRanks matches a sorted target distribution to the current
// per-structure achievement by rank: structure s gets
// sortedTargets[ranks[s]]. sortedTargets must have exactly len(ranks)
// entries; a mismatched target distribution length is an
// AssignmentError, never silently truncated or recycled.
func TargetsFromRanks(sortedTargets []float64, ranks []int) ([]float64, error) {
	if len(sortedTargets) != len(ranks) {
		return nil, assign.Errorf(
			"fish: target distribution has %d entries, want %d (one per structure)",
			len(sortedTargets), len(ranks))
	}
	out := make([]float64, len(ranks))
	for s, r := range ranks {
		out[s] = sortedTargets[r]
	}
	return out, nil
}

// ProbeTargets matches a probe's per-structure radial targets. dists
// holds the ploidy radial distances for the probe's locus, one row
// per copy, ordered dists[copy][structure]; reduce combines values
// across copies (math.Min for radial_min -- closest copy to center,
// math.Max for radial_max -- farthest). sortedTargets is the
// experimental target distribution, already sorted ascending, with one
// entry per structure. A probe with zero targets emits no restraints
// and no error: callers should skip emitting restraint rows for it
// rather than fail the whole step.
func ProbeTargets(dists [][]float64, reduce func(a, b float64) float64, sortedTargets []float64) ([]float64, error) {
	if len(sortedTargets) == 0 {
		return nil, nil
	}
	if len(dists) == 0 {
		return nil, nil
	}
	nStruct := len(dists[0])
	current := make([]float64, nStruct)
	for s := 0; s < nStruct; s++ {
		v := dists[0][s]
		for c := 1; c < len(dists); c++ {
			v = reduce(v, dists[c][s])
		}
		current[s] = v
	}
	return TargetsFromRanks(sortedTargets, Ranks(current))
}

// Min reduces by taking the smaller value (radial_min / pair_min).
func Min(a, b float64) float64 { return math.Min(a, b) }

// Max reduces by taking the larger value (radial_max / pair_max).
func Max(a, b float64) float64 { return math.Max(a, b) }

// PairDistances computes the ploidy^2 inter-copy distances for a pair
// of loci across the population, in the combination order
// (copyI[a], copyJ[b]) a-major, covering every copy-combination a
// cross-locus pair can take. distFn(i,j) returns the per-structure
// distance vector for one copy combination.
func PairDistances(copyI, copyJ []int, distFn func(i, j int) []float64) [][]float64 {
	out := make([][]float64, 0, len(copyI)*len(copyJ))
	for _, a := range copyI {
		for _, b := range copyJ {
			out = append(out, distFn(a, b))
		}
	}
	return out
}

// ClosestCopy returns the index (into ids) of the copy closest to the
// nuclear center.
func ClosestCopy(ids []int, dists []float64) int { return extremeCopy(ids, dists, false) }

// FarthestCopy is ClosestCopy's counterpart.
func FarthestCopy(ids []int, dists []float64) int { return extremeCopy(ids, dists, true) }

func extremeCopy(ids []int, dists []float64, farthest bool) int {
	best := 0
	for i := 1; i < len(dists); i++ {
		if (farthest && dists[i] > dists[best]) || (!farthest && dists[i] < dists[best]) {
			best = i
		}
	}
	return best
}

// ClosestPair returns the index of the copy combination (in the same
// order PairDistances produced) whose distance is smallest.
func ClosestPair(dists []float64) int { return extremeIndex(dists, false) }

// FarthestPair is ClosestPair's counterpart.
func FarthestPair(dists []float64) int { return extremeIndex(dists, true) }

func extremeIndex(dists []float64, farthest bool) int {
	best := 0
	for i := 1; i < len(dists); i++ {
		if (farthest && dists[i] > dists[best]) || (!farthest && dists[i] < dists[best]) {
			best = i
		}
	}
	return best
}

// Bound is one harmonic bound the Modeling Engine should impose for a
// probe or pair in one structure: a center-relative radial bound
// (CenterRelative=true, J unused) or a bead-to-bead pair bound.
type Bound struct {
	I, J           int // bead/copy ids; J is unused for radial bounds (the Modeling Engine binds them to its center dummy)
	CenterRelative bool
	Lower          bool // harmonic-lower-bound vs harmonic-upper-bound
	D              float64
}

// RadialBounds builds the lower+upper harmonic-bound pair for one
// probe in one structure: bound the chosen copy (closest for
// radial_min, farthest for radial_max) to target±tol, clamping the
// lower bound's distance at zero.
func RadialBounds(beadID int, target, tol float64) (lower, upper Bound) {
	d := target - tol
	if d < 0 {
		d = 0
	}
	lower = Bound{I: beadID, CenterRelative: true, Lower: true, D: d}
	upper = Bound{I: beadID, CenterRelative: true, Lower: false, D: target + tol}
	return lower, upper
}

// PairBounds builds the bound set for one pair target in one
// structure: every candidate copy-combination gets a one-sided bound
// keeping it from drifting the wrong direction, and the single
// closest (for a min target) or
// farthest (for a max target) combination additionally gets the
// opposing bound pinning it near the target distance.
func PairBounds(pairs [][2]int, dists []float64, target, tol float64, wantMin bool) []Bound {
	if len(pairs) == 0 {
		return nil
	}
	bounds := make([]Bound, 0, len(pairs)+1)
	if wantMin {
		d := target - tol
		if d < 0 {
			d = 0
		}
		for _, p := range pairs {
			bounds = append(bounds, Bound{I: p[0], J: p[1], Lower: true, D: d})
		}
		idx := ClosestPair(dists)
		bounds = append(bounds, Bound{I: pairs[idx][0], J: pairs[idx][1], Lower: false, D: target + tol})
		return bounds
	}
	for _, p := range pairs {
		bounds = append(bounds, Bound{I: p[0], J: p[1], Lower: false, D: target + tol})
	}
	idx := FarthestPair(dists)
	d := target - tol
	if d < 0 {
		d = 0
	}
	bounds = append(bounds, Bound{I: pairs[idx][0], J: pairs[idx][1], Lower: true, D: d})
	return bounds
}
