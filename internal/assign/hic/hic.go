// Package hic implements the Hi-C Assignment Engine: activation
// distances for candidate contact pairs, derived from the current
// population's distance distribution and corrected against what
// earlier iterations already imposed.
//
// ActivationDistance is a pure function over already-extracted squared
// distances; coordinate lookup is done by Step (hic_step.go) and table
// I/O by internal/assign/table.
package hic

import (
	"math"
	"sort"

	"github.com/alberlab/igm3d/internal/assign"
)

// Row is one activation-distance output record.
type Row struct {
	Row, Col int
	Dist     float64
	Prob     float64
}

// Pairing describes how the haploid copies of loci i and j line up
// for a candidate pair: same-chromosome pairs line up copy-for-copy
// (CopyI[c] with CopyJ[c]); different-chromosome pairs combine every
// copy of i with every copy of j.
type Pairing struct {
	CopyI     []int
	CopyJ     []int
	SameChrom bool
}

// ActivationDistance computes the activation-distance rows for one
// candidate pair. dSq[c][s] is the squared distance
// between the c-th copy combination and structure s: for a
// same-chromosome pair there are len(CopyI) combinations (one per
// paired copy); for a cross-chromosome pair there are
// len(CopyI)*len(CopyJ) (every combination), in the same order
// CombineCopies would produce.
func ActivationDistance(p Pairing, dSq [][]float64, pWish, pLast, contactRange, radiusI, radiusJ float64) []Row {
	if len(dSq) == 0 || len(dSq[0]) == 0 {
		return nil
	}
	nStruct := len(dSq[0])
	var nPossible int
	if p.SameChrom {
		// Ordered (zip) pairing: at most one combination per copy, so
		// the number of "possible contacts" is bounded by the shorter
		// copy list.
		nPossible = len(p.CopyI)
		if len(p.CopyJ) < nPossible {
			nPossible = len(p.CopyJ)
		}
	} else {
		// Full pairing: every copy combination counts as a possible
		// contact.
		nPossible = len(p.CopyI) * len(p.CopyJ)
	}
	if nPossible <= 0 {
		return nil
	}

	// Sort each structure's column of combination distances ascending
	// and keep the smallest nPossible -- the slab of "most plausible
	// contacts" per structure.
	slab := make([]float64, 0, nPossible*nStruct)
	col := make([]float64, len(dSq))
	for s := 0; s < nStruct; s++ {
		for c := range dSq {
			col[c] = dSq[c][s]
		}
		sort.Float64s(col)
		slab = append(slab, col[:nPossible]...)
	}

	cutoff := contactRange * (radiusI + radiusJ)
	cutoffSq := cutoff * cutoff
	contacts := 0
	for _, v := range slab {
		if v <= cutoffSq {
			contacts++
		}
	}
	pNow := float64(contacts) / float64(nPossible*nStruct)

	t := assign.Clean(pNow, pLast)
	pNew := assign.Clean(pWish, t)
	if pNew <= 0 {
		return nil
	}

	sorted := append([]float64(nil), slab...)
	sort.Float64s(sorted)
	last := nPossible*nStruct - 1
	o := int(math.Round(float64(nPossible) * pNew * float64(nStruct)))
	if o > last {
		o = last
	}
	dAct := math.Sqrt(sorted[o])

	if p.SameChrom {
		n := len(p.CopyI)
		if len(p.CopyJ) < n {
			n = len(p.CopyJ)
		}
		rows := make([]Row, n)
		for c := 0; c < n; c++ {
			rows[c] = Row{Row: p.CopyI[c], Col: p.CopyJ[c], Dist: dAct, Prob: pNew}
		}
		return rows
	}
	rows := make([]Row, 0, len(p.CopyI)*len(p.CopyJ))
	for _, i0 := range p.CopyI {
		for _, i1 := range p.CopyJ {
			rows = append(rows, Row{Row: i0, Col: i1, Dist: dAct, Prob: pNew})
		}
	}
	return rows
}

// CombineCopies builds the dSq argument ActivationDistance expects
// from a per-(copy-pair) squared-distance function, in the combination
// order ActivationDistance assumes.
func CombineCopies(p Pairing, nStruct int, distSq func(copyI, copyJ int) []float64) [][]float64 {
	var out [][]float64
	if p.SameChrom {
		n := len(p.CopyI)
		if len(p.CopyJ) < n {
			n = len(p.CopyJ)
		}
		for c := 0; c < n; c++ {
			out = append(out, distSq(p.CopyI[c], p.CopyJ[c]))
		}
		return out
	}
	for _, i0 := range p.CopyI {
		for _, i1 := range p.CopyJ {
			out = append(out, distSq(i0, i1))
		}
	}
	return out
}
