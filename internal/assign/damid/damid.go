// Package damid implements the DamID Assignment Engine: the
// single-locus analogue of the Hi-C engine, correcting each locus's
// activation distance to the (shrunk) nuclear envelope against the
// population's current radial distribution.
//
// ActivationDistance and its normalized-radial-distance helpers are
// pure functions over already-extracted coordinates.
package damid

import (
	"math"
	"sort"

	"github.com/alberlab/igm3d/internal/assign"
)

// Row is one activation-distance output record for a single bead copy.
type Row struct {
	Bead int
	Dist float64
	Prob float64
}

// ActivationDistance computes the activation-distance rows for one
// locus. normSq holds the normalized squared radial
// distance to the shrunk envelope (see NormalizedRadialSquaredSphere/
// Ellipsoid) for every copy and structure, grouped by copy:
// normSq[c*nStruct : (c+1)*nStruct] are structure 0..nStruct-1's
// values for copyBeads[c].
func ActivationDistance(copyBeads []int, normSq []float64, nStruct int, pWish, pLast float64) []Row {
	if nStruct <= 0 || len(copyBeads) == 0 || len(normSq) != len(copyBeads)*nStruct {
		return nil
	}
	nCopies := len(copyBeads)

	sorted := append([]float64(nil), normSq...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	contacts := 0
	for _, v := range sorted {
		if v >= 1.0 {
			contacts++
		}
	}
	pNow := float64(contacts) / float64(nCopies*nStruct)

	t := assign.Clean(pNow, pLast)
	pNew := assign.Clean(pWish, t)

	// Sentinel for "no restraint this round": a distance no bead could
	// ever satisfy.
	dAct := 2.0
	if pNew > 0 {
		last := nCopies*nStruct - 1
		o := int(math.Round(float64(nCopies*nStruct) * pNew))
		if o > last {
			o = last
		}
		dAct = math.Sqrt(sorted[o])
	}

	rows := make([]Row, nCopies)
	for i, bead := range copyBeads {
		rows[i] = Row{Bead: bead, Dist: dAct, Prob: pNew}
	}
	return rows
}

// NormalizedRadialSquaredSphere computes the normalized squared radial
// distance to a spherical envelope shell of radius shellRadius (already
// scaled by 1 - contact_range), normalized so 1.0 means the bead
// surface touches the shrunk envelope.
func NormalizedRadialSquaredSphere(x [3]float64, shellRadius, beadRadius float64) float64 {
	r := shellRadius - beadRadius
	return (x[0]*x[0] + x[1]*x[1] + x[2]*x[2]) / (r * r)
}

// NormalizedRadialSquaredEllipsoid is the ellipsoidal-envelope analogue
// of NormalizedRadialSquaredSphere, semiaxes already (1-contact_range)-scaled.
func NormalizedRadialSquaredEllipsoid(x [3]float64, semiaxes [3]float64, beadRadius float64) float64 {
	a := semiaxes[0] - beadRadius
	b := semiaxes[1] - beadRadius
	c := semiaxes[2] - beadRadius
	return x[0]*x[0]/(a*a) + x[1]*x[1]/(b*b) + x[2]*x[2]/(c*c)
}
