// Package genome describes the static identity of a diploid (or general
// multiploid) bead population: the ordered bead list and the derived
// copy-index that groups beads standing for copies of the same haploid
// locus.
package genome

import (
	"fmt"
	"sort"

	"github.com/biogo/store/interval"
	"github.com/grailbio/base/errors"
)

// Bead is the immutable identity of one spherical particle. Position is
// not part of Bead; it lives per-structure in the population tensor
// (see package bps).
type Bead struct {
	ID     int32
	Chrom  int32
	Start  int64
	End    int64
	Copy   int16
	Radius float64
}

// locusKey identifies the haploid locus a bead is a copy of: beads that
// share chrom/start/end are copies of the same locus, regardless of the
// order copies were listed in.
type locusKey struct {
	chrom      int32
	start, end int64
}

// Index is the ordered bead list for a population plus the derived
// copy-index mapping each haploid locus to the ordered bead ids that are
// copies of it.
type Index struct {
	Beads []Bead

	// CopyIndex maps locus id (an index into Loci) to the bead ids that
	// are copies of that locus, in order of first appearance.
	CopyIndex [][]int32

	// Loci lists the distinct loci in the order they were first seen.
	Loci []locusKey

	// locusOf maps bead id -> locus id, the inverse of CopyIndex.
	locusOf []int32

	// beadOf maps bead id -> slice offset in Beads (an identity map when
	// beads are dense and sorted by id; NewIndex rejects duplicate ids
	// but does not require either property).
	beadOf map[int32]int

	// trees backs RangeQuery (rangequery.go), built lazily on first use.
	trees map[int32]*interval.IntTree
}

// NewIndex builds an Index from a flat bead list and validates the
// partition invariant: every bead belongs to exactly one locus, and
// every copy of a locus shares (chrom, start, end, radius).
func NewIndex(beads []Bead) (*Index, error) {
	idx := &Index{
		Beads:  append([]Bead(nil), beads...),
		beadOf: make(map[int32]int, len(beads)),
	}
	locusID := make(map[locusKey]int)
	for pos, b := range idx.Beads {
		if _, dup := idx.beadOf[b.ID]; dup {
			return nil, errors.E(fmt.Sprintf("genome: duplicate bead id %d", b.ID))
		}
		idx.beadOf[b.ID] = pos

		key := locusKey{chrom: b.Chrom, start: b.Start, end: b.End}
		lid, ok := locusID[key]
		if !ok {
			lid = len(idx.Loci)
			locusID[key] = lid
			idx.Loci = append(idx.Loci, key)
			idx.CopyIndex = append(idx.CopyIndex, nil)
		} else {
			// All copies of a locus must agree on radius.
			first := idx.Beads[idx.beadOf[idx.CopyIndex[lid][0]]]
			if first.Radius != b.Radius {
				return nil, errors.E(fmt.Sprintf(
					"genome: locus (chrom=%d,start=%d,end=%d) has copies with differing radii: %v vs %v",
					key.chrom, key.start, key.end, first.Radius, b.Radius))
			}
		}
		idx.CopyIndex[lid] = append(idx.CopyIndex[lid], b.ID)
	}

	idx.locusOf = make([]int32, len(idx.Beads))
	for lid, copies := range idx.CopyIndex {
		for _, beadID := range copies {
			idx.locusOf[idx.beadOf[beadID]] = int32(lid)
		}
	}
	return idx, nil
}

// NumBeads returns the number of beads in the index.
func (idx *Index) NumBeads() int { return len(idx.Beads) }

// NumLoci returns the number of distinct haploid loci.
func (idx *Index) NumLoci() int { return len(idx.Loci) }

// Ploidy returns len(copy_index[locus]).
func (idx *Index) Ploidy(locus int) int { return len(idx.CopyIndex[locus]) }

// LocusOf returns the locus id that beadID is a copy of.
func (idx *Index) LocusOf(beadID int32) int32 {
	return idx.locusOf[idx.beadOf[beadID]]
}

// Bead returns the bead record for a bead id.
func (idx *Index) Bead(beadID int32) Bead {
	return idx.Beads[idx.beadOf[beadID]]
}

// SameChrom reports whether beads i and j (given as locus ids) lie on the
// same chromosome.
func (idx *Index) SameChrom(locusI, locusJ int) bool {
	return idx.Loci[locusI].chrom == idx.Loci[locusJ].chrom
}

// Consecutive reports whether beadID and the next bead id on the same
// chromosome and copy form a polymer bond, i.e. nextID's (chrom, copy)
// matches beadID's and nextID.Start == beadID.End. Used by the modeling
// engine to build intrinsic polymer-bond restraints.
func (idx *Index) Consecutive(beadID, nextID int32) bool {
	a, b := idx.Bead(beadID), idx.Bead(nextID)
	return a.Chrom == b.Chrom && a.Copy == b.Copy && a.End == b.Start
}

// ValidatePartition checks the invariant that copy_index partitions the
// bead set: every bead belongs to exactly one locus, and the union of
// all loci equals the full bead set exactly once each.
func (idx *Index) ValidatePartition() error {
	seen := make(map[int32]bool, len(idx.Beads))
	for lid, copies := range idx.CopyIndex {
		for _, beadID := range copies {
			if seen[beadID] {
				return errors.E(fmt.Sprintf("genome: bead %d assigned to more than one locus (locus %d)", beadID, lid))
			}
			seen[beadID] = true
		}
	}
	if len(seen) != len(idx.Beads) {
		return errors.E(fmt.Sprintf("genome: copy_index covers %d beads, expected %d", len(seen), len(idx.Beads)))
	}
	return nil
}

// SortedByStart returns bead ids for a chromosome/copy sorted by Start,
// used to derive consecutive polymer bonds when the input order isn't
// already sorted.
func (idx *Index) SortedByStart(chrom int32, copy int16) []int32 {
	var ids []int32
	for _, b := range idx.Beads {
		if b.Chrom == chrom && b.Copy == copy {
			ids = append(ids, b.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return idx.Bead(ids[i]).Start < idx.Bead(ids[j]).Start
	})
	return ids
}
