package genome

import (
	"sort"

	"github.com/biogo/store/interval"
)

// beadInterval adapts one bead's (start,end) range to
// biogo/store/interval.IntInterface so Index can back RangeQuery with an
// interval tree instead of a linear scan.
type beadInterval struct {
	start, end int
	id         uintptr
}

func (b beadInterval) Overlap(r interval.IntRange) bool { return b.start < r.End && r.Start < b.end }
func (b beadInterval) ID() uintptr                      { return b.id }
func (b beadInterval) Range() interval.IntRange {
	return interval.IntRange{Start: b.start, End: b.end}
}
func (b beadInterval) String() string { return "" }

// buildTrees groups beads by chromosome and inserts each into its own
// interval tree, so RangeQuery never has to scan beads on unrelated
// chromosomes.
func buildTrees(beads []Bead) map[int32]*interval.IntTree {
	trees := make(map[int32]*interval.IntTree)
	for _, b := range beads {
		t, ok := trees[b.Chrom]
		if !ok {
			t = &interval.IntTree{}
			trees[b.Chrom] = t
		}
		// Insert errors only on malformed ranges (end <= start), which
		// NewIndex's caller is responsible for not producing; ignoring
		// here mirrors biogo's own insert-then-AdjustRanges idiom where
		// a bad interval is simply excluded from range queries rather
		// than failing index construction.
		_ = t.Insert(beadInterval{start: int(b.Start), end: int(b.End), id: uintptr(b.ID)}, true)
	}
	for _, t := range trees {
		t.AdjustRanges()
	}
	return trees
}

// RangeQuery returns the ids of every bead on chrom whose [start,end)
// overlaps the query range, ascending by start position. Every copy of
// the chromosome is included; the order among beads with equal start
// positions is not defined. Polymer-bond construction in internal/model
// does not use it: it pairs each bead id with the next id.
func (idx *Index) RangeQuery(chrom int32, start, end int64) []int32 {
	if idx.trees == nil {
		idx.trees = buildTrees(idx.Beads)
	}
	t, ok := idx.trees[chrom]
	if !ok {
		return nil
	}
	hits := t.Get(beadInterval{start: int(start), end: int(end)})
	ids := make([]int32, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, int32(h.ID()))
	}
	sort.Slice(ids, func(i, j int) bool {
		return idx.Bead(ids[i]).Start < idx.Bead(ids[j]).Start
	})
	return ids
}
