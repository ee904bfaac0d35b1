package genome

import "testing"

func diploidBeads() []Bead {
	return []Bead{
		{ID: 0, Chrom: 0, Start: 0, End: 100, Copy: 0, Radius: 50},
		{ID: 1, Chrom: 0, Start: 100, End: 200, Copy: 0, Radius: 50},
		{ID: 2, Chrom: 0, Start: 0, End: 100, Copy: 1, Radius: 50},
		{ID: 3, Chrom: 0, Start: 100, End: 200, Copy: 1, Radius: 50},
	}
}

func TestNewIndexPartition(t *testing.T) {
	idx, err := NewIndex(diploidBeads())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.ValidatePartition(); err != nil {
		t.Fatal(err)
	}
	if idx.NumLoci() != 2 {
		t.Fatalf("expected 2 loci for a diploid 2-locus chromosome, got %d", idx.NumLoci())
	}
	for lid := 0; lid < idx.NumLoci(); lid++ {
		if idx.Ploidy(lid) != 2 {
			t.Fatalf("locus %d: expected ploidy 2, got %d", lid, idx.Ploidy(lid))
		}
	}
}

func TestLocusOfAndConsecutive(t *testing.T) {
	idx, err := NewIndex(diploidBeads())
	if err != nil {
		t.Fatal(err)
	}
	if idx.LocusOf(0) != idx.LocusOf(2) {
		t.Fatalf("beads 0 and 2 are copies of the same locus")
	}
	if !idx.Consecutive(0, 1) {
		t.Fatalf("beads 0,1 should be consecutive on the same chromosome copy")
	}
	if idx.Consecutive(0, 2) {
		t.Fatalf("beads 0,2 are different copies, not consecutive")
	}
}

func TestNewIndexRejectsDuplicateID(t *testing.T) {
	beads := diploidBeads()
	beads = append(beads, Bead{ID: 0, Chrom: 1, Start: 0, End: 50, Radius: 10})
	if _, err := NewIndex(beads); err == nil {
		t.Fatal("expected an error for duplicate bead id")
	}
}

func TestNewIndexRejectsMismatchedRadius(t *testing.T) {
	beads := []Bead{
		{ID: 0, Chrom: 0, Start: 0, End: 100, Copy: 0, Radius: 50},
		{ID: 1, Chrom: 0, Start: 0, End: 100, Copy: 1, Radius: 60},
	}
	if _, err := NewIndex(beads); err == nil {
		t.Fatal("expected an error for copies of a locus with differing radii")
	}
}
