package genome

import "testing"

func TestRangeQueryFindsOverlappingBeadsOnlyOnRequestedChrom(t *testing.T) {
	beads := append(diploidBeads(), Bead{ID: 4, Chrom: 1, Start: 50, End: 150, Copy: 0, Radius: 50})
	idx, err := NewIndex(beads)
	if err != nil {
		t.Fatal(err)
	}
	// Both copies lie on chrom 0: beads 0 and 2 span [0,100), beads 1
	// and 3 span [100,200), and all four overlap [50,150).
	got := idx.RangeQuery(0, 50, 150)
	want := map[int32]bool{0: true, 1: true, 2: true, 3: true}
	if len(got) != 4 || !want[got[0]] || !want[got[1]] || !want[got[2]] || !want[got[3]] ||
		idx.Bead(got[1]).Start != 0 || idx.Bead(got[2]).Start != 100 {
		t.Fatalf("expected beads 0 and 2 then 1 and 3 on chrom 0, got %v", got)
	}
	if got := idx.RangeQuery(1, 0, 200); len(got) != 1 || got[0] != 4 {
		t.Fatalf("expected bead 4 on chrom 1, got %v", got)
	}
}

func TestRangeQueryUnknownChromIsEmptyNotError(t *testing.T) {
	idx, err := NewIndex(diploidBeads())
	if err != nil {
		t.Fatal(err)
	}
	if got := idx.RangeQuery(99, 0, 100); len(got) != 0 {
		t.Fatalf("expected no hits for an unknown chromosome, got %v", got)
	}
}
