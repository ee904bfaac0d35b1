package hic

import "testing"

func TestActivationDistanceSameChromPairsCopyForCopy(t *testing.T) {
	p := Pairing{CopyI: []int{0, 1}, CopyJ: []int{10, 11}, SameChrom: true}
	// 2 structures, 2 combinations; combination 0 (copy pair 0) is
	// close in both structures, combination 1 is far.
	dSq := [][]float64{
		{1.0, 1.0},
		{100.0, 100.0},
	}
	rows := ActivationDistance(p, dSq, 1.0, 0.0, 1.0, 0.5, 0.5)
	if len(rows) != 2 {
		t.Fatalf("expected one row per paired copy, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Row != p.CopyI[i] || r.Col != p.CopyJ[i] {
			t.Fatalf("expected copy-for-copy pairing, got %+v", r)
		}
	}
}

func TestActivationDistanceCrossChromCombinesEveryCopy(t *testing.T) {
	p := Pairing{CopyI: []int{0, 1}, CopyJ: []int{10, 11}, SameChrom: false}
	dSq := [][]float64{
		{1.0, 1.0},
		{2.0, 2.0},
		{3.0, 3.0},
		{4.0, 4.0},
	}
	rows := ActivationDistance(p, dSq, 1.0, 0.0, 2.0, 1.0, 1.0)
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows (every copy combination), got %d", len(rows))
	}
}

func TestActivationDistanceZeroWishYieldsNoRows(t *testing.T) {
	p := Pairing{CopyI: []int{0}, CopyJ: []int{1}, SameChrom: true}
	dSq := [][]float64{{100.0, 100.0}}
	rows := ActivationDistance(p, dSq, 0.0, 0.0, 1.0, 0.5, 0.5)
	if rows != nil {
		t.Fatalf("expected no rows for pWish=0, got %v", rows)
	}
}

func TestCombineCopiesOrdering(t *testing.T) {
	p := Pairing{CopyI: []int{0, 1}, CopyJ: []int{10, 11}, SameChrom: false}
	var calls [][2]int
	out := CombineCopies(p, 1, func(i, j int) []float64 {
		calls = append(calls, [2]int{i, j})
		return []float64{float64(i + j)}
	})
	if len(out) != 4 || len(calls) != 4 {
		t.Fatalf("expected 4 combinations, got %d", len(out))
	}
	if calls[0] != [2]int{0, 10} || calls[3] != [2]int{1, 11} {
		t.Fatalf("unexpected combination order: %v", calls)
	}
}
