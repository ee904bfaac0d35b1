package damid

import "testing"

func TestActivationDistanceAllBeyondEnvelopeGivesMaxProb(t *testing.T) {
	copyBeads := []int{5, 6}
	normSq := []float64{1.5, 1.5, 1.5, 1.5} // 2 copies x 2 structures, all beyond the shell
	rows := ActivationDistance(copyBeads, normSq, 2, 1.0, 0.0)
	if len(rows) != 2 {
		t.Fatalf("expected one row per copy, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Prob != 1.0 {
			t.Fatalf("expected prob 1.0, got %v", r.Prob)
		}
	}
}

func TestActivationDistanceZeroWishYieldsSentinelDistance(t *testing.T) {
	copyBeads := []int{1}
	normSq := []float64{0.1, 0.2}
	rows := ActivationDistance(copyBeads, normSq, 2, 0.0, 0.0)
	if len(rows) != 1 || rows[0].Dist != 2.0 || rows[0].Prob != 0 {
		t.Fatalf("expected sentinel distance 2.0 and prob 0, got %+v", rows)
	}
}

func TestActivationDistanceRejectsMismatchedLengths(t *testing.T) {
	if rows := ActivationDistance([]int{1, 2}, []float64{1, 2, 3}, 2, 1, 0); rows != nil {
		t.Fatalf("expected nil for a malformed normSq, got %v", rows)
	}
}

func TestNormalizedRadialSquaredSphereTouchingSurfaceIsOne(t *testing.T) {
	got := NormalizedRadialSquaredSphere([3]float64{9, 0, 0}, 10, 1) // shell-bead = 9
	if diff := got - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 1.0 at the shrunk envelope surface, got %v", got)
	}
}
