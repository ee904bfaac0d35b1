package restraint

import (
	"math"
	"testing"
)

func particlesAt(positions ...Vec3) []Particle {
	ps := make([]Particle, len(positions))
	for i, p := range positions {
		ps[i] = Particle{Pos: p, Radius: 100, Type: Normal}
	}
	return ps
}

func TestBoundUpperSatisfied(t *testing.T) {
	ps := particlesAt(Vec3{0, 0, 0}, Vec3{300, 0, 0})
	r := Bound{I: 0, J: 1, D: 400, K: 1}
	if got := r.Score(ps); got != 0 {
		t.Fatalf("expected 0 score for satisfied upper bound, got %v", got)
	}
	if got := r.ViolationRatio(ps); got != 0 {
		t.Fatalf("expected 0 violation ratio, got %v", got)
	}
}

func TestBoundUpperViolated(t *testing.T) {
	ps := particlesAt(Vec3{0, 0, 0}, Vec3{500, 0, 0})
	r := Bound{I: 0, J: 1, D: 400, K: 2}
	if got, want := r.Score(ps), 2*(500.0-400.0); got != want {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
	if got := r.ViolationRatio(ps); got <= 0 {
		t.Fatalf("expected positive violation ratio, got %v", got)
	}
}

func TestBoundLowerSymmetric(t *testing.T) {
	ps := particlesAt(Vec3{0, 0, 0}, Vec3{100, 0, 0})
	r := Bound{I: 0, J: 1, D: 400, K: 1, Lower: true}
	if got, want := r.Score(ps), 400.0-100.0; got != want {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
}

func TestEVNoOverlap(t *testing.T) {
	ps := particlesAt(Vec3{0, 0, 0}, Vec3{300, 0, 0})
	r := EV{Particles: []int{0, 1}, EVFactor: 1}
	if got := r.Score(ps); got != 0 {
		t.Fatalf("expected no EV penalty beyond cutoff, got %v", got)
	}
}

func TestEVOverlapMatchesCutoffOverPiSquaredAmplitude(t *testing.T) {
	ps := particlesAt(Vec3{0, 0, 0}, Vec3{150, 0, 0})
	r := EV{Particles: []int{0, 1}, EVFactor: 2}
	cutoff := 200.0 // radius 100 + radius 100
	dist := 150.0
	want := 2 * (cutoff / math.Pi) * (cutoff / math.Pi) * (cutoff - dist)
	if got := r.Score(ps); got != want {
		t.Fatalf("Score() = %v, want %v (evfactor*(cutoff/pi)^2*(cutoff-dist))", got, want)
	}
	if got := r.ViolationRatio(ps); got != 1 {
		t.Fatalf("expected full violation ratio for the only pair, got %v", got)
	}
}

func TestEVScalesWithEVFactor(t *testing.T) {
	ps := particlesAt(Vec3{0, 0, 0}, Vec3{150, 0, 0})
	lo := EV{Particles: []int{0, 1}, EVFactor: 1}.Score(ps)
	hi := EV{Particles: []int{0, 1}, EVFactor: 3}.Score(ps)
	if hi != 3*lo {
		t.Fatalf("expected Score to scale linearly with EVFactor, got lo=%v hi=%v", lo, hi)
	}
}

func TestEllipsoidContainment(t *testing.T) {
	r := Ellipsoid{Particles: []int{0}, Center: Vec3{}, Semiaxes: Vec3{1000, 1000, 1000}, K: 1}
	inside := particlesAt(Vec3{0, 0, 0})
	if got := r.Score(inside); got != 0 {
		t.Fatalf("expected 0 score for well-contained bead, got %v", got)
	}
	outside := particlesAt(Vec3{2000, 0, 0})
	if got := r.Score(outside); got <= 0 {
		t.Fatalf("expected positive score for bead outside envelope, got %v", got)
	}
}

func TestEllipsoidNegativeKIsRepulsive(t *testing.T) {
	r := Ellipsoid{Particles: []int{0}, Center: Vec3{}, Semiaxes: Vec3{200, 200, 200}, K: -1}
	inside := particlesAt(Vec3{0, 0, 0})
	if got := r.Score(inside); got <= 0 {
		t.Fatalf("expected positive score: negative-k envelope pushes beads out of the shrunk radius, got %v", got)
	}
	outside := particlesAt(Vec3{900, 0, 0})
	if got := r.Score(outside); got != 0 {
		t.Fatalf("expected 0 score outside for a negative-k (repulsive) envelope, got %v", got)
	}
}

func TestBodyExcludedVolume(t *testing.T) {
	r := Body{Particles: []int{0}, Center: Vec3{0, 0, 0}, BodyRadius: 300, K: 1}
	inside := particlesAt(Vec3{50, 0, 0})
	if got := r.Score(inside); got <= 0 {
		t.Fatalf("expected positive score for bead inside excluded body, got %v", got)
	}
	outside := particlesAt(Vec3{1000, 0, 0})
	if got := r.Score(outside); got != 0 {
		t.Fatalf("expected 0 score for bead outside excluded body, got %v", got)
	}
}
