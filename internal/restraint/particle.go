// Package restraint implements the Restraint Model: an in-memory
// description of the forces acting on one structure, independent of the
// kernel that ultimately minimizes them.
package restraint

import "math"

// Vec3 is a position or displacement in nuclear coordinates (nanometers).
type Vec3 [3]float64

// Sub returns a-b.
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

// Add returns a+b.
func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

// Scale returns a*s.
func (a Vec3) Scale(s float64) Vec3 { return Vec3{a[0] * s, a[1] * s, a[2] * s} }

// Norm returns the Euclidean length of a.
func (a Vec3) Norm() float64 {
	return math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
}

// DistSq returns the squared distance between a and b.
func (a Vec3) DistSq(b Vec3) float64 {
	d := a.Sub(b)
	return d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
}

// Dist returns the distance between a and b.
func (a Vec3) Dist(b Vec3) float64 {
	return math.Sqrt(a.DistSq(b))
}

// ParticleType mirrors the IGM Particle.NORMAL / DUMMY_STATIC /
// DUMMY_DYNAMIC kinds: normal beads carry excluded volume and polymer
// bonds, static dummies are fixed reference points (e.g. envelope
// centers), dynamic centroids (SPRITE) are massless particles whose
// position is optimized along with everything else but that never
// collide with other particles.
type ParticleType int

const (
	Normal ParticleType = iota
	StaticDummy
	DynamicCentroid
)

// Particle is one point mass handed to the kernel. Position is mutated
// in place by the kernel on relaxation.
type Particle struct {
	Pos    Vec3
	Radius float64
	Type   ParticleType
	Chain  int32 // chromosome/copy id, used by the kernel to group bonded chains
}
