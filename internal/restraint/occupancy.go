package restraint

import "math"

// OccupancyMap is a voxelized binary density map: true where the
// nucleus (or another body) occupies space, for fitting beads to a
// density map loaded from a volume file instead of an idealized
// ellipsoid.
type OccupancyMap struct {
	Origin    Vec3
	VoxelSize float64
	Dims      [3]int
	Occupancy []bool // Dims[0]*Dims[1]*Dims[2], x-major
	effRadius float64
}

// NewOccupancyMap builds a map and precomputes the effective radius used
// by the Voxel restraint: the geometric mean of the semiaxes of the map's
// bounding box.
func NewOccupancyMap(origin Vec3, voxelSize float64, dims [3]int, occupancy []bool) *OccupancyMap {
	m := &OccupancyMap{Origin: origin, VoxelSize: voxelSize, Dims: dims, Occupancy: occupancy}
	a := float64(dims[0]) * voxelSize / 2
	b := float64(dims[1]) * voxelSize / 2
	c := float64(dims[2]) * voxelSize / 2
	m.effRadius = math.Cbrt(a * b * c)
	return m
}

// EffectiveRadius returns the geometric mean of the bounding box semiaxes.
func (m *OccupancyMap) EffectiveRadius() float64 { return m.effRadius }

// Occupied reports whether pos falls in an occupied voxel. Positions
// outside the map bounds are treated as unoccupied.
func (m *OccupancyMap) Occupied(pos Vec3) bool {
	idx, ok := m.voxelIndex(pos)
	if !ok {
		return false
	}
	return m.Occupancy[idx]
}

func (m *OccupancyMap) voxelIndex(pos Vec3) (int, bool) {
	rel := pos.Sub(m.Origin)
	ix := int(math.Floor(rel[0] / m.VoxelSize))
	iy := int(math.Floor(rel[1] / m.VoxelSize))
	iz := int(math.Floor(rel[2] / m.VoxelSize))
	if ix < 0 || iy < 0 || iz < 0 || ix >= m.Dims[0] || iy >= m.Dims[1] || iz >= m.Dims[2] {
		return 0, false
	}
	return (ix*m.Dims[1]+iy)*m.Dims[2] + iz, true
}
