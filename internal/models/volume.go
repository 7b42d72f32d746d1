package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// gridTolerance is the largest difference between two grid coordinates that is
// still considered equal. Headers round-trip through text, so exact float
// equality is too strict.
const gridTolerance = 1e-6

// Grid is the spatial grid of a volumetric raster: how voxel indices map to
// physical (patient) space.
type Grid struct {
	// Space is the anatomical space the grid lives in, e.g. "left-posterior-superior"
	Space string

	// Sizes is the number of voxels along each axis (fastest axis first)
	Sizes [3]int

	// Origin is the physical position of the center of voxel (0,0,0) in mm
	Origin [3]float64

	// Directions holds one vector per axis. The length of each vector is the
	// voxel spacing along that axis.
	Directions [3][3]float64
}

// NewAxisAlignedGrid builds a grid whose axes are aligned with patient space.
func NewAxisAlignedGrid(sizes [3]int, spacing, origin [3]float64) Grid {
	g := Grid{Space: "left-posterior-superior", Sizes: sizes, Origin: origin}
	for i := 0; i < 3; i++ {
		g.Directions[i][i] = spacing[i]
	}
	return g
}

// Spacing returns the voxel size along each axis in mm
func (g Grid) Spacing() [3]float64 {
	var s [3]float64
	for i, d := range g.Directions {
		s[i] = floats.Norm(d[:], 2)
	}
	return s
}

// NumVoxels returns the number of voxels covered by the grid
func (g Grid) NumVoxels() int {
	return g.Sizes[0] * g.Sizes[1] * g.Sizes[2]
}

// SameDims reports whether both grids have the same number of voxels per axis.
func (g Grid) SameDims(o Grid) bool {
	return g.Sizes == o.Sizes
}

// SameSpacing reports whether both grids have the same voxel spacing.
func (g Grid) SameSpacing(o Grid) bool {
	a, b := g.Spacing(), o.Spacing()
	for i := range a {
		if !near(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether the grids are identical: dimensions, origin and
// direction vectors.
func (g Grid) Equal(o Grid) bool {
	if !g.SameDims(o) {
		return false
	}
	if !floats.EqualApprox(g.Origin[:], o.Origin[:], gridTolerance) {
		return false
	}
	return mat.EqualApprox(g.directionMatrix(), o.directionMatrix(), gridTolerance)
}

// SameOrientation reports whether both grids point their axes the same way,
// ignoring spacing.
func (g Grid) SameOrientation(o Grid) bool {
	a, b := g.directionMatrix(), o.directionMatrix()
	unit := func(m *mat.Dense) {
		for i := 0; i < 3; i++ {
			row := m.RawRowView(i)
			if n := floats.Norm(row, 2); n > 0 {
				floats.Scale(1/n, row)
			}
		}
	}
	unit(a)
	unit(b)
	return mat.EqualApprox(a, b, gridTolerance)
}

// directionMatrix has one row per axis direction vector
func (g Grid) directionMatrix() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		m.SetRow(i, g.Directions[i][:])
	}
	return m
}

func (g Grid) String() string {
	s := g.Spacing()
	return fmt.Sprintf("dim=%dx%dx%d spacing=%gx%gx%g origin=(%g,%g,%g)",
		g.Sizes[0], g.Sizes[1], g.Sizes[2], s[0], s[1], s[2], g.Origin[0], g.Origin[1], g.Origin[2])
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= gridTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Volume is an integer-valued 3D raster. It is used for label volumes and
// binary masks; intensity images (CT) are never loaded into memory, only
// their headers are read.
type Volume struct {
	// Grid is the spatial grid of the raster
	Grid Grid

	// Data holds the voxel values with x varying fastest, then y, then z
	Data []int32
}

// NewVolume allocates a zero-filled volume on the given grid
func NewVolume(grid Grid) *Volume {
	return &Volume{Grid: grid, Data: make([]int32, grid.NumVoxels())}
}

// Index returns the position of voxel (x,y,z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Grid.Sizes[0]*v.Grid.Sizes[1] + y*v.Grid.Sizes[0] + x
}

// Count returns the number of voxels whose value equals label
func (v *Volume) Count(label int32) int {
	n := 0
	for _, val := range v.Data {
		if val == label {
			n++
		}
	}
	return n
}

// NonZero returns the number of voxels with a non-zero value
func (v *Volume) NonZero() int {
	return len(v.Data) - v.Count(0)
}
