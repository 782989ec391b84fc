package models

import "fmt"

// Volume is a 3D scalar intensity field for one (time, channel) pair
type Volume struct {
	// Data is the volume as a 1D array in row-major order (z*W*H + y*W + x)
	Data []float64

	// Width, Height, Depth are the dimensions of the volume in voxels
	Width, Height, Depth int

	// Spacing is the physical voxel size along x, y, z. Zero means unknown.
	Spacing [3]float64
}

// NewVolume allocates a zeroed volume of the given size.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Validate checks that the data slice matches the declared dimensions.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrPrecondition)
	}
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("%w: volume dimensions %dx%dx%d", ErrPrecondition, v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Width*v.Height*v.Depth {
		return fmt.Errorf("%w: volume has %d voxels, dimensions imply %d",
			ErrPrecondition, len(v.Data), v.Width*v.Height*v.Depth)
	}
	return nil
}

// Index returns the flat index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the intensity at voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores an intensity at voxel (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Contains reports whether (x, y, z) lies inside the volume.
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// Coord converts a flat index back to voxel coordinates.
func (v *Volume) Coord(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx % plane
	return rem % v.Width, rem / v.Width, z
}

// Mask is the boolean companion of a Volume. It is written during a single
// detection pass and treated as read-only afterwards.
type Mask struct {
	Data                 []bool
	Width, Height, Depth int
}

// NewMask allocates an all-false mask.
func NewMask(width, height, depth int) *Mask {
	return &Mask{
		Data:   make([]bool, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// At returns the mask value at voxel (x, y, z).
func (m *Mask) At(x, y, z int) bool {
	return m.Data[z*m.Width*m.Height+y*m.Width+x]
}

// Count returns the number of set voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// Points returns the voxel coordinates of every set voxel, in index order.
func (m *Mask) Points() []Point {
	var pts []Point
	plane := m.Width * m.Height
	for idx, b := range m.Data {
		if !b {
			continue
		}
		z := idx / plane
		rem := idx % plane
		pts = append(pts, Point{X: float64(rem % m.Width), Y: float64(rem / m.Width), Z: float64(z)})
	}
	return pts
}
