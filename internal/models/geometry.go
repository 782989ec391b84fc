package models

import (
	"fmt"
	"math"
)

// Point is a coordinate in image space. Two-dimensional points keep Z at zero.
type Point struct {
	X, Y, Z float64
}

// NoPosition marks a location that could not be determined. Image coordinates
// are never negative, so it cannot collide with a real detection.
var NoPosition = Point{X: -1, Y: -1, Z: -1}

// Add returns p + q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y, p.Z + q.Z} }

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y, p.Z - q.Z} }

// Scale returns p scaled by k.
func (p Point) Scale(k float64) Point { return Point{p.X * k, p.Y * k, p.Z * k} }

// Dot returns the dot product of p and q.
func (p Point) Dot(q Point) float64 { return p.X*q.X + p.Y*q.Y + p.Z*q.Z }

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 { return math.Sqrt(p.Dot(p)) }

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 { return p.Sub(q).Norm() }

// Dist2 returns the squared Euclidean distance between p and q.
func (p Point) Dist2(q Point) float64 {
	d := p.Sub(q)
	return d.Dot(d)
}

// IsNoPosition reports whether p is the NoPosition sentinel.
func (p Point) IsNoPosition() bool { return p == NoPosition }

func (p Point) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// PointCloud is an ordered set of points of a single dimensionality. Order
// carries no meaning beyond stable indexing.
type PointCloud struct {
	// Dims is 2 or 3
	Dims   int
	Points []Point
}

// NewPointCloud builds a cloud of the given dimensionality. Two-dimensional
// clouds have their Z coordinates zeroed.
func NewPointCloud(dims int, points []Point) (PointCloud, error) {
	if dims != 2 && dims != 3 {
		return PointCloud{}, fmt.Errorf("%w: point cloud dimensionality %d (want 2 or 3)", ErrPrecondition, dims)
	}
	pts := make([]Point, len(points))
	copy(pts, points)
	if dims == 2 {
		for i := range pts {
			pts[i].Z = 0
		}
	}
	return PointCloud{Dims: dims, Points: pts}, nil
}

// Len returns the number of points in the cloud.
func (c PointCloud) Len() int { return len(c.Points) }

// Centroid returns the arithmetic mean of the cloud. An empty cloud yields
// NoPosition.
func (c PointCloud) Centroid() Point {
	return Centroid(c.Points)
}

// Centroid returns the mean of pts, or NoPosition when pts is empty.
func Centroid(pts []Point) Point {
	if len(pts) == 0 {
		return NoPosition
	}
	var sum Point
	for _, p := range pts {
		sum = sum.Add(p)
	}
	return sum.Scale(1 / float64(len(pts)))
}

// Bounds returns the axis-aligned bounding box of pts. ok is false for an
// empty slice.
func Bounds(pts []Point) (lo, hi Point, ok bool) {
	if len(pts) == 0 {
		return Point{}, Point{}, false
	}
	lo, hi = pts[0], pts[0]
	for _, p := range pts[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		lo.Z = math.Min(lo.Z, p.Z)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
		hi.Z = math.Max(hi.Z, p.Z)
	}
	return lo, hi, true
}
