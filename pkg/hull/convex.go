// Package hull computes local convex hulls over sparse, noisy centroid
// clouds. A point is "locally enclosed" when it lies inside the convex hull of
// the centroids within a fixed distance of it; requiring a minimum number of
// such neighbours suppresses hull vertices created by isolated outliers.
package hull

import (
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"wormfeatures/internal/models"
)

// eps absorbs rounding in orientation tests so that points on a hull edge
// count as enclosed.
const eps = 1e-9

// cross returns the z component of (a-o) x (b-o)
func cross(o, a, b models.Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// Hull2D returns the convex hull of pts in the x-y plane as a counter-clockwise
// polygon without collinear vertices (Andrew's monotone chain). Fewer than
// three distinct non-collinear points yield a degenerate result of length < 3.
func Hull2D(pts []models.Point) []models.Point {
	if len(pts) < 3 {
		out := make([]models.Point, len(pts))
		copy(out, pts)
		return out
	}
	sorted := make([]models.Point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})

	hull := make([]models.Point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= eps {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= eps {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// insidePolygon reports whether p lies inside or on the counter-clockwise
// convex polygon poly.
func insidePolygon(p models.Point, poly []models.Point) bool {
	if len(poly) < 3 {
		return false
	}
	for i := range poly {
		a, b := poly[i], poly[(i+1)%len(poly)]
		if cross(a, b, p) < -eps {
			return false
		}
	}
	return true
}

// Contains reports whether p lies in the closed convex hull of pts. Fewer than
// three points in 2D, or four in 3D, never enclose anything; neither does a
// degenerate (collinear or coplanar) set.
func Contains(p models.Point, pts []models.Point, dims int) bool {
	switch dims {
	case 2:
		if len(pts) < 3 {
			return false
		}
		return insidePolygon(p, Hull2D(pts))
	case 3:
		if len(pts) < 4 {
			return false
		}
		return inHull3D(p, pts)
	default:
		return false
	}
}

// inHull3D checks whether p is a convex combination of pts by solving the
// feasibility problem
//
//	sum_i w_i (pts_i - p) = 0,  sum_i w_i = 1,  w >= 0
//
// with the simplex method. Translating to p keeps the right-hand side
// non-negative. Any solver failure (singular or zero-row systems from flat
// neighbourhoods) is reported as not enclosed.
func inHull3D(p models.Point, pts []models.Point) bool {
	n := len(pts)
	a := mat.NewDense(4, n, nil)
	for j, q := range pts {
		d := q.Sub(p)
		a.Set(0, j, d.X)
		a.Set(1, j, d.Y)
		a.Set(2, j, d.Z)
		a.Set(3, j, 1)
	}
	c := make([]float64, n)
	b := []float64{0, 0, 0, 1}
	_, _, err := lp.Simplex(c, a, b, 1e-10, nil)
	return err == nil
}
