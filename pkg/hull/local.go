package hull

import (
	"fmt"
	"math"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/spatial"
)

// InLocalHull reports whether p lies inside the convex hull of the indexed
// centroids within maxD of p.
func InLocalHull(p models.Point, ix *spatial.Index, maxD float64) (bool, error) {
	nbrs, err := ix.PointsWithin(p, maxD)
	if err != nil {
		return false, err
	}
	return Contains(p, nbrs, ix.Dims()), nil
}

// Approximation is the blob approximation of the worm at one hull level.
type Approximation struct {
	Level    Level
	MinCount int

	// Region holds the sample points that are locally enclosed and have at
	// least MinCount centroids within Level.MaxDistance.
	Region []models.Point

	// Vertices holds the centroids that qualify at this level and are
	// vertices of their own neighbourhood hull, a boundary trace of the worm
	// that ignores sparse outliers.
	Vertices []models.Point
}

// Empty reports whether no sample point qualified.
func (a Approximation) Empty() bool { return len(a.Region) == 0 }

// Approximate samples the bounding box of the indexed 2D centroids on a grid
// of the given step and keeps the points that qualify at level.
func Approximate(ix *spatial.Index, level Level, step float64) (Approximation, error) {
	if ix.Dims() != 2 {
		return Approximation{}, fmt.Errorf("%w: blob approximation needs a 2D index, got %dD",
			models.ErrPrecondition, ix.Dims())
	}
	if step <= 0 {
		return Approximation{}, fmt.Errorf("%w: grid step %v", models.ErrPrecondition, step)
	}
	approx := Approximation{Level: level, MinCount: level.MinCount(ix.Len())}
	lo, hi, ok := models.Bounds(ix.Cloud().Points)
	if !ok {
		return approx, nil
	}
	// A local hull never leaves the bounding box of the cloud.
	for y := math.Floor(lo.Y); y <= math.Ceil(hi.Y); y += step {
		for x := math.Floor(lo.X); x <= math.Ceil(hi.X); x += step {
			p := models.Point{X: x, Y: y}
			nbrs, err := ix.PointsWithin(p, level.MaxDistance)
			if err != nil {
				return Approximation{}, err
			}
			if len(nbrs) < approx.MinCount {
				continue
			}
			if Contains(p, nbrs, 2) {
				approx.Region = append(approx.Region, p)
			}
		}
	}
	verts, err := LocalHull(ix, level)
	if err != nil {
		return Approximation{}, err
	}
	approx.Vertices = verts
	return approx, nil
}

// LocalHull filters the indexed centroids down to those whose neighbourhood
// within level.MaxDistance is dense enough and which are vertices of that
// neighbourhood's convex hull.
func LocalHull(ix *spatial.Index, level Level) ([]models.Point, error) {
	minCount := level.MinCount(ix.Len())
	var out []models.Point
	for i := 0; i < ix.Len(); i++ {
		c := ix.Point(i)
		nbrs, err := ix.PointsWithin(c, level.MaxDistance)
		if err != nil {
			return nil, err
		}
		if len(nbrs) < minCount || len(nbrs) < 3 {
			continue
		}
		if isVertex(c, nbrs, ix.Dims()) {
			out = append(out, c)
		}
	}
	return out, nil
}

// isVertex reports whether c is an extreme point of pts, i.e. not enclosed
// by the hull of the remaining points.
func isVertex(c models.Point, pts []models.Point, dims int) bool {
	others := make([]models.Point, 0, len(pts))
	for _, p := range pts {
		if p != c {
			others = append(others, p)
		}
	}
	return !Contains(c, others, dims)
}
