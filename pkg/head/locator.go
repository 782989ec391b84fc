// Package head finds the tip of the worm's nose in a frame of neuron
// centroids and warns about unreliable time points.
//
// The worm is approximated by a family of local convex hulls of increasing
// generosity. The strictest hull concentrates on the densely packed head
// ganglia, so the displacement between hulls 1 and 2 orients the body axis;
// the most generous hull supplies the tip itself. Disagreement between the
// hulls, a small population or a worm touching the frame border raise
// quality flags but never prevent a result.
package head

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/hull"
	"wormfeatures/pkg/spatial"
)

// Params holds the head detection parameters.
type Params struct {
	// Levels is the hull schedule, strictest first. At least three levels
	// are required: 1 and 2 orient the worm, the last one finds the tip.
	Levels hull.Schedule

	// HeadThreshold is the largest allowed distance between the head tips
	// of hull 2 and the last hull before FlagHeadMismatch is raised.
	HeadThreshold float64

	// TailThreshold is the tail counterpart of HeadThreshold.
	TailThreshold float64

	// MinCentroids is the population below which FlagLowPopulation is raised.
	MinCentroids int

	// EdgeThreshold is the minimum clearance in pixels between the worm
	// boundary and the frame border.
	EdgeThreshold float64

	// CropMargin is added around the centroid bounding box for cropping.
	CropMargin int

	// GridStep is the sampling step of the hull blob approximation.
	GridStep float64
}

// ImageSize is the size of the frame the centroids were detected in. Depth
// may be zero for 2D data.
type ImageSize struct {
	Width, Height, Depth int
}

// Locator finds head positions.
type Locator struct {
	params Params
	logger *slog.Logger
}

// NewLocator validates params and returns a Locator. A nil logger means
// slog.Default().
func NewLocator(params Params, logger *slog.Logger) (*Locator, error) {
	if params.Levels.Len() < 3 {
		return nil, fmt.Errorf("%w: head detection needs 3 hull levels, got %d",
			models.ErrPrecondition, params.Levels.Len())
	}
	if params.GridStep <= 0 {
		params.GridStep = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{params: params, logger: logger}, nil
}

// Locate computes the head result for time point t. Bad data is reported
// through quality flags; an error is returned only for invalid input shapes.
func (l *Locator) Locate(t int, centroids models.PointCloud, size ImageSize) (models.HeadResult, error) {
	if size.Width <= 0 || size.Height <= 0 || size.Depth < 0 {
		return models.HeadResult{}, fmt.Errorf("%w: image size %+v", models.ErrPrecondition, size)
	}
	if centroids.Dims != 2 && centroids.Dims != 3 {
		return models.HeadResult{}, fmt.Errorf("%w: centroid dimensionality %d", models.ErrPrecondition, centroids.Dims)
	}
	log := l.logger.With("t", t)

	if centroids.Len() == 0 {
		log.Warn("no centroids, emitting sentinel head result")
		return models.HeadResult{
			Time:     t,
			Head:     models.NoPosition,
			Tail:     models.NoPosition,
			Centroid: models.NoPosition,
			Flags:    models.AllFlags,
			CropX:    [2]int{0, size.Width - 1},
			CropY:    [2]int{0, size.Height - 1},
			CropZ:    [2]int{0, max(size.Depth-1, 0)},
		}, nil
	}

	// Hulls are traced in the x-y plane.
	flat := make([]models.Point, centroids.Len())
	for i, p := range centroids.Points {
		flat[i] = models.Point{X: p.X, Y: p.Y}
	}
	cloud2D, err := models.NewPointCloud(2, flat)
	if err != nil {
		return models.HeadResult{}, err
	}
	ix, err := spatial.NewIndex(cloud2D)
	if err != nil {
		return models.HeadResult{}, err
	}

	n := l.params.Levels.Len()
	strict, err := hull.Approximate(ix, l.params.Levels.Level(1), l.params.GridStep)
	if err != nil {
		return models.HeadResult{}, err
	}
	middle, err := hull.Approximate(ix, l.params.Levels.Level(2), l.params.GridStep)
	if err != nil {
		return models.HeadResult{}, err
	}
	generous, err := hull.Approximate(ix, l.params.Levels.Level(n), l.params.GridStep)
	if err != nil {
		return models.HeadResult{}, err
	}
	log.Debug("hull approximations",
		"centroids", centroids.Len(),
		"hull1", len(strict.Region),
		"hull2", len(middle.Region),
		"hull3", len(generous.Region))

	var flags models.FlagSet

	axisSource := cloud2D.Points
	switch {
	case !middle.Empty():
		axisSource = middle.Region
	case !generous.Empty():
		axisSource = generous.Region
	}
	axis := principalAxis(axisSource)

	// The strict hull sits toward the dense head, so the shift from the
	// middle hull's centroid to the strict hull's centroid points headward.
	if !strict.Empty() && !middle.Empty() {
		shift := models.Centroid(strict.Region).Sub(models.Centroid(middle.Region))
		if shift.Dot(axis) < 0 {
			axis = axis.Scale(-1)
		}
	} else {
		flags = flags.Add(models.FlagHeadMismatch)
	}

	tipSource := cloud2D.Points
	if !generous.Empty() {
		tipSource = generous.Region
	}
	head, tail := extremes(tipSource, axis)

	if !middle.Empty() && !generous.Empty() {
		head2, tail2 := extremes(middle.Region, axis)
		if d := head2.Dist(head); d > l.params.HeadThreshold {
			flags = flags.Add(models.FlagHeadMismatch)
			log.Debug("head hull divergence", "distance", d)
		}
		if d := tail2.Dist(tail); d > l.params.TailThreshold {
			flags = flags.Add(models.FlagTailMismatch)
			log.Debug("tail hull divergence", "distance", d)
		}
	} else {
		flags = flags.Add(models.FlagHeadMismatch).Add(models.FlagTailMismatch)
	}

	if centroids.Len() < l.params.MinCentroids {
		flags = flags.Add(models.FlagLowPopulation)
	}

	boundary := generous.Vertices
	if len(boundary) == 0 {
		boundary = cloud2D.Points
	}
	if nearEdge(boundary, size, l.params.EdgeThreshold) {
		flags = flags.Add(models.FlagNearEdge)
	}

	if centroids.Dims == 3 {
		head.Z = nearestZ(centroids.Points, head)
		tail.Z = nearestZ(centroids.Points, tail)
	}

	// Theta is the direction of the head-to-tail axis.
	theta := math.Atan2(-axis.Y, -axis.X)

	result := models.HeadResult{
		Time:     t,
		Head:     head,
		Tail:     tail,
		Flags:    flags,
		Theta:    theta,
		Centroid: centroids.Centroid(),
	}
	result.CropX, result.CropY, result.CropZ = l.cropBounds(centroids, size)

	if !flags.Empty() {
		log.Warn("head result flagged", "flags", flags.String(), "head", head)
	}
	return result, nil
}

// principalAxis returns the unit direction of largest variance of pts in the
// x-y plane.
func principalAxis(pts []models.Point) models.Point {
	if len(pts) < 2 {
		return models.Point{X: 1}
	}
	data := mat.NewDense(len(pts), 2, nil)
	for i, p := range pts {
		data.Set(i, 0, p.X)
		data.Set(i, 1, p.Y)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return models.Point{X: 1}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are ascending, the last column is the major axis.
	v := models.Point{X: vecs.At(0, 1), Y: vecs.At(1, 1)}
	if n := v.Norm(); n > 0 {
		return v.Scale(1 / n)
	}
	return models.Point{X: 1}
}

// extremes returns the points of pts with the largest and smallest
// projection on axis. Ties keep the earliest point.
func extremes(pts []models.Point, axis models.Point) (hi, lo models.Point) {
	hi, lo = pts[0], pts[0]
	hiP, loP := pts[0].Dot(axis), pts[0].Dot(axis)
	for _, p := range pts[1:] {
		proj := p.Dot(axis)
		if proj > hiP {
			hi, hiP = p, proj
		}
		if proj < loP {
			lo, loP = p, proj
		}
	}
	return hi, lo
}

func nearEdge(boundary []models.Point, size ImageSize, threshold float64) bool {
	maxX := float64(size.Width-1) - threshold
	maxY := float64(size.Height-1) - threshold
	for _, p := range boundary {
		if p.X < threshold || p.Y < threshold || p.X > maxX || p.Y > maxY {
			return true
		}
	}
	return false
}

func nearestZ(pts []models.Point, target models.Point) float64 {
	best, bestD := 0.0, math.Inf(1)
	for _, p := range pts {
		dx, dy := p.X-target.X, p.Y-target.Y
		if d := dx*dx + dy*dy; d < bestD {
			best, bestD = p.Z, d
		}
	}
	return best
}

func (l *Locator) cropBounds(centroids models.PointCloud, size ImageSize) (cx, cy, cz [2]int) {
	lo, hi, _ := models.Bounds(centroids.Points)
	m := l.params.CropMargin
	cx = clampRange(int(math.Floor(lo.X))-m, int(math.Ceil(hi.X))+m, size.Width-1)
	cy = clampRange(int(math.Floor(lo.Y))-m, int(math.Ceil(hi.Y))+m, size.Height-1)
	if centroids.Dims == 3 && size.Depth > 0 {
		cz = clampRange(int(math.Floor(lo.Z))-m, int(math.Ceil(hi.Z))+m, size.Depth-1)
	} else {
		cz = [2]int{0, max(size.Depth-1, 0)}
	}
	return cx, cy, cz
}

func clampRange(lo, hi, limit int) [2]int {
	return [2]int{min(max(lo, 0), limit), min(max(hi, 0), limit)}
}
