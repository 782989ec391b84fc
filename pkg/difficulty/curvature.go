// Package difficulty scores how hard a deformable registration between two
// time points is likely to be. Scores are non-negative; larger is harder.
package difficulty

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/curve"
)

// Metric names reported in models.DifficultyScore.Metrics.
const (
	MetricResidualSum  = "residual_sum"
	MetricSegmentRMS   = "segment_rms"
	MetricRotationDeg  = "rotation_deg"
	MetricHSNDistance  = "hsn_distance"
	MetricNRDistance   = "nerve_ring_distance"
	MetricMovingFrame  = "moving_frame"
	MetricFixedFrame   = "fixed_frame"
	MetricSegmentCount = "segment_points"
)

// CurveDistance rigidly aligns the headpt..tailpt segment of c2 onto the same
// segment of c1 and returns the summed point distances over the points both
// curves share. Body parts that bent between the two frames stay misaligned
// and drive the score up.
func CurveDistance(c1, c2 models.WormCurve, headpt, tailpt int) (models.DifficultyScore, error) {
	if headpt < 0 || headpt >= tailpt {
		return models.DifficultyScore{}, fmt.Errorf("%w: curve indices head %d tail %d", models.ErrPrecondition, headpt, tailpt)
	}
	for _, c := range []models.WormCurve{c1, c2} {
		if c.Len() < tailpt+1 {
			return models.DifficultyScore{}, fmt.Errorf("%w: curve %s has %d points, tail index %d needs %d",
				models.ErrPrecondition, c.Key, c.Len(), tailpt, tailpt+1)
		}
	}

	fixed := c1.Points[headpt : tailpt+1]
	moving := c2.Points[headpt : tailpt+1]
	dims := 2
	for _, p := range append(append([]models.Point(nil), fixed...), moving...) {
		if p.Z != 0 {
			dims = 3
			break
		}
	}
	rot, mc, fc, err := kabsch(moving, fixed, dims)
	if err != nil {
		return models.DifficultyScore{}, err
	}
	apply := func(p models.Point) models.Point {
		d := p.Sub(mc)
		v := [3]float64{d.X, d.Y, d.Z}
		var out [3]float64
		for i := 0; i < dims; i++ {
			for j := 0; j < dims; j++ {
				out[i] += rot.At(i, j) * v[j]
			}
		}
		return models.Point{X: out[0], Y: out[1], Z: out[2]}.Add(fc)
	}

	var sum, segSq float64
	for i := 0; i < min(c1.Len(), c2.Len()); i++ {
		r := apply(c2.Points[i]).Dist(c1.Points[i])
		sum += r
		if i >= headpt && i <= tailpt {
			segSq += r * r
		}
	}
	n := tailpt - headpt + 1
	trace := 0.0
	for i := 0; i < dims; i++ {
		trace += rot.At(i, i)
	}
	var cos float64
	if dims == 2 {
		cos = trace / 2
	} else {
		cos = (trace - 1) / 2
	}
	angle := math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi

	return models.DifficultyScore{
		Value: sum,
		Metrics: map[string]float64{
			MetricResidualSum:  sum,
			MetricSegmentRMS:   math.Sqrt(segSq / float64(n)),
			MetricRotationDeg:  angle,
			MetricSegmentCount: float64(n),
		},
	}, nil
}

// kabsch returns the proper rotation that best maps the centred moving points
// onto the centred fixed points, together with both centroids.
func kabsch(moving, fixed []models.Point, dims int) (*mat.Dense, models.Point, models.Point, error) {
	mc, fc := models.Centroid(moving), models.Centroid(fixed)
	coords := func(p models.Point) []float64 { return []float64{p.X, p.Y, p.Z}[:dims] }

	a := mat.NewDense(len(moving), dims, nil)
	b := mat.NewDense(len(fixed), dims, nil)
	for i := range moving {
		a.SetRow(i, coords(moving[i].Sub(mc)))
		b.SetRow(i, coords(fixed[i].Sub(fc)))
	}
	var h mat.Dense
	h.Mul(a.T(), b)

	var svd mat.SVD
	if ok := svd.Factorize(&h, mat.SVDFull); !ok {
		return nil, mc, fc, fmt.Errorf("%w: curve alignment did not converge", models.ErrPrecondition)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Flip the weakest axis when the best orthogonal map is a reflection.
	var vu mat.Dense
	vu.Mul(&v, u.T())
	d := mat.NewDiagDense(dims, nil)
	for i := 0; i < dims; i++ {
		d.SetDiag(i, 1)
	}
	if mat.Det(&vu) < 0 {
		d.SetDiag(dims-1, -1)
	}
	var rot, vd mat.Dense
	vd.Mul(&v, d)
	rot.Mul(&vd, u.T())
	return &rot, mc, fc, nil
}

// HeadSource provides head results by time point.
type HeadSource interface {
	Head(t int) (models.HeadResult, error)
}

// VolumeSource provides intensity volumes by time point and channel.
type VolumeSource interface {
	Volume(t, channel int) (*models.Volume, error)
}

// CurvatureScorer scores pairs of time points by the change of the worm
// curve between them.
type CurvatureScorer struct {
	Model   *curve.Model
	Cache   *curve.Cache
	Heads   HeadSource
	Volumes VolumeSource

	// HeadPt and TailPt delimit the curve segment that is aligned.
	HeadPt, TailPt int

	// MaxFixedT is added to the moving time point when two recordings were
	// concatenated and the moving one is numbered from zero.
	MaxFixedT int

	Logger *slog.Logger
}

// Curve returns the curve for (t, channel), fitting it on a cache miss.
func (s *CurvatureScorer) Curve(t, channel int) (models.WormCurve, error) {
	key := models.CurveKey{Time: t, Channel: channel}
	return s.Cache.GetOrCompute(key, func() (models.WormCurve, error) {
		head, err := s.Heads.Head(t)
		if err != nil {
			return models.WormCurve{}, fmt.Errorf("head for %s: %w", key, err)
		}
		vol, err := s.Volumes.Volume(t, channel)
		if err != nil {
			return models.WormCurve{}, fmt.Errorf("volume for %s: %w", key, err)
		}
		return s.Model.Fit(key, head, vol)
	})
}

// Score returns the curvature difficulty between t1 and t2.
func (s *CurvatureScorer) Score(ctx context.Context, t1, t2, channel int) (models.DifficultyScore, error) {
	if err := ctx.Err(); err != nil {
		return models.DifficultyScore{}, err
	}
	t2 += s.MaxFixedT
	c1, err := s.Curve(t1, channel)
	if err != nil {
		return models.DifficultyScore{}, err
	}
	c2, err := s.Curve(t2, channel)
	if err != nil {
		return models.DifficultyScore{}, err
	}
	score, err := CurveDistance(c1, c2, s.HeadPt, s.TailPt)
	if err != nil {
		return models.DifficultyScore{}, err
	}
	score.Metrics[MetricFixedFrame] = float64(t1)
	score.Metrics[MetricMovingFrame] = float64(t2)
	if s.Logger != nil {
		s.Logger.Debug("curvature difficulty", "t1", t1, "t2", t2, "score", score.Value,
			"rotation_deg", score.Metrics[MetricRotationDeg])
	}
	return score, nil
}
