package difficulty

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/curve"
)

// arc returns a gently curved 10-point worm curve
func arc() models.WormCurve {
	pts := make([]models.Point, 10)
	for i := range pts {
		x := float64(i) * 20
		pts[i] = models.Point{X: 100 + x, Y: 200 + 0.002*x*x}
	}
	return models.WormCurve{Points: pts}
}

func transform(c models.WormCurve, deg float64, shift models.Point) models.WormCurve {
	s, co := math.Sin(deg*math.Pi/180), math.Cos(deg*math.Pi/180)
	out := models.WormCurve{Key: c.Key, Points: make([]models.Point, c.Len())}
	for i, p := range c.Points {
		out.Points[i] = models.Point{X: co*p.X - s*p.Y + shift.X, Y: s*p.X + co*p.Y + shift.Y}
	}
	return out
}

func TestCurveDistanceIdentical(t *testing.T) {
	score, err := CurveDistance(arc(), arc(), 4, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0, score.Value, 1e-9)
	assert.InDelta(t, 0, score.Metrics[MetricRotationDeg], 1e-6)
}

func TestCurveDistanceIgnoresRigidMotion(t *testing.T) {
	moved := transform(arc(), 35, models.Point{X: -40, Y: 75})
	score, err := CurveDistance(arc(), moved, 4, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0, score.Value, 1e-6)
	assert.InDelta(t, 35, score.Metrics[MetricRotationDeg], 1e-6)
	assert.InDelta(t, 0, score.Metrics[MetricSegmentRMS], 1e-6)
}

func TestCurveDistanceGrowsWithBending(t *testing.T) {
	bend := func(amount float64) models.WormCurve {
		c := arc()
		for i := 8; i < c.Len(); i++ {
			c.Points[i].Y += amount * float64(i-7)
		}
		for i := 0; i < 3; i++ {
			c.Points[i].Y -= amount * float64(3-i)
		}
		return c
	}
	small, err := CurveDistance(arc(), bend(5), 4, 7)
	require.NoError(t, err)
	large, err := CurveDistance(arc(), bend(20), 4, 7)
	require.NoError(t, err)

	assert.Greater(t, small.Value, 0.0)
	assert.Greater(t, large.Value, small.Value)
	// The aligned segment itself did not bend.
	assert.InDelta(t, 0, large.Metrics[MetricSegmentRMS], 1e-6)
}

func TestCurveDistanceThreeDimensional(t *testing.T) {
	c1 := arc()
	for i := range c1.Points {
		c1.Points[i].Z = float64(i * i)
	}
	c2 := models.WormCurve{Points: make([]models.Point, c1.Len())}
	for i, p := range c1.Points {
		// 90 degrees about z, then a shift
		c2.Points[i] = models.Point{X: -p.Y + 3, Y: p.X - 1, Z: p.Z + 2}
	}
	score, err := CurveDistance(c1, c2, 2, 8)
	require.NoError(t, err)
	assert.InDelta(t, 0, score.Value, 1e-6)
	assert.InDelta(t, 90, score.Metrics[MetricRotationDeg], 1e-6)
}

func TestCurveDistancePreconditions(t *testing.T) {
	short := models.WormCurve{Points: arc().Points[:7]}
	_, err := CurveDistance(arc(), short, 4, 7)
	assert.ErrorIs(t, err, models.ErrPrecondition)
	_, err = CurveDistance(short, arc(), 4, 7)
	assert.ErrorIs(t, err, models.ErrPrecondition)

	_, err = CurveDistance(arc(), arc(), 7, 7)
	assert.ErrorIs(t, err, models.ErrPrecondition)
	_, err = CurveDistance(arc(), arc(), -1, 3)
	assert.ErrorIs(t, err, models.ErrPrecondition)
}

type fakeLandmarks map[string]models.Point

func landmarkKey(kind models.LandmarkKind, frame, channel int) string {
	return fmt.Sprintf("%s/%d/%d", kind, frame, channel)
}

func (f fakeLandmarks) put(kind models.LandmarkKind, frame int, p models.Point) {
	f[landmarkKey(kind, frame, 1)] = p
}

func (f fakeLandmarks) Landmark(kind models.LandmarkKind, frame, channel int) (models.LandmarkRecord, error) {
	p, ok := f[landmarkKey(kind, frame, channel)]
	if !ok {
		return models.LandmarkRecord{}, fmt.Errorf("%w: %s frame %d", models.ErrNotFound, kind, frame)
	}
	return models.LandmarkRecord{Kind: kind, Frame: frame, Channel: channel, Position: p}, nil
}

func landmarkFixture(k float64) fakeLandmarks {
	f := fakeLandmarks{}
	f.put(models.LandmarkHSN, 1, models.Point{X: 10 * k, Y: 20 * k, Z: 3 * k})
	f.put(models.LandmarkHSN, 2, models.Point{X: 13 * k, Y: 24 * k, Z: 3 * k})
	f.put(models.LandmarkNerveRing, 1, models.Point{X: 50 * k, Y: 50 * k, Z: 5 * k})
	f.put(models.LandmarkNerveRing, 2, models.Point{X: 50 * k, Y: 62 * k, Z: 10 * k})
	return f
}

func TestLandmarkScore(t *testing.T) {
	s := LandmarkScorer{Source: landmarkFixture(1), Channel: 1, NerveRingWeight: 2}
	score, err := s.Score(1, 2)
	require.NoError(t, err)
	assert.InDelta(t, 5, score.Metrics[MetricHSNDistance], 1e-12)
	assert.InDelta(t, 13, score.Metrics[MetricNRDistance], 1e-12)
	assert.InDelta(t, 5+2*13, score.Value, 1e-12)
}

func TestLandmarkScoreIsSymmetric(t *testing.T) {
	s := LandmarkScorer{Source: landmarkFixture(1), Channel: 1, NerveRingWeight: 0.7}
	a, err := s.Score(1, 2)
	require.NoError(t, err)
	b, err := s.Score(2, 1)
	require.NoError(t, err)
	assert.Equal(t, a.Value, b.Value)
}

func TestLandmarkScoreIsLinearInDisplacement(t *testing.T) {
	base, err := LandmarkScorer{Source: landmarkFixture(1), Channel: 1, NerveRingWeight: 1.5}.Score(1, 2)
	require.NoError(t, err)
	for _, k := range []float64{0.5, 3, 10} {
		scaled, err := LandmarkScorer{Source: landmarkFixture(k), Channel: 1, NerveRingWeight: 1.5}.Score(1, 2)
		require.NoError(t, err)
		assert.InDelta(t, k*base.Value, scaled.Value, 1e-9, "k=%v", k)
	}
}

func TestLandmarkScoreOffsetsMovingFrame(t *testing.T) {
	f := landmarkFixture(1)
	f.put(models.LandmarkHSN, 102, models.Point{X: 10, Y: 20, Z: 3})
	f.put(models.LandmarkNerveRing, 102, models.Point{X: 50, Y: 50, Z: 5})

	s := LandmarkScorer{Source: f, Channel: 1, NerveRingWeight: 1, MaxFixedT: 100}
	score, err := s.Score(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score.Value)
	assert.Equal(t, 102.0, score.Metrics[MetricMovingFrame])
}

func TestCurvatureScoreOffsetsMovingFrame(t *testing.T) {
	model, err := curve.NewModel(curve.Params{NumPoints: 9, Downscale: 2}, nil, nil)
	require.NoError(t, err)
	src := &barSource{}
	cache := curve.NewCache()
	s := &CurvatureScorer{Model: model, Cache: cache, Heads: src, Volumes: src, HeadPt: 4, TailPt: 7, MaxFixedT: 3}

	score, err := s.Score(context.Background(), 0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4}, src.times)
	assert.Equal(t, 0.0, score.Metrics[MetricFixedFrame])
	assert.Equal(t, 4.0, score.Metrics[MetricMovingFrame])

	_, ok := cache.Get(models.CurveKey{Time: 4, Channel: 2})
	assert.True(t, ok, "the moving curve is cached under its offset time point")
	_, ok = cache.Get(models.CurveKey{Time: 1, Channel: 2})
	assert.False(t, ok)
}

func TestLandmarkScoreMissingFrame(t *testing.T) {
	s := LandmarkScorer{Source: landmarkFixture(1), Channel: 1, NerveRingWeight: 1}
	_, err := s.Score(1, 7)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type barSource struct {
	volumeCalls int
	times       []int
}

func (b *barSource) Head(t int) (models.HeadResult, error) {
	return models.HeadResult{Time: t, Head: models.Point{X: 40, Y: 64 + 8*float64(t)}}, nil
}

// Volume returns a straight bar shifted down by 8 pixels per time point.
func (b *barSource) Volume(t, _ int) (*models.Volume, error) {
	b.volumeCalls++
	b.times = append(b.times, t)
	vol := models.NewVolume(256, 128, 4)
	for z := 1; z < 3; z++ {
		for y := 60 + 8*t; y < 68+8*t; y++ {
			for x := 40; x <= 200; x++ {
				vol.Set(x, y, z, 100)
			}
		}
	}
	return vol, nil
}

func TestCurvatureScorerUsesCache(t *testing.T) {
	model, err := curve.NewModel(curve.Params{NumPoints: 9, Downscale: 2}, nil, nil)
	require.NoError(t, err)
	src := &barSource{}
	s := &CurvatureScorer{Model: model, Cache: curve.NewCache(), Heads: src, Volumes: src, HeadPt: 4, TailPt: 7}

	ctx := context.Background()
	a, err := s.Score(ctx, 0, 1, 2)
	require.NoError(t, err)
	b, err := s.Score(ctx, 1, 2, 2)
	require.NoError(t, err)
	c, err := s.Score(ctx, 2, 0, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, src.volumeCalls, "each time point is fitted once")
	for _, sc := range []float64{a.Value, b.Value, c.Value} {
		assert.InDelta(t, 0, sc, 1e-6, "translated straight worms align exactly")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Score(cancelled, 0, 1, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
