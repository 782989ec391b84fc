package head

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/hull"
)

var defaultLevels = []hull.Level{
	{DensityDivisor: 10, MaxDistance: 30},
	{DensityDivisor: 10, MaxDistance: 50},
	{DensityDivisor: 30, MaxDistance: 50},
}

// column places m points evenly across [cy-w, cy+w] at x
func column(x, cy, w float64, m int) []models.Point {
	if m == 1 {
		return []models.Point{{X: x, Y: cy}}
	}
	pts := make([]models.Point, m)
	for k := 0; k < m; k++ {
		pts[k] = models.Point{X: x, Y: cy - w + 2*w*float64(k)/float64(m-1)}
	}
	return pts
}

// syntheticWorm builds a 150-point worm lying along +x: a densely populated
// head taper whose single-point tip sits at (tipX, cy), followed by a sparser
// elliptical body that thins toward the tail.
func syntheticWorm(tipX, cy float64) []models.Point {
	var pts []models.Point
	for i := 0; i < 16; i++ {
		w := 20.0 * float64(i) / 15
		pts = append(pts, column(tipX+4*float64(i), cy, w, 1+2*int(w/5))...)
	}
	const cols = 32
	for i := 1; i <= cols; i++ {
		f := float64(i) / (cols + 1)
		w := 20 * math.Sqrt(1-f*f)
		pts = append(pts, column(tipX+60+10*float64(i), cy, w, max(1, 1+2*int(w/12)))...)
	}
	return pts
}

func rotate(pts []models.Point, deg float64, c models.Point) []models.Point {
	s, co := math.Sin(deg*math.Pi/180), math.Cos(deg*math.Pi/180)
	out := make([]models.Point, len(pts))
	for i, p := range pts {
		out[i] = models.Point{
			X: c.X + co*(p.X-c.X) - s*(p.Y-c.Y),
			Y: c.Y + s*(p.X-c.X) + co*(p.Y-c.Y),
		}
	}
	return out
}

func newTestLocator(t *testing.T, levels []hull.Level, step, hd, vc float64) *Locator {
	t.Helper()
	sched, err := hull.NewSchedule(levels)
	require.NoError(t, err)
	return newLocatorWithSchedule(t, sched, step, hd, vc)
}

func newLocatorWithSchedule(t *testing.T, sched hull.Schedule, step, hd, vc float64) *Locator {
	t.Helper()
	loc, err := NewLocator(Params{
		Levels:        sched,
		HeadThreshold: hd,
		TailThreshold: vc,
		MinCentroids:  90,
		EdgeThreshold: 5,
		CropMargin:    10,
		GridStep:      step,
	}, nil)
	require.NoError(t, err)
	return loc
}

func cloud2D(t *testing.T, pts []models.Point) models.PointCloud {
	t.Helper()
	c, err := models.NewPointCloud(2, pts)
	require.NoError(t, err)
	return c
}

func angleDiffDeg(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	}
	if d < -math.Pi {
		d += 2 * math.Pi
	}
	return math.Abs(d) * 180 / math.Pi
}

func TestLocateSyntheticWorm(t *testing.T) {
	pts := syntheticWorm(100, 256)
	require.Len(t, pts, 150)

	loc := newTestLocator(t, defaultLevels, 1, 100, 300)
	res, err := loc.Locate(7, cloud2D(t, pts), ImageSize{Width: 512, Height: 512})
	require.NoError(t, err)

	assert.True(t, res.Flags.Empty(), "expected no flags, got %s", res.Flags)
	assert.Equal(t, 7, res.Time)
	assert.LessOrEqual(t, res.Head.Dist(models.Point{X: 100, Y: 256}), 5.0, "head %v too far from tip", res.Head)
	assert.Less(t, angleDiffDeg(res.Theta, 0), 2.0, "theta %.2f deg", res.Theta*180/math.Pi)

	// Rotating by -theta maps the head-to-tail axis onto +x.
	h, tl := res.Align(res.Head), res.Align(res.Tail)
	axis := tl.Sub(h)
	assert.Greater(t, axis.X, 0.0)
	assert.Less(t, math.Abs(math.Atan2(axis.Y, axis.X))*180/math.Pi, 2.0)

	assert.Equal(t, [2]int{90, 480 + 10}, res.CropX)
	assert.Equal(t, [2]int{236 - 10, 276 + 10}, res.CropY)
}

func TestLocateRotatedWorm(t *testing.T) {
	center := models.Point{X: 256, Y: 256}
	for _, deg := range []float64{30, 135, 200} {
		pts := rotate(syntheticWorm(80, 256), deg, center)
		tip := pts[0]

		loc := newTestLocator(t, defaultLevels, 2, 100, 300)
		res, err := loc.Locate(0, cloud2D(t, pts), ImageSize{Width: 512, Height: 512})
		require.NoError(t, err)

		assert.True(t, res.Flags.Empty(), "deg=%v: unexpected flags %s", deg, res.Flags)
		assert.LessOrEqual(t, res.Head.Dist(tip), 5.0, "deg=%v: head %v tip %v", deg, res.Head, tip)
		assert.Less(t, angleDiffDeg(res.Theta, deg*math.Pi/180), 2.0, "deg=%v: theta %.2f", deg, res.Theta*180/math.Pi)
	}
}

func TestOutOfOrderLevelsFlagMoreOften(t *testing.T) {
	reversed := []hull.Level{defaultLevels[2], defaultLevels[1], defaultLevels[0]}
	_, err := hull.NewSchedule(reversed)
	require.ErrorIs(t, err, models.ErrPrecondition)

	ordered := newTestLocator(t, defaultLevels, 2, 30, 30)
	unordered := newLocatorWithSchedule(t, hull.UncheckedSchedule(reversed), 2, 30, 30)

	center := models.Point{X: 256, Y: 256}
	var orderedFlags, unorderedFlags int
	for _, deg := range []float64{0, 90} {
		c := cloud2D(t, rotate(syntheticWorm(80, 256), deg, center))

		good, err := ordered.Locate(0, c, ImageSize{Width: 512, Height: 512})
		require.NoError(t, err)
		bad, err := unordered.Locate(0, c, ImageSize{Width: 512, Height: 512})
		require.NoError(t, err)

		for _, f := range []models.QualityFlag{models.FlagHeadMismatch, models.FlagTailMismatch} {
			if good.Flags.Has(f) {
				orderedFlags++
			}
			if bad.Flags.Has(f) {
				unorderedFlags++
			}
		}
	}
	assert.Equal(t, 0, orderedFlags)
	assert.Greater(t, unorderedFlags, orderedFlags)
}

func TestLowPopulationFlag(t *testing.T) {
	pts := syntheticWorm(100, 256)[:40]
	loc := newTestLocator(t, defaultLevels, 2, 100, 300)
	res, err := loc.Locate(3, cloud2D(t, pts), ImageSize{Width: 512, Height: 512})
	require.NoError(t, err)
	assert.True(t, res.Flags.Has(models.FlagLowPopulation), "flags: %s", res.Flags)
}

func TestNearEdgeFlag(t *testing.T) {
	pts := syntheticWorm(2, 256)
	loc := newTestLocator(t, defaultLevels, 2, 100, 300)
	res, err := loc.Locate(0, cloud2D(t, pts), ImageSize{Width: 512, Height: 512})
	require.NoError(t, err)
	assert.True(t, res.Flags.Has(models.FlagNearEdge), "flags: %s", res.Flags)
	assert.Equal(t, 0, res.CropX[0], "crop must be clamped to the frame")
}

func TestZeroCentroidsYieldSentinel(t *testing.T) {
	loc := newTestLocator(t, defaultLevels, 1, 100, 300)
	res, err := loc.Locate(11, models.PointCloud{Dims: 3}, ImageSize{Width: 64, Height: 32, Depth: 8})
	require.NoError(t, err)
	assert.True(t, res.Head.IsNoPosition())
	assert.Equal(t, models.AllFlags, res.Flags)
	assert.Equal(t, [2]int{0, 63}, res.CropX)
	assert.Equal(t, [2]int{0, 7}, res.CropZ)
}

func TestLocatorPreconditions(t *testing.T) {
	sched, err := hull.NewSchedule(defaultLevels[:2])
	require.NoError(t, err)
	_, err = NewLocator(Params{Levels: sched}, nil)
	assert.True(t, errors.Is(err, models.ErrPrecondition))

	loc := newTestLocator(t, defaultLevels, 1, 100, 300)
	_, err = loc.Locate(0, models.PointCloud{Dims: 2}, ImageSize{})
	assert.ErrorIs(t, err, models.ErrPrecondition)
}

func TestThreeDimensionalCentroidsKeepDepth(t *testing.T) {
	pts := syntheticWorm(100, 256)
	for i := range pts {
		pts[i].Z = 4 + float64(i%3)
	}
	c, err := models.NewPointCloud(3, pts)
	require.NoError(t, err)

	loc := newTestLocator(t, defaultLevels, 2, 100, 300)
	res, err := loc.Locate(0, c, ImageSize{Width: 512, Height: 512, Depth: 20})
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Head.Z, "head depth comes from the nearest centroid")
	assert.Equal(t, [2]int{0, 16}, res.CropZ)
}
