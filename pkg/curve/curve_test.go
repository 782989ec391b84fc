package curve

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wormfeatures/internal/models"
)

func fill(vol *models.Volume, lo, hi [3]int, value float64) {
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				vol.Set(x, y, z, value)
			}
		}
	}
}

func straightWorm() *models.Volume {
	vol := models.NewVolume(256, 128, 6)
	fill(vol, [3]int{40, 60, 2}, [3]int{200, 67, 4}, 100)
	return vol
}

func bentWorm() *models.Volume {
	vol := models.NewVolume(256, 256, 6)
	fill(vol, [3]int{40, 60, 2}, [3]int{199, 67, 4}, 100)
	fill(vol, [3]int{192, 60, 2}, [3]int{199, 219, 4}, 100)
	return vol
}

func headAt(x, y float64) models.HeadResult {
	return models.HeadResult{Head: models.Point{X: x, Y: y}}
}

func newTestModel(t *testing.T, sink FigureSink) *Model {
	t.Helper()
	m, err := NewModel(Params{NumPoints: 9, Downscale: 2}, sink, nil)
	require.NoError(t, err)
	return m
}

func TestProjectMeanPoolsAndMaxProjects(t *testing.T) {
	vol := models.NewVolume(5, 4, 2)
	vol.Set(0, 0, 0, 8)
	vol.Set(1, 1, 1, 4)
	vol.Set(4, 3, 1, 6)

	p := Project(vol, 1)
	assert.Equal(t, 3, p.Width)
	assert.Equal(t, 2, p.Height)
	assert.Equal(t, 2, p.Scale)
	assert.Equal(t, 2.0, p.At(0, 0), "max of block means 8/4 and 4/4")
	assert.Equal(t, 3.0, p.At(2, 1), "border block covers two voxels")
	assert.Equal(t, 0.0, p.At(1, 0))
}

func TestFitStraightWorm(t *testing.T) {
	m := newTestModel(t, nil)
	key := models.CurveKey{Time: 3, Channel: 2}
	c, err := m.Fit(key, headAt(40, 64), straightWorm())
	require.NoError(t, err)

	require.Equal(t, 10, c.Len())
	assert.Equal(t, key, c.Key)
	assert.Equal(t, models.Point{X: 40, Y: 64}, c.Points[0])
	for i := 1; i < c.Len(); i++ {
		assert.Greater(t, c.Points[i].X, c.Points[i-1].X, "point %d", i)
		assert.InDelta(t, 63.5, c.Points[i].Y, 1e-9)
	}
	assert.InDelta(t, 195.5, c.Points[9].X, 1e-9)
}

func TestFitFollowsBends(t *testing.T) {
	m := newTestModel(t, nil)
	c, err := m.Fit(models.CurveKey{}, headAt(40, 64), bentWorm())
	require.NoError(t, err)
	require.Equal(t, 10, c.Len())

	last := c.Points[c.Len()-1]
	assert.InDelta(t, 195.5, last.X, 5, "tail should lie on the vertical limb")
	assert.Greater(t, last.Y, 150.0)

	// Along the curve the distance from the head never shrinks.
	for i := 2; i < c.Len(); i++ {
		assert.GreaterOrEqual(t, c.Points[i].Dist(c.Points[0]), c.Points[i-1].Dist(c.Points[0])-1)
	}
}

func TestFitShortBodyGivesShortCurve(t *testing.T) {
	vol := models.NewVolume(64, 64, 2)
	fill(vol, [3]int{20, 20, 0}, [3]int{27, 23, 1}, 50)

	m := newTestModel(t, nil)
	c, err := m.Fit(models.CurveKey{}, headAt(20, 22), vol)
	require.NoError(t, err)
	assert.Less(t, c.Len(), 10)
	assert.GreaterOrEqual(t, c.Len(), 2)
}

func TestFitErrors(t *testing.T) {
	m := newTestModel(t, nil)

	_, err := m.Fit(models.CurveKey{}, models.HeadResult{Head: models.NoPosition}, straightWorm())
	assert.ErrorIs(t, err, models.ErrNotFound, "an empty frame has no curve")

	_, err = m.Fit(models.CurveKey{}, headAt(10, 10), models.NewVolume(32, 32, 2))
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = NewModel(Params{NumPoints: 0}, nil, nil)
	assert.ErrorIs(t, err, models.ErrPrecondition)
}

type recordingSink struct {
	calls int
	proj  Projection
}

func (s *recordingSink) WormCurve(_ models.WormCurve, _ models.HeadResult, proj Projection) error {
	s.calls++
	s.proj = proj
	return nil
}

func TestFitFeedsFigureSink(t *testing.T) {
	sink := &recordingSink{}
	m := newTestModel(t, sink)
	_, err := m.Fit(models.CurveKey{}, headAt(40, 64), straightWorm())
	require.NoError(t, err)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, 64, sink.proj.Width)
}

func TestCacheComputesOnce(t *testing.T) {
	m := newTestModel(t, nil)
	cache := NewCache()
	key := models.CurveKey{Time: 5, Channel: 1}
	vol := straightWorm()

	var calls atomic.Int32
	compute := func() (models.WormCurve, error) {
		calls.Add(1)
		return m.Fit(key, headAt(40, 64), vol)
	}

	first, err := cache.GetOrCompute(key, compute)
	require.NoError(t, err)
	second, err := cache.GetOrCompute(key, compute)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	if diff := cmp.Diff(first, second, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("cached curve differs (-first +second):\n%s", diff)
	}

	fresh, err := m.Fit(key, headAt(40, 64), vol)
	require.NoError(t, err)
	if diff := cmp.Diff(fresh, second, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("cache hit differs from a fresh fit (-fresh +cached):\n%s", diff)
	}
}

func TestCacheConcurrentCallersShareOneComputation(t *testing.T) {
	cache := NewCache()
	key := models.CurveKey{Time: 1}
	release := make(chan struct{})

	var calls atomic.Int32
	compute := func() (models.WormCurve, error) {
		calls.Add(1)
		<-release
		return models.WormCurve{Points: []models.Point{{X: 1}, {X: 2}}}, nil
	}

	var wg sync.WaitGroup
	results := make([]models.WormCurve, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := cache.GetOrCompute(key, compute)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
			results[i] = c
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, cache.Len())
	for _, r := range results {
		assert.Equal(t, key, r.Key)
		assert.Len(t, r.Points, 2)
	}
}

func TestCacheEntriesAreImmutable(t *testing.T) {
	cache := NewCache()
	key := models.CurveKey{Time: 2}
	c, err := cache.GetOrCompute(key, func() (models.WormCurve, error) {
		return models.WormCurve{Points: []models.Point{{X: 1}}}, nil
	})
	require.NoError(t, err)
	c.Points[0].X = 99

	again, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, 1.0, again.Points[0].X)
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	cache := NewCache()
	key := models.CurveKey{Time: 9}
	boom := errors.New("boom")

	_, err := cache.GetOrCompute(key, func() (models.WormCurve, error) { return models.WormCurve{}, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())

	c, err := cache.GetOrCompute(key, func() (models.WormCurve, error) {
		return models.WormCurve{Points: []models.Point{{Y: 1}}}, nil
	})
	require.NoError(t, err)
	assert.Len(t, c.Points, 1)
}
