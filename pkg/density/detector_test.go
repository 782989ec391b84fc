package density

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/region"
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

func TestIntegralMatchesBruteForce(t *testing.T) {
	const w, h, d = 9, 7, 5
	rng := rand.New(rand.NewSource(3))
	field := make([]bool, w*h*d)
	for i := range field {
		field[i] = rng.Intn(3) == 0
	}
	table := newIntegral(field, w, h, d)

	for trial := 0; trial < 200; trial++ {
		x0, x1 := sortedPair(rng, w)
		y0, y1 := sortedPair(rng, h)
		z0, z1 := sortedPair(rng, d)
		want := 0
		for z := z0; z <= z1; z++ {
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					if field[z*w*h+y*w+x] {
						want++
					}
				}
			}
		}
		if got := table.count(x0, y0, z0, x1, y1, z1); got != want {
			t.Fatalf("box [%d,%d]x[%d,%d]x[%d,%d]: got %d, want %d", x0, x1, y0, y1, z0, z1, got, want)
		}
	}
}

func sortedPair(rng *rand.Rand, n int) (int, int) {
	a, b := rng.Intn(n), rng.Intn(n)
	if a > b {
		a, b = b, a
	}
	return a, b
}

func TestDenseMaskUniformVolume(t *testing.T) {
	vol := models.NewVolume(12, 10, 6)
	for i := range vol.Data {
		vol.Data[i] = 80
	}

	for _, p := range []Params{
		{Threshold: 80, Density: 1, Radius: [3]int{2, 2, 1}},
		{Threshold: 10, Density: 0.5, Radius: [3]int{5, 0, 3}},
		{Threshold: 80, Density: 0, Radius: [3]int{0, 0, 0}},
	} {
		mask, err := DenseMask(vol, p)
		require.NoError(t, err)
		assert.Equal(t, len(vol.Data), mask.Count(), "params %+v", p)
	}

	mask, err := DenseMask(vol, Params{Threshold: 80.5, Density: 0, Radius: [3]int{1, 1, 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, mask.Count())
}

func TestDenseMaskRequiresDenseNeighbourhood(t *testing.T) {
	vol := models.NewVolume(20, 20, 5)
	fill(vol, [3]int{2, 2, 1}, [3]int{6, 6, 3}, 100)
	vol.Set(15, 15, 2, 100)

	mask, err := DenseMask(vol, Params{Threshold: 50, Density: 0.3, Radius: [3]int{1, 1, 1}})
	require.NoError(t, err)
	assert.True(t, mask.At(4, 4, 2), "block centre should be dense")
	assert.False(t, mask.At(15, 15, 2), "isolated bright voxel should not be dense")
	assert.False(t, mask.At(10, 10, 2), "dark voxel is never dense")
}

func TestGutGranuleMaskIsInverted(t *testing.T) {
	vol := models.NewVolume(16, 16, 4)
	fill(vol, [3]int{4, 4, 0}, [3]int{9, 9, 3}, 200)

	mask, err := GutGranuleMask(vol, Params{Threshold: 100, Density: 0.5, Radius: [3]int{1, 1, 1}})
	require.NoError(t, err)
	assert.False(t, mask.At(6, 6, 2), "granule voxel must be masked out")
	assert.True(t, mask.At(0, 0, 0), "background must be kept")

	for i := range vol.Data {
		vol.Data[i] = 200
	}
	mask, err = GutGranuleMask(vol, Params{Threshold: 100, Density: 1, Radius: [3]int{2, 2, 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, mask.Count(), "a uniformly bright volume is all gut")
}

// hsnVolume holds a solid bright gut block, a sparse lattice of bright
// neuropil voxels and a small solid soma embedded in the lattice.
func hsnVolume() *models.Volume {
	vol := models.NewVolume(48, 48, 12)
	fill(vol, [3]int{2, 2, 2}, [3]int{13, 13, 7}, 150)
	for z := 2; z < 10; z += 2 {
		for y := 24; y < 44; y += 2 {
			for x := 24; x < 44; x += 2 {
				vol.Set(x, y, z, 200)
			}
		}
	}
	fill(vol, [3]int{32, 32, 4}, [3]int{34, 34, 6}, 220)
	return vol
}

func hsnParams() HSNParams {
	return HSNParams{
		Outer:           Params{Threshold: 100, Density: 0.25, Radius: [3]int{4, 4, 2}},
		Inner:           Params{Threshold: 150, Density: 0.5, Radius: [3]int{1, 1, 1}},
		DetectionRadius: 3,
	}
}

func TestHSNSelectsSomaOverDenseRegions(t *testing.T) {
	f, err := NewHSNFinder(hsnParams(), nil, nil)
	require.NoError(t, err)

	cand, err := f.Candidates(hsnVolume())
	require.NoError(t, err)
	assert.Equal(t, 7, cand.Count(), "soma centre plus its face neighbours")

	loc, ok, err := f.Find(hsnVolume())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.Point{X: 33, Y: 33, Z: 5}, loc)
}

func TestHSNWithoutExclusionPassPicksGut(t *testing.T) {
	p := hsnParams()
	p.Outer.Threshold = 1e9

	f, err := NewHSNFinder(p, nil, nil)
	require.NoError(t, err)
	loc, ok, err := f.Find(hsnVolume())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loc.X >= 2 && loc.X <= 13 && loc.Y >= 2 && loc.Y <= 13, "expected the gut block, got %v", loc)
}

func TestHSNNotFound(t *testing.T) {
	f, err := NewHSNFinder(hsnParams(), nil, nil)
	require.NoError(t, err)
	_, ok, err := f.Find(models.NewVolume(10, 10, 3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHSNWithClusterPolicy(t *testing.T) {
	f, err := NewHSNFinder(hsnParams(), region.LargestCluster{LinkRadius: 1.5}, nil)
	require.NoError(t, err)
	loc, ok, err := f.Find(hsnVolume())
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 33, loc.X, 1e-9)
	assert.InDelta(t, 33, loc.Y, 1e-9)
	assert.InDelta(t, 5, loc.Z, 1e-9)
}

func nerveRingVolume() *models.Volume {
	vol := models.NewVolume(30, 30, 10)
	fill(vol, [3]int{5, 5, 4}, [3]int{7, 7, 6}, 100)
	fill(vol, [3]int{20, 20, 2}, [3]int{25, 25, 7}, 200)
	return vol
}

func TestNerveRingRespectsSearchRegion(t *testing.T) {
	f, err := NewNerveRingFinder(NerveRingParams{
		Threshold: 50,
		Region:    &Box{Min: [3]int{0, 0, 0}, Max: [3]int{14, 29, 9}},
		Radius:    2,
	}, nil, nil)
	require.NoError(t, err)
	loc, ok, err := f.Find(nerveRingVolume())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.Point{X: 6, Y: 6, Z: 5}, loc)

	whole, err := NewNerveRingFinder(NerveRingParams{
		Threshold: 50,
		Radius:    2,
	}, nil, nil)
	require.NoError(t, err)
	loc, ok, err = whole.Find(nerveRingVolume())
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, loc.X, 20.0, "the larger structure wins without a search region")
}

func TestNerveRingNotFound(t *testing.T) {
	f, err := NewNerveRingFinder(NerveRingParams{Threshold: 1000, Radius: 2}, nil, nil)
	require.NoError(t, err)
	_, ok, err := f.Find(models.NewVolume(10, 10, 3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPreconditions(t *testing.T) {
	vol := models.NewVolume(10, 10, 3)

	_, err := DenseMask(vol, Params{Density: 1.5})
	assert.ErrorIs(t, err, models.ErrPrecondition)

	_, err = DenseMask(vol, Params{Radius: [3]int{1, -1, 0}})
	assert.ErrorIs(t, err, models.ErrPrecondition)

	_, err = DenseMask(&models.Volume{Data: make([]float64, 5), Width: 2, Height: 2, Depth: 2}, Params{})
	assert.ErrorIs(t, err, models.ErrPrecondition)

	_, err = Radius([]int{1, 2})
	assert.ErrorIs(t, err, models.ErrPrecondition)
	r, err := Radius([]int{3, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 2, 1}, r)

	for _, b := range []*Box{
		{Min: [3]int{0, 0, 0}, Max: [3]int{10, 9, 2}},
		{Min: [3]int{-1, 0, 0}, Max: [3]int{9, 9, 2}},
		{Min: [3]int{5, 0, 0}, Max: [3]int{4, 9, 2}},
	} {
		f, err := NewNerveRingFinder(NerveRingParams{Threshold: 1, Region: b, Radius: 2}, nil, nil)
		require.NoError(t, err)
		_, _, err = f.Find(vol)
		assert.ErrorIs(t, err, models.ErrPrecondition, "box %+v", b)
	}

	_, err = NewHSNFinder(HSNParams{Outer: Params{Density: 0.5}, Inner: Params{Density: 0.5}}, nil, nil)
	assert.ErrorIs(t, err, models.ErrPrecondition, "missing detection radius")
}
