package spatial

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"wormfeatures/internal/models"
)

// bruteWithin is the quadratic reference implementation
func bruteWithin(pts []models.Point, c models.Point, r float64) []int {
	var out []int
	for i, p := range pts {
		if p.Dist(c) <= r {
			out = append(out, i)
		}
	}
	return out
}

func TestWithinMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, dims := range []int{2, 3} {
		pts := make([]models.Point, 500)
		for i := range pts {
			pts[i] = models.Point{X: rng.Float64() * 100, Y: rng.Float64() * 100}
			if dims == 3 {
				pts[i].Z = rng.Float64() * 20
			}
		}
		cloud, err := models.NewPointCloud(dims, pts)
		if err != nil {
			t.Fatalf("NewPointCloud: %v", err)
		}
		ix, err := NewIndex(cloud)
		if err != nil {
			t.Fatalf("NewIndex: %v", err)
		}

		for q := 0; q < 50; q++ {
			c := models.Point{X: rng.Float64() * 100, Y: rng.Float64() * 100}
			if dims == 3 {
				c.Z = rng.Float64() * 20
			}
			r := 2 + rng.Float64()*15
			got, err := ix.Within(c, r)
			if err != nil {
				t.Fatalf("Within: %v", err)
			}
			want := bruteWithin(pts, c, r)
			if len(got) != len(want) {
				t.Fatalf("dims=%d query %d: got %d points, want %d", dims, q, len(got), len(want))
			}
			for i := range got {
				if got[i] != want[i] {
					t.Fatalf("dims=%d query %d: index mismatch at %d: %d != %d", dims, q, i, got[i], want[i])
				}
			}
		}
	}
}

func TestWithinIsInclusive(t *testing.T) {
	cloud, _ := models.NewPointCloud(2, []models.Point{{X: 0, Y: 0}, {X: 3, Y: 4}, {X: 6, Y: 8}})
	ix, err := NewIndex(cloud)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	n, err := ix.CountWithin(models.Point{}, 5)
	if err != nil {
		t.Fatalf("CountWithin: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 points within radius 5 (boundary inclusive), got %d", n)
	}
}

func TestEmptyIndex(t *testing.T) {
	ix, err := NewIndex(models.PointCloud{Dims: 3})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	got, err := ix.Within(models.Point{X: 1}, 10)
	if err != nil || len(got) != 0 {
		t.Errorf("expected no results from empty index, got %v (err %v)", got, err)
	}
	if _, _, ok, _ := ix.Nearest(models.Point{}); ok {
		t.Error("expected Nearest on an empty index to report ok=false")
	}
}

func TestDimensionMismatch(t *testing.T) {
	cloud, _ := models.NewPointCloud(2, []models.Point{{X: 1, Y: 1}})
	ix, _ := NewIndex(cloud)
	_, err := ix.Within(models.Point{X: 1, Y: 1, Z: 3}, 2)
	if !errors.Is(err, models.ErrPrecondition) {
		t.Errorf("expected ErrPrecondition for a 3D query on a 2D index, got %v", err)
	}
	if _, err := NewIndex(models.PointCloud{Dims: 4}); !errors.Is(err, models.ErrPrecondition) {
		t.Errorf("expected ErrPrecondition for a 4D cloud, got %v", err)
	}
}

func TestNearest(t *testing.T) {
	cloud, _ := models.NewPointCloud(3, []models.Point{{X: 0, Y: 0, Z: 0}, {X: 10, Y: 0, Z: 0}, {X: 0, Y: 10, Z: 2}})
	ix, _ := NewIndex(cloud)
	i, d, ok, err := ix.Nearest(models.Point{X: 9, Y: 1, Z: 0})
	if err != nil || !ok {
		t.Fatalf("Nearest failed: ok=%v err=%v", ok, err)
	}
	if i != 1 {
		t.Errorf("expected nearest index 1, got %d", i)
	}
	if math.Abs(d-math.Sqrt2) > 1e-9 {
		t.Errorf("expected distance sqrt(2), got %f", d)
	}
}
