// Package curve fits a head-to-tail skeleton curve to the worm body and
// caches curves per (time, channel).
package curve

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
	"gonum.org/v1/gonum/stat"

	"wormfeatures/internal/models"
)

// Params configures curve fitting.
type Params struct {
	// NumPoints is the number of body points after the head point.
	NumPoints int `yaml:"numPoints"`

	// Downscale shrinks x and y by 2^Downscale before fitting.
	Downscale int `yaml:"downscale"`

	// Threshold separates body from background in the projection. A
	// non-positive value means the projection mean.
	Threshold float64 `yaml:"threshold"`
}

// Projection is the downscaled maximum intensity projection a curve was
// fitted on.
type Projection struct {
	Data          []float64
	Width, Height int

	// Scale is the downscaling factor back to native pixels.
	Scale int
}

// At returns the projection value at (x, y).
func (p Projection) At(x, y int) float64 { return p.Data[y*p.Width+x] }

// FigureSink receives diagnostic material for each fitted curve.
type FigureSink interface {
	WormCurve(curve models.WormCurve, head models.HeadResult, proj Projection) error
}

// Model fits worm curves.
type Model struct {
	params Params
	sink   FigureSink
	logger *slog.Logger
}

// NewModel validates params. sink may be nil, in which case no figures are
// produced.
func NewModel(params Params, sink FigureSink, logger *slog.Logger) (*Model, error) {
	if params.NumPoints < 1 {
		return nil, fmt.Errorf("%w: curve needs at least one body point, got %d", models.ErrPrecondition, params.NumPoints)
	}
	if params.Downscale < 0 || params.Downscale > 8 {
		return nil, fmt.Errorf("%w: downscale exponent %d", models.ErrPrecondition, params.Downscale)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{params: params, sink: sink, logger: logger}, nil
}

// Params returns the model parameters.
func (m *Model) Params() Params { return m.params }

// Fit returns the curve for key. The first point is the head; the rest are
// the centroids of the body pixels binned by their path distance from the
// head, so the curve follows bends instead of cutting across them. A body too
// short to fill every bin yields a shorter curve.
func (m *Model) Fit(key models.CurveKey, head models.HeadResult, vol *models.Volume) (models.WormCurve, error) {
	if head.Head.IsNoPosition() {
		return models.WormCurve{}, fmt.Errorf("%w: no head position for %s", models.ErrNotFound, key)
	}
	if err := vol.Validate(); err != nil {
		return models.WormCurve{}, err
	}
	proj := Project(vol, m.params.Downscale)

	thr := m.params.Threshold
	if thr <= 0 {
		thr = stat.Mean(proj.Data, nil)
	}

	g := simple.NewUndirectedGraph()
	for y := 0; y < proj.Height; y++ {
		for x := 0; x < proj.Width; x++ {
			if proj.At(x, y) > thr {
				g.AddNode(simple.Node(y*proj.Width + x))
			}
		}
	}
	if g.Nodes().Len() == 0 {
		return models.WormCurve{}, fmt.Errorf("%w: no body pixels above %.3g for %s", models.ErrNotFound, thr, key)
	}
	body := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < proj.Width && y < proj.Height && g.Node(int64(y*proj.Width+x)) != nil
	}
	for y := 0; y < proj.Height; y++ {
		for x := 0; x < proj.Width; x++ {
			if !body(x, y) {
				continue
			}
			id := int64(y*proj.Width + x)
			for _, d := range [][2]int{{1, 0}, {-1, 1}, {0, 1}, {1, 1}} {
				nx, ny := x+d[0], y+d[1]
				if body(nx, ny) {
					g.SetEdge(simple.Edge{F: simple.Node(id), T: simple.Node(int64(ny*proj.Width + nx))})
				}
			}
		}
	}

	scale := float64(proj.Scale)
	hx, hy := (head.Head.X+0.5)/scale-0.5, (head.Head.Y+0.5)/scale-0.5
	start, bestD := int64(-1), math.Inf(1)
	nodes := g.Nodes()
	for nodes.Next() {
		id := nodes.Node().ID()
		x, y := float64(id%int64(proj.Width)), float64(id/int64(proj.Width))
		if d := (x-hx)*(x-hx) + (y-hy)*(y-hy); d < bestD || (d == bestD && id < start) {
			start, bestD = id, d
		}
	}

	depth := make(map[int64]int)
	maxDepth := 0
	var bfs traverse.BreadthFirst
	bfs.Walk(g, simple.Node(start), func(n graph.Node, d int) bool {
		depth[n.ID()] = d
		maxDepth = max(maxDepth, d)
		return false
	})

	n := m.params.NumPoints
	sums := make([]models.Point, n)
	counts := make([]int, n)
	for id, d := range depth {
		bin := d * n / (maxDepth + 1)
		sums[bin] = sums[bin].Add(models.Point{X: float64(id % int64(proj.Width)), Y: float64(id / int64(proj.Width))})
		counts[bin]++
	}

	curve := models.WormCurve{Key: key, Points: []models.Point{{X: head.Head.X, Y: head.Head.Y}}}
	for bin := range sums {
		if counts[bin] == 0 {
			continue
		}
		c := sums[bin].Scale(1 / float64(counts[bin]))
		curve.Points = append(curve.Points, models.Point{X: (c.X+0.5)*scale - 0.5, Y: (c.Y+0.5)*scale - 0.5})
	}
	m.logger.Debug("worm curve fitted",
		"key", key.String(),
		"body_pixels", len(depth),
		"path_length", maxDepth,
		"points", curve.Len())

	if m.sink != nil {
		if err := m.sink.WormCurve(curve, head, proj); err != nil {
			return models.WormCurve{}, fmt.Errorf("writing curve figure for %s: %w", key, err)
		}
	}
	return curve, nil
}

// Project mean-pools vol over 2^downscale square blocks in x and y and takes
// the maximum over z. Blocks at the right and bottom border average over the
// voxels they actually cover.
func Project(vol *models.Volume, downscale int) Projection {
	f := 1 << downscale
	w := (vol.Width + f - 1) / f
	h := (vol.Height + f - 1) / f
	out := Projection{Data: make([]float64, w*h), Width: w, Height: h, Scale: f}
	for i := range out.Data {
		out.Data[i] = math.Inf(-1)
	}

	sums := make([]float64, w*h)
	for z := 0; z < vol.Depth; z++ {
		clear(sums)
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				sums[(y/f)*w+x/f] += vol.At(x, y, z)
			}
		}
		for by := 0; by < h; by++ {
			rows := min(f, vol.Height-by*f)
			for bx := 0; bx < w; bx++ {
				cols := min(f, vol.Width-bx*f)
				mean := sums[by*w+bx] / float64(rows*cols)
				out.Data[by*w+bx] = max(out.Data[by*w+bx], mean)
			}
		}
	}
	return out
}
