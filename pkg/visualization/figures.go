package visualization

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/curve"
)

var (
	headColor = colorful.Hsv(0, 0.9, 0.95)
	tailColor = colorful.Hsv(220, 0.9, 0.95)
)

// Figures writes diagnostic figures into Dir. A nil *Figures writes nothing,
// so callers can hold one unconditionally.
type Figures struct {
	Dir    string
	Logger *slog.Logger
}

var _ curve.FigureSink = (*Figures)(nil)

// NewFigures creates dir and returns a sink writing into it.
func NewFigures(dir string, logger *slog.Logger) (*Figures, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create figure directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Figures{Dir: dir, Logger: logger}, nil
}

func (f *Figures) path(name string) string { return filepath.Join(f.Dir, name) }

// Ramp returns n colours running from the head colour to the tail colour.
func Ramp(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		out[i] = headColor.BlendHcl(tailColor, t).Clamped()
	}
	return out
}

// WormCurve renders the fitted curve over the projection it was fitted on,
// plus a coordinate plot of the curve.
func (f *Figures) WormCurve(c models.WormCurve, head models.HeadResult, proj curve.Projection) error {
	if f == nil {
		return nil
	}
	overlay := projectionImage(proj)
	colors := Ramp(c.Len())
	for i, p := range c.Points {
		mark(overlay, p, 2, colors[i])
	}
	if !head.Head.IsNoPosition() {
		mark(overlay, head.Head, 4, color.White)
	}
	if err := SaveImage(overlay, f.path(c.Key.String()+"_curve.png")); err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Worm curve %s", c.Key)
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"

	pts := make(plotter.XYs, c.Len())
	for i, q := range c.Points {
		pts[i] = plotter.XY{X: q.X, Y: q.Y}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.Gray{Y: 120}
	line.Width = vg.Points(1)
	p.Add(line)
	for i := range pts {
		s, err := plotter.NewScatter(pts[i : i+1])
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = colors[i]
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = vg.Points(4)
		p.Add(s)
	}
	file := f.path(c.Key.String() + "_curve_plot.png")
	if err := p.Save(6*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save curve plot: %w", err)
	}
	f.Logger.Debug("curve figures written", "key", c.Key.String())
	return nil
}

// Head plots the centroid cloud of a time point with the detected head, tail
// and crop box.
func (f *Figures) Head(result models.HeadResult, centroids models.PointCloud) error {
	if f == nil {
		return nil
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("t=%d %s", result.Time, result.Flags)
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"

	if centroids.Len() > 0 {
		pts := make(plotter.XYs, centroids.Len())
		for i, q := range centroids.Points {
			pts[i] = plotter.XY{X: q.X, Y: q.Y}
		}
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = color.Gray{Y: 100}
		s.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(s)
		p.Legend.Add("centroids", s)
	}

	box := plotter.XYs{
		{X: float64(result.CropX[0]), Y: float64(result.CropY[0])},
		{X: float64(result.CropX[1]), Y: float64(result.CropY[0])},
		{X: float64(result.CropX[1]), Y: float64(result.CropY[1])},
		{X: float64(result.CropX[0]), Y: float64(result.CropY[1])},
		{X: float64(result.CropX[0]), Y: float64(result.CropY[0])},
	}
	crop, err := plotter.NewLine(box)
	if err != nil {
		return err
	}
	crop.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(crop)
	p.Legend.Add("crop", crop)

	for _, m := range []struct {
		label string
		pt    models.Point
		c     color.Color
	}{{"head", result.Head, headColor}, {"tail", result.Tail, tailColor}} {
		if m.pt.IsNoPosition() {
			continue
		}
		s, err := plotter.NewScatter(plotter.XYs{{X: m.pt.X, Y: m.pt.Y}})
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = m.c
		s.GlyphStyle.Shape = draw.CrossGlyph{}
		s.GlyphStyle.Radius = vg.Points(6)
		p.Add(s)
		p.Legend.Add(m.label, s)
	}
	p.Legend.Top = true

	file := f.path(fmt.Sprintf("head_t%04d.png", result.Time))
	if err := p.Save(8*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save head plot: %w", err)
	}
	return nil
}

// Mask writes the z projection of m as <name>.png.
func (f *Figures) Mask(name string, m *models.Mask) error {
	if f == nil {
		return nil
	}
	return SaveImage(MaskProjection(m), f.path(name+".png"))
}

// projectionImage renders proj at native resolution.
func projectionImage(proj curve.Projection) *image.NRGBA {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range proj.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	img := imaging.New(proj.Width, proj.Height, color.Black)
	if hi > lo {
		for y := 0; y < proj.Height; y++ {
			for x := 0; x < proj.Width; x++ {
				g := uint8(255 * (proj.At(x, y) - lo) / (hi - lo))
				img.SetNRGBA(x, y, color.NRGBA{R: g, G: g, B: g, A: 255})
			}
		}
	}
	scale := max(proj.Scale, 1)
	return imaging.Resize(img, proj.Width*scale, proj.Height*scale, imaging.NearestNeighbor)
}

// mark fills a square of half-width r around p, clipped to img.
func mark(img *image.NRGBA, p models.Point, r int, c color.Color) {
	cx, cy := int(math.Round(p.X)), int(math.Round(p.Y))
	b := img.Bounds()
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if image.Pt(x, y).In(b) {
				img.Set(x, y, c)
			}
		}
	}
}
