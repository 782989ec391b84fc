// Package density finds compact, locally dense structures in 3D intensity
// volumes.
//
// Every detector is built on one primitive: a voxel is dense when it meets an
// intensity threshold and enough of its neighbours inside an anisotropic box
// meet it too. Gut granules, the HSN soma and the nerve ring differ only in
// their parameters and in what they do with the resulting mask.
package density

import (
	"fmt"
	"log/slog"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/region"
)

// Params is a (threshold, density, radius) triple.
type Params struct {
	// Threshold is the minimum intensity a voxel needs to count as bright.
	Threshold float64 `yaml:"threshold"`

	// Density is the fraction of voxels in the neighbourhood box, the centre
	// voxel included, that must be bright.
	Density float64 `yaml:"density"`

	// Radius holds the box half-widths in voxels along x, y and z.
	Radius [3]int `yaml:"radius"`
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.Density < 0 || p.Density > 1 {
		return fmt.Errorf("%w: density %v outside [0, 1]", models.ErrPrecondition, p.Density)
	}
	for i, r := range p.Radius {
		if r < 0 {
			return fmt.Errorf("%w: negative radius %d along axis %d", models.ErrPrecondition, r, i)
		}
	}
	return nil
}

// Radius converts a radius list, as found in configuration files, into box
// half-widths. Exactly three entries are required.
func Radius(r []int) ([3]int, error) {
	if len(r) != 3 {
		return [3]int{}, fmt.Errorf("%w: radius needs 3 entries (x, y, z), got %d", models.ErrPrecondition, len(r))
	}
	return [3]int{r[0], r[1], r[2]}, nil
}

// DenseMask marks the voxels of vol that are at least p.Threshold bright and
// whose neighbourhood box is at least p.Density bright. Boxes are clipped at
// the volume border and the fraction is taken over in-bounds voxels only.
func DenseMask(vol *models.Volume, p Params) (*models.Mask, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	bright := make([]bool, len(vol.Data))
	for i, v := range vol.Data {
		bright[i] = v >= p.Threshold
	}
	return denseAmong(bright, vol.Width, vol.Height, vol.Depth, p.Density, p.Radius), nil
}

// denseAmong marks the set voxels of field whose clipped box holds at least
// the given fraction of set voxels.
func denseAmong(field []bool, w, h, d int, density float64, r [3]int) *models.Mask {
	table := newIntegral(field, w, h, d)
	mask := models.NewMask(w, h, d)
	for z := 0; z < d; z++ {
		z0, z1 := max(z-r[2], 0), min(z+r[2], d-1)
		for y := 0; y < h; y++ {
			y0, y1 := max(y-r[1], 0), min(y+r[1], h-1)
			for x := 0; x < w; x++ {
				i := z*w*h + y*w + x
				if !field[i] {
					continue
				}
				x0, x1 := max(x-r[0], 0), min(x+r[0], w-1)
				total := (x1 - x0 + 1) * (y1 - y0 + 1) * (z1 - z0 + 1)
				n := table.count(x0, y0, z0, x1, y1, z1)
				mask.Data[i] = float64(n) >= density*float64(total)
			}
		}
	}
	return mask
}

// GutGranuleMask returns a mask that is true everywhere except on gut
// granules, the voxels DenseMask marks as bright and dense.
func GutGranuleMask(vol *models.Volume, p Params) (*models.Mask, error) {
	dense, err := DenseMask(vol, p)
	if err != nil {
		return nil, err
	}
	for i, b := range dense.Data {
		dense.Data[i] = !b
	}
	return dense, nil
}

// HSNParams configures the two-pass soma search.
type HSNParams struct {
	// Outer marks over-dense regions (gut, neuropil) that are excluded.
	Outer Params `yaml:"outer"`

	// Inner marks the densely packed survivors that are soma candidates.
	Inner Params `yaml:"inner"`

	// DetectionRadius is the neighbourhood used to choose among candidates.
	DetectionRadius float64 `yaml:"detectionRadius"`
}

// HSNFinder locates the HSN soma in a volume.
type HSNFinder struct {
	params   HSNParams
	selector region.Selector
	logger   *slog.Logger
}

// NewHSNFinder validates params. A nil selector means region.Densest over
// the detection radius; a nil logger means slog.Default().
func NewHSNFinder(params HSNParams, selector region.Selector, logger *slog.Logger) (*HSNFinder, error) {
	if err := params.Outer.Validate(); err != nil {
		return nil, fmt.Errorf("hsn outer pass: %w", err)
	}
	if err := params.Inner.Validate(); err != nil {
		return nil, fmt.Errorf("hsn inner pass: %w", err)
	}
	if selector == nil {
		if params.DetectionRadius <= 0 {
			return nil, fmt.Errorf("%w: hsn detection radius %v", models.ErrPrecondition, params.DetectionRadius)
		}
		selector = region.Densest{Radius: params.DetectionRadius}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HSNFinder{params: params, selector: selector, logger: logger}, nil
}

// Candidates runs both filtering passes and returns the surviving voxels.
func (f *HSNFinder) Candidates(vol *models.Volume) (*models.Mask, error) {
	outer, err := DenseMask(vol, f.params.Outer)
	if err != nil {
		return nil, err
	}
	// Only voxels outside the over-dense regions may take part in pass 2,
	// both as candidates and as neighbours.
	survivors := make([]bool, len(vol.Data))
	excluded := 0
	for i, v := range vol.Data {
		if outer.Data[i] {
			excluded++
			continue
		}
		survivors[i] = v >= f.params.Inner.Threshold
	}
	inner := denseAmong(survivors, vol.Width, vol.Height, vol.Depth, f.params.Inner.Density, f.params.Inner.Radius)
	f.logger.Debug("hsn filtering", "excluded", excluded, "candidates", inner.Count())
	return inner, nil
}

// Find returns the soma location. ok is false when no voxel survives.
func (f *HSNFinder) Find(vol *models.Volume) (loc models.Point, ok bool, err error) {
	mask, err := f.Candidates(vol)
	if err != nil {
		return models.Point{}, false, err
	}
	return selectFrom(mask.Points(), f.selector)
}

// Box is an inclusive voxel range.
type Box struct {
	Min [3]int `yaml:"min"`
	Max [3]int `yaml:"max"`
}

// Within checks that b is a non-empty box inside vol.
func (b Box) Within(vol *models.Volume) error {
	dims := [3]int{vol.Width, vol.Height, vol.Depth}
	for i := range dims {
		if b.Min[i] < 0 || b.Max[i] >= dims[i] || b.Min[i] > b.Max[i] {
			return fmt.Errorf("%w: search box %v-%v does not fit volume %dx%dx%d",
				models.ErrPrecondition, b.Min, b.Max, vol.Width, vol.Height, vol.Depth)
		}
	}
	return nil
}

// NerveRingParams configures the nerve ring search.
type NerveRingParams struct {
	Threshold float64 `yaml:"threshold"`

	// Region restricts the search to the part of the volume that holds the
	// nerve ring and no other bright structure. Nil searches the whole volume.
	Region *Box `yaml:"region,omitempty"`

	// Radius is the neighbourhood used to choose among bright voxels.
	Radius float64 `yaml:"radius"`
}

// NerveRingFinder locates the nerve ring.
type NerveRingFinder struct {
	params   NerveRingParams
	selector region.Selector
	logger   *slog.Logger
}

// NewNerveRingFinder validates params. A nil selector means region.Densest
// over params.Radius.
func NewNerveRingFinder(params NerveRingParams, selector region.Selector, logger *slog.Logger) (*NerveRingFinder, error) {
	if selector == nil {
		if params.Radius <= 0 {
			return nil, fmt.Errorf("%w: nerve ring radius %v", models.ErrPrecondition, params.Radius)
		}
		selector = region.Densest{Radius: params.Radius}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NerveRingFinder{params: params, selector: selector, logger: logger}, nil
}

// Find returns the nerve ring location. ok is false when no voxel in the
// search region reaches the threshold.
func (f *NerveRingFinder) Find(vol *models.Volume) (loc models.Point, ok bool, err error) {
	if err := vol.Validate(); err != nil {
		return models.Point{}, false, err
	}
	b := Box{Max: [3]int{vol.Width - 1, vol.Height - 1, vol.Depth - 1}}
	if f.params.Region != nil {
		b = *f.params.Region
	}
	if err := b.Within(vol); err != nil {
		return models.Point{}, false, err
	}
	var pts []models.Point
	for z := b.Min[2]; z <= b.Max[2]; z++ {
		for y := b.Min[1]; y <= b.Max[1]; y++ {
			for x := b.Min[0]; x <= b.Max[0]; x++ {
				if vol.At(x, y, z) >= f.params.Threshold {
					pts = append(pts, models.Point{X: float64(x), Y: float64(y), Z: float64(z)})
				}
			}
		}
	}
	f.logger.Debug("nerve ring candidates", "count", len(pts))
	return selectFrom(pts, f.selector)
}

func selectFrom(pts []models.Point, sel region.Selector) (models.Point, bool, error) {
	if len(pts) == 0 {
		return models.Point{}, false, nil
	}
	cloud, err := models.NewPointCloud(3, pts)
	if err != nil {
		return models.Point{}, false, err
	}
	s, err := sel.Select(cloud)
	if err != nil {
		return models.Point{}, false, err
	}
	return s.Location, true, nil
}
