// Package visualization renders diagnostic images of volumes, masks and
// detection results.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"wormfeatures/internal/models"
)

// Viewer extracts 2D images from a volume. Intensities are scaled so that the
// volume range maps onto the full 16-bit gray range.
type Viewer struct {
	vol      *models.Volume
	min, max float64
}

// NewViewer creates a viewer for vol.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vol.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return &Viewer{vol: vol, min: lo, max: hi}, nil
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.max <= v.min {
		return color.Gray16{}
	}
	scaled := (value - v.min) / (v.max - v.min)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts the plane at position along axis x, y or z.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.vol.Width, v.vol.Height, v.vol.Depth

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// MaxProjection returns the maximum intensity projection along z.
func (v *Viewer) MaxProjection() *image.Gray16 {
	w, h := v.vol.Width, v.vol.Height
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best := math.Inf(-1)
			for z := 0; z < v.vol.Depth; z++ {
				best = math.Max(best, v.vol.At(x, y, z))
			}
			img.SetGray16(x, y, v.gray(best))
		}
	}
	return img
}

// MaskProjection renders the voxels set anywhere along z as white.
func MaskProjection(m *models.Mask) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				if m.At(x, y, z) {
					img.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
	}
	return img
}

// SaveSliceSequence writes every plane along axis into outputDir as
// slice_<axis>_<nnn>.jpg.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var n int
	switch axis {
	case "x", "X":
		n = v.vol.Width
	case "y", "Y":
		n = v.vol.Height
	case "z", "Z":
		n = v.vol.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		if err := SaveImage(img, filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))); err != nil {
			return err
		}
	}
	return nil
}

// SaveImage writes img to filename. The format follows the extension.
func SaveImage(img image.Image, filename string) error {
	if err := imaging.Save(img, filename, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("failed to save %s: %w", filename, err)
	}
	return nil
}
