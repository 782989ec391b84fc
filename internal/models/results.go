package models

import (
	"fmt"
	"math"
	"strings"
)

// QualityFlag marks a detection result as potentially unreliable. Flags never
// block output.
type QualityFlag uint8

const (
	// FlagHeadMismatch is raised when hulls 2 and 3 disagree on the head tip
	FlagHeadMismatch QualityFlag = 1 << iota
	// FlagTailMismatch is raised when hulls 2 and 3 disagree on the tail tip
	FlagTailMismatch
	// FlagLowPopulation is raised when too few centroids were detected
	FlagLowPopulation
	// FlagNearEdge is raised when the worm comes too close to the frame border
	FlagNearEdge
)

// AllFlags is the full flag set, emitted when no geometry could be derived.
const AllFlags = FlagSet(FlagHeadMismatch | FlagTailMismatch | FlagLowPopulation | FlagNearEdge)

var flagNames = []struct {
	flag QualityFlag
	name string
}{
	{FlagHeadMismatch, "head_mismatch"},
	{FlagTailMismatch, "tail_mismatch"},
	{FlagLowPopulation, "low_population"},
	{FlagNearEdge, "near_edge"},
}

func (f QualityFlag) String() string {
	for _, fn := range flagNames {
		if fn.flag == f {
			return fn.name
		}
	}
	return fmt.Sprintf("flag(%d)", uint8(f))
}

// FlagSet is a set of quality flags. The zero value is the empty (clean) set.
type FlagSet uint8

// Add returns the set with f included.
func (s FlagSet) Add(f QualityFlag) FlagSet { return s | FlagSet(f) }

// Has reports whether f is in the set.
func (s FlagSet) Has(f QualityFlag) bool { return s&FlagSet(f) != 0 }

// Empty reports whether no flag is set.
func (s FlagSet) Empty() bool { return s == 0 }

// Flags lists the members of the set in a stable order.
func (s FlagSet) Flags() []QualityFlag {
	var out []QualityFlag
	for _, fn := range flagNames {
		if s.Has(fn.flag) {
			out = append(out, fn.flag)
		}
	}
	return out
}

// String renders the set as a comma separated list, empty for a clean set.
func (s FlagSet) String() string {
	names := make([]string, 0, 4)
	for _, f := range s.Flags() {
		names = append(names, f.String())
	}
	return strings.Join(names, ",")
}

// ParseFlagSet is the inverse of FlagSet.String.
func ParseFlagSet(s string) (FlagSet, error) {
	var set FlagSet
	if strings.TrimSpace(s) == "" {
		return set, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for _, fn := range flagNames {
			if fn.name == part {
				set = set.Add(fn.flag)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown quality flag %q", part)
		}
	}
	return set, nil
}

// HeadResult is the per-time-point outcome of head location. It is created
// once and not modified afterwards.
type HeadResult struct {
	Time int

	// Head is the tip of the nose, Tail the opposite extremity
	Head Point
	Tail Point

	Flags FlagSet

	// CropX, CropY, CropZ are inclusive voxel ranges containing the worm
	CropX, CropY, CropZ [2]int

	// Theta is the angle in radians of the head-to-tail axis measured from +x.
	// Rotating by -Theta aligns the worm with the x axis.
	Theta float64

	// Centroid is the centroid of the worm
	Centroid Point
}

// Align rotates p by -Theta about the worm centroid in the x-y plane.
func (h HeadResult) Align(p Point) Point {
	s, c := math.Sincos(-h.Theta)
	d := p.Sub(h.Centroid)
	return Point{
		X: h.Centroid.X + c*d.X - s*d.Y,
		Y: h.Centroid.Y + s*d.X + c*d.Y,
		Z: p.Z,
	}
}

// LandmarkKind names a tracked landmark.
type LandmarkKind string

const (
	LandmarkHSN       LandmarkKind = "hsn"
	LandmarkNerveRing LandmarkKind = "nerve_ring"
)

// LandmarkRecord is one detected landmark for one frame.
type LandmarkRecord struct {
	Kind     LandmarkKind
	Frame    int
	Channel  int
	Position Point
	// Source optionally names the volume the landmark was detected in
	Source string
}

// CurveKey identifies a worm curve.
type CurveKey struct {
	Time    int
	Channel int
}

func (k CurveKey) String() string { return fmt.Sprintf("t%04d_ch%d", k.Time, k.Channel) }

// WormCurve is an ordered head-to-tail skeleton approximation. Points[0] is
// the head.
type WormCurve struct {
	Key    CurveKey
	Points []Point
}

// Len returns the number of points on the curve, head included.
func (c WormCurve) Len() int { return len(c.Points) }

// DifficultyScore is a non-negative registration difficulty together with the
// intermediate quantities that produced it.
type DifficultyScore struct {
	Value   float64
	Metrics map[string]float64
}
