package difficulty

import (
	"fmt"

	"wormfeatures/internal/models"
)

// LandmarkSource looks up recorded landmark positions. A missing record is
// reported with an error wrapping models.ErrNotFound.
type LandmarkSource interface {
	Landmark(kind models.LandmarkKind, frame, channel int) (models.LandmarkRecord, error)
}

// LandmarkScorer scores frame pairs by how far the HSN soma and the nerve
// ring moved between them.
type LandmarkScorer struct {
	Source  LandmarkSource
	Channel int

	// NerveRingWeight scales the nerve ring displacement relative to the HSN
	// displacement.
	NerveRingWeight float64

	// MaxFixedT is added to the moving frame index when two recordings were
	// concatenated and the moving one is numbered from zero.
	MaxFixedT int
}

// Score returns |hsn1-hsn2| + NerveRingWeight*|nr1-nr2|.
func (s LandmarkScorer) Score(fixed, moving int) (models.DifficultyScore, error) {
	moving += s.MaxFixedT

	dist := func(kind models.LandmarkKind) (float64, error) {
		a, err := s.Source.Landmark(kind, fixed, s.Channel)
		if err != nil {
			return 0, fmt.Errorf("%s at frame %d: %w", kind, fixed, err)
		}
		b, err := s.Source.Landmark(kind, moving, s.Channel)
		if err != nil {
			return 0, fmt.Errorf("%s at frame %d: %w", kind, moving, err)
		}
		return a.Position.Dist(b.Position), nil
	}

	hsn, err := dist(models.LandmarkHSN)
	if err != nil {
		return models.DifficultyScore{}, err
	}
	nr, err := dist(models.LandmarkNerveRing)
	if err != nil {
		return models.DifficultyScore{}, err
	}
	return models.DifficultyScore{
		Value: hsn + s.NerveRingWeight*nr,
		Metrics: map[string]float64{
			MetricHSNDistance: hsn,
			MetricNRDistance:  nr,
			MetricFixedFrame:  float64(fixed),
			MetricMovingFrame: float64(moving),
		},
	}, nil
}
