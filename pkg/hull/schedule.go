package hull

import (
	"fmt"
	"math"

	"wormfeatures/internal/models"
)

// Level is one sensitivity setting of the local hull. A point qualifies when
// at least ceil(N / DensityDivisor) of the N centroids lie within MaxDistance
// of it, so a larger divisor or a larger distance is more generous.
type Level struct {
	DensityDivisor float64 `yaml:"densityDivisor"`
	MaxDistance    float64 `yaml:"maxDistance"`
}

// MinCount returns the neighbour count a point needs at this level for a
// cloud of n centroids.
func (l Level) MinCount(n int) int {
	if l.DensityDivisor <= 0 {
		return n
	}
	return int(math.Ceil(float64(n) / l.DensityDivisor))
}

// Schedule is a sequence of levels ordered from strictest to most generous.
type Schedule struct {
	levels []Level
}

// NewSchedule validates that every level is at least as generous as the one
// before it in both parameters and strictly more generous in one of them.
func NewSchedule(levels []Level) (Schedule, error) {
	if len(levels) == 0 {
		return Schedule{}, fmt.Errorf("%w: empty hull schedule", models.ErrPrecondition)
	}
	for i, l := range levels {
		if l.DensityDivisor <= 0 || l.MaxDistance <= 0 {
			return Schedule{}, fmt.Errorf("%w: hull level %d has non-positive parameters %+v",
				models.ErrPrecondition, i+1, l)
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1]
		if l.DensityDivisor < prev.DensityDivisor || l.MaxDistance < prev.MaxDistance {
			return Schedule{}, fmt.Errorf("%w: hull level %d (%+v) is stricter than level %d (%+v)",
				models.ErrPrecondition, i+1, l, i, prev)
		}
		if l.DensityDivisor == prev.DensityDivisor && l.MaxDistance == prev.MaxDistance {
			return Schedule{}, fmt.Errorf("%w: hull levels %d and %d are identical",
				models.ErrPrecondition, i, i+1)
		}
	}
	return Schedule{levels: append([]Level(nil), levels...)}, nil
}

// UncheckedSchedule builds a schedule without ordering checks. It exists for
// experiments that deliberately violate the ordering.
func UncheckedSchedule(levels []Level) Schedule {
	return Schedule{levels: append([]Level(nil), levels...)}
}

// Len returns the number of levels.
func (s Schedule) Len() int { return len(s.levels) }

// Level returns level i, counted from 1 (strictest).
func (s Schedule) Level(i int) Level { return s.levels[i-1] }

// Levels returns a copy of the levels.
func (s Schedule) Levels() []Level { return append([]Level(nil), s.levels...) }
