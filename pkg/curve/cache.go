package curve

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"wormfeatures/internal/models"
)

// Cache stores fitted curves by (time, channel). The first caller for a key
// computes the curve; concurrent callers for the same key wait for and share
// that result. Entries are never replaced, and failed computations are not
// stored.
type Cache struct {
	mu     sync.RWMutex
	curves map[models.CurveKey]models.WormCurve
	group  singleflight.Group
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{curves: make(map[models.CurveKey]models.WormCurve)}
}

// Get returns the cached curve for key.
func (c *Cache) Get(key models.CurveKey) (models.WormCurve, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	curve, ok := c.curves[key]
	if !ok {
		return models.WormCurve{}, false
	}
	return clone(curve), true
}

// GetOrCompute returns the cached curve for key, calling compute on a miss.
func (c *Cache) GetOrCompute(key models.CurveKey, compute func() (models.WormCurve, error)) (models.WormCurve, error) {
	if curve, ok := c.Get(key); ok {
		return curve, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A caller that lost the race to an earlier flight finds it here.
		if curve, ok := c.Get(key); ok {
			return curve, nil
		}
		curve, err := compute()
		if err != nil {
			return nil, err
		}
		curve = clone(curve)
		curve.Key = key
		c.mu.Lock()
		c.curves[key] = curve
		c.mu.Unlock()
		return curve, nil
	})
	if err != nil {
		return models.WormCurve{}, err
	}
	return clone(v.(models.WormCurve)), nil
}

// Len returns the number of cached curves.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.curves)
}

func clone(c models.WormCurve) models.WormCurve {
	c.Points = append([]models.Point(nil), c.Points...)
	return c
}
