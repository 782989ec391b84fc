// Package region picks the dominant group out of a set of candidate points
// that survived density filtering.
package region

import (
	"fmt"
	"sort"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/spatial"
)

// Selection is the outcome of a selector: the landmark location and the
// candidate points that support it, in candidate order.
type Selection struct {
	Location models.Point
	Members  []models.Point
}

// Selector chooses one location from a cloud of candidates. An empty cloud
// yields an error wrapping models.ErrNotFound.
type Selector interface {
	Select(candidates models.PointCloud) (Selection, error)
}

// Densest selects the candidate with the most other candidates within Radius.
type Densest struct {
	Radius float64
}

// Select implements Selector.
func (d Densest) Select(candidates models.PointCloud) (Selection, error) {
	if d.Radius <= 0 {
		return Selection{}, fmt.Errorf("%w: densest selection radius %v", models.ErrPrecondition, d.Radius)
	}
	if candidates.Len() == 0 {
		return Selection{}, fmt.Errorf("%w: no candidates to select from", models.ErrNotFound)
	}
	ix, err := spatial.NewIndex(candidates)
	if err != nil {
		return Selection{}, err
	}
	frame := candidates.Centroid()

	best, bestCount, bestDist := -1, -1, 0.0
	for i, p := range candidates.Points {
		n, err := ix.CountWithin(p, d.Radius)
		if err != nil {
			return Selection{}, err
		}
		dist := p.Dist2(frame)
		if n > bestCount || (n == bestCount && dist < bestDist) {
			best, bestCount, bestDist = i, n, dist
		}
	}

	loc := candidates.Points[best]
	members, err := ix.PointsWithin(loc, d.Radius)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Location: loc, Members: members}, nil
}

// LargestCluster links candidates closer than LinkRadius into clusters and
// selects the cluster with the most members. Its location is the cluster
// centroid.
type LargestCluster struct {
	LinkRadius float64
}

// Select implements Selector.
func (c LargestCluster) Select(candidates models.PointCloud) (Selection, error) {
	if c.LinkRadius <= 0 {
		return Selection{}, fmt.Errorf("%w: cluster link radius %v", models.ErrPrecondition, c.LinkRadius)
	}
	if candidates.Len() == 0 {
		return Selection{}, fmt.Errorf("%w: no candidates to select from", models.ErrNotFound)
	}
	groups, err := Clusters(candidates, c.LinkRadius)
	if err != nil {
		return Selection{}, err
	}
	frame := candidates.Centroid()

	var best Selection
	bestSize, bestDist := -1, 0.0
	for _, g := range groups {
		members := make([]models.Point, len(g))
		for k, i := range g {
			members[k] = candidates.Points[i]
		}
		centroid := models.Centroid(members)
		dist := centroid.Dist2(frame)
		if len(g) > bestSize || (len(g) == bestSize && dist < bestDist) {
			best = Selection{Location: centroid, Members: members}
			bestSize, bestDist = len(g), dist
		}
	}
	return best, nil
}

// Clusters partitions the candidates into single-linkage groups: two points
// share a group when a chain of links no longer than linkRadius joins them.
// Each group lists candidate indices in ascending order, and groups are
// ordered by their smallest index.
func Clusters(candidates models.PointCloud, linkRadius float64) ([][]int, error) {
	ix, err := spatial.NewIndex(candidates)
	if err != nil {
		return nil, err
	}
	uf := newUnionFind(candidates.Len())
	for i, p := range candidates.Points {
		nbrs, err := ix.Within(p, linkRadius)
		if err != nil {
			return nil, err
		}
		for _, j := range nbrs {
			uf.union(i, j)
		}
	}

	byRoot := make(map[int][]int)
	for i := 0; i < candidates.Len(); i++ {
		r := uf.find(i)
		byRoot[r] = append(byRoot[r], i)
	}
	groups := make([][]int, 0, len(byRoot))
	for _, g := range byRoot {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })
	return groups, nil
}

// ByName returns the selector registered under name with the given radius.
func ByName(name string, radius float64) (Selector, error) {
	switch name {
	case "", "densest":
		return Densest{Radius: radius}, nil
	case "largest":
		return LargestCluster{LinkRadius: radius}, nil
	default:
		return nil, fmt.Errorf("%w: unknown selection policy %q", models.ErrPrecondition, name)
	}
}
