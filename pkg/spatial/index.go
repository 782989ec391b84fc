// Package spatial provides nearest-neighbour and radius queries over a point
// cloud. An Index is built once per frame and never modified.
package spatial

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"wormfeatures/internal/models"
)

// node is a cloud point tagged with its position in the source cloud
type node struct {
	models.Point
	idx int
}

// Compare implements the kdtree.Comparable interface
func (n node) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(node)
	switch d {
	case 0:
		return n.X - q.X
	case 1:
		return n.Y - q.Y
	case 2:
		return n.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree. Two-dimensional
// clouds carry Z = 0, so splitting on it is harmless.
func (n node) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two nodes
func (n node) Distance(c kdtree.Comparable) float64 {
	return n.Point.Dist2(c.(node).Point)
}

// nodes is a collection of node that satisfies kdtree.Interface
type nodes []node

func (p nodes) Index(i int) kdtree.Comparable        { return p[i] }
func (p nodes) Len() int                             { return len(p) }
func (p nodes) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p nodes) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{nodes: p, Dim: d}, kdtree.MedianOfRandoms(plane{nodes: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for nodes
type plane struct {
	nodes
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.nodes[i].X < p.nodes[j].X
	case 1:
		return p.nodes[i].Y < p.nodes[j].Y
	case 2:
		return p.nodes[i].Z < p.nodes[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{nodes: p.nodes[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.nodes[i], p.nodes[j] = p.nodes[j], p.nodes[i]
}

// Index answers radius and nearest-neighbour queries over a fixed cloud.
type Index struct {
	cloud models.PointCloud
	tree  *kdtree.Tree
}

// NewIndex builds an index over cloud. The cloud is copied; later changes to
// the caller's slice do not affect the index.
func NewIndex(cloud models.PointCloud) (*Index, error) {
	if cloud.Dims != 2 && cloud.Dims != 3 {
		return nil, fmt.Errorf("%w: index dimensionality %d", models.ErrPrecondition, cloud.Dims)
	}
	pts := make([]models.Point, len(cloud.Points))
	copy(pts, cloud.Points)
	ix := &Index{cloud: models.PointCloud{Dims: cloud.Dims, Points: pts}}
	if len(pts) == 0 {
		return ix, nil
	}
	data := make(nodes, len(pts))
	for i, p := range pts {
		if cloud.Dims == 2 {
			p.Z = 0
			ix.cloud.Points[i].Z = 0
		}
		data[i] = node{Point: p, idx: i}
	}
	ix.tree = kdtree.New(data, false)
	return ix, nil
}

// Dims returns the dimensionality of the indexed cloud.
func (ix *Index) Dims() int { return ix.cloud.Dims }

// Len returns the number of indexed points.
func (ix *Index) Len() int { return len(ix.cloud.Points) }

// Point returns the i-th point of the indexed cloud.
func (ix *Index) Point(i int) models.Point { return ix.cloud.Points[i] }

// Cloud returns the indexed cloud. Callers must not modify it.
func (ix *Index) Cloud() models.PointCloud { return ix.cloud }

func (ix *Index) check(center models.Point) error {
	if ix.cloud.Dims == 2 && center.Z != 0 {
		return fmt.Errorf("%w: 3D query point %v against 2D index", models.ErrPrecondition, center)
	}
	return nil
}

// Within returns the indices of all points within radius of center
// (inclusive), sorted ascending.
func (ix *Index) Within(center models.Point, radius float64) ([]int, error) {
	if err := ix.check(center); err != nil {
		return nil, err
	}
	if ix.tree == nil || radius < 0 {
		return nil, nil
	}
	keep := kdtree.NewDistKeeper(radius * radius)
	ix.tree.NearestSet(keep, node{Point: center, idx: -1})

	out := make([]int, 0, len(keep.Heap))
	for _, c := range keep.Heap {
		// The keeper is seeded with a nil sentinel at the radius.
		if c.Comparable == nil {
			continue
		}
		out = append(out, c.Comparable.(node).idx)
	}
	sort.Ints(out)
	return out, nil
}

// PointsWithin returns the points within radius of center.
func (ix *Index) PointsWithin(center models.Point, radius float64) ([]models.Point, error) {
	idx, err := ix.Within(center, radius)
	if err != nil {
		return nil, err
	}
	pts := make([]models.Point, len(idx))
	for i, j := range idx {
		pts[i] = ix.cloud.Points[j]
	}
	return pts, nil
}

// CountWithin returns the number of points within radius of center.
func (ix *Index) CountWithin(center models.Point, radius float64) (int, error) {
	idx, err := ix.Within(center, radius)
	return len(idx), err
}

// Nearest returns the index of the point closest to center and its distance.
// ok is false for an empty index.
func (ix *Index) Nearest(center models.Point) (i int, dist float64, ok bool, err error) {
	if err := ix.check(center); err != nil {
		return 0, 0, false, err
	}
	if ix.tree == nil {
		return 0, 0, false, nil
	}
	c, d2 := ix.tree.Nearest(node{Point: center, idx: -1})
	if c == nil {
		return 0, 0, false, nil
	}
	return c.(node).idx, math.Sqrt(d2), true, nil
}
