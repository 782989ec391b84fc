// Package centroids loads per-time-point neuron centroid clouds from a CSV
// table with rows t,x,y or t,x,y,z. A leading header row is skipped.
package centroids

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"wormfeatures/internal/models"
)

// Table maps time points to centroid clouds.
type Table struct {
	dims   int
	clouds map[int][]models.Point
}

// Load reads the table at path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tbl, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tbl, nil
}

// Parse reads a table from r. All rows must have the same number of columns.
func Parse(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.FieldsPerRecord = -1

	tbl := &Table{clouds: make(map[int][]models.Point)}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		if len(rec) != 3 && len(rec) != 4 {
			return nil, fmt.Errorf("line %d: expected 3 or 4 columns, got %d", line, len(rec))
		}
		if tbl.dims == 0 {
			tbl.dims = len(rec) - 1
		} else if tbl.dims != len(rec)-1 {
			return nil, fmt.Errorf("line %d: mixed 2D and 3D rows", line)
		}

		vals := make([]float64, len(rec))
		for i, field := range rec {
			if vals[i], err = strconv.ParseFloat(strings.TrimSpace(field), 64); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		t := int(vals[0])
		if float64(t) != vals[0] || t < 0 {
			return nil, fmt.Errorf("line %d: invalid time point %v", line, vals[0])
		}
		p := models.Point{X: vals[1], Y: vals[2]}
		if len(vals) == 4 {
			p.Z = vals[3]
		}
		tbl.clouds[t] = append(tbl.clouds[t], p)
	}
	return tbl, nil
}

func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	return err != nil
}

// Dims returns the dimensionality of the stored clouds. An empty table
// reports 2.
func (t *Table) Dims() int {
	if t.dims == 0 {
		return 2
	}
	return t.dims
}

// Times returns the time points present, ascending.
func (t *Table) Times() []int {
	out := make([]int, 0, len(t.clouds))
	for k := range t.clouds {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Cloud returns the centroids of time point tp.
func (t *Table) Cloud(tp int) (models.PointCloud, error) {
	pts, ok := t.clouds[tp]
	if !ok {
		return models.PointCloud{}, fmt.Errorf("%w: centroids for t=%d", models.ErrNotFound, tp)
	}
	return models.NewPointCloud(t.Dims(), pts)
}
