// Package mhd reads and writes MetaImage volumes: a text header (.mhd) next
// to a raw voxel payload.
package mhd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"wormfeatures/internal/models"
)

// Header holds the MetaImage keys this package understands.
type Header struct {
	NDims       int
	DimSize     [3]int
	ElementType string
	Spacing     [3]float64
	DataFile    string
	MSB         bool
}

var elementSizes = map[string]int{
	"MET_UCHAR":  1,
	"MET_USHORT": 2,
	"MET_SHORT":  2,
	"MET_FLOAT":  4,
	"MET_DOUBLE": 8,
}

// ReadHeader parses the header at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	h := Header{DimSize: [3]int{1, 1, 1}}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Header{}, fmt.Errorf("%s: malformed header line %q", path, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "ObjectType":
			if value != "Image" {
				return Header{}, fmt.Errorf("%s: unsupported object type %q", path, value)
			}
		case "NDims":
			if h.NDims, err = strconv.Atoi(value); err != nil {
				return Header{}, fmt.Errorf("%s: NDims: %w", path, err)
			}
		case "DimSize":
			if err := parseInts(value, h.DimSize[:]); err != nil {
				return Header{}, fmt.Errorf("%s: DimSize: %w", path, err)
			}
		case "ElementSpacing", "ElementSize":
			if err := parseFloats(value, h.Spacing[:]); err != nil {
				return Header{}, fmt.Errorf("%s: %s: %w", path, key, err)
			}
		case "ElementType":
			h.ElementType = value
		case "ElementDataFile":
			h.DataFile = value
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			h.MSB = strings.EqualFold(value, "true")
		}
		// ElementDataFile closes the header
		if key == "ElementDataFile" {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return Header{}, err
	}

	if h.NDims != 2 && h.NDims != 3 {
		return Header{}, fmt.Errorf("%s: unsupported NDims %d", path, h.NDims)
	}
	if _, ok := elementSizes[h.ElementType]; !ok {
		return Header{}, fmt.Errorf("%s: unsupported element type %q", path, h.ElementType)
	}
	if h.DataFile == "" || h.DataFile == "LOCAL" || h.DataFile == "LIST" {
		return Header{}, fmt.Errorf("%s: unsupported data file %q", path, h.DataFile)
	}
	return h, nil
}

func parseInts(s string, dst []int) error {
	fields := strings.Fields(s)
	if len(fields) > len(dst) {
		return fmt.Errorf("too many values in %q", s)
	}
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func parseFloats(s string, dst []float64) error {
	fields := strings.Fields(s)
	if len(fields) > len(dst) {
		return fmt.Errorf("too many values in %q", s)
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

// Read loads the volume described by the header at path. Two-dimensional
// images become volumes of depth one.
func Read(path string) (*models.Volume, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	rawPath := h.DataFile
	if !filepath.IsAbs(rawPath) {
		rawPath = filepath.Join(filepath.Dir(path), rawPath)
	}
	raw, err := os.ReadFile(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload for %s: %w", path, err)
	}

	vol := models.NewVolume(h.DimSize[0], h.DimSize[1], h.DimSize[2])
	vol.Spacing = h.Spacing
	size := elementSizes[h.ElementType]
	if want := len(vol.Data) * size; len(raw) != want {
		return nil, fmt.Errorf("%s: payload has %d bytes, header implies %d", path, len(raw), want)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if h.MSB {
		order = binary.BigEndian
	}
	for i := range vol.Data {
		b := raw[i*size : (i+1)*size]
		switch h.ElementType {
		case "MET_UCHAR":
			vol.Data[i] = float64(b[0])
		case "MET_USHORT":
			vol.Data[i] = float64(order.Uint16(b))
		case "MET_SHORT":
			vol.Data[i] = float64(int16(order.Uint16(b)))
		case "MET_FLOAT":
			vol.Data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "MET_DOUBLE":
			vol.Data[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return vol, nil
}

// Write stores vol as a MET_FLOAT image at path, with the payload in a .raw
// file next to it.
func Write(path string, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}
	rawName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".raw"

	spacing := vol.Spacing
	for i := range spacing {
		if spacing[i] == 0 {
			spacing[i] = 1
		}
	}
	header := fmt.Sprintf("ObjectType = Image\nNDims = 3\nDimSize = %d %d %d\n"+
		"ElementSpacing = %g %g %g\nElementType = MET_FLOAT\nBinaryData = True\n"+
		"BinaryDataByteOrderMSB = False\nElementDataFile = %s\n",
		vol.Width, vol.Height, vol.Depth, spacing[0], spacing[1], spacing[2], rawName)
	if err := os.WriteFile(path, []byte(header), 0644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	file, err := os.Create(filepath.Join(filepath.Dir(path), rawName))
	if err != nil {
		return fmt.Errorf("failed to create payload file: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	buf := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		buf[i] = float32(v)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Close()
}

// Reader supplies the volume for a time point and channel.
type Reader interface {
	Volume(t, channel int) (*models.Volume, error)
}

// Dir reads volumes named <Prefix>_t<tttt>_ch<c>.mhd from a directory.
type Dir struct {
	Path   string
	Prefix string
}

// Name returns the header file name for a time point and channel.
func (d Dir) Name(t, channel int) string {
	return fmt.Sprintf("%s_t%04d_ch%d.mhd", d.Prefix, t, channel)
}

// Volume reads the volume for t and channel. A missing file is ErrNotFound.
func (d Dir) Volume(t, channel int) (*models.Volume, error) {
	path := filepath.Join(d.Path, d.Name(t, channel))
	vol, err := Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: volume %s", models.ErrNotFound, path)
	}
	return vol, err
}

// Header reads only the header for t and channel. A missing file is
// ErrNotFound.
func (d Dir) Header(t, channel int) (Header, error) {
	path := filepath.Join(d.Path, d.Name(t, channel))
	h, err := ReadHeader(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Header{}, fmt.Errorf("%w: volume %s", models.ErrNotFound, path)
	}
	return h, err
}

// Write stores vol under the name for t and channel.
func (d Dir) Write(t, channel int, vol *models.Volume) error {
	return Write(filepath.Join(d.Path, d.Name(t, channel)), vol)
}

// Times lists the time points present for channel, in increasing order.
func (d Dir) Times(channel int) ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(d.Path, d.Prefix+"_t*_ch"+strconv.Itoa(channel)+".mhd"))
	if err != nil {
		return nil, err
	}
	var times []int
	for _, m := range matches {
		var t, ch int
		if _, err := fmt.Sscanf(filepath.Base(m), d.Prefix+"_t%d_ch%d.mhd", &t, &ch); err != nil || ch != channel {
			continue
		}
		times = append(times, t)
	}
	sort.Ints(times)
	return times, nil
}
