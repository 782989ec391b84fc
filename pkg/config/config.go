// Package config provides configuration loading and management for
// wormfeatures. It handles loading configuration from YAML files, provides
// default values and converts each section into the typed parameters of the
// component it configures.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/curve"
	"wormfeatures/pkg/density"
	"wormfeatures/pkg/head"
	"wormfeatures/pkg/hull"
	"wormfeatures/pkg/region"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input locates the per-frame data produced by upstream stages
	Input struct {
		// MHDDir is the directory holding the volumes, relative to the working directory
		MHDDir string `yaml:"mhdDir"`

		// ImagePrefix is the volume file prefix; frame t of channel c is
		// <prefix>_t<tttt>_ch<c>.mhd
		ImagePrefix string `yaml:"imagePrefix"`

		// CentroidFile is the centroid table (t,x,y,z per row)
		CentroidFile string `yaml:"centroidFile"`

		// Channel is the channel processed by default
		Channel int `yaml:"channel"`
	} `yaml:"input"`

	// Head detection parameters
	Head HeadConfig `yaml:"head"`

	// Gut granule mask parameters
	Gut DensityConfig `yaml:"gut"`

	// HSN soma detection parameters
	HSN HSNConfig `yaml:"hsn"`

	// Nerve ring detection parameters
	NerveRing NerveRingConfig `yaml:"nerveRing"`

	// Curve fitting parameters
	Curve CurveConfig `yaml:"curve"`

	// Registration difficulty parameters
	Difficulty struct {
		// NerveRingWeight weighs the nerve ring displacement against the HSN displacement
		NerveRingWeight float64 `yaml:"nerveRingWeight"`

		// MaxFixedT is added to moving frame indices when recordings were concatenated
		MaxFixedT int `yaml:"maxFixedT"`
	} `yaml:"difficulty"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many time points are processed in parallel
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir is where the result database is written
		Dir string `yaml:"dir"`

		// FigureDir enables diagnostic figures when non-empty
		FigureDir string `yaml:"figureDir"`

		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel"`

		// LogFormat is one of auto, console, json
		LogFormat string `yaml:"logFormat"`
	} `yaml:"output"`
}

// HeadConfig holds the head detection parameters. The i-th hull level uses
// DensityDivisors[i] and MaxDistances[i].
type HeadConfig struct {
	DensityDivisors []float64 `yaml:"densityDivisors"`
	MaxDistances    []float64 `yaml:"maxDistances"`

	// HeadThreshold and TailThreshold bound the hull divergence in pixels
	HeadThreshold float64 `yaml:"headThreshold"`
	TailThreshold float64 `yaml:"tailThreshold"`

	// MinCentroids is the population below which a frame is flagged
	MinCentroids int `yaml:"minCentroids"`

	// EdgeThreshold is the required clearance from the frame border in pixels
	EdgeThreshold float64 `yaml:"edgeThreshold"`

	CropMargin int     `yaml:"cropMargin"`
	GridStep   float64 `yaml:"gridStep"`
}

// DensityConfig is a (threshold, density, radius) triple as written in YAML.
type DensityConfig struct {
	Threshold float64 `yaml:"threshold"`
	Density   float64 `yaml:"density"`
	Radius    []int   `yaml:"radius"`
}

// HSNConfig holds the two-pass HSN parameters.
type HSNConfig struct {
	Outer           DensityConfig `yaml:"outer"`
	Inner           DensityConfig `yaml:"inner"`
	DetectionRadius float64       `yaml:"detectionRadius"`

	// Policy selects among candidates: densest or largest
	Policy string `yaml:"policy"`
}

// NerveRingConfig holds the nerve ring parameters. An empty region searches
// the whole volume.
type NerveRingConfig struct {
	Threshold float64 `yaml:"threshold"`
	RegionMin []int   `yaml:"regionMin,omitempty"`
	RegionMax []int   `yaml:"regionMax,omitempty"`
	Radius    float64 `yaml:"radius"`
	Policy    string  `yaml:"policy"`
}

// CurveConfig holds the curve parameters.
type CurveConfig struct {
	NumPoints int     `yaml:"numPoints"`
	HeadIndex int     `yaml:"headIndex"`
	TailIndex int     `yaml:"tailIndex"`
	Downscale int     `yaml:"downscale"`
	Threshold float64 `yaml:"threshold"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.MHDDir = "MHD"
	cfg.Input.ImagePrefix = "img"
	cfg.Input.CentroidFile = "centroids.csv"
	cfg.Input.Channel = 2

	cfg.Head = HeadConfig{
		DensityDivisors: []float64{10, 10, 30},
		MaxDistances:    []float64{30, 50, 50},
		HeadThreshold:   100,
		TailThreshold:   300,
		MinCentroids:    90,
		EdgeThreshold:   5,
		CropMargin:      10,
		GridStep:        1,
	}

	cfg.Gut = DensityConfig{Threshold: 300, Density: 0.4, Radius: []int{5, 5, 2}}

	cfg.HSN = HSNConfig{
		Outer:           DensityConfig{Threshold: 300, Density: 0.3, Radius: []int{10, 10, 3}},
		Inner:           DensityConfig{Threshold: 500, Density: 0.5, Radius: []int{2, 2, 1}},
		DetectionRadius: 5,
		Policy:          "densest",
	}

	cfg.NerveRing = NerveRingConfig{Threshold: 400, Radius: 10, Policy: "densest"}

	cfg.Curve = CurveConfig{NumPoints: 9, HeadIndex: 4, TailIndex: 7, Downscale: 3}

	cfg.Difficulty.NerveRingWeight = 1

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Dir = "out"
	cfg.Output.LogLevel = "info"
	cfg.Output.LogFormat = "auto"

	return cfg
}

// LoadConfig loads configuration from a YAML file and validates it.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate converts every section once so that a broken value is reported
// before any frame is processed. Errors wrap models.ErrPrecondition.
func (c *Config) Validate() error {
	if _, err := c.HeadParams(); err != nil {
		return fmt.Errorf("head: %w", err)
	}
	if _, err := c.GutParams(); err != nil {
		return fmt.Errorf("gut: %w", err)
	}
	if _, _, err := c.HSNParams(); err != nil {
		return fmt.Errorf("hsn: %w", err)
	}
	if _, _, err := c.NerveRingParams(); err != nil {
		return fmt.Errorf("nerveRing: %w", err)
	}
	if _, err := c.CurveParams(); err != nil {
		return fmt.Errorf("curve: %w", err)
	}
	if c.Curve.HeadIndex < 0 || c.Curve.HeadIndex >= c.Curve.TailIndex || c.Curve.TailIndex > c.Curve.NumPoints {
		return fmt.Errorf("curve: %w: indices head %d tail %d for %d body points",
			models.ErrPrecondition, c.Curve.HeadIndex, c.Curve.TailIndex, c.Curve.NumPoints)
	}
	if c.Difficulty.NerveRingWeight < 0 {
		return fmt.Errorf("difficulty: %w: negative nerve ring weight", models.ErrPrecondition)
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing: %w: numCores %d", models.ErrPrecondition, c.Processing.NumCores)
	}
	return nil
}

// HeadParams returns the head locator parameters with a checked hull schedule.
func (c *Config) HeadParams() (head.Params, error) {
	h := c.Head
	if len(h.DensityDivisors) != len(h.MaxDistances) {
		return head.Params{}, fmt.Errorf("%w: %d density divisors but %d max distances",
			models.ErrPrecondition, len(h.DensityDivisors), len(h.MaxDistances))
	}
	levels := make([]hull.Level, len(h.DensityDivisors))
	for i := range levels {
		levels[i] = hull.Level{DensityDivisor: h.DensityDivisors[i], MaxDistance: h.MaxDistances[i]}
	}
	sched, err := hull.NewSchedule(levels)
	if err != nil {
		return head.Params{}, err
	}
	if sched.Len() < 3 {
		return head.Params{}, fmt.Errorf("%w: need 3 hull levels, got %d", models.ErrPrecondition, sched.Len())
	}
	return head.Params{
		Levels:        sched,
		HeadThreshold: h.HeadThreshold,
		TailThreshold: h.TailThreshold,
		MinCentroids:  h.MinCentroids,
		EdgeThreshold: h.EdgeThreshold,
		CropMargin:    h.CropMargin,
		GridStep:      h.GridStep,
	}, nil
}

// Params converts the triple into density parameters.
func (d DensityConfig) Params() (density.Params, error) {
	r, err := density.Radius(d.Radius)
	if err != nil {
		return density.Params{}, err
	}
	p := density.Params{Threshold: d.Threshold, Density: d.Density, Radius: r}
	return p, p.Validate()
}

// GutParams returns the gut granule mask parameters.
func (c *Config) GutParams() (density.Params, error) {
	return c.Gut.Params()
}

// HSNParams returns the HSN parameters and the candidate selector.
func (c *Config) HSNParams() (density.HSNParams, region.Selector, error) {
	outer, err := c.HSN.Outer.Params()
	if err != nil {
		return density.HSNParams{}, nil, fmt.Errorf("outer: %w", err)
	}
	inner, err := c.HSN.Inner.Params()
	if err != nil {
		return density.HSNParams{}, nil, fmt.Errorf("inner: %w", err)
	}
	if c.HSN.DetectionRadius <= 0 {
		return density.HSNParams{}, nil, fmt.Errorf("%w: detection radius %v", models.ErrPrecondition, c.HSN.DetectionRadius)
	}
	sel, err := region.ByName(c.HSN.Policy, c.HSN.DetectionRadius)
	if err != nil {
		return density.HSNParams{}, nil, err
	}
	return density.HSNParams{Outer: outer, Inner: inner, DetectionRadius: c.HSN.DetectionRadius}, sel, nil
}

// NerveRingParams returns the nerve ring parameters and the selector.
func (c *Config) NerveRingParams() (density.NerveRingParams, region.Selector, error) {
	nr := c.NerveRing
	if nr.Radius <= 0 {
		return density.NerveRingParams{}, nil, fmt.Errorf("%w: radius %v", models.ErrPrecondition, nr.Radius)
	}
	p := density.NerveRingParams{Threshold: nr.Threshold, Radius: nr.Radius}
	if len(nr.RegionMin) > 0 || len(nr.RegionMax) > 0 {
		lo, err := density.Radius(nr.RegionMin)
		if err != nil {
			return density.NerveRingParams{}, nil, fmt.Errorf("regionMin: %w", err)
		}
		hi, err := density.Radius(nr.RegionMax)
		if err != nil {
			return density.NerveRingParams{}, nil, fmt.Errorf("regionMax: %w", err)
		}
		p.Region = &density.Box{Min: lo, Max: hi}
	}
	sel, err := region.ByName(nr.Policy, nr.Radius)
	if err != nil {
		return density.NerveRingParams{}, nil, err
	}
	return p, sel, nil
}

// CurveParams returns the curve model parameters.
func (c *Config) CurveParams() (curve.Params, error) {
	p := curve.Params{NumPoints: c.Curve.NumPoints, Downscale: c.Curve.Downscale, Threshold: c.Curve.Threshold}
	if p.NumPoints < 1 || p.Downscale < 0 {
		return curve.Params{}, fmt.Errorf("%w: curve points %d downscale %d", models.ErrPrecondition, p.NumPoints, p.Downscale)
	}
	return p, nil
}
