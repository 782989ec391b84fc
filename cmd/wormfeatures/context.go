package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"wormfeatures/internal/logging"
	"wormfeatures/pkg/centroids"
	"wormfeatures/pkg/config"
	"wormfeatures/pkg/mhd"
	"wormfeatures/pkg/pipeline"
	"wormfeatures/pkg/store"
	"wormfeatures/pkg/visualization"
)

// globalFlags are the persistent flags shared by every command. Non-zero
// values override the configuration file; the channel overrides it whenever
// the flag was given.
type globalFlags struct {
	configPath string
	inputDir   string
	outputDir  string
	figureDir  string
	channel    int
	channelSet bool
	cores      int
	logLevel   string
	logFormat  string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.LoadConfig(strings.TrimSpace(c.flags.configPath))
		if err != nil {
			c.configErr = err
			return
		}
		f := c.flags
		if f.inputDir != "" {
			cfg.Input.MHDDir = f.inputDir
		}
		if f.outputDir != "" {
			cfg.Output.Dir = f.outputDir
		}
		if f.figureDir != "" {
			cfg.Output.FigureDir = f.figureDir
		}
		if f.channelSet {
			cfg.Input.Channel = f.channel
		}
		if f.cores > 0 {
			cfg.Processing.NumCores = f.cores
		}
		if f.logLevel != "" {
			cfg.Output.LogLevel = f.logLevel
		}
		if f.logFormat != "" {
			cfg.Output.LogFormat = f.logFormat
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// session holds everything a batch command needs. Close releases the store.
type session struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	runner    *pipeline.Runner
	centroids *centroids.Table
}

func (s *session) Close() error { return s.store.Close() }

// openSession loads the configuration, opens the result store and builds a
// runner. The centroid table is loaded only when withCentroids is set.
func (c *commandContext) openSession(withCentroids bool) (*session, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Output.LogLevel, Format: cfg.Output.LogFormat})
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger}
	var source pipeline.CentroidSource
	if withCentroids {
		if s.centroids, err = centroids.Load(cfg.Input.CentroidFile); err != nil {
			return nil, fmt.Errorf("failed to load centroids: %w", err)
		}
		source = s.centroids
	}

	var figures *visualization.Figures
	if cfg.Output.FigureDir != "" {
		if figures, err = visualization.NewFigures(cfg.Output.FigureDir, logger); err != nil {
			return nil, err
		}
	}

	if s.store, err = store.Open(cfg.Output.Dir, logger); err != nil {
		return nil, err
	}
	volumes := mhd.Dir{Path: cfg.Input.MHDDir, Prefix: cfg.Input.ImagePrefix}
	if s.runner, err = pipeline.NewRunner(cfg, source, volumes, s.store, figures, logger); err != nil {
		s.store.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}
