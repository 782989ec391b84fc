// Package pipeline drives the detectors over ranges of time points and
// persists their results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/config"
	"wormfeatures/pkg/curve"
	"wormfeatures/pkg/density"
	"wormfeatures/pkg/difficulty"
	"wormfeatures/pkg/head"
	"wormfeatures/pkg/mhd"
	"wormfeatures/pkg/store"
	"wormfeatures/pkg/visualization"
)

// Row outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFlagged  = "flagged"
	OutcomeNotFound = "not_found"
)

// Difficulty methods.
const (
	MethodCurvature = "curvature"
	MethodLandmark  = "landmark"
)

// CentroidSource supplies the neuron centroids of a time point.
type CentroidSource interface {
	Cloud(t int) (models.PointCloud, error)
}

// Results persists detection results and run records.
type Results interface {
	difficulty.HeadSource
	difficulty.LandmarkSource
	PutHead(h models.HeadResult) error
	PutLandmark(rec models.LandmarkRecord) error
	PutDifficulty(rec store.DifficultyRecord) error
	BeginRun(command string) (uuid.UUID, error)
	FinishRun(id uuid.UUID, sum store.RunSummary) error
}

// Row is the outcome for one time point, or one pair for difficulty runs.
type Row struct {
	T, T2   int
	Outcome string
	Detail  string
	Value   float64

	pair bool
}

func (r Row) label() string {
	if r.pair {
		return fmt.Sprintf("t=%d-%d", r.T, r.T2)
	}
	return fmt.Sprintf("t=%d", r.T)
}

// Summary describes a finished run.
type Summary struct {
	Command  string
	RunID    uuid.UUID
	Frames   int
	Flagged  int
	NotFound int
	Elapsed  time.Duration
	Rows     []Row
}

// Runner executes batch commands. Frames are processed concurrently, up to
// the configured number of cores.
type Runner struct {
	cfg       *config.Config
	centroids CentroidSource
	volumes   mhd.Reader
	results   Results
	figures   *visualization.Figures
	logger    *slog.Logger

	locator   *head.Locator
	hsn       *density.HSNFinder
	nerveRing *density.NerveRingFinder
	gut       density.Params
	model     *curve.Model
	cache     *curve.Cache
}

// NewRunner builds the detectors from cfg. centroids may be nil when head
// detection is not run; figures may be nil.
func NewRunner(cfg *config.Config, centroids CentroidSource, volumes mhd.Reader, results Results,
	figures *visualization.Figures, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if volumes == nil || results == nil {
		return nil, fmt.Errorf("%w: runner needs a volume source and a result store", models.ErrPrecondition)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:       cfg,
		centroids: centroids,
		volumes:   volumes,
		results:   results,
		figures:   figures,
		logger:    logger,
		cache:     curve.NewCache(),
	}

	hp, err := cfg.HeadParams()
	if err != nil {
		return nil, err
	}
	if r.locator, err = head.NewLocator(hp, logger.With("component", "head")); err != nil {
		return nil, err
	}

	hsnParams, hsnSel, err := cfg.HSNParams()
	if err != nil {
		return nil, err
	}
	if r.hsn, err = density.NewHSNFinder(hsnParams, hsnSel, logger.With("component", "hsn")); err != nil {
		return nil, err
	}

	nrParams, nrSel, err := cfg.NerveRingParams()
	if err != nil {
		return nil, err
	}
	if r.nerveRing, err = density.NewNerveRingFinder(nrParams, nrSel, logger.With("component", "nerve_ring")); err != nil {
		return nil, err
	}

	if r.gut, err = cfg.GutParams(); err != nil {
		return nil, err
	}

	cp, err := cfg.CurveParams()
	if err != nil {
		return nil, err
	}
	var sink curve.FigureSink
	if figures != nil {
		sink = figures
	}
	if r.model, err = curve.NewModel(cp, sink, logger.With("component", "curve")); err != nil {
		return nil, err
	}
	return r, nil
}

// Cache returns the curve cache shared by curvature runs.
func (r *Runner) Cache() *curve.Cache { return r.cache }

func frameRows(frames []int) []Row {
	rows := make([]Row, len(frames))
	for i, t := range frames {
		rows[i] = Row{T: t}
	}
	return rows
}

// run records a run around fn applied to every row. Rows failing with
// ErrNotFound are kept and counted; any other error stops the run.
func (r *Runner) run(ctx context.Context, command string, rows []Row, fn func(ctx context.Context, row *Row) error) (Summary, error) {
	start := time.Now()
	id, err := r.results.BeginRun(command)
	if err != nil {
		return Summary{}, err
	}
	log := r.logger.With("command", command, "run", id.String())
	log.Info("run started", "items", len(rows), "workers", r.cfg.Processing.NumCores)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Processing.NumCores)
	for i := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := &rows[i]
			err := fn(gctx, row)
			if errors.Is(err, models.ErrNotFound) {
				row.Outcome = OutcomeNotFound
				row.Detail = err.Error()
				log.Warn("skipped", "item", row.label(), "reason", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", row.label(), err)
			}
			return nil
		})
	}
	err = g.Wait()

	sum := Summary{Command: command, RunID: id, Frames: len(rows), Rows: rows, Elapsed: time.Since(start)}
	for _, row := range rows {
		switch row.Outcome {
		case OutcomeFlagged:
			sum.Flagged++
		case OutcomeNotFound:
			sum.NotFound++
		}
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	if ferr := r.results.FinishRun(id, store.RunSummary{
		Status: status, Frames: sum.Frames, Flagged: sum.Flagged, NotFound: sum.NotFound,
	}); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		log.Error("run failed", "error", err)
		return sum, err
	}
	log.Info("run finished", "frames", sum.Frames, "flagged", sum.Flagged, "not_found", sum.NotFound,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
	return sum, nil
}

func (r *Runner) source(t, channel int) string {
	if d, ok := r.volumes.(mhd.Dir); ok {
		return d.Name(t, channel)
	}
	return models.CurveKey{Time: t, Channel: channel}.String()
}

// headerReader is implemented by volume sources that can report dimensions
// without decoding the payload.
type headerReader interface {
	Header(t, channel int) (mhd.Header, error)
}

func (r *Runner) imageSize(t, channel int) (head.ImageSize, error) {
	if hr, ok := r.volumes.(headerReader); ok {
		h, err := hr.Header(t, channel)
		if err != nil {
			return head.ImageSize{}, err
		}
		return head.ImageSize{Width: h.DimSize[0], Height: h.DimSize[1], Depth: h.DimSize[2]}, nil
	}
	vol, err := r.volumes.Volume(t, channel)
	if err != nil {
		return head.ImageSize{}, err
	}
	return head.ImageSize{Width: vol.Width, Height: vol.Height, Depth: vol.Depth}, nil
}

// Heads locates the head in every frame and stores the results.
func (r *Runner) Heads(ctx context.Context, frames []int, channel int) (Summary, error) {
	if r.centroids == nil {
		return Summary{}, fmt.Errorf("%w: head detection needs a centroid source", models.ErrPrecondition)
	}
	return r.run(ctx, "head", frameRows(frames), func(_ context.Context, row *Row) error {
		cloud, err := r.centroids.Cloud(row.T)
		if err != nil {
			return err
		}
		size, err := r.imageSize(row.T, channel)
		if err != nil {
			return err
		}
		res, err := r.locator.Locate(row.T, cloud, size)
		if err != nil {
			return err
		}
		if err := r.results.PutHead(res); err != nil {
			return err
		}
		if err := r.figures.Head(res, cloud); err != nil {
			r.logger.Warn("head figure failed", "t", row.T, "error", err)
		}

		row.Outcome = OutcomeOK
		row.Detail = res.Head.String()
		if !res.Flags.Empty() {
			row.Outcome = OutcomeFlagged
			row.Detail = res.Flags.String()
		}
		return nil
	})
}

// Landmarks finds the HSN soma and the nerve ring in every frame and stores
// the ones found.
func (r *Runner) Landmarks(ctx context.Context, frames []int, channel int) (Summary, error) {
	return r.run(ctx, "landmarks", frameRows(frames), func(_ context.Context, row *Row) error {
		vol, err := r.volumes.Volume(row.T, channel)
		if err != nil {
			return err
		}
		var missing []models.LandmarkKind
		for _, det := range []struct {
			kind models.LandmarkKind
			find func(*models.Volume) (models.Point, bool, error)
		}{
			{models.LandmarkHSN, r.hsn.Find},
			{models.LandmarkNerveRing, r.nerveRing.Find},
		} {
			loc, ok, err := det.find(vol)
			if err != nil {
				return fmt.Errorf("%s: %w", det.kind, err)
			}
			if !ok {
				missing = append(missing, det.kind)
				continue
			}
			err = r.results.PutLandmark(models.LandmarkRecord{
				Kind: det.kind, Frame: row.T, Channel: channel, Position: loc, Source: r.source(row.T, channel),
			})
			if err != nil {
				return err
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %v", models.ErrNotFound, missing)
		}
		row.Outcome = OutcomeOK
		return nil
	})
}

// Gut writes the gut granule mask of every frame as a volume of zeros and
// ones under <output>/gut.
func (r *Runner) Gut(ctx context.Context, frames []int, channel int) (Summary, error) {
	out := mhd.Dir{Path: filepath.Join(r.cfg.Output.Dir, "gut"), Prefix: "gut"}
	return r.run(ctx, "gut", frameRows(frames), func(_ context.Context, row *Row) error {
		vol, err := r.volumes.Volume(row.T, channel)
		if err != nil {
			return err
		}
		mask, err := density.GutGranuleMask(vol, r.gut)
		if err != nil {
			return err
		}
		maskVol := models.NewVolume(mask.Width, mask.Height, mask.Depth)
		maskVol.Spacing = vol.Spacing
		for i, b := range mask.Data {
			if b {
				maskVol.Data[i] = 1
			}
		}
		if err := out.Write(row.T, channel, maskVol); err != nil {
			return err
		}
		if err := r.figures.Mask(fmt.Sprintf("gut_t%04d_ch%d", row.T, channel), mask); err != nil {
			r.logger.Warn("mask figure failed", "t", row.T, "error", err)
		}
		row.Outcome = OutcomeOK
		row.Detail = fmt.Sprintf("%d voxels", mask.Count())
		row.Value = float64(mask.Count())
		return nil
	})
}

// Pair is a (fixed, moving) pair of time points.
type Pair struct{ T1, T2 int }

// Consecutive pairs each frame with the next one.
func Consecutive(frames []int) []Pair {
	var out []Pair
	for i := 1; i < len(frames); i++ {
		out = append(out, Pair{frames[i-1], frames[i]})
	}
	return out
}

// AllPairs returns every pair with T1 before T2 in frames.
func AllPairs(frames []int) []Pair {
	var out []Pair
	for i := range frames {
		for j := i + 1; j < len(frames); j++ {
			out = append(out, Pair{frames[i], frames[j]})
		}
	}
	return out
}

// Difficulty scores every pair with method and stores the scores.
func (r *Runner) Difficulty(ctx context.Context, pairs []Pair, channel int, method string) (Summary, error) {
	var score func(ctx context.Context, p Pair) (models.DifficultyScore, error)
	switch method {
	case MethodCurvature:
		s := &difficulty.CurvatureScorer{
			Model:     r.model,
			Cache:     r.cache,
			Heads:     r.results,
			Volumes:   r.volumes,
			HeadPt:    r.cfg.Curve.HeadIndex,
			TailPt:    r.cfg.Curve.TailIndex,
			MaxFixedT: r.cfg.Difficulty.MaxFixedT,
			Logger:    r.logger.With("component", "difficulty"),
		}
		score = func(ctx context.Context, p Pair) (models.DifficultyScore, error) {
			return s.Score(ctx, p.T1, p.T2, channel)
		}
	case MethodLandmark:
		s := difficulty.LandmarkScorer{
			Source:          r.results,
			Channel:         channel,
			NerveRingWeight: r.cfg.Difficulty.NerveRingWeight,
			MaxFixedT:       r.cfg.Difficulty.MaxFixedT,
		}
		score = func(_ context.Context, p Pair) (models.DifficultyScore, error) {
			return s.Score(p.T1, p.T2)
		}
	default:
		return Summary{}, fmt.Errorf("%w: unknown difficulty method %q", models.ErrPrecondition, method)
	}

	rows := make([]Row, len(pairs))
	for i, p := range pairs {
		rows[i] = Row{T: p.T1, T2: p.T2, pair: true}
	}
	return r.run(ctx, "difficulty:"+method, rows, func(ctx context.Context, row *Row) error {
		sc, err := score(ctx, Pair{row.T, row.T2})
		if err != nil {
			return err
		}
		err = r.results.PutDifficulty(store.DifficultyRecord{
			Method: method, T1: row.T, T2: row.T2, Channel: channel, Score: sc,
		})
		if err != nil {
			return err
		}
		row.Outcome = OutcomeOK
		row.Value = sc.Value
		return nil
	})
}
