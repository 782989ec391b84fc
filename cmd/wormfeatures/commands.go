package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"wormfeatures/internal/models"
	"wormfeatures/pkg/config"
	"wormfeatures/pkg/mhd"
	"wormfeatures/pkg/pipeline"
	"wormfeatures/pkg/visualization"
)

// frameFlag is the --frames value of a batch command.
type frameFlag struct{ value string }

func (f *frameFlag) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.value, "frames", "", `Time points, e.g. "0-99" or "3,7,9" (default: all available)`)
}

// resolve returns the requested frames, or fallback() when none were given.
func (f *frameFlag) resolve(fallback func() ([]int, error)) ([]int, error) {
	if f.value != "" {
		return parseFrames(f.value)
	}
	frames, err := fallback()
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames to process", models.ErrNotFound)
	}
	return frames, nil
}

func volumeTimes(s *session) func() ([]int, error) {
	return func() ([]int, error) {
		return mhd.Dir{Path: s.cfg.Input.MHDDir, Prefix: s.cfg.Input.ImagePrefix}.Times(s.cfg.Input.Channel)
	}
}

func printSummary(cmd *cobra.Command, sum pipeline.Summary, pairs bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, frameTable(sum, pairs))
	fmt.Fprintln(out, summaryLine(sum))
}

func newHeadCommand(ctx *commandContext) *cobra.Command {
	var frames frameFlag
	cmd := &cobra.Command{
		Use:   "head",
		Short: "Locate the head in each frame from the neuron centroids",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()
			ts, err := frames.resolve(func() ([]int, error) { return s.centroids.Times(), nil })
			if err != nil {
				return err
			}
			sum, err := s.runner.Heads(cmd.Context(), ts, s.cfg.Input.Channel)
			if err != nil {
				return err
			}
			printSummary(cmd, sum, false)
			return nil
		},
	}
	frames.register(cmd)
	return cmd
}

func newLandmarksCommand(ctx *commandContext) *cobra.Command {
	var frames frameFlag
	cmd := &cobra.Command{
		Use:   "landmarks",
		Short: "Detect the HSN soma and the nerve ring in each frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			ts, err := frames.resolve(volumeTimes(s))
			if err != nil {
				return err
			}
			sum, err := s.runner.Landmarks(cmd.Context(), ts, s.cfg.Input.Channel)
			if err != nil {
				return err
			}
			printSummary(cmd, sum, false)
			return nil
		},
	}
	frames.register(cmd)
	return cmd
}

func newGutCommand(ctx *commandContext) *cobra.Command {
	var frames frameFlag
	cmd := &cobra.Command{
		Use:   "gut",
		Short: "Write the gut granule mask of each frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			ts, err := frames.resolve(volumeTimes(s))
			if err != nil {
				return err
			}
			sum, err := s.runner.Gut(cmd.Context(), ts, s.cfg.Input.Channel)
			if err != nil {
				return err
			}
			printSummary(cmd, sum, false)
			return nil
		},
	}
	frames.register(cmd)
	return cmd
}

func newDifficultyCommand(ctx *commandContext) *cobra.Command {
	var (
		frames frameFlag
		method string
		pairs  string
	)
	cmd := &cobra.Command{
		Use:   "difficulty",
		Short: "Score how hard frame pairs are to register",
		RunE: func(cmd *cobra.Command, args []string) error {
			var build func([]int) []pipeline.Pair
			switch pairs {
			case "consecutive":
				build = pipeline.Consecutive
			case "all":
				build = pipeline.AllPairs
			default:
				return fmt.Errorf("%w: unknown pair mode %q", models.ErrPrecondition, pairs)
			}
			s, err := ctx.openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			ts, err := frames.resolve(volumeTimes(s))
			if err != nil {
				return err
			}
			sum, err := s.runner.Difficulty(cmd.Context(), build(ts), s.cfg.Input.Channel, method)
			if err != nil {
				return err
			}
			printSummary(cmd, sum, true)
			return nil
		},
	}
	frames.register(cmd)
	cmd.Flags().StringVar(&method, "method", pipeline.MethodCurvature, "Scoring method (curvature, landmark)")
	cmd.Flags().StringVar(&pairs, "pairs", "consecutive", "Pairs to score (consecutive, all)")
	return cmd
}

func newSlicesCommand(ctx *commandContext) *cobra.Command {
	var (
		axes []string
		dir  string
	)
	cmd := &cobra.Command{
		Use:   "slices FRAME",
		Short: "Export every plane of a volume as JPEG images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: bad frame %q", models.ErrPrecondition, args[0])
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			vol, err := mhd.Dir{Path: cfg.Input.MHDDir, Prefix: cfg.Input.ImagePrefix}.Volume(t, cfg.Input.Channel)
			if err != nil {
				return err
			}
			viewer, err := visualization.NewViewer(vol)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = filepath.Join(cfg.Output.Dir, fmt.Sprintf("slices_t%04d", t))
			}
			for _, axis := range axes {
				if err := viewer.SaveSliceSequence(axis, filepath.Join(dir, axis)); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Slices written to %s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&axes, "axis", []string{"x", "y", "z"}, "Axes to slice along")
	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (default: <output>/slices_tNNNN)")
	return cmd
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			runs, err := s.store.Runs()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []string{
					r.ID.String(), r.Command, r.StartedAt.Format("2006-01-02 15:04:05"), finished, r.Status,
					strconv.Itoa(r.Frames), strconv.Itoa(r.Flagged), strconv.Itoa(r.NotFound),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Command", "Started", "Finished", "Status", "Frames", "Flagged", "Not found"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	var (
		path      string
		overwrite bool
	)
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a configuration file with default values",
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = cmd.Flag("config").Value.String()
			}
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --overwrite to replace it)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "Destination (default: the --config path)")
	initCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
