package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"wormfeatures/internal/models"
)

const skipConfigLoad = "skipConfigLoad"

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	ctx := newCommandContext(flags)

	root := &cobra.Command{
		Use:           "wormfeatures",
		Short:         "Detect head, landmarks and registration difficulty in worm recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfigLoad] == "true" {
				return nil
			}
			flags.channelSet = cmd.Flags().Changed("channel")
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "wormfeatures.yaml", "Configuration file")
	pf.StringVar(&flags.inputDir, "input", "", "Directory holding the MHD volumes")
	pf.StringVar(&flags.outputDir, "output", "", "Directory for the result database")
	pf.StringVar(&flags.figureDir, "figures", "", "Write diagnostic figures to this directory")
	pf.IntVar(&flags.channel, "channel", 0, "Channel to process")
	pf.IntVar(&flags.cores, "cores", 0, "Number of time points processed in parallel")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (auto, console, json)")

	root.AddCommand(
		newHeadCommand(ctx),
		newLandmarksCommand(ctx),
		newGutCommand(ctx),
		newDifficultyCommand(ctx),
		newSlicesCommand(ctx),
		newRunsCommand(ctx),
		newConfigCommand(),
	)
	return root
}

// parseFrames parses a comma separated list of time points and inclusive
// ranges such as "0-3,7". The result is sorted and free of duplicates.
func parseFrames(s string) ([]int, error) {
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.Index(part, "-"); i > 0 {
			lo, hi = part[:i], part[i+1:]
		}
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%w: bad frame %q", models.ErrPrecondition, part)
		}
		b, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("%w: bad frame %q", models.ErrPrecondition, part)
		}
		if a < 0 || b < a {
			return nil, fmt.Errorf("%w: bad frame range %q", models.ErrPrecondition, part)
		}
		for t := a; t <= b; t++ {
			seen[t] = true
		}
	}
	frames := make([]int, 0, len(seen))
	for t := range seen {
		frames = append(frames, t)
	}
	sort.Ints(frames)
	return frames, nil
}
