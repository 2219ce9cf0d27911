// Command replay-validate checks replay recording directories.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reallyoldfogie/replay-go/adapters"
	"github.com/reallyoldfogie/replay-go/internal/sim"
	"github.com/reallyoldfogie/replay-go/replay"
)

type result struct {
	report *replay.Report
	frames int
	err    error
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		verbose bool
		quiet   bool
		frames  bool
		jobs    int
	)
	cmd := &cobra.Command{
		Use:   "replay-validate <dir> [dir ...]",
		Short: "Validate replay recording directories",
		Long: "Checks replay.yml, the required side files and every segment of each\n" +
			"recording directory. Exits non-zero if any directory is invalid.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, dirs []string) error {
			if jobs < 1 {
				return errors.Errorf("--jobs must be at least 1, got %d", jobs)
			}
			level := zerolog.WarnLevel
			switch {
			case quiet:
				level = zerolog.Disabled
			case verbose:
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

			results := make([]result, len(dirs))
			var g errgroup.Group
			g.SetLimit(jobs)
			for i, dir := range dirs {
				g.Go(func() error {
					results[i] = validate(dir, frames, logger.With().Str("dir", dir).Logger())
					return nil
				})
			}
			_ = g.Wait()

			failed := 0
			for i, dir := range dirs {
				res := results[i]
				name := filepath.Base(dir)
				if res.err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "❌ %s: %v\n", name, res.err)
					continue
				}
				if quiet {
					continue
				}
				state := "valid"
				if !res.report.Complete {
					state = "valid, incomplete"
				}
				fmt.Printf("✅ %s: %s\n", name, state)
				if verbose {
					fmt.Printf("   %d segments, %s (%s uncompressed)\n", res.report.Segments,
						humanize.IBytes(uint64(res.report.CompressedSize)),
						humanize.IBytes(uint64(res.report.UncompressedSize)))
					if frames {
						fmt.Printf("   %d frames\n", res.frames)
					}
				}
			}

			if failed > 0 {
				return errors.Errorf("%d of %d replay directories are invalid", failed, len(dirs))
			}
			if !quiet && len(dirs) > 1 {
				fmt.Printf("\nAll %d replay directories are valid!\n", len(dirs))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	f.BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")
	f.BoolVar(&frames, "frames", false, "Also decode every frame with the toy simulation's message types")
	f.IntVarP(&jobs, "jobs", "j", runtime.NumCPU(), "Directories validated in parallel")
	return cmd
}

func validate(dir string, decodeFrames bool, log zerolog.Logger) result {
	fi, err := os.Stat(dir)
	if err != nil {
		return result{err: errors.New("directory not found")}
	}
	if !fi.IsDir() {
		return result{err: errors.New("not a directory")}
	}
	fsys := afero.NewBasePathFs(afero.NewOsFs(), dir)

	report, err := replay.ValidateDir(fsys, log)
	if err != nil {
		return result{report: report, err: err}
	}
	res := result{report: report}
	if decodeFrames {
		res.frames, res.err = countFrames(fsys, report)
	}
	return res
}

func countFrames(fsys afero.Fs, report *replay.Report) (int, error) {
	codec, _ := report.Metadata.Get(replay.KeyCompression)
	c, err := replay.ParseCodec(codec)
	if err != nil {
		return 0, err
	}
	d, err := replay.NewDecompressor(c)
	if err != nil {
		return 0, err
	}
	defer d.Close()

	ser := adapters.NewSerializer(sim.ChatMessage{}, adapters.PacketMessage{})
	if recorded, _ := report.Metadata.Get(replay.KeyTypeHash); recorded != hex.EncodeToString(ser.TypeHash()) {
		return 0, errors.Errorf("recorded with a different message registry (typeHash %s)", recorded)
	}
	total := 0
	for i := 0; i < report.Segments; i++ {
		payload, _, err := replay.ReadSegment(fsys, i, d)
		if err != nil {
			return total, err
		}
		frames, err := ser.ReadFrames(payload)
		total += len(frames)
		if err != nil {
			return total, errors.Wrapf(err, "segment %d", i)
		}
	}
	return total, nil
}
