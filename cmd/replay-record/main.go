// Command replay-record runs the toy simulation and records it into a
// replay directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pk "github.com/Tnze/go-mc/net/packet"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reallyoldfogie/replay-go/adapters"
	"github.com/reallyoldfogie/replay-go/config"
	"github.com/reallyoldfogie/replay-go/internal/sim"
	"github.com/reallyoldfogie/replay-go/replay"
	"github.com/reallyoldfogie/replay-go/replay/recorder"
)

// keepAliveID is the clientbound keep-alive packet id sent every second of
// simulated time.
const keepAliveID = 0x24

type options struct {
	configPath string
	path       string
	overwrite  bool
	duration   time.Duration
	ticks      int
	tickRate   int
	entities   int
	seed       uint64
	logLevel   string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "replay-record",
		Short: "Record the toy simulation into a replay directory",
		Long: "Runs a deterministic toy world and records every tick into\n" +
			"<directory>/<path>. Config file changes are picked up while running.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Config file (toml, yaml or json)")
	f.StringVar(&opts.path, "path", "", "Recording directory below the configured base directory (default: start timestamp)")
	f.BoolVar(&opts.overwrite, "overwrite", false, "Replace an existing recording directory")
	f.DurationVar(&opts.duration, "duration", 0, "Stop the recording after this much simulated time (0 = no limit)")
	f.IntVar(&opts.ticks, "ticks", 0, "Number of ticks to simulate (0 = until interrupted or the recording ends)")
	f.IntVar(&opts.tickRate, "tick-rate", 20, "Simulation ticks per second")
	f.IntVar(&opts.entities, "entities", 64, "Initial entity count")
	f.Uint64Var(&opts.seed, "seed", 1, "World seed")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	if opts.tickRate <= 0 {
		return errors.Errorf("tick rate must be positive, got %d", opts.tickRate)
	}
	period := time.Second / time.Duration(opts.tickRate)

	loader, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	// The watcher runs on its own goroutine; the recorder is only touched
	// from the tick loop below.
	reloads := make(chan config.Config, 1)
	loader.OnChange(func(cfg config.Config) {
		select {
		case <-reloads:
		default:
		}
		reloads <- cfg
	})
	loader.Watch()

	world := sim.New(opts.seed, period, opts.entities, "alice", "bob", "carol")
	ser := adapters.NewSerializer(sim.ChatMessage{}, adapters.PacketMessage{})
	rec, err := recorder.New(loader.Config(), recorder.Options{
		Source:     world,
		Timing:     world,
		Serializer: ser,
	})
	if err != nil {
		return err
	}
	defer rec.Close()

	rec.OnRecordingStarted(func(_ *replay.Metadata, extra *recorder.InitMessages) {
		extra.Add(sim.ChatMessage{Sender: "server", Text: "recording started"})
	})
	rec.OnRecordingStopped(func(meta *replay.Metadata) {
		meta.SetInt("entities", int64(world.Entities()))
	})

	started, err := rec.TryStart(opts.path, opts.overwrite, opts.duration)
	if err != nil {
		return err
	}
	if !started {
		return errors.Errorf("recording not started: disabled in config, or %q exists (use --overwrite)", opts.path)
	}

	onPacket := adapters.PacketFunc(rec)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for n := 0; opts.ticks == 0 || n < opts.ticks; {
		select {
		case <-ctx.Done():
			log.Info().Msg("interrupted")
			return finish(rec)
		case cfg := <-reloads:
			rec.ApplyConfig(cfg)
			if !rec.Recording() {
				log.Info().Msg("recording disabled by config")
				return nil
			}
			continue
		case <-ticker.C:
		}
		n++

		for _, msg := range world.Step() {
			rec.QueueMessage(msg)
		}
		if world.CurTick()%replay.Tick(opts.tickRate) == 0 {
			_ = onPacket(pk.Marshal(int32(keepAliveID), pk.Long(int64(world.CurTick()))))
		}
		rec.CaptureTick(recorder.TickResources{})

		if !rec.Recording() {
			log.Info().Msg("recording ended")
			return nil
		}
	}
	return finish(rec)
}

func finish(rec *recorder.Recorder) error {
	stats := rec.Stats()
	if err := rec.Stop(); err != nil {
		return err
	}
	fmt.Printf("recorded %s\n", stats)
	return nil
}
