// Package recorder records a running simulation into a replay directory.
//
// The host calls CaptureTick once per simulation tick and QueueMessage for
// side-channel messages in between. Recording starts with TryStart and ends
// with Stop, or automatically when a size ceiling or the requested duration
// is reached.
//
// A Recorder is not safe for concurrent use: TryStart, Stop, CaptureTick,
// QueueMessage and ApplyConfig must all be called from the thread driving
// the simulation.
package recorder

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/metric"

	"github.com/reallyoldfogie/replay-go/config"
	"github.com/reallyoldfogie/replay-go/replay"
)

// Stop reasons reported to metrics.
const (
	reasonStopped  = "stopped"
	reasonDuration = "duration"
	reasonSize     = "size_limit"
	reasonError    = "error"
)

// TickResources are per-tick resources lent by the host, typically from a
// pool shared with other per-tick work.
type TickResources struct {
	// Compressor is used if a batch is flushed during this tick. When nil, or
	// when its codec differs from the recording's, the recorder uses its own.
	Compressor replay.Compressor
}

// Options wires the recorder to its collaborators.
type Options struct {
	Source     replay.StateSource
	Timing     replay.Timing
	Serializer replay.Serializer

	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Now is the wall clock, defaults to time.Now.
	Now func() time.Time
	// Scratch defaults to replay.DefaultScratchPool.
	Scratch *replay.ScratchPool
	// Meter defaults to the global OpenTelemetry meter provider.
	Meter metric.Meter
}

// Recorder is the replay recording state machine. It is idle until TryStart
// succeeds and owns at most one session at a time.
type Recorder struct {
	fs      afero.Fs
	source  replay.StateSource
	timing  replay.Timing
	ser     replay.Serializer
	log     zerolog.Logger
	now     func() time.Time
	scratch *replay.ScratchPool
	metrics *metrics

	cfg     config.Config
	started []StartedHook
	stopped []StoppedHook

	batch      replay.Compressor
	batchLevel int

	session *session
}

// session is everything that exists only while recording.
type session struct {
	name      string
	dir       afero.Fs
	segments  *replay.SegmentWriter
	buf       *replay.Buffer
	queued    []replay.Message
	meta      *replay.Metadata
	codec     replay.Codec
	level     int
	startTick replay.Tick
	startTime time.Duration
	end       *time.Duration
	firstTick bool
}

// New creates an idle recorder.
func New(cfg config.Config, opts Options) (*Recorder, error) {
	if opts.Source == nil || opts.Timing == nil || opts.Serializer == nil {
		return nil, errors.New("recorder: Source, Timing and Serializer are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "recorder config")
	}
	r := &Recorder{
		fs:      opts.Fs,
		source:  opts.Source,
		timing:  opts.Timing,
		ser:     opts.Serializer,
		now:     opts.Now,
		scratch: opts.Scratch,
		metrics: newMetrics(opts.Meter),
		cfg:     cfg,
	}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	} else {
		r.log = log.With().Str("component", "replay").Logger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.scratch == nil {
		r.scratch = replay.DefaultScratchPool()
	}
	return r, nil
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool { return r.session != nil }

// Config returns the configuration currently in effect.
func (r *Recorder) Config() config.Config { return r.cfg }

// ApplyConfig swaps in new settings. Disabling recording stops the active
// session; the new flush threshold applies to it immediately while the size
// ceilings are checked on its next flush. Codec changes only affect later
// recordings.
func (r *Recorder) ApplyConfig(cfg config.Config) {
	if !cfg.Enabled && r.session != nil {
		if err := r.Stop(); err != nil {
			r.log.Error().Err(err).Msg("failed to stop replay recording after it was disabled")
		}
	}
	r.cfg = cfg
	if r.session != nil {
		r.session.buf.SetThreshold(cfg.TickBatchBytes())
	}
}

// TryStart begins a recording in a subdirectory of the configured base
// directory. path may be empty for a timestamp name; it is sanitized so it
// cannot leave the base directory. An existing directory is replaced when
// overwrite is set. duration <= 0 records until stopped.
//
// It returns false without an error when recording is disabled, a recording
// is already running, or the directory exists and overwrite is not set.
// Setup failures remove the partially created directory and return an error.
func (r *Recorder) TryStart(path string, overwrite bool, duration time.Duration) (bool, error) {
	if !r.cfg.Enabled {
		r.log.Debug().Msg("replay recording is disabled")
		return false, nil
	}
	if r.session != nil {
		r.log.Debug().Str("path", r.session.name).Msg("already recording a replay")
		return false, nil
	}

	codec, err := replay.ParseCodec(r.cfg.Compression)
	if err != nil {
		return false, err
	}

	name := replay.SanitizeSubdir(path, r.now())
	if err := r.fs.MkdirAll(r.cfg.Directory, 0o755); err != nil {
		return false, errors.Wrapf(err, "create replay directory %s", r.cfg.Directory)
	}
	base := afero.NewBasePathFs(r.fs, r.cfg.Directory)

	exists, err := afero.Exists(base, name)
	if err != nil {
		return false, errors.Wrapf(err, "stat replay folder %s", name)
	}
	if exists {
		if !overwrite {
			r.log.Info().Str("path", name).Msg("Replay folder already exists. Aborting recording.")
			return false, nil
		}
		r.log.Info().Str("path", name).Msg("Replay folder already exists. Overwriting.")
		if err := base.RemoveAll(name); err != nil {
			return false, errors.Wrapf(err, "remove replay folder %s", name)
		}
	}
	if err := base.MkdirAll(name, 0o755); err != nil {
		return false, errors.Wrapf(err, "create replay folder %s", name)
	}

	dir := afero.NewBasePathFs(base, name)
	s := &session{
		name:      name,
		dir:       dir,
		segments:  replay.NewSegmentWriter(dir, r.scratch),
		buf:       replay.NewBuffer(r.cfg.TickBatchBytes()),
		codec:     codec,
		level:     r.cfg.CompressionLevel,
		startTick: r.timing.CurTick(),
		startTime: r.timing.CurTime(),
		firstTick: true,
	}

	if err := r.writeInitialMetadata(s); err != nil {
		if rmErr := base.RemoveAll(name); rmErr != nil {
			r.log.Warn().Err(rmErr).Str("path", name).Msg("failed to clean up replay folder")
		}
		return false, errors.Wrapf(err, "start replay recording %s", name)
	}

	if duration > 0 {
		end := s.startTime + duration
		s.end = &end
	}
	r.session = s
	r.metrics.recordingStarted()

	ev := r.log.Info().Str("path", name).Uint32("tick", uint32(s.startTick))
	if s.end != nil {
		ev = ev.Dur("duration", duration)
	}
	ev.Msg("Started recording replay...")
	return true, nil
}

// Stop flushes the pending batch, writes the final metadata and ends the
// recording. It does nothing when idle. On failure the session is still torn
// down before the error is returned.
func (r *Recorder) Stop() (err error) {
	s := r.session
	if s == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			r.teardown(reasonError)
			err = errors.Errorf("stop replay recording: panic: %v", p)
		}
	}()

	// A dedicated context, so a stop never shares the per-tick compressor.
	c, err := replay.NewCompressor(s.codec, s.level)
	if err != nil {
		r.teardown(reasonError)
		return errors.Wrap(err, "stop replay recording")
	}
	defer func() { _ = c.Close() }()

	if err := r.flush(c, false, reasonStopped); err != nil {
		r.teardown(reasonError)
		return errors.Wrap(err, "stop replay recording")
	}
	r.log.Info().Str("path", s.name).Msg("Replay recording stopped!")
	return nil
}

// Toggle stops an active recording or starts one with default arguments.
func (r *Recorder) Toggle() error {
	if r.Recording() {
		return r.Stop()
	}
	_, err := r.TryStart("", false, 0)
	return err
}

// QueueMessage records msg with the next captured tick. Messages are dropped
// while idle, and messages the serializer cannot encode are dropped with a warning.
func (r *Recorder) QueueMessage(msg replay.Message) {
	s := r.session
	if s == nil {
		return
	}
	if !r.ser.CanSerialize(msg) {
		r.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("dropping replay message that is not registered with the serializer")
		return
	}
	s.queued = append(s.queued, msg)
}

// CaptureTick records the current tick. It never returns an error: any
// failure is logged and stops the recording, so the simulation keeps running.
func (r *Recorder) CaptureTick(res TickResources) {
	if r.session == nil {
		return
	}
	if err := r.captureTick(res); err != nil {
		r.log.Error().Err(err).Msg("Caught error while saving replay data.")
		if stopErr := r.Stop(); stopErr != nil {
			r.log.Error().Err(stopErr).Msg("failed to stop replay recording")
		}
	}
}

func (r *Recorder) captureTick(res TickResources) (err error) {
	s := r.session
	mark := s.buf.Len()
	framed := false
	defer func() {
		if p := recover(); p != nil {
			if !framed && r.session == s {
				s.buf.Truncate(mark)
			}
			err = errors.Errorf("panic while capturing replay tick: %v", p)
		}
	}()

	cur := r.timing.CurTick()
	lastAck := cur - 1
	if s.firstTick {
		lastAck = 0
	}
	s.firstTick = false

	state, err := r.source.GetState(lastAck, cur)
	if err != nil {
		return errors.Wrapf(err, "get game state %d..%d", lastAck, cur)
	}
	if err := replay.EncodeFrame(s.buf, r.ser, state, s.queued); err != nil {
		return err
	}
	framed = true
	clear(s.queued)
	s.queued = s.queued[:0]

	continueRecording := s.end == nil || *s.end >= r.timing.CurTime()
	if !continueRecording {
		r.log.Info().Str("path", s.name).Msg("Reached requested replay recording length. Stopping recording.")
	}
	if !continueRecording || s.buf.Full() {
		c, err := r.batchCompressor(s, res)
		if err != nil {
			return err
		}
		return r.flush(c, continueRecording, reasonDuration)
	}
	return nil
}

// batchCompressor picks the compressor for a flush made during a tick.
func (r *Recorder) batchCompressor(s *session, res TickResources) (replay.Compressor, error) {
	if res.Compressor != nil && res.Compressor.Codec() == s.codec {
		return res.Compressor, nil
	}
	if r.batch != nil && r.batch.Codec() == s.codec && r.batchLevel == s.level {
		return r.batch, nil
	}
	if r.batch != nil {
		_ = r.batch.Close()
		r.batch = nil
	}
	c, err := replay.NewCompressor(s.codec, s.level)
	if err != nil {
		return nil, err
	}
	r.batch, r.batchLevel = c, s.level
	return c, nil
}

// flush writes the buffered frames as the next segment. The recording ends
// after the flush when continueRecording is false or a size ceiling is
// reached; reason names why for the former case.
func (r *Recorder) flush(c replay.Compressor, continueRecording bool, reason string) (err error) {
	s := r.session
	if s == nil {
		return nil
	}

	payload := s.buf.Bytes()
	n, err := s.segments.WriteSegment(c, payload)
	if err != nil {
		return err
	}
	r.metrics.segmentWritten(n, len(payload))
	r.log.Debug().
		Int("segment", s.segments.Index()-1).
		Int("size", n).
		Int("uncompressedSize", len(payload)).
		Msg("wrote replay segment")

	if s.segments.UncompressedSize() >= r.cfg.MaxUncompressedBytes() ||
		s.segments.CompressedSize() >= r.cfg.MaxCompressedBytes() {
		r.log.Info().
			Int64("size", s.segments.CompressedSize()).
			Int64("uncompressedSize", s.segments.UncompressedSize()).
			Msg("Reached max replay recording size. Stopping recording.")
		continueRecording = false
		reason = reasonSize
	}

	if continueRecording {
		s.buf.Reset()
		return nil
	}

	// The batch is on disk now, so the session ends here whatever happens
	// while finalizing. A retry would write the batch a second time.
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic while finalizing replay recording: %v", p)
		}
		if err != nil {
			reason = reasonError
		}
		r.teardown(reason)
	}()
	return r.writeFinalMetadata(s)
}

// teardown drops the session. Safe to call repeatedly.
func (r *Recorder) teardown(reason string) {
	if r.session == nil {
		return
	}
	r.session = nil
	r.metrics.recordingStopped(reason)
}

// Close stops any active recording and releases the recorder's own compressor.
func (r *Recorder) Close() error {
	err := r.Stop()
	if r.batch != nil {
		if cerr := r.batch.Close(); err == nil {
			err = cerr
		}
		r.batch = nil
	}
	return err
}
