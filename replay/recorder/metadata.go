package recorder

import (
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/reallyoldfogie/replay-go/replay"
)

// writeInitialMetadata writes everything a reader needs before the first
// segment exists. replay.yml is rewritten on stop; writing it now keeps a
// crashed recording diagnosable.
func (r *Recorder) writeInitialMetadata(s *session) error {
	stringHash, stringData := r.ser.StringTable()
	timeBase, timeBaseTick := r.timing.TimeBase()

	meta := replay.NewMetadata()
	meta.Set(replay.KeyTime, r.now().UTC().Format(time.RFC3339))
	meta.Set(replay.KeyRecordingID, uuid.NewString())

	meta.Set(replay.KeyEngineVersion, r.cfg.Build.EngineVersion)
	meta.Set(replay.KeyBuildForkID, r.cfg.Build.ForkID)
	meta.Set(replay.KeyBuildVersion, r.cfg.Build.Version)

	meta.Set(replay.KeyTypeHash, hex.EncodeToString(r.ser.TypeHash()))
	meta.Set(replay.KeyStringHash, hex.EncodeToString(stringHash))
	meta.Set(replay.KeyCompression, string(s.codec))
	meta.SetInt(replay.KeyCompressionLevel, int64(s.level))

	meta.SetUint(replay.KeyStartTick, uint64(s.startTick))
	meta.SetUint(replay.KeyTimeBaseTick, uint64(timeBaseTick))
	meta.SetInt(replay.KeyTimeBaseTimespan, int64(timeBase))
	meta.SetDuration(replay.KeyServerStartTime, s.startTime)

	extra := &InitMessages{}
	if err := r.runStartedHooks(meta, extra); err != nil {
		return err
	}

	if err := replay.WriteMetadata(s.dir, meta); err != nil {
		return err
	}
	s.meta = meta

	if extra.Len() > 0 {
		err := replay.WriteFileAtomic(s.dir, replay.InitFile, func(w io.Writer) error {
			return r.ser.SerializeMessages(w, extra.msgs)
		})
		if err != nil {
			return err
		}
	}

	err := replay.WriteFileAtomic(s.dir, replay.StringsFile, func(w io.Writer) error {
		_, err := w.Write(stringData)
		return err
	})
	if err != nil {
		return err
	}

	return replay.WriteFileAtomic(s.dir, replay.CVarsFile, func(w io.Writer) error {
		vars := r.cfg.Replicated
		if vars == nil {
			vars = map[string]any{}
		}
		return errors.Wrap(toml.NewEncoder(w).Encode(vars), "encode replicated config")
	})
}

// writeFinalMetadata lets stop hooks amend the document, then adds the
// end-of-recording fields and replaces replay.yml. A hook error is returned
// after the document is written.
func (r *Recorder) writeFinalMetadata(s *session) error {
	if s.meta == nil {
		return errors.New("replay metadata was never written")
	}
	// The end-of-recording fields are written even when a hook fails.
	hookErr := r.runStoppedHooks(s.meta)

	curTick := r.timing.CurTick()
	curTime := r.timing.CurTime()
	s.meta.SetUint(replay.KeyEndTick, uint64(curTick))
	s.meta.SetDuration(replay.KeyDuration, curTime-s.startTime)
	s.meta.SetInt(replay.KeyFileCount, int64(s.segments.Index()))
	s.meta.SetInt(replay.KeySize, s.segments.CompressedSize())
	s.meta.SetInt(replay.KeyUncompressedSize, s.segments.UncompressedSize())
	s.meta.SetDuration(replay.KeyServerEndTime, curTime)

	if err := replay.WriteMetadata(s.dir, s.meta); err != nil {
		return err
	}
	return hookErr
}
