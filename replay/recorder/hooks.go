package recorder

import (
	"github.com/pkg/errors"

	"github.com/reallyoldfogie/replay-go/replay"
)

// InitMessages collects messages that start hooks want stored in init.dat,
// typically state a newly connecting client would be sent.
type InitMessages struct {
	msgs []replay.Message
}

// Add appends msg.
func (m *InitMessages) Add(msg replay.Message) { m.msgs = append(m.msgs, msg) }

// Len is the number of messages added so far.
func (m *InitMessages) Len() int { return len(m.msgs) }

// StartedHook runs when a recording starts, before replay.yml is first
// written. It may add fields to meta and messages to extra.
type StartedHook func(meta *replay.Metadata, extra *InitMessages)

// StoppedHook runs before the end-of-recording fields are added to meta.
type StoppedHook func(meta *replay.Metadata)

// OnRecordingStarted registers h. Hooks run in registration order.
func (r *Recorder) OnRecordingStarted(h StartedHook) { r.started = append(r.started, h) }

// OnRecordingStopped registers h. Hooks run in registration order.
func (r *Recorder) OnRecordingStopped(h StoppedHook) { r.stopped = append(r.stopped, h) }

// runStartedHooks runs the start hooks, turning a panicking hook into an error.
func (r *Recorder) runStartedHooks(meta *replay.Metadata, extra *InitMessages) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("replay recording started hook panicked: %v", p)
		}
	}()
	for _, h := range r.started {
		h(meta, extra)
	}
	return nil
}

// runStoppedHooks runs the stop hooks, turning a panicking hook into an error.
func (r *Recorder) runStoppedHooks(meta *replay.Metadata) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("replay recording stopped hook panicked: %v", p)
		}
	}()
	for _, h := range r.stopped {
		h(meta)
	}
	return nil
}
