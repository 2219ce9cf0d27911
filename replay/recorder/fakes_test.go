package recorder

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/reallyoldfogie/replay-go/replay"
)

type fakeTiming struct {
	tick   replay.Tick
	period time.Duration
}

func (f *fakeTiming) CurTick() replay.Tick { return f.tick }

func (f *fakeTiming) CurTime() time.Duration { return time.Duration(f.tick) * f.period }

func (f *fakeTiming) TimeBase() (time.Duration, replay.Tick) { return 0, 0 }

func (f *fakeTiming) Advance() { f.tick++ }

type getStateCall struct {
	from, to replay.Tick
}

type fakeSource struct {
	dataSize int
	failAt   replay.Tick
	panicAt  replay.Tick
	calls    []getStateCall
	states   []*replay.GameState
}

func (f *fakeSource) GetState(from, to replay.Tick) (*replay.GameState, error) {
	if f.failAt != 0 && to == f.failAt {
		return nil, errors.New("pvs exploded")
	}
	if f.panicAt != 0 && to == f.panicAt {
		panic("entity without metadata")
	}
	f.calls = append(f.calls, getStateCall{from, to})
	data := bytes.Repeat([]byte{byte(to)}, f.dataSize)
	st := &replay.GameState{
		FromTick: from,
		ToTick:   to,
		Entities: []replay.EntityState{{UID: uint64(to), Data: data}},
	}
	f.states = append(f.states, st)
	return st, nil
}

type chatMsg struct {
	Text string
}

func (chatMsg) ReplayTag() string { return "chat" }

type unregisteredMsg struct{}

func (unregisteredMsg) ReplayTag() string { return "unregistered" }

// fakeSerializer writes a simple length-free but deterministic encoding.
type fakeSerializer struct{}

func (fakeSerializer) SerializeState(w io.Writer, st *replay.GameState) error {
	var buf bytes.Buffer
	buf.WriteByte('S')
	_ = binary.Write(&buf, binary.LittleEndian, uint32(st.FromTick))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(st.ToTick))
	for _, e := range st.Entities {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(e.Data)))
		buf.Write(e.Data)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (fakeSerializer) SerializeMessages(w io.Writer, msgs []replay.Message) error {
	var buf bytes.Buffer
	buf.WriteByte('M')
	buf.WriteByte(byte(len(msgs)))
	for _, m := range msgs {
		c, ok := m.(chatMsg)
		if !ok {
			return errors.Errorf("cannot serialize %T", m)
		}
		buf.WriteString(c.Text)
		buf.WriteByte(0)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (fakeSerializer) CanSerialize(m replay.Message) bool {
	_, ok := m.(chatMsg)
	return ok
}

func (fakeSerializer) TypeHash() []byte { return []byte{0xbe, 0xef} }

func (fakeSerializer) StringTable() ([]byte, []byte) { return []byte{0xab}, []byte("strings") }

func frame(st *replay.GameState, msgs ...replay.Message) []byte {
	var buf bytes.Buffer
	_ = fakeSerializer{}.SerializeState(&buf, st)
	_ = fakeSerializer{}.SerializeMessages(&buf, msgs)
	return buf.Bytes()
}

// fixedCompressor emits size bytes per call regardless of input.
type fixedCompressor struct {
	size int
}

func (fixedCompressor) Codec() replay.Codec { return replay.CodecZstd }

func (c fixedCompressor) CompressBound(int) int { return c.size }

func (c fixedCompressor) Compress(dst, _ []byte) ([]byte, error) {
	return append(dst, bytes.Repeat([]byte{'z'}, c.size)...), nil
}

func (fixedCompressor) Close() error { return nil }

// failingFs fails OpenFile for names ending in suffix, times times.
type failingFs struct {
	afero.Fs
	suffix string
	times  int
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.times > 0 && strings.HasSuffix(name, f.suffix) {
		f.times--
		return nil, errors.Errorf("disk full writing %s", name)
	}
	return f.Fs.OpenFile(name, flag, perm)
}

// recordingMeter keeps the "reason" attribute of every counter Add by counter name.
type recordingMeter struct {
	noop.Meter
	adds map[string][]string
}

func newRecordingMeter() *recordingMeter {
	return &recordingMeter{adds: make(map[string][]string)}
}

func (m *recordingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return &recordingCounter{name: name, meter: m}, nil
}

type recordingCounter struct {
	noop.Int64Counter
	name  string
	meter *recordingMeter
}

func (c *recordingCounter) Add(_ context.Context, _ int64, opts ...metric.AddOption) {
	attrs := metric.NewAddConfig(opts).Attributes()
	reason, _ := attrs.Value("reason")
	c.meter.adds[c.name] = append(c.meter.adds[c.name], reason.AsString())
}
