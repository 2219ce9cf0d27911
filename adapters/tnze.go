// Package adapters connects github.com/Tnze/go-mc to the replay recorder:
// a go-mc backed frame Serializer and a helper that records go-mc packets as
// replay messages.
package adapters

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"sort"

	"github.com/Tnze/go-mc/nbt"
	pk "github.com/Tnze/go-mc/net/packet"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/reallyoldfogie/replay-go/replay"
	"github.com/reallyoldfogie/replay-go/replay/recorder"
)

// Serializer encodes frames with go-mc's packet field types.
//
// GameState layout:
//
//	VarLong from, VarLong to,
//	VarInt n, n * (VarLong uid, ByteArray data),
//	VarInt n, n * (UUID id, String name, VarInt status, ByteArray data),
//	VarInt n, n * VarLong uid
//
// Message batch layout:
//
//	VarInt n, n * (VarInt tag index, ByteArray body)
//
// The body is the message's own go-mc encoding when it implements
// io.WriterTo, otherwise an NBT compound. Tag indices point into the string
// table, which is the sorted list of registered tags.
//
// Register every message type before recording starts; the string table and
// type hash are captured in the recording's metadata at start.
type Serializer struct {
	tags  []string
	index map[string]int
	types map[string]reflect.Type
}

// NewSerializer returns a Serializer with the given message prototypes registered.
func NewSerializer(prototypes ...replay.Message) *Serializer {
	s := &Serializer{
		index: make(map[string]int),
		types: make(map[string]reflect.Type),
	}
	for _, p := range prototypes {
		s.Register(p)
	}
	return s
}

// Register adds the type of prototype under its replay tag.
func (s *Serializer) Register(prototype replay.Message) {
	tag := prototype.ReplayTag()
	s.types[tag] = reflect.TypeOf(prototype)
	s.tags = s.tags[:0]
	for t := range s.types {
		s.tags = append(s.tags, t)
	}
	sort.Strings(s.tags)
	for i, t := range s.tags {
		s.index[t] = i
	}
}

// CanSerialize reports whether msg's tag is registered for msg's type.
func (s *Serializer) CanSerialize(msg replay.Message) bool {
	if msg == nil {
		return false
	}
	t, ok := s.types[msg.ReplayTag()]
	return ok && t == reflect.TypeOf(msg)
}

// TypeHash hashes the registered tag to Go type bindings.
func (s *Serializer) TypeHash() []byte {
	h := xxhash.New()
	for _, tag := range s.tags {
		_, _ = h.WriteString(tag)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(s.types[tag].String())
		_, _ = h.WriteString("\n")
	}
	return h.Sum(nil)
}

// StringTable exports the interned tags as VarInt n, n * String.
func (s *Serializer) StringTable() ([]byte, []byte) {
	var buf bytes.Buffer
	_, _ = pk.VarInt(len(s.tags)).WriteTo(&buf)
	for _, tag := range s.tags {
		_, _ = pk.String(tag).WriteTo(&buf)
	}
	data := buf.Bytes()
	h := xxhash.Sum64(data)
	sum := make([]byte, 8)
	binary.BigEndian.PutUint64(sum, h)
	return sum, data
}

func (s *Serializer) SerializeState(w io.Writer, st *replay.GameState) error {
	fields := []io.WriterTo{
		pk.VarLong(st.FromTick),
		pk.VarLong(st.ToTick),
		pk.VarInt(len(st.Entities)),
	}
	for _, e := range st.Entities {
		fields = append(fields, pk.VarLong(e.UID), pk.ByteArray(e.Data))
	}
	fields = append(fields, pk.VarInt(len(st.Players)))
	for _, p := range st.Players {
		fields = append(fields, pk.UUID(p.UserID), pk.String(p.Name), pk.VarInt(p.Status), pk.ByteArray(p.Data))
	}
	fields = append(fields, pk.VarInt(len(st.Deletions)))
	for _, uid := range st.Deletions {
		fields = append(fields, pk.VarLong(uid))
	}
	return writeFields(w, fields)
}

func (s *Serializer) SerializeMessages(w io.Writer, msgs []replay.Message) error {
	fields := make([]io.WriterTo, 0, 1+2*len(msgs))
	fields = append(fields, pk.VarInt(len(msgs)))
	for _, m := range msgs {
		if !s.CanSerialize(m) {
			return errors.Errorf("message %T is not registered for replays", m)
		}
		body, err := encodeBody(m)
		if err != nil {
			return errors.Wrapf(err, "encode %s", m.ReplayTag())
		}
		fields = append(fields, pk.VarInt(s.index[m.ReplayTag()]), pk.ByteArray(body))
	}
	return writeFields(w, fields)
}

func writeFields(w io.Writer, fields []io.WriterTo) error {
	for _, f := range fields {
		if _, err := f.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

func encodeBody(m replay.Message) ([]byte, error) {
	if wt, ok := m.(io.WriterTo); ok {
		var buf bytes.Buffer
		if _, err := wt.WriteTo(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nbt.Marshal(m)
}

// Frame is one decoded tick of a segment payload.
type Frame struct {
	State    replay.GameState
	Messages []replay.Message
}

// ReadFrames decodes a decompressed segment payload.
func (s *Serializer) ReadFrames(payload []byte) ([]Frame, error) {
	r := bytes.NewReader(payload)
	var frames []Frame
	for r.Len() > 0 {
		st, err := s.ReadState(r)
		if err != nil {
			return frames, errors.Wrapf(err, "frame %d: state", len(frames))
		}
		msgs, err := s.ReadMessages(r)
		if err != nil {
			return frames, errors.Wrapf(err, "frame %d: messages", len(frames))
		}
		frames = append(frames, Frame{State: *st, Messages: msgs})
	}
	return frames, nil
}

// ReadState decodes one GameState written by SerializeState.
func (s *Serializer) ReadState(r io.Reader) (*replay.GameState, error) {
	var (
		from, to pk.VarLong
		n        pk.VarInt
	)
	if err := readFields(r, &from, &to, &n); err != nil {
		return nil, err
	}
	st := &replay.GameState{FromTick: replay.Tick(from), ToTick: replay.Tick(to)}
	for i := 0; i < int(n); i++ {
		var (
			uid  pk.VarLong
			data pk.ByteArray
		)
		if err := readFields(r, &uid, &data); err != nil {
			return nil, err
		}
		st.Entities = append(st.Entities, replay.EntityState{UID: uint64(uid), Data: data})
	}
	if err := readFields(r, &n); err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		var (
			id     pk.UUID
			name   pk.String
			status pk.VarInt
			data   pk.ByteArray
		)
		if err := readFields(r, &id, &name, &status, &data); err != nil {
			return nil, err
		}
		st.Players = append(st.Players, replay.PlayerState{
			UserID: uuid.UUID(id),
			Name:   string(name),
			Status: int32(status),
			Data:   data,
		})
	}
	if err := readFields(r, &n); err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		var uid pk.VarLong
		if err := readFields(r, &uid); err != nil {
			return nil, err
		}
		st.Deletions = append(st.Deletions, uint64(uid))
	}
	return st, nil
}

// maxPreallocMessages caps the slice reserved from a batch's declared count.
const maxPreallocMessages = 256

// ReadMessages decodes one message batch written by SerializeMessages.
func (s *Serializer) ReadMessages(r io.Reader) ([]replay.Message, error) {
	var n pk.VarInt
	if err := readFields(r, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.Errorf("negative message count %d", n)
	}
	msgs := make([]replay.Message, 0, min(int(n), maxPreallocMessages))
	for i := 0; i < int(n); i++ {
		var (
			idx  pk.VarInt
			body pk.ByteArray
		)
		if err := readFields(r, &idx, &body); err != nil {
			return nil, err
		}
		if idx < 0 || int(idx) >= len(s.tags) {
			return nil, errors.Errorf("message tag index %d out of range", idx)
		}
		m, err := s.decodeBody(s.tags[idx], body)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Serializer) decodeBody(tag string, body []byte) (replay.Message, error) {
	t := s.types[tag]
	ptr := t.Kind() == reflect.Ptr
	var v reflect.Value
	if ptr {
		v = reflect.New(t.Elem())
	} else {
		v = reflect.New(t)
	}
	if rf, ok := v.Interface().(io.ReaderFrom); ok {
		if _, err := rf.ReadFrom(bytes.NewReader(body)); err != nil {
			return nil, errors.Wrapf(err, "decode %s", tag)
		}
	} else if err := nbt.Unmarshal(body, v.Interface()); err != nil {
		return nil, errors.Wrapf(err, "decode %s", tag)
	}
	if !ptr {
		v = v.Elem()
	}
	m, ok := v.Interface().(replay.Message)
	if !ok {
		return nil, errors.Errorf("type %s registered for %s is not a message", t, tag)
	}
	return m, nil
}

func readFields(r io.Reader, fields ...io.ReaderFrom) error {
	for _, f := range fields {
		if _, err := f.ReadFrom(r); err != nil {
			return err
		}
	}
	return nil
}

// PacketMessage carries a raw go-mc packet as a replay message.
type PacketMessage struct {
	ID   int32
	Data []byte
}

func (PacketMessage) ReplayTag() string { return "packet" }

func (p PacketMessage) WriteTo(w io.Writer) (int64, error) {
	n1, err := pk.VarInt(p.ID).WriteTo(w)
	if err != nil {
		return n1, err
	}
	n2, err := pk.ByteArray(p.Data).WriteTo(w)
	return n1 + n2, err
}

func (p *PacketMessage) ReadFrom(r io.Reader) (int64, error) {
	var (
		id   pk.VarInt
		data pk.ByteArray
	)
	n1, err := id.ReadFrom(r)
	if err != nil {
		return n1, err
	}
	n2, err := data.ReadFrom(r)
	p.ID, p.Data = int32(id), data
	return n1 + n2, err
}

// PacketFunc returns a handler compatible with go-mc packet handlers
// (func(pk.Packet) error) that queues each packet on the recorder. The
// serializer behind rec must have PacketMessage registered.
func PacketFunc(rec *recorder.Recorder) func(pk.Packet) error {
	recordCount := 0
	return func(p pk.Packet) error {
		// upstream may reuse buffers
		data := make([]byte, len(p.Data))
		copy(data, p.Data)
		recordCount++
		if recordCount%100 == 0 {
			log.Debug().Int("count", recordCount).Int32("id", p.ID).Int("len", len(data)).Msg("queued packets for replay")
		}
		rec.QueueMessage(PacketMessage{ID: p.ID, Data: data})
		return nil
	}
}
