// Package sim is a small deterministic world used to exercise the recorder
// from the command line. Entities wander on a grid, spawn and despawn, and a
// fixed set of players connects at startup.
package sim

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reallyoldfogie/replay-go/replay"
)

// deletionHistory is how many ticks of despawns are kept for delta queries.
const deletionHistory = 1024

// ChatMessage is a side-channel announcement produced by the world.
type ChatMessage struct {
	Sender string `nbt:"sender"`
	Text   string `nbt:"text"`
}

func (ChatMessage) ReplayTag() string { return "chat" }

type entity struct {
	uid     uint64
	x, y    int32
	changed replay.Tick
}

type player struct {
	id      uuid.UUID
	name    string
	status  int32
	changed replay.Tick
}

type deletion struct {
	uid  uint64
	tick replay.Tick
}

// World implements replay.StateSource and replay.Timing.
type World struct {
	tick     replay.Tick
	period   time.Duration
	rng      *rand.Rand
	nextUID  uint64
	entities map[uint64]*entity
	players  []*player
	deleted  []deletion
}

// New creates a world ticking every period, seeded for reproducible runs.
func New(seed uint64, period time.Duration, entities int, players ...string) *World {
	w := &World{
		tick:     1,
		period:   period,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		entities: make(map[uint64]*entity),
	}
	for i := 0; i < entities; i++ {
		w.spawn()
	}
	for _, name := range players {
		w.players = append(w.players, &player{
			id:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
			name:    name,
			changed: w.tick,
		})
	}
	return w
}

func (w *World) spawn() *entity {
	w.nextUID++
	e := &entity{
		uid:     w.nextUID,
		x:       w.rng.Int32N(256),
		y:       w.rng.Int32N(256),
		changed: w.tick,
	}
	w.entities[e.uid] = e
	return e
}

// Step advances the world by one tick and returns the messages it produced.
func (w *World) Step() []replay.Message {
	w.tick++
	var msgs []replay.Message

	for _, uid := range w.sortedUIDs() {
		if w.rng.IntN(4) != 0 {
			continue
		}
		e := w.entities[uid]
		e.x += w.rng.Int32N(3) - 1
		e.y += w.rng.Int32N(3) - 1
		e.changed = w.tick
	}

	switch r := w.rng.IntN(50); {
	case r == 0:
		e := w.spawn()
		msgs = append(msgs, ChatMessage{Sender: "world", Text: fmt.Sprintf("entity %d spawned", e.uid)})
	case r == 1 && len(w.entities) > 1:
		uids := w.sortedUIDs()
		uid := uids[w.rng.IntN(len(uids))]
		delete(w.entities, uid)
		w.deleted = append(w.deleted, deletion{uid: uid, tick: w.tick})
		msgs = append(msgs, ChatMessage{Sender: "world", Text: fmt.Sprintf("entity %d despawned", uid)})
	}

	if len(w.players) > 0 && w.rng.IntN(20) == 0 {
		p := w.players[w.rng.IntN(len(w.players))]
		p.status = (p.status + 1) % 3
		p.changed = w.tick
	}

	for len(w.deleted) > 0 && w.tick-w.deleted[0].tick > deletionHistory {
		w.deleted = w.deleted[1:]
	}
	return msgs
}

func (w *World) sortedUIDs() []uint64 {
	uids := make([]uint64, 0, len(w.entities))
	for uid := range w.entities {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// GetState returns everything that changed in (from, to]. A from of zero
// yields the full state.
func (w *World) GetState(from, to replay.Tick) (*replay.GameState, error) {
	if to > w.tick {
		return nil, errors.Errorf("sim: tick %d is in the future (current %d)", to, w.tick)
	}
	if from > to {
		return nil, errors.Errorf("sim: invalid range (%d, %d]", from, to)
	}
	full := from == 0
	changed := func(t replay.Tick) bool { return full || (t > from && t <= to) }

	st := &replay.GameState{FromTick: from, ToTick: to}
	for _, uid := range w.sortedUIDs() {
		e := w.entities[uid]
		if !changed(e.changed) {
			continue
		}
		data := make([]byte, 8)
		binary.LittleEndian.PutUint32(data[0:], uint32(e.x))
		binary.LittleEndian.PutUint32(data[4:], uint32(e.y))
		st.Entities = append(st.Entities, replay.EntityState{UID: uid, Data: data})
	}
	for _, p := range w.players {
		if !changed(p.changed) {
			continue
		}
		st.Players = append(st.Players, replay.PlayerState{UserID: p.id, Name: p.name, Status: p.status})
	}
	if !full {
		for _, d := range w.deleted {
			if d.tick > from && d.tick <= to {
				st.Deletions = append(st.Deletions, d.uid)
			}
		}
	}
	return st, nil
}

func (w *World) CurTick() replay.Tick { return w.tick }

func (w *World) CurTime() time.Duration { return time.Duration(w.tick) * w.period }

// TimeBase anchors tick 0 at time 0.
func (w *World) TimeBase() (time.Duration, replay.Tick) { return 0, 0 }

// Entities is the number of live entities.
func (w *World) Entities() int { return len(w.entities) }
