package replay

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// Tick identifies one discrete simulation step.
type Tick uint32

// EntityState is the replicated delta of a single entity.
type EntityState struct {
	UID  uint64
	Data []byte
}

// PlayerState is the replicated state of a connected player.
type PlayerState struct {
	UserID uuid.UUID
	Name   string
	Status int32
	Data   []byte
}

// GameState is the set of changes between FromTick (exclusive) and ToTick.
// FromTick is zero for a full state.
type GameState struct {
	FromTick  Tick
	ToTick    Tick
	Entities  []EntityState
	Players   []PlayerState
	Deletions []uint64
}

// Message is a side-channel object recorded alongside the tick it was queued in.
// The tag identifies the message type to the serializer.
type Message interface {
	ReplayTag() string
}

// StateSource produces the state delta for the range (from, to].
type StateSource interface {
	GetState(from, to Tick) (*GameState, error)
}

// Timing exposes the simulation clock.
type Timing interface {
	CurTick() Tick
	// CurTime is the simulation time elapsed since the server started.
	CurTime() time.Duration
	// TimeBase is the (time, tick) pair used to convert ticks into time.
	TimeBase() (time.Duration, Tick)
}

// Serializer writes frames in a self-delimiting binary format.
type Serializer interface {
	SerializeState(w io.Writer, state *GameState) error
	SerializeMessages(w io.Writer, msgs []Message) error
	// CanSerialize reports whether msg is a registered replay message.
	CanSerialize(msg Message) bool
	TypeHash() []byte
	// StringTable returns the hash and the export of the interned strings.
	StringTable() (hash []byte, data []byte)
}
