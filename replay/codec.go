package replay

import "github.com/pkg/errors"

// EncodeFrame appends one frame to buf: the serialized state followed by the
// serialized message batch. If serialization fails the buffer is truncated
// back to where the frame started.
func EncodeFrame(buf *Buffer, ser Serializer, state *GameState, msgs []Message) error {
	if state == nil {
		return errors.New("replay: nil game state")
	}
	mark := buf.Len()
	if err := ser.SerializeState(buf, state); err != nil {
		buf.Truncate(mark)
		return errors.Wrapf(err, "serialize state %d..%d", state.FromTick, state.ToTick)
	}
	if err := ser.SerializeMessages(buf, msgs); err != nil {
		buf.Truncate(mark)
		return errors.Wrapf(err, "serialize %d replay messages", len(msgs))
	}
	return nil
}
