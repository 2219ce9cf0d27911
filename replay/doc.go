// Package replay provides the building blocks of a tick replay recording.
//
// A recording is a directory containing:
//   - replay.yml: metadata written when recording starts and rewritten on stop
//   - strings.dat: the serializer's string table export
//   - init.dat: optional messages contributed by start hooks
//   - cvars.toml: snapshot of replicated configuration values
//   - 0.dat, 1.dat, ...: segments of [lenLE:uint32][compressed payload]
//
// A decompressed segment payload is a concatenation of frames. A frame is one
// serialized GameState followed by one serialized message batch; the
// serializer's format is self-delimiting so no frame length is stored.
//
// The state machine that drives these pieces lives in package recorder.
package replay
