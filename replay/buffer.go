package replay

import "bytes"

// Buffer accumulates frames that have not been flushed to a segment yet.
// It is reused across flushes: Reset keeps the allocated capacity.
type Buffer struct {
	buf       bytes.Buffer
	threshold int
}

// NewBuffer returns a Buffer with room for roughly two batches of threshold bytes.
func NewBuffer(threshold int) *Buffer {
	b := &Buffer{threshold: threshold}
	if threshold > 0 {
		b.buf.Grow(threshold * 2)
	}
	return b
}

func (b *Buffer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// Len returns the number of unflushed bytes.
func (b *Buffer) Len() int { return b.buf.Len() }

// Bytes returns the unflushed bytes. The slice is only valid until the next write or Reset.
func (b *Buffer) Bytes() []byte { return b.buf.Bytes() }

// Threshold returns the flush threshold in bytes.
func (b *Buffer) Threshold() int { return b.threshold }

// SetThreshold changes the flush threshold. Buffered data is kept.
func (b *Buffer) SetThreshold(n int) { b.threshold = n }

// Full reports whether the buffered length exceeds the flush threshold.
func (b *Buffer) Full() bool { return b.buf.Len() > b.threshold }

// Truncate discards all but the first n bytes.
func (b *Buffer) Truncate(n int) { b.buf.Truncate(n) }

// Reset empties the buffer without releasing its storage.
func (b *Buffer) Reset() { b.buf.Reset() }
