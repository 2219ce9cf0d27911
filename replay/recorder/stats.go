package recorder

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats describes the active recording. It is the zero value while idle.
type Stats struct {
	Minutes           float64
	Ticks             int
	CompressedBytes   int64
	UncompressedBytes int64
}

// CompressedMB is the compressed size written so far in MiB.
func (s Stats) CompressedMB() float64 { return float64(s.CompressedBytes) / (1024 * 1024) }

// UncompressedMB is the uncompressed size written so far in MiB.
func (s Stats) UncompressedMB() float64 { return float64(s.UncompressedBytes) / (1024 * 1024) }

func (s Stats) String() string {
	return fmt.Sprintf("%.2f min, %d ticks, %s (%s uncompressed)",
		s.Minutes, s.Ticks,
		humanize.IBytes(uint64(s.CompressedBytes)),
		humanize.IBytes(uint64(s.UncompressedBytes)))
}

// Stats reports elapsed time, elapsed ticks and the sizes of the segments
// flushed so far. Unflushed ticks are not counted in the sizes.
func (r *Recorder) Stats() Stats {
	s := r.session
	if s == nil {
		return Stats{}
	}
	return Stats{
		Minutes:           (r.timing.CurTime() - s.startTime).Minutes(),
		Ticks:             int(r.timing.CurTick()) - int(s.startTick),
		CompressedBytes:   s.segments.CompressedSize(),
		UncompressedBytes: s.segments.UncompressedSize(),
	}
}
