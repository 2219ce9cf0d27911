package replay

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// SegmentWriter writes numbered segment files into a recording directory.
//
// Usage:
//
//	sw := replay.NewSegmentWriter(dir, nil)
//	n, err := sw.WriteSegment(compressor, buf.Bytes())
//
// Each call produces one file named after the current index. The index only
// advances once the file is in place, so indices stay contiguous even when a
// write fails and is retried.
type SegmentWriter struct {
	fs           afero.Fs
	pool         *ScratchPool
	index        int
	compressed   int64
	uncompressed int64
}

// NewSegmentWriter creates a writer for the directory fsys. A nil pool uses DefaultScratchPool.
func NewSegmentWriter(fsys afero.Fs, pool *ScratchPool) *SegmentWriter {
	if pool == nil {
		pool = DefaultScratchPool()
	}
	return &SegmentWriter{fs: fsys, pool: pool}
}

// SegmentName returns the file name of segment index.
func SegmentName(index int) string {
	return fmt.Sprintf("%d.dat", index)
}

// WriteSegment compresses payload with c and writes it as the next segment.
// It returns the number of compressed bytes written, excluding the length prefix.
func (w *SegmentWriter) WriteSegment(c Compressor, payload []byte) (int, error) {
	bound := c.CompressBound(len(payload))
	scratch := w.pool.Get(4 + bound)
	defer func() { w.pool.Put(scratch) }()

	// Reserve the prefix, then compress in place after it.
	scratch = append(scratch, 0, 0, 0, 0)
	out, err := c.Compress(scratch, payload)
	if err != nil {
		return 0, errors.Wrapf(err, "compress segment %d", w.index)
	}
	scratch = out
	length := len(out) - 4
	if uint64(length) > math.MaxUint32 {
		return 0, errors.Errorf("segment %d: compressed length %d overflows the prefix", w.index, length)
	}
	binary.LittleEndian.PutUint32(out[:4], uint32(length))

	name := SegmentName(w.index)
	err = WriteFileAtomic(w.fs, name, func(f io.Writer) error {
		_, err := f.Write(out)
		return err
	})
	if err != nil {
		return 0, err
	}

	w.index++
	w.uncompressed += int64(len(payload))
	w.compressed += int64(length)
	return length, nil
}

// Index is the index of the next segment, which is also the number written so far.
func (w *SegmentWriter) Index() int { return w.index }

// CompressedSize is the total compressed payload bytes written.
func (w *SegmentWriter) CompressedSize() int64 { return w.compressed }

// UncompressedSize is the total bytes handed to WriteSegment.
func (w *SegmentWriter) UncompressedSize() int64 { return w.uncompressed }

// WriteFileAtomic writes name by filling a temporary file and renaming it into
// place, so readers never observe a partially written file.
func WriteFileAtomic(fsys afero.Fs, name string, fill func(w io.Writer) error) (err error) {
	tmp := name + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	defer func() {
		if err != nil {
			_ = fsys.Remove(tmp)
		}
	}()

	if err = fill(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", name)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sync %s", name)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", name)
	}
	if err = fsys.Rename(tmp, name); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}
