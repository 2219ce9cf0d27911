package replay

import (
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec names the compression format of segment payloads.
type Codec string

const (
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
)

// ParseCodec validates a codec name. The empty string selects zstd.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecZstd:
		return CodecZstd, nil
	case CodecSnappy:
		return CodecSnappy, nil
	}
	return "", errors.Errorf("unknown compression codec %q", s)
}

// Compressor is a reusable one-shot compression context. It must not be used
// by two flushes at the same time.
type Compressor interface {
	Codec() Codec
	// CompressBound is the worst-case compressed size of n input bytes.
	CompressBound(n int) int
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) ([]byte, error)
	Close() error
}

// NewCompressor creates a compression context. level uses zstd's numbering
// and is ignored by codecs without levels.
func NewCompressor(codec Codec, level int) (Compressor, error) {
	switch codec {
	case "", CodecZstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
			zstd.WithZeroFrames(true),
		)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd encoder")
		}
		return &zstdCompressor{enc: enc}, nil
	case CodecSnappy:
		return snappyCompressor{}, nil
	}
	return nil, errors.Errorf("unknown compression codec %q", codec)
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (c *zstdCompressor) Codec() Codec { return CodecZstd }

// CompressBound mirrors ZSTD_COMPRESSBOUND.
func (c *zstdCompressor) CompressBound(n int) int {
	const small = 128 << 10
	bound := n + n>>8
	if n < small {
		bound += (small - n) >> 11
	}
	return bound
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst), nil
}

func (c *zstdCompressor) Close() error { return c.enc.Close() }

type snappyCompressor struct{}

func (snappyCompressor) Codec() Codec { return CodecSnappy }

func (snappyCompressor) CompressBound(n int) int { return snappy.MaxEncodedLen(n) }

func (snappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	bound := snappy.MaxEncodedLen(len(src))
	if bound < 0 {
		return nil, errors.Errorf("snappy: %d bytes is too large to compress", len(src))
	}
	n := len(dst)
	if cap(dst)-n < bound {
		grown := make([]byte, n, n+bound)
		copy(grown, dst)
		dst = grown
	}
	enc := snappy.Encode(dst[n:n+bound], src)
	return dst[:n+len(enc)], nil
}

func (snappyCompressor) Close() error { return nil }

// Decompressor reverses a Compressor for validation tooling.
type Decompressor struct {
	codec Codec
	dec   *zstd.Decoder
}

// NewDecompressor creates a decompression context for codec.
func NewDecompressor(codec Codec) (*Decompressor, error) {
	d := &Decompressor{codec: codec}
	switch codec {
	case "", CodecZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "create zstd decoder")
		}
		d.codec = CodecZstd
		d.dec = dec
	case CodecSnappy:
	default:
		return nil, errors.Errorf("unknown compression codec %q", codec)
	}
	return d, nil
}

// Decompress returns the decompressed form of src.
func (d *Decompressor) Decompress(src []byte) ([]byte, error) {
	if d.codec == CodecSnappy {
		out, err := snappy.Decode(nil, src)
		return out, errors.Wrap(err, "snappy decode")
	}
	out, err := d.dec.DecodeAll(src, nil)
	return out, errors.Wrap(err, "zstd decode")
}

func (d *Decompressor) Close() {
	if d.dec != nil {
		d.dec.Close()
	}
}

// ScratchPool hands out byte slices for compression output so that a flush
// does not allocate once the pool is warm.
type ScratchPool struct {
	pool sync.Pool
}

// Get returns a zero-length slice with capacity of at least n.
func (p *ScratchPool) Get(n int) []byte {
	if v, ok := p.pool.Get().(*[]byte); ok && cap(*v) >= n {
		return (*v)[:0]
	}
	return make([]byte, 0, n)
}

// Put returns b to the pool.
func (p *ScratchPool) Put(b []byte) {
	b = b[:0]
	p.pool.Put(&b)
}

var defaultScratch ScratchPool

// DefaultScratchPool is shared by segment writers created without a pool.
func DefaultScratchPool() *ScratchPool { return &defaultScratch }
