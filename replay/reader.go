package replay

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ReadSegment reads segment index from dir, checks its length prefix and
// returns the decompressed payload together with the declared compressed length.
func ReadSegment(dir afero.Fs, index int, d *Decompressor) ([]byte, int, error) {
	name := SegmentName(index)
	data, err := afero.ReadFile(dir, name)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read %s", name)
	}
	if len(data) < 4 {
		return nil, 0, errors.Errorf("%s: %d bytes is shorter than the length prefix", name, len(data))
	}
	declared := int(binary.LittleEndian.Uint32(data[:4]))
	if declared != len(data)-4 {
		return nil, declared, errors.Errorf("%s: length prefix says %d bytes, file holds %d", name, declared, len(data)-4)
	}
	payload, err := d.Decompress(data[4:])
	if err != nil {
		return nil, declared, errors.Wrapf(err, "decompress %s", name)
	}
	return payload, declared, nil
}

// CountSegments returns how many contiguous segments exist starting at 0.dat.
func CountSegments(dir afero.Fs) (int, error) {
	n := 0
	for {
		ok, err := afero.Exists(dir, SegmentName(n))
		if err != nil {
			return n, errors.Wrapf(err, "stat %s", SegmentName(n))
		}
		if !ok {
			return n, nil
		}
		n++
	}
}
