package replay

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Report summarizes a validated recording directory.
type Report struct {
	Metadata *Metadata
	// Complete is false when replay.yml has none of the end-of-recording
	// fields, i.e. the recorder never reached a stop.
	Complete         bool
	Segments         int
	CompressedSize   int64
	UncompressedSize int64
	Warnings         []string
}

func (r *Report) warn(log zerolog.Logger, msg string) {
	r.Warnings = append(r.Warnings, msg)
	log.Warn().Msg(msg)
}

// ValidateDir checks a recording directory: metadata fields, contiguous
// segments, length prefixes, decompression, and, for a finished recording,
// that the final sizes in replay.yml match the segments on disk.
func ValidateDir(dir afero.Fs, log zerolog.Logger) (*Report, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	report := &Report{Metadata: meta}

	for _, k := range InitialKeys {
		if !meta.Has(k) {
			return report, errors.Errorf("%s: missing required field %q", MetadataFile, k)
		}
	}

	final := 0
	for _, k := range FinalKeys {
		if meta.Has(k) {
			final++
		}
	}
	switch final {
	case 0:
		report.warn(log, "recording was not stopped cleanly; replay.yml has no end-of-recording fields")
	case len(FinalKeys):
		report.Complete = true
	default:
		return report, errors.Errorf("%s: only %d of %d end-of-recording fields present", MetadataFile, final, len(FinalKeys))
	}

	if ok, _ := afero.Exists(dir, StringsFile); !ok {
		return report, errors.Errorf("missing required file: %s", StringsFile)
	}
	if ok, _ := afero.Exists(dir, CVarsFile); !ok {
		report.warn(log, "missing optional file: "+CVarsFile)
	}

	codecName, _ := meta.Get(KeyCompression)
	codec, err := ParseCodec(codecName)
	if err != nil {
		return report, err
	}
	d, err := NewDecompressor(codec)
	if err != nil {
		return report, err
	}
	defer d.Close()

	count, err := CountSegments(dir)
	if err != nil {
		return report, err
	}
	if highest, err := highestSegment(dir); err != nil {
		return report, err
	} else if highest >= count {
		return report, errors.Errorf("segment %s is missing but %s exists", SegmentName(count), SegmentName(highest))
	}

	for i := 0; i < count; i++ {
		payload, declared, err := ReadSegment(dir, i, d)
		if err != nil {
			return report, err
		}
		report.CompressedSize += int64(declared)
		report.UncompressedSize += int64(len(payload))
	}
	report.Segments = count
	if count == 0 {
		report.warn(log, "recording has no segments")
	}

	if report.Complete {
		checks := []struct {
			key  string
			want int64
		}{
			{KeyFileCount, int64(report.Segments)},
			{KeySize, report.CompressedSize},
			{KeyUncompressedSize, report.UncompressedSize},
		}
		for _, c := range checks {
			got, err := meta.Int(c.key)
			if err != nil {
				return report, err
			}
			if got != c.want {
				return report, errors.Errorf("%s: %s is %d but segments add up to %d", MetadataFile, c.key, got, c.want)
			}
		}
	}

	log.Debug().
		Int("segments", report.Segments).
		Int64("size", report.CompressedSize).
		Int64("uncompressedSize", report.UncompressedSize).
		Bool("complete", report.Complete).
		Msg("validated replay")
	return report, nil
}

// highestSegment returns the largest segment index present, or -1.
func highestSegment(dir afero.Fs) (int, error) {
	infos, err := afero.ReadDir(dir, ".")
	if err != nil {
		return -1, errors.Wrap(err, "list recording directory")
	}
	highest := -1
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, ".dat") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".dat"))
		if err != nil || n < 0 {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}
