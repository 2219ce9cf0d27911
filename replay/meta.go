package replay

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// File names inside a recording directory.
const (
	MetadataFile = "replay.yml"
	StringsFile  = "strings.dat"
	InitFile     = "init.dat"
	CVarsFile    = "cvars.toml"
)

// Metadata keys written when a recording starts.
const (
	KeyTime             = "time"
	KeyRecordingID      = "recordingId"
	KeyEngineVersion    = "engineVersion"
	KeyBuildForkID      = "buildForkId"
	KeyBuildVersion     = "buildVersion"
	KeyTypeHash         = "typeHash"
	KeyStringHash       = "stringHash"
	KeyCompression      = "compression"
	KeyCompressionLevel = "compressionLevel"
	KeyStartTick        = "startTick"
	KeyTimeBaseTick     = "timeBaseTick"
	KeyTimeBaseTimespan = "timeBaseTimespan"
	KeyServerStartTime  = "serverStartTime"
)

// Metadata keys only present once a recording has stopped.
const (
	KeyEndTick          = "endTick"
	KeyDuration         = "duration"
	KeyFileCount        = "fileCount"
	KeySize             = "size"
	KeyUncompressedSize = "uncompressedSize"
	KeyServerEndTime    = "serverEndTime"
)

// InitialKeys are required in every metadata document.
var InitialKeys = []string{
	KeyTime, KeyEngineVersion, KeyBuildForkID, KeyBuildVersion, KeyTypeHash,
	KeyStringHash, KeyStartTick, KeyTimeBaseTick, KeyTimeBaseTimespan, KeyServerStartTime,
}

// FinalKeys are added when the recording stops.
var FinalKeys = []string{
	KeyEndTick, KeyDuration, KeyFileCount, KeySize, KeyUncompressedSize, KeyServerEndTime,
}

// Metadata is the replay.yml document: an ordered mapping of string keys to
// string values. Numbers, times and durations are stored in their text form.
type Metadata struct {
	keys   []string
	values map[string]string
}

func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]string)}
}

// Set adds or replaces key. New keys keep insertion order.
func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m *Metadata) SetInt(key string, v int64) { m.Set(key, strconv.FormatInt(v, 10)) }

func (m *Metadata) SetUint(key string, v uint64) { m.Set(key, strconv.FormatUint(v, 10)) }

func (m *Metadata) SetDuration(key string, d time.Duration) { m.Set(key, d.String()) }

func (m *Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Int parses key as a base 10 integer.
func (m *Metadata) Int(key string) (int64, error) {
	v, ok := m.values[key]
	if !ok {
		return 0, errors.Errorf("metadata: missing %q", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, errors.Wrapf(err, "metadata: %q", key)
}

func (m *Metadata) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m *Metadata) Len() int { return len(m.keys) }

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	c := NewMetadata()
	for _, k := range m.keys {
		c.Set(k, m.values[k])
	}
	return c
}

func (m *Metadata) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range m.keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: m.values[k]},
		)
	}
	return node, nil
}

func (m *Metadata) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Errorf("metadata: expected a mapping, got yaml kind %d at line %d", node.Kind, node.Line)
	}
	m.keys = nil
	m.values = make(map[string]string, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return errors.Errorf("metadata: %q is not a scalar (line %d)", k.Value, v.Line)
		}
		m.Set(k.Value, v.Value)
	}
	return nil
}

// Encode writes the document as YAML.
func (m *Metadata) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	return enc.Close()
}

// WriteMetadata atomically replaces replay.yml in dir.
func WriteMetadata(dir afero.Fs, m *Metadata) error {
	return WriteFileAtomic(dir, MetadataFile, m.Encode)
}

// ReadMetadata loads replay.yml from dir.
func ReadMetadata(dir afero.Fs) (*Metadata, error) {
	data, err := afero.ReadFile(dir, MetadataFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", MetadataFile)
	}
	m := NewMetadata()
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(m); err != nil {
		return nil, errors.Wrapf(err, "parse %s", MetadataFile)
	}
	return m, nil
}
