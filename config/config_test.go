package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	l, err := Load("")
	require.NoError(t, err)

	cfg := l.Config()
	assert.Equal(t, Default().Enabled, cfg.Enabled)
	assert.Equal(t, "replays", cfg.Directory)
	assert.Equal(t, 1024*1024, cfg.TickBatchBytes())
	assert.Equal(t, int64(256*1024*1024), cfg.MaxCompressedBytes())
	assert.Equal(t, int64(1024*1024*1024), cfg.MaxUncompressedBytes())
	assert.Equal(t, "zstd", cfg.Compression)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeConfig(t, "replay.toml", `
enabled = false
directory = "/srv/replays"
tick_batch_size = 64
compression = "snappy"

[build]
engine_version = "0.9.1"
fork_id = "wizden"

[replicated]
max_players = 32
map = "box"
`)
	l, err := Load(path)
	require.NoError(t, err)

	cfg := l.Config()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "/srv/replays", cfg.Directory)
	assert.Equal(t, 64*1024, cfg.TickBatchBytes())
	assert.Equal(t, "snappy", cfg.Compression)
	assert.Equal(t, "0.9.1", cfg.Build.EngineVersion)
	assert.Equal(t, "wizden", cfg.Build.ForkID)
	assert.Equal(t, 3, cfg.CompressionLevel)
	assert.EqualValues(t, 32, cfg.Replicated["max_players"])
	assert.Equal(t, "box", cfg.Replicated["map"])
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, "replay.yaml", "compression: lzma\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lzma")

	path = writeConfig(t, "replay.yaml", "tick_batch_size: 0\n")
	_, err = Load(path)
	require.Error(t, err)
}

func TestReload_NotifiesListeners(t *testing.T) {
	path := writeConfig(t, "replay.yaml", "tick_batch_size: 8\n")
	l, err := Load(path)
	require.NoError(t, err)

	var got []Config
	l.OnChange(func(c Config) { got = append(got, c) })

	require.NoError(t, os.WriteFile(path, []byte("tick_batch_size: 16\nenabled: false\n"), 0o644))
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.TickBatchSize)
	require.Len(t, got, 1)
	assert.False(t, got[0].Enabled)
	assert.Equal(t, 16, l.Config().TickBatchSize)
}

func TestReload_InvalidKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "replay.yaml", "tick_batch_size: 8\n")
	l, err := Load(path)
	require.NoError(t, err)

	called := false
	l.OnChange(func(Config) { called = true })

	require.NoError(t, os.WriteFile(path, []byte("tick_batch_size: -1\n"), 0o644))
	cfg, err := l.Reload()
	require.Error(t, err)
	assert.Equal(t, 8, cfg.TickBatchSize)
	assert.False(t, called)
}

func TestApply_UsesLoadedSettings(t *testing.T) {
	path := writeConfig(t, "replay.yaml", "tick_batch_size: 8\n")
	l, err := Load(path)
	require.NoError(t, err)

	var got []Config
	l.OnChange(func(c Config) { got = append(got, c) })
	l.OnChange(func(c Config) { got = append(got, c) })

	// apply works from what viper holds and does not touch the file.
	require.NoError(t, os.WriteFile(path, []byte("tick_batch_size: 32\n"), 0o644))
	cfg, err := l.apply()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.TickBatchSize)
	require.Len(t, got, 2)

	l.v.Set("tick_batch_size", 0)
	_, err = l.apply()
	require.Error(t, err)
	assert.Equal(t, 8, l.Config().TickBatchSize)
	assert.Len(t, got, 2)
}
