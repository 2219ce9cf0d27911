// Package config loads the replay recorder settings and reloads them when
// the configuration file changes.
package config

import (
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the recorder configuration. Sizes are in KiB.
type Config struct {
	Enabled             bool           `mapstructure:"enabled"`
	Directory           string         `mapstructure:"directory"`
	MaxCompressedSize   int            `mapstructure:"max_compressed_size"`
	MaxUncompressedSize int            `mapstructure:"max_uncompressed_size"`
	TickBatchSize       int            `mapstructure:"tick_batch_size"`
	Compression         string         `mapstructure:"compression"`
	CompressionLevel    int            `mapstructure:"compression_level"`
	Build               BuildInfo      `mapstructure:"build"`
	Replicated          map[string]any `mapstructure:"replicated"`
}

// BuildInfo identifies the engine build that produced a recording.
type BuildInfo struct {
	EngineVersion string `mapstructure:"engine_version"`
	ForkID        string `mapstructure:"fork_id"`
	Version       string `mapstructure:"version"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Enabled:             true,
		Directory:           "replays",
		MaxCompressedSize:   256 * 1024,
		MaxUncompressedSize: 1024 * 1024,
		TickBatchSize:       1024,
		Compression:         "zstd",
		CompressionLevel:    3,
	}
}

// Validate checks the limits and the codec name.
func (c Config) Validate() error {
	if c.Directory == "" {
		return errors.New("directory must not be empty")
	}
	if c.MaxCompressedSize <= 0 || c.MaxUncompressedSize <= 0 {
		return errors.Errorf("size limits must be positive (compressed %d KiB, uncompressed %d KiB)", c.MaxCompressedSize, c.MaxUncompressedSize)
	}
	if c.TickBatchSize <= 0 {
		return errors.Errorf("tick_batch_size must be positive, got %d", c.TickBatchSize)
	}
	switch c.Compression {
	case "zstd", "snappy":
	default:
		return errors.Errorf("unknown compression %q (use zstd|snappy)", c.Compression)
	}
	return nil
}

// MaxCompressedBytes returns the compressed ceiling in bytes.
func (c Config) MaxCompressedBytes() int64 { return int64(c.MaxCompressedSize) * 1024 }

// MaxUncompressedBytes returns the uncompressed ceiling in bytes.
func (c Config) MaxUncompressedBytes() int64 { return int64(c.MaxUncompressedSize) * 1024 }

// TickBatchBytes returns the flush threshold in bytes.
func (c Config) TickBatchBytes() int { return c.TickBatchSize * 1024 }

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("directory", d.Directory)
	v.SetDefault("max_compressed_size", d.MaxCompressedSize)
	v.SetDefault("max_uncompressed_size", d.MaxUncompressedSize)
	v.SetDefault("tick_batch_size", d.TickBatchSize)
	v.SetDefault("compression", d.Compression)
	v.SetDefault("compression_level", d.CompressionLevel)
	v.SetDefault("build.engine_version", "")
	v.SetDefault("build.fork_id", "")
	v.SetDefault("build.version", "")
}

// Loader reads a config file and notifies listeners when it changes.
type Loader struct {
	v *viper.Viper

	mu        sync.Mutex
	current   Config
	listeners []func(Config)
}

// Load reads path (TOML, YAML or JSON by extension) merged over the defaults.
// An empty path yields the defaults.
func Load(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("REPLAY")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, current: cfg}, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Config returns the last successfully loaded configuration.
func (l *Loader) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// OnChange registers fn to receive every successfully reloaded configuration.
// fn runs on the goroutine that performed the reload.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Reload re-reads the config file. An invalid file keeps the previous
// configuration and returns the error; listeners are not called.
func (l *Loader) Reload() (Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return l.Config(), errors.Wrap(err, "reload config")
		}
	}
	return l.apply()
}

// apply decodes the settings viper currently holds and notifies listeners.
func (l *Loader) apply() (Config, error) {
	cfg, err := decode(l.v)
	if err != nil {
		return l.Config(), err
	}

	l.mu.Lock()
	l.current = cfg
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the file changes on disk.
func (l *Loader) Watch() {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		// viper has already re-read the file by the time this runs.
		if _, err := l.apply(); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid replay config change")
			return
		}
		log.Info().Str("file", e.Name).Msg("replay config reloaded")
	})
	l.v.WatchConfig()
}
