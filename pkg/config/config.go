// Package config loads the chatsync YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/holon-run/chatsync/pkg/chunkbuf"
	"github.com/holon-run/chatsync/pkg/log"
)

// CurrentVersion is written by Default and accepted by Load.
const CurrentVersion = "1"

// Defaults applied to unset keys.
const (
	DefaultFlushInterval = 16 * time.Millisecond
	DefaultAbortTimeout  = 10 * time.Second
)

type Config struct {
	Version string        `yaml:"version"`
	Log     LogConfig     `yaml:"log,omitempty"`
	Stream  StreamConfig  `yaml:"stream,omitempty"`
	Abort   AbortConfig   `yaml:"abort,omitempty"`
	Source  SourceConfig  `yaml:"source,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // console (default) | json
}

type StreamConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval,omitempty"`
	DedupMinPrefix int           `yaml:"dedup_min_prefix,omitempty"`
	DedupProbe     int           `yaml:"dedup_probe,omitempty"`
}

type AbortConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type SourceConfig struct {
	WebsocketURL string `yaml:"websocket_url,omitempty"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{Version: CurrentVersion}
	cfg.normalize()
	return cfg
}

// Load reads and validates path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if strings.TrimSpace(cfg.Version) == "" {
		return Config{}, errors.New("version is required")
	}
	if cfg.Version != CurrentVersion {
		return Config{}, fmt.Errorf("unsupported version %q", cfg.Version)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = string(log.LevelProgress)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = log.FormatConsole
	}
	if c.Stream.FlushInterval == 0 {
		c.Stream.FlushInterval = DefaultFlushInterval
	}
	if c.Stream.DedupMinPrefix == 0 {
		c.Stream.DedupMinPrefix = chunkbuf.DefaultDedupMinPrefix
	}
	if c.Stream.DedupProbe == 0 {
		c.Stream.DedupProbe = chunkbuf.DefaultDedupProbe
	}
	if c.Abort.Timeout == 0 {
		c.Abort.Timeout = DefaultAbortTimeout
	}
	c.Source.WebsocketURL = strings.TrimSpace(c.Source.WebsocketURL)
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
}

// Validate checks value ranges. It is run by Load and again by callers after
// applying flag overrides.
func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != log.FormatConsole && c.Log.Format != log.FormatJSON {
		return fmt.Errorf("log.format must be %s or %s: %q", log.FormatConsole, log.FormatJSON, c.Log.Format)
	}
	if c.Stream.FlushInterval < 0 {
		return fmt.Errorf("stream.flush_interval must be positive: %s", c.Stream.FlushInterval)
	}
	if c.Stream.DedupMinPrefix < 0 || c.Stream.DedupProbe < 0 {
		return errors.New("stream.dedup_min_prefix and stream.dedup_probe must not be negative")
	}
	if c.Abort.Timeout < 0 {
		return fmt.Errorf("abort.timeout must be positive: %s", c.Abort.Timeout)
	}
	if u := c.Source.WebsocketURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("source.websocket_url must use ws:// or wss://: %q", u)
	}
	return nil
}

// Buffer returns the chunk buffer settings.
func (c Config) Buffer() chunkbuf.Config {
	return chunkbuf.Config{
		DedupMinPrefix: c.Stream.DedupMinPrefix,
		DedupProbe:     c.Stream.DedupProbe,
	}
}

// Logging returns the logger settings.
func (c Config) Logging() (log.Config, error) {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.Config{}, err
	}
	return log.Config{Level: level, Format: c.Log.Format}, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
