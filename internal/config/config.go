package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
)

// WorkerMode selects where the source runs.
type WorkerMode string

const (
	// WorkerInProcess runs the source on a worker goroutine behind an rpc pipe.
	WorkerInProcess WorkerMode = "inprocess"
	// WorkerRemote connects to `flowscope worker serve` over gRPC.
	WorkerRemote WorkerMode = "remote"
	// WorkerDisabled reads the source directly.
	WorkerDisabled WorkerMode = "disabled"
)

// Config represents the top-level configuration
type Config struct {
	Version  string         `yaml:"version"`
	LogLevel string         `yaml:"log_level"`
	Source   SourceConfig   `yaml:"source"`
	Playback PlaybackConfig `yaml:"playback"`
	Worker   WorkerConfig   `yaml:"worker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SourceConfig names the recording to open
type SourceConfig struct {
	File    string `yaml:"file"`
	URL     string `yaml:"url"`
	Backend string `yaml:"backend"`
}

// PlaybackConfig configures the player
type PlaybackConfig struct {
	// ReadAhead overrides the source factory's read-ahead when set.
	ReadAhead time.Duration `yaml:"read_ahead"`
	Speed     float64       `yaml:"speed"`
	Topics    []string      `yaml:"topics"`
	Filter    string        `yaml:"filter"`
	// Start is a time accepted by model.ParseTime.
	Start    string `yaml:"start"`
	AutoPlay bool   `yaml:"auto_play"`
}

// WorkerConfig configures the worker link
type WorkerConfig struct {
	Mode       WorkerMode    `yaml:"mode"`
	Address    string        `yaml:"address"`
	AbortGrace time.Duration `yaml:"abort_grace"`
	TLS        TLSConfig     `yaml:"tls"`
}

// MetricsConfig configures the prometheus exporter. An empty address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version:  "1",
		LogLevel: "info",
		Playback: PlaybackConfig{Speed: 1, AutoPlay: true},
		Worker: WorkerConfig{
			Mode:       WorkerInProcess,
			AbortGrace: 2 * time.Second,
			TLS:        *DefaultTLSConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
// Relative certificate paths are resolved against the file's directory.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	dir := filepath.Dir(path)
	tls := &cfg.Worker.TLS
	tls.CertFile = ResolveCertPath(tls.CertFile, dir)
	tls.KeyFile = ResolveCertPath(tls.KeyFile, dir)
	tls.CAFile = ResolveCertPath(tls.CAFile, dir)
	return cfg, nil
}

// SourceArgs converts the source section into source arguments.
func (c *Config) SourceArgs() source.Args {
	return source.Args{File: c.Source.File, URL: c.Source.URL, Backend: c.Source.Backend}
}

// StartTime parses playback.start. It returns nil when unset.
func (c *Config) StartTime() (*model.Time, error) {
	if c.Playback.Start == "" {
		return nil, nil
	}
	t, err := model.ParseTime(c.Playback.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid playback.start: %w", err)
	}
	return &t, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.SourceArgs().Validate(); err != nil {
		return err
	}

	if c.Playback.Speed <= 0 {
		return fmt.Errorf("playback.speed must be positive, got %v", c.Playback.Speed)
	}
	if c.Playback.ReadAhead < 0 {
		return fmt.Errorf("playback.read_ahead must not be negative")
	}
	if _, err := c.StartTime(); err != nil {
		return err
	}

	switch c.Worker.Mode {
	case WorkerInProcess, WorkerDisabled:
	case WorkerRemote:
		if c.Worker.Address == "" {
			return fmt.Errorf("worker.address is required in remote mode")
		}
		if err := c.Worker.TLS.ValidateClient(); err != nil {
			return fmt.Errorf("worker.tls: %w", err)
		}
	default:
		return fmt.Errorf("unknown worker.mode %q", c.Worker.Mode)
	}
	if c.Worker.AbortGrace < 0 {
		return fmt.Errorf("worker.abort_grace must not be negative")
	}

	return nil
}
