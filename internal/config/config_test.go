package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/source"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowscope.yaml")
	writeFile(t, path, `
version: "1"
log_level: debug
source:
  file: drive.db
playback:
  read_ahead: 20s
  speed: 2.5
  topics: [/imu, /gps]
  filter: topic == "/imu"
  start: "1.5"
worker:
  mode: remote
  address: localhost:7070
  abort_grace: 500ms
  tls:
    mode: enabled
    cert_file: certs/worker.pem
    key_file: /etc/flowscope/worker.key
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, source.Args{File: "drive.db"}, cfg.SourceArgs())
	assert.Equal(t, 20*time.Second, cfg.Playback.ReadAhead)
	assert.Equal(t, 2.5, cfg.Playback.Speed)
	assert.Equal(t, []string{"/imu", "/gps"}, cfg.Playback.Topics)
	assert.True(t, cfg.Playback.AutoPlay, "defaults survive when the file is silent")
	assert.Equal(t, WorkerRemote, cfg.Worker.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.AbortGrace)
	assert.Equal(t, filepath.Join(dir, "certs/worker.pem"), cfg.Worker.TLS.CertFile)
	assert.Equal(t, "/etc/flowscope/worker.key", cfg.Worker.TLS.KeyFile)
	assert.Empty(t, cfg.Worker.TLS.CAFile)

	start, err := cfg.StartTime()
	require.NoError(t, err)
	assert.Equal(t, model.Time{Sec: 1, Nsec: 500_000_000}, *start)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "playback: [not, a, map]")
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Source.File = "drive.db"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no source", func(c *Config) { c.Source.File = "" }, "exactly one of file or url"},
		{"two sources", func(c *Config) { c.Source.URL = "https://example.com/a.db" }, "exactly one of file or url"},
		{"zero speed", func(c *Config) { c.Playback.Speed = 0 }, "speed must be positive"},
		{"bad start", func(c *Config) { c.Playback.Start = "yesterday" }, "invalid playback.start"},
		{"unknown mode", func(c *Config) { c.Worker.Mode = "thread" }, "unknown worker.mode"},
		{"remote without address", func(c *Config) { c.Worker.Mode = WorkerRemote }, "worker.address is required"},
		{"mutual without cert", func(c *Config) {
			c.Worker.Mode = WorkerRemote
			c.Worker.Address = "localhost:7070"
			c.Worker.TLS.Mode = TLSModeMutual
		}, "cert_file is required"},
		{"missing ca", func(c *Config) {
			c.Worker.Mode = WorkerRemote
			c.Worker.Address = "localhost:7070"
			c.Worker.TLS.Mode = TLSModeEnabled
			c.Worker.TLS.CAFile = "/nonexistent/ca.pem"
		}, "file does not exist"},
		{"no version", func(c *Config) { c.Version = "" }, "version is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestTLSDisabled(t *testing.T) {
	tls := DefaultTLSConfig()
	require.NoError(t, tls.Validate())
	opts, err := tls.ServerOptions()
	require.NoError(t, err)
	assert.Empty(t, opts)
	dial, err := tls.DialOption()
	require.NoError(t, err)
	assert.NotNil(t, dial)

	bad := &TLSConfig{Mode: "sometimes"}
	assert.ErrorContains(t, bad.Validate(), "unknown TLS mode")
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowscope.yaml")
	writeFile(t, path, "source: {file: a.db}\nplayback: {speed: 1}\n")

	var mu sync.Mutex
	var speeds []float64
	w, err := Watch(path, 20*time.Millisecond, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		speeds = append(speeds, cfg.Playback.Speed)
	})
	require.NoError(t, err)
	defer w.Close()

	// Invalid contents are skipped.
	writeFile(t, path, "source: {file: a.db}\nplayback: {speed: -1}\n")
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "source: {file: a.db}\nplayback: {speed: 4}\n")
	// Changes to other files in the directory are ignored.
	writeFile(t, filepath.Join(dir, "other.yaml"), "speed: 9")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(speeds) > 0 && speeds[len(speeds)-1] == 4
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, speeds, -1.0)
	assert.NotContains(t, speeds, 9.0)
}
