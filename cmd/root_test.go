package cmd

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/flowscope/internal/config"
	"github.com/withobsrvr/flowscope/internal/model"
)

func TestApplyOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("speed", 2.5)
	viper.Set("topics", []string{"/imu"})
	viper.Set("start", "90s")
	viper.Set("worker-address", "worker:7070")
	viper.Set("abort-grace", "500ms")
	viper.Set("tls-mode", "enabled")

	cfg := config.Default()
	applyOverrides(cfg)

	assert.Equal(t, 2.5, cfg.Playback.Speed)
	assert.Equal(t, []string{"/imu"}, cfg.Playback.Topics)
	assert.Equal(t, config.WorkerRemote, cfg.Worker.Mode)
	assert.Equal(t, "worker:7070", cfg.Worker.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.AbortGrace)
	assert.Equal(t, config.TLSModeEnabled, cfg.Worker.TLS.Mode)

	start, err := cfg.StartTime()
	require.NoError(t, err)
	assert.Equal(t, model.Time{Sec: 90}, *start)
}

func TestExplicitWorkerModeWins(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("worker", "disabled")
	viper.Set("worker-address", "worker:7070")

	cfg := config.Default()
	applyOverrides(cfg)
	assert.Equal(t, config.WorkerDisabled, cfg.Worker.Mode)
}

func TestLoadConfigNamesRecording(t *testing.T) {
	t.Cleanup(viper.Reset)

	cfg, err := loadConfig("https://example.com/drive.db")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/drive.db", cfg.Source.URL)
	assert.Empty(t, cfg.Source.File)

	cfg, err = loadConfig("drive.db")
	require.NoError(t, err)
	assert.Equal(t, "drive.db", cfg.Source.File)

	_, err = loadConfig("")
	assert.Error(t, err)
}
