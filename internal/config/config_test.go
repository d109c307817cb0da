package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-audio/aurelia/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
audio:
  device: loopback
  sample_rate: 48000
  channels: 2
  period_frames: 256
control:
  addr: 127.0.0.1:9900
log_level: debug
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "loopback", cfg.Audio.Device)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, 256, cfg.Audio.PeriodFrames)
	assert.Equal(t, "127.0.0.1:9900", cfg.Control.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "null", cfg.Audio.Device)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Audio.Channels)
	assert.Equal(t, 1024, cfg.Audio.PeriodFrames)
	assert.Equal(t, "127.0.0.1:8787", cfg.Control.Addr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYaml(t *testing.T) {
	path := writeConfig(t, "audio: [not a map\n")
	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigValidation(t *testing.T) {
	path := writeConfig(t, "audio:\n  device: cassette\n")
	_, err := config.LoadConfig(path)
	assert.ErrorContains(t, err, "unknown audio device")

	path = writeConfig(t, "audio:\n  channels: 6\n")
	_, err = config.LoadConfig(path)
	assert.ErrorContains(t, err, "unsupported channel count")

	path = writeConfig(t, "audio:\n  sample_rate: 1000\n")
	_, err = config.LoadConfig(path)
	assert.ErrorContains(t, err, "out of range")
}
