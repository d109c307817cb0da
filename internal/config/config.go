package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AudioConfig stores hardware device configuration.
type AudioConfig struct {
	// Device selects the hardware backend: "null", "speaker" or
	// "loopback".
	Device       string `yaml:"device"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	PeriodFrames int    `yaml:"period_frames"`
}

// ControlConfig stores the control surface configuration.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// Config stores the application configuration.
type Config struct {
	Audio    AudioConfig   `yaml:"audio"`
	Control  ControlConfig `yaml:"control"`
	LogLevel string        `yaml:"log_level"`
}

// LoadConfig loads the configuration from the given file path.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Audio.Device == "" {
		c.Audio.Device = "null"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 44100
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 2
	}
	if c.Audio.PeriodFrames == 0 {
		c.Audio.PeriodFrames = 1024
	}
	if c.Control.Addr == "" {
		c.Control.Addr = "127.0.0.1:8787"
	}
}

func (c *Config) validate() error {
	switch c.Audio.Device {
	case "null", "speaker", "loopback":
	default:
		return fmt.Errorf("unknown audio device %q", c.Audio.Device)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("unsupported channel count %d", c.Audio.Channels)
	}
	if c.Audio.SampleRate < 4000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("sample rate %d out of range", c.Audio.SampleRate)
	}
	return nil
}
