// Package hal module wiring.
package hal

import (
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/config"
)

// Module provides the hardware device selected by configuration.
var Module = fx.Module("hal",
	fx.Provide(NewDevice),
)

// DeviceParams holds dependencies for NewDevice.
type DeviceParams struct {
	fx.In
	Cfg    *config.Config
	Logger *zap.Logger
}

// NewDevice opens the configured hardware backend.
func NewDevice(params DeviceParams) (Device, error) {
	a := params.Cfg.Audio
	params.Logger.Info("opening audio device",
		zap.String("device", a.Device), zap.Int("rate", a.SampleRate),
		zap.Int("channels", a.Channels), zap.Int("period", a.PeriodFrames))

	switch a.Device {
	case "null":
		return NewNullDevice(a.SampleRate, a.Channels, a.PeriodFrames), nil
	case "speaker":
		return NewSpeakerDevice(a.SampleRate, a.Channels, a.PeriodFrames), nil
	case "loopback":
		return NewLoopbackDevice(a.SampleRate, a.Channels, a.PeriodFrames), nil
	}
	return nil, fmt.Errorf("unknown audio device %q", a.Device)
}
