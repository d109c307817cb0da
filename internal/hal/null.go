package hal

import (
	"strings"
	"sync"
	"time"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// NullDevice is a clocked sink/source with no audio hardware behind
// it. Writes and reads pace themselves to the nominal sample rate so
// the endpoint threads run at a realistic cadence.
type NullDevice struct {
	mu       sync.Mutex
	micMuted bool
	params   map[string]string

	defaultRate     int
	defaultChannels int
	periodFrames    int
}

// NewNullDevice creates a null device with the given default stream
// geometry.
func NewNullDevice(sampleRate, channels, periodFrames int) *NullDevice {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 2
	}
	if periodFrames <= 0 {
		periodFrames = 1024
	}
	return &NullDevice{
		params:          make(map[string]string),
		defaultRate:     sampleRate,
		defaultChannels: channels,
		periodFrames:    periodFrames,
	}
}

// OpenOutputStream opens a timed sink at the requested or default
// geometry.
func (d *NullDevice) OpenOutputStream(devices uint32, cfg *StreamConfig) (OutputStream, error) {
	rate, channels := d.negotiate(cfg)
	return newTimedStream(rate, channels, d.periodFrames), nil
}

// OpenInputStream opens a timed source producing silence at the
// device cadence.
func (d *NullDevice) OpenInputStream(devices uint32, cfg *StreamConfig) (InputStream, error) {
	rate, channels := d.negotiate(cfg)
	return newTimedStream(rate, channels, d.periodFrames), nil
}

func (d *NullDevice) negotiate(cfg *StreamConfig) (rate, channels int) {
	rate, channels = d.defaultRate, d.defaultChannels
	if cfg != nil {
		if cfg.SampleRate > 0 {
			rate = cfg.SampleRate
		}
		if cfg.Channels > 0 {
			channels = cfg.Channels
		}
		cfg.SampleRate = rate
		cfg.Channels = channels
		cfg.Format = pcm.FormatPCM16
	}
	return rate, channels
}

// SetMasterVolume reports no hardware gain support.
func (d *NullDevice) SetMasterVolume(v float32) error { return ErrUnsupported }

// SetMode accepts any mode.
func (d *NullDevice) SetMode(mode int) error { return nil }

// SetMicMute records the mute flag.
func (d *NullDevice) SetMicMute(muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.micMuted = muted
	return nil
}

// MicMute reports the mute flag.
func (d *NullDevice) MicMute() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.micMuted
}

// SetVoiceVolume accepts and discards the voice gain.
func (d *NullDevice) SetVoiceVolume(v float32) error { return nil }

// SetParameters stores global key/value pairs.
func (d *NullDevice) SetParameters(kv string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range parseParameters(kv) {
		d.params[k] = v
	}
	return nil
}

// GetParameters returns the stored values for the requested keys.
func (d *NullDevice) GetParameters(keys string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var parts []string
	for _, k := range strings.Split(keys, ";") {
		if v, ok := d.params[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, ";")
}

// InputBufferSize returns the capture buffer size in bytes for the
// given geometry.
func (d *NullDevice) InputBufferSize(sampleRate int, format pcm.Format, channels int) int {
	return d.periodFrames * pcm.FrameSize(format, channels)
}

// timedStream paces I/O against a wall-clock cursor, like a DAC that
// consumes frames at exactly the nominal rate.
type timedStream struct {
	rate         int
	channels     int
	periodFrames int

	mu      sync.Mutex
	next    time.Time
	standby bool
	closed  bool
}

func newTimedStream(rate, channels, periodFrames int) *timedStream {
	return &timedStream{
		rate:         rate,
		channels:     channels,
		periodFrames: periodFrames,
		standby:      true,
	}
}

func (s *timedStream) SampleRate() int  { return s.rate }
func (s *timedStream) Channels() int    { return s.channels }
func (s *timedStream) Format() pcm.Format {
	return pcm.FormatPCM16
}
func (s *timedStream) FrameSize() int  { return pcm.FrameSize(pcm.FormatPCM16, s.channels) }
func (s *timedStream) BufferSize() int { return s.periodFrames * s.FrameSize() }
func (s *timedStream) Latency() time.Duration {
	return time.Duration(s.periodFrames) * time.Second / time.Duration(s.rate)
}

func (s *timedStream) Write(samples []int16) (int, error) {
	frames := len(samples) / s.channels
	if err := s.pace(frames); err != nil {
		return 0, err
	}
	return frames, nil
}

func (s *timedStream) Read(samples []int16) (int, error) {
	frames := len(samples) / s.channels
	if err := s.pace(frames); err != nil {
		return 0, err
	}
	for i := range samples {
		samples[i] = 0
	}
	return frames, nil
}

// pace sleeps until the device cursor reaches the end of this block.
func (s *timedStream) pace(frames int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	now := time.Now()
	if s.standby || s.next.Before(now) {
		s.next = now
		s.standby = false
	}
	s.next = s.next.Add(time.Duration(frames) * time.Second / time.Duration(s.rate))
	wait := time.Until(s.next)
	s.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}

func (s *timedStream) Standby() {
	s.mu.Lock()
	s.standby = true
	s.mu.Unlock()
}

func (s *timedStream) SetVolume(left, right float32) error { return nil }

func (s *timedStream) SetParameters(kv string) error { return nil }

func (s *timedStream) GetParameters(keys string) string { return "" }

func (s *timedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// parseParameters splits "k=v;k2=v2" strings.
func parseParameters(kv string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(kv, ";") {
		if pair == "" {
			continue
		}
		if i := strings.IndexByte(pair, '='); i > 0 {
			out[pair[:i]] = pair[i+1:]
		}
	}
	return out
}
