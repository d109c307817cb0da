package hal

import (
	"sync"
	"time"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// LoopbackDevice wires its output stream back into its input stream
// through an in-memory ring. Playback written to the output becomes
// capture data, which makes end-to-end round trips testable without
// hardware.
type LoopbackDevice struct {
	rate         int
	channels     int
	periodFrames int

	mu       sync.Mutex
	micMuted bool

	ring *loopRing
}

// NewLoopbackDevice creates a loopback pair at the given geometry.
func NewLoopbackDevice(sampleRate, channels, periodFrames int) *LoopbackDevice {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 2
	}
	if periodFrames <= 0 {
		periodFrames = 1024
	}
	return &LoopbackDevice{
		rate:         sampleRate,
		channels:     channels,
		periodFrames: periodFrames,
		ring:         newLoopRing(sampleRate * channels), // one second of backlog
	}
}

// OpenOutputStream returns the playback half of the loop.
func (d *LoopbackDevice) OpenOutputStream(devices uint32, cfg *StreamConfig) (OutputStream, error) {
	d.fix(cfg)
	return &loopStream{dev: d, out: true}, nil
}

// OpenInputStream returns the capture half of the loop.
func (d *LoopbackDevice) OpenInputStream(devices uint32, cfg *StreamConfig) (InputStream, error) {
	d.fix(cfg)
	return &loopStream{dev: d, out: false}, nil
}

func (d *LoopbackDevice) fix(cfg *StreamConfig) {
	if cfg != nil {
		cfg.SampleRate = d.rate
		cfg.Channels = d.channels
		cfg.Format = pcm.FormatPCM16
	}
}

// SetMasterVolume reports no hardware gain support.
func (d *LoopbackDevice) SetMasterVolume(v float32) error { return ErrUnsupported }

// SetMode accepts any mode.
func (d *LoopbackDevice) SetMode(mode int) error { return nil }

// SetMicMute records the mute flag.
func (d *LoopbackDevice) SetMicMute(muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.micMuted = muted
	return nil
}

// MicMute reports the mute flag.
func (d *LoopbackDevice) MicMute() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.micMuted
}

// SetVoiceVolume accepts and discards the voice gain.
func (d *LoopbackDevice) SetVoiceVolume(v float32) error { return nil }

// SetParameters accepts and discards global parameters.
func (d *LoopbackDevice) SetParameters(kv string) error { return nil }

// GetParameters returns nothing.
func (d *LoopbackDevice) GetParameters(keys string) string { return "" }

// InputBufferSize returns the capture buffer size in bytes.
func (d *LoopbackDevice) InputBufferSize(sampleRate int, format pcm.Format, channels int) int {
	return d.periodFrames * pcm.FrameSize(format, channels)
}

type loopStream struct {
	dev    *LoopbackDevice
	out    bool
	closed bool
}

func (s *loopStream) SampleRate() int    { return s.dev.rate }
func (s *loopStream) Channels() int      { return s.dev.channels }
func (s *loopStream) Format() pcm.Format { return pcm.FormatPCM16 }
func (s *loopStream) FrameSize() int     { return pcm.FrameSize(pcm.FormatPCM16, s.dev.channels) }
func (s *loopStream) BufferSize() int    { return s.dev.periodFrames * s.FrameSize() }
func (s *loopStream) Latency() time.Duration {
	return time.Duration(s.dev.periodFrames) * time.Second / time.Duration(s.dev.rate)
}

func (s *loopStream) Write(samples []int16) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	s.dev.ring.push(samples)
	return len(samples) / s.dev.channels, nil
}

func (s *loopStream) Read(samples []int16) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	// block until the playback side has produced enough, with a
	// bound so a silent loop still makes read progress
	if !s.dev.ring.waitFor(len(samples), 100*time.Millisecond) {
		for i := range samples {
			samples[i] = 0
		}
		return len(samples) / s.dev.channels, nil
	}
	s.dev.ring.pop(samples)
	return len(samples) / s.dev.channels, nil
}

func (s *loopStream) Standby() {}

func (s *loopStream) SetVolume(left, right float32) error { return nil }

func (s *loopStream) SetParameters(kv string) error { return nil }

func (s *loopStream) GetParameters(keys string) string { return "" }

func (s *loopStream) Close() error {
	s.closed = true
	return nil
}

// loopRing is a mutex-guarded sample queue between the two halves.
type loopRing struct {
	mu  sync.Mutex
	buf []int16
	max int
}

func newLoopRing(max int) *loopRing {
	return &loopRing{max: max}
}

func (r *loopRing) push(samples []int16) {
	r.mu.Lock()
	r.buf = append(r.buf, samples...)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
	r.mu.Unlock()
}

func (r *loopRing) waitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		ready := len(r.buf) >= n
		r.mu.Unlock()
		if ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *loopRing) pop(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(samples, r.buf[:len(samples)])
	r.buf = r.buf[len(samples):]
}
