package hal

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// SpeakerDevice plays through the host's audio stack via oto. Only
// the output side is backed by hardware; capture falls back to a
// silent timed source.
type SpeakerDevice struct {
	rate         int
	channels     int
	periodFrames int

	mu       sync.Mutex
	micMuted bool
}

// NewSpeakerDevice creates a speaker-backed device.
func NewSpeakerDevice(sampleRate, channels, periodFrames int) *SpeakerDevice {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	if periodFrames <= 0 {
		periodFrames = 1024
	}
	return &SpeakerDevice{rate: sampleRate, channels: channels, periodFrames: periodFrames}
}

// OpenOutputStream opens the speaker. oto owns one process-wide
// context, so the first open fixes the device geometry.
func (d *SpeakerDevice) OpenOutputStream(devices uint32, cfg *StreamConfig) (OutputStream, error) {
	rate, channels := d.rate, d.channels
	if cfg != nil && cfg.SampleRate > 0 {
		rate = cfg.SampleRate
	}
	if cfg != nil && cfg.Channels > 0 {
		channels = cfg.Channels
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("creating oto context: %w", err)
	}
	<-ready

	if cfg != nil {
		cfg.SampleRate = rate
		cfg.Channels = channels
		cfg.Format = pcm.FormatPCM16
	}

	s := &speakerStream{
		rate:         rate,
		channels:     channels,
		periodFrames: d.periodFrames,
		pipe:         newBytePipe(d.periodFrames * channels * 2 * 4),
	}
	s.player = ctx.NewPlayer(s.pipe)
	s.player.Play()
	return s, nil
}

// OpenInputStream has no hardware capture; it returns a silent timed
// source so record endpoints still run.
func (d *SpeakerDevice) OpenInputStream(devices uint32, cfg *StreamConfig) (InputStream, error) {
	rate, channels := d.rate, d.channels
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
	return newTimedStream(rate, channels, d.periodFrames), nil
}

// SetMasterVolume reports no hardware master gain; the mixer scales
// in software.
func (d *SpeakerDevice) SetMasterVolume(v float32) error { return ErrUnsupported }

// SetMode accepts any mode.
func (d *SpeakerDevice) SetMode(mode int) error { return nil }

// SetMicMute records the mute flag.
func (d *SpeakerDevice) SetMicMute(muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.micMuted = muted
	return nil
}

// MicMute reports the mute flag.
func (d *SpeakerDevice) MicMute() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.micMuted
}

// SetVoiceVolume accepts and discards the voice gain.
func (d *SpeakerDevice) SetVoiceVolume(v float32) error { return nil }

// SetParameters accepts and discards global parameters.
func (d *SpeakerDevice) SetParameters(kv string) error { return nil }

// GetParameters returns nothing.
func (d *SpeakerDevice) GetParameters(keys string) string { return "" }

// InputBufferSize returns the capture buffer size in bytes.
func (d *SpeakerDevice) InputBufferSize(sampleRate int, format pcm.Format, channels int) int {
	return d.periodFrames * pcm.FrameSize(format, channels)
}

// speakerStream feeds the oto player through a bounded byte pipe.
// Write blocks while the pipe is full, which clocks the mixer loop to
// the real playback rate.
type speakerStream struct {
	rate         int
	channels     int
	periodFrames int

	player *oto.Player
	pipe   *bytePipe
}

func (s *speakerStream) SampleRate() int    { return s.rate }
func (s *speakerStream) Channels() int      { return s.channels }
func (s *speakerStream) Format() pcm.Format { return pcm.FormatPCM16 }
func (s *speakerStream) FrameSize() int     { return pcm.FrameSize(pcm.FormatPCM16, s.channels) }
func (s *speakerStream) BufferSize() int    { return s.periodFrames * s.FrameSize() }
func (s *speakerStream) Latency() time.Duration {
	return time.Duration(s.periodFrames) * time.Second / time.Duration(s.rate)
}

func (s *speakerStream) Write(samples []int16) (int, error) {
	if err := s.pipe.write(pcm.Int16ToBytes(samples)); err != nil {
		return 0, err
	}
	return len(samples) / s.channels, nil
}

func (s *speakerStream) Standby() {
	s.player.Pause()
	s.player.Play()
}

// SetVolume applies the software volume of the oto player using the
// channel average; oto exposes a single gain.
func (s *speakerStream) SetVolume(left, right float32) error {
	s.player.SetVolume(float64(left+right) / 2)
	return nil
}

func (s *speakerStream) SetParameters(kv string) error { return nil }

func (s *speakerStream) GetParameters(keys string) string { return "" }

func (s *speakerStream) Close() error {
	s.pipe.close()
	return s.player.Close()
}

// bytePipe is a bounded FIFO: the writer blocks when full, the reader
// gets silence when empty so the audio callback never stalls.
type bytePipe struct {
	mu     sync.Mutex
	space  *sync.Cond
	buf    []byte
	max    int
	closed bool
}

func newBytePipe(max int) *bytePipe {
	p := &bytePipe{max: max}
	p.space = sync.NewCond(&p.mu)
	return p
}

func (p *bytePipe) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf)+len(data) > p.max {
		if p.closed {
			return ErrClosed
		}
		p.space.Wait()
	}
	if p.closed {
		return ErrClosed
	}
	p.buf = append(p.buf, data...)
	return nil
}

// Read implements io.Reader for the oto player.
func (p *bytePipe) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	if n > 0 {
		p.space.Broadcast()
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return len(out), nil
}

func (p *bytePipe) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.space.Broadcast()
}
