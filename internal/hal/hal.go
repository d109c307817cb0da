// Package hal abstracts the audio hardware: devices that open
// blocking PCM output and input streams and expose the small control
// surface the server core drives.
package hal

import (
	"errors"
	"time"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

var (
	// ErrUnsupported is returned by optional capabilities such as
	// hardware master volume; callers fall back to software scaling.
	ErrUnsupported = errors.New("not supported by device")

	// ErrInvalidConfig rejects stream parameters the device cannot
	// open; the device writes its proposed values back into the
	// config so the caller may retry.
	ErrInvalidConfig = errors.New("invalid stream configuration")

	// ErrClosed is returned by I/O on a closed stream.
	ErrClosed = errors.New("stream closed")
)

// StreamConfig carries the negotiated stream parameters. Open calls
// may rewrite fields to the closest configuration the hardware
// supports before returning ErrInvalidConfig.
type StreamConfig struct {
	SampleRate int
	Channels   int
	Format     pcm.Format
}

// OutputStream is one hardware playback sink. Write blocks at the
// device cadence; that blocking is the clock of the mixer loop.
type OutputStream interface {
	SampleRate() int
	Channels() int
	Format() pcm.Format
	FrameSize() int
	BufferSize() int
	Latency() time.Duration

	// Write consumes interleaved samples and returns frames written.
	Write(samples []int16) (int, error)
	// Standby places the sink in its low-power state; the next write
	// wakes it at the cost of one device period.
	Standby()
	// SetVolume applies hardware gain for the direct output path.
	SetVolume(left, right float32) error
	SetParameters(kv string) error
	GetParameters(keys string) string
	Close() error
}

// InputStream is one hardware capture source.
type InputStream interface {
	SampleRate() int
	Channels() int
	Format() pcm.Format
	FrameSize() int
	BufferSize() int

	// Read fills samples and returns frames read.
	Read(samples []int16) (int, error)
	Standby()
	SetParameters(kv string) error
	GetParameters(keys string) string
	Close() error
}

// Device is the top-level hardware object.
type Device interface {
	OpenOutputStream(devices uint32, cfg *StreamConfig) (OutputStream, error)
	OpenInputStream(devices uint32, cfg *StreamConfig) (InputStream, error)

	// SetMasterVolume returns nil when the hardware applied the gain
	// itself; ErrUnsupported requests software scaling instead.
	SetMasterVolume(v float32) error
	SetMode(mode int) error
	SetMicMute(muted bool) error
	MicMute() bool
	SetVoiceVolume(v float32) error
	SetParameters(kv string) error
	GetParameters(keys string) string
	InputBufferSize(sampleRate int, format pcm.Format, channels int) int
}
