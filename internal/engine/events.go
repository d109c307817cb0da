package engine

import (
	"time"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// EventType identifies a configuration change announced to registered
// observers.
type EventType int

const (
	// OutputOpened announces a new playback endpoint.
	OutputOpened EventType = iota
	// OutputClosed announces a playback endpoint going away.
	OutputClosed
	// OutputConfigChanged announces new playback stream geometry.
	OutputConfigChanged
	// StreamConfigChanged announces a stream type moving endpoints.
	// The payload is the stream type; it is never treated as a close.
	StreamConfigChanged
	// InputOpened announces a new capture endpoint.
	InputOpened
	// InputClosed announces a capture endpoint going away.
	InputClosed
	// InputConfigChanged announces new capture stream geometry.
	InputConfigChanged
)

// String returns the event name.
func (e EventType) String() string {
	switch e {
	case OutputOpened:
		return "OUTPUT_OPENED"
	case OutputClosed:
		return "OUTPUT_CLOSED"
	case OutputConfigChanged:
		return "OUTPUT_CONFIG_CHANGED"
	case StreamConfigChanged:
		return "STREAM_CONFIG_CHANGED"
	case InputOpened:
		return "INPUT_OPENED"
	case InputClosed:
		return "INPUT_CLOSED"
	case InputConfigChanged:
		return "INPUT_CONFIG_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// StreamDescriptor is the payload of open and config-change events.
type StreamDescriptor struct {
	SampleRate int
	Format     pcm.Format
	Channels   int
	FrameCount int
	Latency    time.Duration
}

// EventSink receives config events from endpoint threads. Calls are
// made with no thread lock held, in FIFO order per thread.
type EventSink interface {
	IOConfigChanged(event EventType, handle int, payload any)
}
