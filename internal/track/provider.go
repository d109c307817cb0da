package track

import "errors"

// ErrNotEnoughData is returned by a provider when no frames can be
// served this cycle; the caller substitutes silence.
var ErrNotEnoughData = errors.New("not enough data")

// Buffer is one contiguous run of interleaved frames obtained from a
// BufferProvider. FrameCount is set by the caller as a maximum before
// GetNextBuffer and holds the actual count afterwards.
type Buffer struct {
	Data       []int16
	FrameCount int
}

// BufferProvider is the pull contract every audio source implements:
// tracks, record tracks, and the record thread itself when it feeds
// an internal resampler.
type BufferProvider interface {
	// GetNextBuffer fills buf with a contiguous region of at most
	// buf.FrameCount frames. It never blocks beyond a single
	// non-blocking cursor-step attempt.
	GetNextBuffer(buf *Buffer) error

	// ReleaseBuffer reports how many frames were actually consumed
	// and advances the provider's cursor.
	ReleaseBuffer(buf *Buffer)
}
