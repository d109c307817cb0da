package track

import (
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// RecordTrack is the capture counterpart of Track: the record thread
// produces frames into the ring and the client consumes them. At most
// one record track is active per input endpoint at a time.
type RecordTrack struct {
	id         int
	format     pcm.Format
	channels   int
	frameCount int

	cb     *scb.ControlBlock
	logger *zap.Logger

	state State

	// raised when the thread had captured frames but the ring was
	// full; cleared once the client catches up
	overflowed bool
}

// NewRecordTrack creates a record track over its control block.
func NewRecordTrack(id int, format pcm.Format, channels int, cb *scb.ControlBlock, logger *zap.Logger) *RecordTrack {
	return &RecordTrack{
		id:         id,
		format:     format,
		channels:   channels,
		frameCount: cb.FrameCount(),
		cb:         cb,
		logger:     logger,
		state:      StateIdle,
	}
}

// ID returns the server-issued identifier.
func (r *RecordTrack) ID() int { return r.id }

// Format returns the sample format.
func (r *RecordTrack) Format() pcm.Format { return r.format }

// Channels returns the requested channel count.
func (r *RecordTrack) Channels() int { return r.channels }

// FrameCount returns the ring capacity in frames.
func (r *RecordTrack) FrameCount() int { return r.frameCount }

// SampleRate returns the requested capture rate.
func (r *RecordTrack) SampleRate() int { return r.cb.SampleRate() }

// ControlBlock exposes the shared region for the client handle.
func (r *RecordTrack) ControlBlock() *scb.ControlBlock { return r.cb }

// State returns the lifecycle state. Caller holds the thread lock.
func (r *RecordTrack) State() State { return r.state }

// SetState transitions the lifecycle state. Caller holds the thread
// lock.
func (r *RecordTrack) SetState(s State) { r.state = s }

// Overflowed reports whether capture data was dropped since the last
// clear.
func (r *RecordTrack) Overflowed() bool { return r.overflowed }

// ClearOverflow rearms overflow reporting.
func (r *RecordTrack) ClearOverflow() { r.overflowed = false }

// GetNextBuffer hands the record thread writable ring space. A full
// ring raises the overflow indicator in the shared block so the
// client observes the drop.
func (r *RecordTrack) GetNextBuffer(buf *Buffer) error {
	data, n := r.cb.ProducerBuffer(buf.FrameCount)
	if n == 0 {
		buf.Data = nil
		buf.FrameCount = 0
		r.overflowed = true
		r.cb.SetFlowControl()
		return ErrNotEnoughData
	}
	buf.Data = data
	buf.FrameCount = n
	return nil
}

// ReleaseBuffer publishes captured frames to the client.
func (r *RecordTrack) ReleaseBuffer(buf *Buffer) {
	n := buf.FrameCount
	buf.Data = nil
	buf.FrameCount = 0
	if n == 0 {
		return
	}
	if err := r.cb.StepUser(n); err != nil {
		r.logger.Warn("record cursor step rejected", zap.Int("track", r.id), zap.Error(err))
	}
}
