// Package track holds per-stream state for playback and record: the
// lifecycle state machine, fill-up discipline, retry accounting and
// the buffer provider implementations over the shared control block.
//
// State fields are mutated only under the owning endpoint thread's
// lock; the control block itself carries the lock-free cursor state
// shared with the client.
package track

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// Track is one playback stream attached to an output endpoint.
type Track struct {
	id         int
	name       int // mixer slot, -1 when unassigned
	streamType StreamType
	format     pcm.Format
	channels   int
	frameCount int
	static     bool

	cb     *scb.ControlBlock
	logger *zap.Logger

	state      State
	fill       FillStatus
	retryCount int
	resetDone  bool
	mainBuffer []int16

	muted atomic.Bool

	// set when a consumer cursor step failed; the next pull retries
	// the step before serving frames
	stepFailed bool
	// frames handed out by the last GetNextBuffer, not yet stepped
	pendingStep int

	// frames the client must have written before a silent static or
	// startup track may be evicted
	minFrames int
}

// NewTrack creates a track over a freshly allocated control block.
func NewTrack(id int, streamType StreamType, format pcm.Format, channels int, cb *scb.ControlBlock, static bool, minFrames int, logger *zap.Logger) *Track {
	return &Track{
		id:         id,
		name:       -1,
		streamType: streamType,
		format:     format,
		channels:   channels,
		frameCount: cb.FrameCount(),
		static:     static,
		cb:         cb,
		logger:     logger,
		state:      StateIdle,
		fill:       FillFilling,
		minFrames:  minFrames,
	}
}

// ID returns the server-issued track identifier.
func (t *Track) ID() int { return t.id }

// Name returns the mixer slot, or -1 when none is assigned.
func (t *Track) Name() int { return t.name }

// SetName assigns the mixer slot.
func (t *Track) SetName(name int) { t.name = name }

// StreamType returns the routing/volume class.
func (t *Track) StreamType() StreamType { return t.streamType }

// Format returns the sample format.
func (t *Track) Format() pcm.Format { return t.format }

// Channels returns the channel count.
func (t *Track) Channels() int { return t.channels }

// FrameCount returns the negotiated buffer size in frames.
func (t *Track) FrameCount() int { return t.frameCount }

// SampleRate returns the stream rate from the control block.
func (t *Track) SampleRate() int { return t.cb.SampleRate() }

// ControlBlock exposes the shared region for the client handle.
func (t *Track) ControlBlock() *scb.ControlBlock { return t.cb }

// Static reports whether the track plays a pre-written clip.
func (t *Track) Static() bool { return t.static }

// State returns the lifecycle state. Caller holds the thread lock.
func (t *Track) State() State { return t.state }

// SetState transitions the lifecycle state. Caller holds the thread
// lock.
func (t *Track) SetState(s State) { t.state = s }

// FillStatus returns the fill-up phase. Caller holds the thread lock.
func (t *Track) FillStatus() FillStatus { return t.fill }

// SetFillStatus updates the fill-up phase.
func (t *Track) SetFillStatus(f FillStatus) { t.fill = f }

// RetryCount returns the remaining empty-pull budget.
func (t *Track) RetryCount() int { return t.retryCount }

// SetRetryCount resets the empty-pull budget.
func (t *Track) SetRetryCount(n int) { t.retryCount = n }

// DecRetry consumes one retry and reports whether the budget is gone.
func (t *Track) DecRetry() bool {
	t.retryCount--
	return t.retryCount <= 0
}

// ClearResetDone rearms the one-shot reset performed on stop.
func (t *Track) ClearResetDone() { t.resetDone = false }

// SetMute sets the track-level mute.
func (t *Track) SetMute(muted bool) { t.muted.Store(muted) }

// Muted reports the track-level mute.
func (t *Track) Muted() bool { return t.muted.Load() }

// Volume returns the client-suggested per-channel gains.
func (t *Track) Volume() (left, right pcm.Gain) { return t.cb.Volume() }

// SetVolume stores the client-suggested per-channel gains.
func (t *Track) SetVolume(left, right pcm.Gain) { t.cb.SetVolume(left, right) }

// FramesReady returns how many frames the mixer could pull.
func (t *Track) FramesReady() int { return t.cb.FramesReady() }

// IsReady implements the fill-up gate: a filling track is mixed only
// once a full buffer (or the client's force-ready demand) is in
// place. Static clips shorter than the buffer count as ready when
// they hold their minimum write.
func (t *Track) IsReady() bool {
	if t.fill != FillFilling || t.cb.ForceReady() {
		return true
	}
	if t.cb.FramesReady() >= t.frameCount || t.static && t.cb.FramesReady() >= t.minFrames && t.cb.FramesReady() > 0 {
		t.fill = FillFilled
		t.cb.SetForceReady(false)
		return true
	}
	return false
}

// MinFrames returns the eviction floor for startup and static clips.
func (t *Track) MinFrames() int { return t.minFrames }

// GetNextBuffer serves the mixer a contiguous run of ready frames. A
// previously failed cursor step is retried first; while it keeps
// failing the track serves nothing and the caller mixes silence.
func (t *Track) GetNextBuffer(buf *Buffer) error {
	if t.stepFailed {
		if err := t.cb.StepServer(t.pendingStep); err != nil {
			buf.Data = nil
			buf.FrameCount = 0
			return ErrNotEnoughData
		}
		t.stepFailed = false
		t.pendingStep = 0
	}

	data, n := t.cb.ConsumerBuffer(buf.FrameCount)
	if n == 0 {
		buf.Data = nil
		buf.FrameCount = 0
		return ErrNotEnoughData
	}
	buf.Data = data
	buf.FrameCount = n
	return nil
}

// ReleaseBuffer advances the consumer cursor past the frames the
// mixer actually used. A busy control block defers the step to the
// next pull; static looping clips re-arm the producer cursor so the
// ring never drains.
func (t *Track) ReleaseBuffer(buf *Buffer) {
	n := buf.FrameCount
	buf.Data = nil
	buf.FrameCount = 0
	if n == 0 {
		return
	}
	if err := t.cb.StepServer(n); err != nil {
		t.stepFailed = true
		t.pendingStep = n
		t.logger.Debug("deferred consumer step", zap.Int("track", t.id), zap.Int("frames", n))
		return
	}
	if t.static && t.cb.LoopEnd() < t.frameCount {
		// sub-buffer loop: keep the clip permanently ready
		_ = t.cb.StepUser(n)
	}
}

// Reset performs the one-shot ring reset after a stop, rearming the
// fill gate so a restart honours the negotiated latency again.
func (t *Track) Reset() {
	if t.resetDone {
		return
	}
	t.cb.Flush()
	if t.static {
		t.rearmStatic()
	}
	t.fill = FillFilling
	t.stepFailed = false
	t.pendingStep = 0
	t.resetDone = true
	t.state = StateFlushed
}

// Flush resets cursors while stopped or paused; the track refills
// before its next start.
func (t *Track) Flush() {
	t.cb.Flush()
	if t.static {
		t.rearmStatic()
	}
	t.fill = FillFilling
	t.stepFailed = false
	t.pendingStep = 0
	t.state = StateStopped
}

func (t *Track) rearmStatic() {
	// a static clip is fully written at creation; restore the
	// producer cursor after the flush cleared it
	_ = t.cb.StepUser(t.frameCount)
	t.cb.SetForceReady(true)
}
