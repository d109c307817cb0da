// Package scb implements the shared control block: the bounded
// single-producer single-consumer ring that carries PCM frames and
// control state between a client and the server for one stream.
//
// Cursors are monotone 64-bit frame counts; the offset of a cursor
// within the ring is cursor minus its base, which is rebased by the
// owning side whenever it reaches the effective buffer end. The fast
// path is lock free; blocking waits go through notification channels
// guarded by the block mutex.
package scb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// MaxWaitTime bounds every producer-side blocking wait.
const MaxWaitTime = time.Second

// ControlBlock is the per-stream shared state. One side is the
// producer (the client for playback, the server for record) and the
// other the consumer; the Out flag records the orientation.
type ControlBlock struct {
	frameCount int
	channels   int
	frameSize  int
	out        bool

	sampleRate atomic.Uint32

	user       atomic.Uint64
	userBase   atomic.Uint64
	server     atomic.Uint64
	serverBase atomic.Uint64

	// left gain in the low 16 bits, right in the high 16
	volumes atomic.Uint32

	// loopEnd < frameCount enables sub-buffer looping; frameCount
	// means no loop
	loopEnd atomic.Uint32

	flowControl atomic.Bool
	forceReady  atomic.Bool

	mu       sync.Mutex
	spaceSig chan struct{}
	dataSig  chan struct{}

	waitTime time.Duration

	buffer []int16
}

// NewControlBlock allocates a control block with its PCM ring.
func NewControlBlock(frameCount, sampleRate, channels int, out bool) *ControlBlock {
	cb := &ControlBlock{
		frameCount: frameCount,
		channels:   channels,
		frameSize:  pcm.FrameSize(pcm.FormatPCM16, channels),
		out:        out,
		spaceSig:   make(chan struct{}, 1),
		dataSig:    make(chan struct{}, 1),
		buffer:     make([]int16, frameCount*channels),
	}
	cb.sampleRate.Store(uint32(sampleRate))
	cb.loopEnd.Store(uint32(frameCount))
	cb.volumes.Store(packGains(pcm.GainUnity, pcm.GainUnity))
	cb.flowControl.Store(true)
	cb.waitTime = time.Duration(frameCount*2) * time.Second / time.Duration(sampleRate)
	if cb.waitTime <= 0 || cb.waitTime > MaxWaitTime {
		cb.waitTime = MaxWaitTime
	}
	return cb
}

// NewStaticControlBlock wraps a fully written clip for one-shot or
// looping playback. The producer cursor starts at the clip end so the
// whole buffer is immediately ready.
func NewStaticControlBlock(samples []int16, sampleRate, channels int) *ControlBlock {
	frameCount := len(samples) / channels
	cb := NewControlBlock(frameCount, sampleRate, channels, true)
	copy(cb.buffer, samples)
	cb.user.Store(uint64(frameCount))
	cb.flowControl.Store(false)
	return cb
}

// FrameCount returns the ring capacity in frames.
func (cb *ControlBlock) FrameCount() int { return cb.frameCount }

// Channels returns the interleaved channel count.
func (cb *ControlBlock) Channels() int { return cb.channels }

// FrameSize returns the byte size of one frame.
func (cb *ControlBlock) FrameSize() int { return cb.frameSize }

// Out reports the playback orientation of the block.
func (cb *ControlBlock) Out() bool { return cb.out }

// SampleRate returns the stream rate.
func (cb *ControlBlock) SampleRate() int { return int(cb.sampleRate.Load()) }

// SetSampleRate updates the stream rate.
func (cb *ControlBlock) SetSampleRate(rate int) { cb.sampleRate.Store(uint32(rate)) }

// WaitTime is the bounded interval used for a single producer wait,
// two buffer durations capped at MaxWaitTime.
func (cb *ControlBlock) WaitTime() time.Duration { return cb.waitTime }

// FramesReady returns how many frames the consumer may take.
func (cb *ControlBlock) FramesReady() int {
	return int(cb.user.Load() - cb.server.Load())
}

// FramesAvailable returns how many frames the producer may fill.
func (cb *ControlBlock) FramesAvailable() int {
	return cb.frameCount - cb.FramesReady()
}

// UserOffset returns the producer position within the ring.
func (cb *ControlBlock) UserOffset() int {
	return int(cb.user.Load() - cb.userBase.Load())
}

// ServerOffset returns the consumer position within the ring.
func (cb *ControlBlock) ServerOffset() int {
	return int(cb.server.Load() - cb.serverBase.Load())
}

func (cb *ControlBlock) effectiveEnd() int {
	end := int(cb.loopEnd.Load())
	if end > cb.frameCount || end == 0 {
		end = cb.frameCount
	}
	return end
}

// ProducerBuffer returns the contiguous writable region starting at
// the producer offset, capped at maxFrames and at both the buffer end
// and the consumer position.
func (cb *ControlBlock) ProducerBuffer(maxFrames int) ([]int16, int) {
	avail := cb.FramesAvailable()
	if avail <= 0 {
		return nil, 0
	}
	off := cb.UserOffset()
	end := cb.effectiveEnd()
	contig := end - off
	if contig <= 0 {
		return nil, 0
	}
	n := min(min(avail, contig), maxFrames)
	return cb.buffer[off*cb.channels : (off+n)*cb.channels], n
}

// ConsumerBuffer returns the contiguous readable region starting at
// the consumer offset, capped at maxFrames, the effective buffer end
// and the producer position.
func (cb *ControlBlock) ConsumerBuffer(maxFrames int) ([]int16, int) {
	ready := cb.FramesReady()
	if ready <= 0 {
		return nil, 0
	}
	off := cb.ServerOffset()
	end := cb.effectiveEnd()
	contig := end - off
	if contig <= 0 {
		return nil, 0
	}
	n := min(min(ready, contig), maxFrames)
	return cb.buffer[off*cb.channels : (off+n)*cb.channels], n
}

// StepUser advances the producer cursor after frames have been
// written, rebasing at the effective buffer end and waking a waiting
// consumer. The first step after creation or reset clears the flow
// control flag so the initial underrun callback is suppressed.
func (cb *ControlBlock) StepUser(frames int) error {
	if frames < 0 || frames > cb.FramesAvailable() {
		return ErrCursorRange
	}
	u := cb.user.Load() + uint64(frames)
	base := cb.userBase.Load()
	if u-base >= uint64(cb.effectiveEnd()) {
		cb.userBase.Store(base + uint64(cb.effectiveEnd()))
	}
	cb.user.Store(u)
	cb.flowControl.Store(false)
	signal(cb.dataSig)
	return nil
}

// StepServer advances the consumer cursor. The block lock is taken
// with a non-blocking attempt so a crashed or malicious producer
// holding it cannot stall the real-time thread; on failure the caller
// retries on its next cycle.
func (cb *ControlBlock) StepServer(frames int) error {
	if !cb.mu.TryLock() {
		return ErrWouldBlock
	}
	defer cb.mu.Unlock()

	if frames < 0 || frames > cb.FramesReady() {
		return ErrCursorRange
	}
	s := cb.server.Load() + uint64(frames)
	base := cb.serverBase.Load()
	if s-base >= uint64(cb.effectiveEnd()) {
		cb.serverBase.Store(base + uint64(cb.effectiveEnd()))
	}
	cb.server.Store(s)
	signal(cb.spaceSig)
	return nil
}

// WaitForSpace blocks the producer until the consumer frees at least
// one frame or the timeout expires.
func (cb *ControlBlock) WaitForSpace(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for cb.FramesAvailable() == 0 {
		select {
		case <-cb.spaceSig:
		case <-deadline.C:
			if cb.FramesAvailable() == 0 {
				return ErrTimeout
			}
			return nil
		}
	}
	return nil
}

// WaitForData blocks a consumer until frames arrive or the timeout
// expires. Only virtual output tracks use this; device threads sleep
// at the thread level instead.
func (cb *ControlBlock) WaitForData(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for cb.FramesReady() == 0 {
		select {
		case <-cb.dataSig:
		case <-deadline.C:
			if cb.FramesReady() == 0 {
				return ErrTimeout
			}
			return nil
		}
	}
	return nil
}

// Flush resets both cursors to their bases under the block lock and
// rearms the flow control gate.
func (cb *ControlBlock) Flush() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.user.Store(0)
	cb.userBase.Store(0)
	cb.server.Store(0)
	cb.serverBase.Store(0)
	cb.flowControl.Store(true)
	signal(cb.spaceSig)
}

// SetVolume stores the client-suggested per-channel gains.
func (cb *ControlBlock) SetVolume(left, right pcm.Gain) {
	cb.volumes.Store(packGains(left, right))
}

// Volume returns the per-channel gains.
func (cb *ControlBlock) Volume() (left, right pcm.Gain) {
	v := cb.volumes.Load()
	return pcm.Gain(v & 0xffff), pcm.Gain(v >> 16)
}

// SetLoopEnd sets the early-wrap point; values at or above the frame
// count disable looping.
func (cb *ControlBlock) SetLoopEnd(end int) {
	if end <= 0 || end > cb.frameCount {
		end = cb.frameCount
	}
	cb.loopEnd.Store(uint32(end))
}

// LoopEnd returns the current effective wrap point.
func (cb *ControlBlock) LoopEnd() int { return cb.effectiveEnd() }

// SetForceReady lets the client preempt the fill-up gate.
func (cb *ControlBlock) SetForceReady(v bool) { cb.forceReady.Store(v) }

// ForceReady reports whether the fill-up gate is preempted.
func (cb *ControlBlock) ForceReady() bool { return cb.forceReady.Load() }

// SetFlowControl raises the underrun/overrun indicator.
func (cb *ControlBlock) SetFlowControl() { cb.flowControl.Store(true) }

// FlowControl reports the underrun/overrun indicator.
func (cb *ControlBlock) FlowControl() bool { return cb.flowControl.Load() }

func packGains(l, r pcm.Gain) uint32 {
	return uint32(l) | uint32(r)<<16
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
