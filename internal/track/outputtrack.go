package track

import (
	"container/list"

	"go.uber.org/zap"
)

// MaxOverflowBuffers bounds the pending queue an output track keeps
// while its destination mixer is backlogged; beyond it, writes drop.
const MaxOverflowBuffers = 8

// outputRetryBudget is how many bounded waits a write attempts before
// the track gives up and stops its destination feed.
const outputRetryBudget = 127

// Sink starts and stops the destination-side track of an output
// track. The destination endpoint thread implements it.
type Sink interface {
	StartTrack(t *Track) error
	StopTrack(t *Track)
}

// OutputTrack feeds one downstream mixer from a duplicating endpoint.
// It produces into the control block of an ordinary Track registered
// on the destination thread, tolerating backpressure with a bounded
// overflow queue.
type OutputTrack struct {
	inner  *Track
	sink   Sink
	logger *zap.Logger

	dstFrameCount int
	channels      int

	active     bool
	primed     bool
	retryCount int

	overflow *list.List // of []int16 pending interleaved samples
}

// NewOutputTrack wraps a destination track for duplicating fan-out.
func NewOutputTrack(inner *Track, sink Sink, dstFrameCount int, logger *zap.Logger) *OutputTrack {
	return &OutputTrack{
		inner:         inner,
		sink:          sink,
		logger:        logger,
		dstFrameCount: dstFrameCount,
		channels:      inner.Channels(),
		overflow:      list.New(),
	}
}

// Track returns the destination-side track.
func (o *OutputTrack) Track() *Track { return o.inner }

// Active reports whether the feed is started.
func (o *OutputTrack) Active() bool { return o.active }

// Start activates the destination feed.
func (o *OutputTrack) Start() error {
	if err := o.sink.StartTrack(o.inner); err != nil {
		return err
	}
	o.active = true
	o.retryCount = outputRetryBudget
	return nil
}

// Stop deactivates the destination feed and discards pending data.
// The caller must not hold the duplicating thread's lock; stopping
// takes the destination thread's lock.
func (o *OutputTrack) Stop() {
	o.sink.StopTrack(o.inner)
	o.active = false
	o.primed = false
	o.overflow.Init()
}

// Write pushes one source mix block downstream. A zero-frame write
// only drains the overflow queue. The return value reports whether
// the destination is consuming; a false return across all outputs
// lets the duplicating thread enter standby.
func (o *OutputTrack) Write(data []int16, frames int) bool {
	if !o.active {
		if frames == 0 {
			return false
		}
		if err := o.Start(); err != nil {
			o.logger.Warn("output track start rejected",
				zap.Int("track", o.inner.ID()), zap.Error(err))
			return false
		}
	}

	if frames != 0 && !o.primed {
		// front-pad with silence so the downstream mixer does not
		// underrun before the second block arrives
		if pad := o.dstFrameCount - frames; pad > 0 {
			o.enqueue(make([]int16, pad*o.channels))
		}
		o.primed = true
	}

	if frames != 0 {
		o.enqueue(append([]int16(nil), data[:frames*o.channels]...))
	}

	// the bounded wait is what paces the duplicating loop: the
	// destination device drains its ring at the hardware rate
	wrote := o.drain(1)

	if o.overflow.Len() > MaxOverflowBuffers {
		dropped := 0
		for o.overflow.Len() > MaxOverflowBuffers {
			front := o.overflow.Front()
			o.overflow.Remove(front)
			dropped += len(front.Value.([]int16)) / o.channels
		}
		o.logger.Warn("output track overflow, dropping frames",
			zap.Int("track", o.inner.ID()), zap.Int("frames", dropped))
	}

	if !wrote {
		o.retryCount--
		if o.retryCount <= 0 {
			o.logger.Warn("destination stalled, stopping output track",
				zap.Int("track", o.inner.ID()))
			o.active = false
			o.overflow.Init()
			return false
		}
	} else {
		o.retryCount = outputRetryBudget
	}

	return wrote || o.overflow.Len() == 0
}

func (o *OutputTrack) enqueue(samples []int16) {
	o.overflow.PushBack(samples)
}

// drain moves queued samples into the destination ring, spending at
// most waitBudget bounded waits for space before giving up.
func (o *OutputTrack) drain(waitBudget int) bool {
	cb := o.inner.ControlBlock()
	progressed := false

	for o.overflow.Len() > 0 {
		front := o.overflow.Front()
		samples := front.Value.([]int16)
		frames := len(samples) / o.channels

		dst, n := cb.ProducerBuffer(frames)
		if n == 0 {
			if waitBudget <= 0 {
				break
			}
			waitBudget--
			if err := cb.WaitForSpace(cb.WaitTime()); err != nil {
				break
			}
			continue
		}
		copy(dst, samples[:n*o.channels])
		if err := cb.StepUser(n); err != nil {
			o.logger.Warn("output track cursor step rejected",
				zap.Int("track", o.inner.ID()), zap.Error(err))
			break
		}
		progressed = true
		if n == frames {
			o.overflow.Remove(front)
		} else {
			front.Value = samples[n*o.channels:]
		}
	}
	return progressed
}
