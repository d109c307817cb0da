package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/mixer"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

type dupOutput struct {
	ot  *track.OutputTrack
	dst *MixerThread
}

// DuplicatingThread is a mixer loop whose output, instead of going to
// a device, is written into one or more output tracks feeding other
// mixer endpoints. The geometry is borrowed from the first
// destination; its device stream is never written directly.
type DuplicatingThread struct {
	MixerThread

	outputs []dupOutput
}

// NewDuplicatingThread creates a duplicating endpoint mirroring the
// main destination and attached to it.
func NewDuplicatingThread(handle int, main *MixerThread, sink EventSink, silentMode func() bool, logger *zap.Logger) (*DuplicatingThread, error) {
	d := &DuplicatingThread{}
	d.initPlayback(handle, main.device, sink, silentMode, logger)
	d.mixer = mixer.New(d.frameCount, d.sampleRate)
	d.deleteTrackName = d.mixer.ReleaseTrackName
	if err := d.AddOutput(main); err != nil {
		return nil, err
	}
	return d, nil
}

// Type identifies the loop variant.
func (d *DuplicatingThread) Type() ThreadType { return ThreadDuplicating }

// CloseDevice is a no-op: the stream belongs to the main destination.
func (d *DuplicatingThread) CloseDevice() error { return nil }

// AddOutput attaches another destination mixer endpoint. The bridge
// ring is sized to three source blocks scaled for the destination
// rate so the destination resampler never runs dry across a cycle.
func (d *DuplicatingThread) AddOutput(dst *MixerThread) error {
	cbFrames := 3 * d.frameCount * d.sampleRate / dst.SampleRate()
	if cbFrames < d.frameCount {
		cbFrames = d.frameCount
	}
	cb := scb.NewControlBlock(cbFrames, d.sampleRate, d.channels, true)

	// the bridge track rides past the client-visible stream types so
	// rerouting and stream volumes never touch it
	t, err := dst.CreateTrack(dst.Handle(), track.NumStreamTypes, pcm.FormatPCM16, d.channels, cb, false)
	if err != nil {
		return err
	}
	ot := track.NewOutputTrack(t, dst, dst.FrameCount(), d.logger)

	d.mu.Lock()
	d.outputs = append(d.outputs, dupOutput{ot: ot, dst: dst})
	d.work.Broadcast()
	d.mu.Unlock()

	d.logger.Info("duplicating output attached",
		zap.Int("output", d.handle), zap.Int("destination", dst.Handle()))
	return nil
}

// RemoveOutput detaches a destination. The thread lock is released
// before the output track is stopped; stopping takes the destination
// thread's lock.
func (d *DuplicatingThread) RemoveOutput(dst *MixerThread) {
	var removed *dupOutput
	d.mu.Lock()
	for i := range d.outputs {
		if d.outputs[i].dst == dst {
			o := d.outputs[i]
			d.outputs = append(d.outputs[:i], d.outputs[i+1:]...)
			removed = &o
			break
		}
	}
	d.mu.Unlock()

	if removed != nil {
		removed.ot.Stop()
		dst.DestroyTrack(removed.ot.Track())
		d.logger.Info("duplicating output detached",
			zap.Int("output", d.handle), zap.Int("destination", dst.Handle()))
	}
}

// FeedsOutput reports whether dst is one of the destinations.
func (d *DuplicatingThread) FeedsOutput(dst *MixerThread) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.outputs {
		if o.dst == dst {
			return true
		}
	}
	return false
}

// Run is the endpoint loop: mix like a mixer endpoint, then fan the
// block out to every destination bridge.
func (d *DuplicatingThread) Run() {
	standbyTime := time.Now().Add(standbyDelay)
	recovery := recoveryMinSleep

	for {
		d.processConfigEvents()

		d.mu.Lock()
		if d.exitPending {
			d.mu.Unlock()
			break
		}
		d.handleParams_l(d.applyParameters_l)

		if len(d.active) == 0 && time.Now().After(standbyTime) {
			if !d.standby {
				d.standby = true
				outs := d.snapshotOutputs_l()
				d.mu.Unlock()
				// stopping takes destination thread locks
				for _, o := range outs {
					o.ot.Stop()
				}
				d.logger.Debug("duplicating output entering standby", zap.Int("output", d.handle))
				d.mu.Lock()
			}
			if len(d.events) == 0 && len(d.params) == 0 && !d.exitPending {
				d.work.Wait()
				standbyTime = time.Now().Add(standbyDelay)
				recovery = recoveryMinSleep
				d.checkSilentMode_l()
			}
			d.mu.Unlock()
			continue
		}

		st := d.prepareTracks_l()
		ready := st == mixerTracksReady && d.suspended == 0
		if ready {
			d.mixer.Process(d.mixBuffer)
		}
		outs := d.snapshotOutputs_l()
		d.mu.Unlock()

		if ready {
			wrote := false
			for _, o := range outs {
				if o.ot.Write(d.mixBuffer, d.frameCount) {
					wrote = true
				}
			}
			if wrote {
				d.standby = false
				standbyTime = time.Now().Add(standbyDelay)
				recovery = recoveryMinSleep
				continue
			}
		} else {
			// a zero-frame write only drains queued overflow
			for _, o := range outs {
				if o.ot.Active() {
					o.ot.Write(nil, 0)
				}
			}
		}
		time.Sleep(recovery)
		recovery *= 2
		if recovery > recoveryMaxSleep {
			recovery = recoveryMaxSleep
		}
	}

	d.mu.Lock()
	d.failPendingParams_l()
	outs := d.snapshotOutputs_l()
	d.outputs = nil
	d.mu.Unlock()
	for _, o := range outs {
		o.ot.Stop()
		o.dst.DestroyTrack(o.ot.Track())
	}
	d.processConfigEvents()
	d.sink.IOConfigChanged(OutputClosed, d.handle, nil)
	close(d.done)
}

func (d *DuplicatingThread) snapshotOutputs_l() []dupOutput {
	outs := make([]dupOutput, len(d.outputs))
	copy(outs, d.outputs)
	return outs
}
