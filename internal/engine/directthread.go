package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

// DirectThread is the pass-through playback loop for streams the mix
// pipeline cannot carry. Only the first active track plays; frames
// are copied straight from the provider to the device and gain is
// applied by the hardware.
type DirectThread struct {
	playbackThread

	// last gains handed to the device, normalized to [0, 1]
	leftVol  float32
	rightVol float32
}

// NewDirectThread creates the direct loop over an open output stream.
func NewDirectThread(handle int, device hal.OutputStream, sink EventSink, silentMode func() bool, logger *zap.Logger) *DirectThread {
	d := &DirectThread{}
	d.initPlayback(handle, device, sink, silentMode, logger)
	return d
}

// Type identifies the loop variant.
func (d *DirectThread) Type() ThreadType { return ThreadDirect }

// CreateTrack accepts only streams matching the device geometry
// exactly; anything else belongs on a mixed endpoint.
func (d *DirectThread) CreateTrack(id int, st track.StreamType, format pcm.Format, channels int, cb *scb.ControlBlock, static bool) (*track.Track, error) {
	if format != d.format || channels != d.channels || cb.SampleRate() != d.sampleRate {
		return nil, status.ErrInvalidArgument
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	t := track.NewTrack(id, st, format, channels, cb, static, d.minStartFrames(cb.SampleRate()), d.logger)
	d.tracks = append(d.tracks, t)
	return t, nil
}

// Run is the endpoint loop.
func (d *DirectThread) Run() {
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
				d.device.Standby()
				d.standby = true
				d.logger.Debug("output entering standby", zap.Int("output", d.handle))
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

		t := d.prepare_l()
		ready := t != nil && d.suspended == 0
		if ready {
			d.drain_l(t)
		}
		d.mu.Unlock()

		if ready {
			d.write(d.mixBuffer)
			standbyTime = time.Now().Add(standbyDelay)
			recovery = recoveryMinSleep
		} else {
			time.Sleep(recovery)
			recovery *= 2
			if recovery > recoveryMaxSleep {
				recovery = recoveryMaxSleep
			}
		}
	}

	d.mu.Lock()
	d.failPendingParams_l()
	if !d.standby {
		d.device.Standby()
		d.standby = true
	}
	d.mu.Unlock()
	d.processConfigEvents()
	d.sink.IOConfigChanged(OutputClosed, d.handle, nil)
	close(d.done)
}

// prepare_l selects the track to play this cycle and applies its gain
// through the hardware volume path.
func (d *DirectThread) prepare_l() *track.Track {
	if len(d.active) == 0 {
		return nil
	}
	t := d.active[0]
	state := t.State()

	if t.FramesReady() > 0 && (t.IsReady() || state == track.StateStopped) &&
		state != track.StatePaused && !state.Terminal() {

		var left, right float32
		if t.Muted() || d.masterMute || state == track.StatePausing ||
			d.streamMutes[t.StreamType()] {
			if state == track.StatePausing {
				t.SetState(track.StatePaused)
			}
		} else {
			cl, cr := t.Volume()
			v := d.masterVolume * d.streamVolumes[t.StreamType()]
			left = pcm.ClampFloatGain(cl.Float() * v)
			right = pcm.ClampFloatGain(cr.Float() * v)
		}
		if left != d.leftVol || right != d.rightVol {
			if err := d.device.SetVolume(left, right); err != nil {
				d.logger.Debug("device volume rejected", zap.Int("output", d.handle), zap.Error(err))
			}
			d.leftVol = left
			d.rightVol = right
		}

		if t.FillStatus() == track.FillFilled {
			t.SetFillStatus(track.FillActive)
		}
		if t.State() == track.StateResuming {
			t.SetState(track.StateActive)
		}
		t.SetRetryCount(maxTrackRetries)
		return t
	}

	if state == track.StateStopped {
		t.Reset()
	}
	if state.Terminal() || state == track.StateStopped || state == track.StatePaused {
		d.retire_l(t)
	} else if t.Static() && t.FillStatus() == track.FillFilling &&
		t.FramesReady() < t.MinFrames() {
		// a short clip still being written keeps its budget
	} else if t.DecRetry() {
		d.logger.Debug("track starved out",
			zap.Int("output", d.handle), zap.Int("track", t.ID()))
		d.retire_l(t)
	}
	return nil
}

func (d *DirectThread) retire_l(t *track.Track) {
	d.removeActive_l(t)
	if t.State().Terminal() {
		d.detachTrack_l(t)
	}
}

// drain_l copies one device block from the track, padding short pulls
// with silence.
func (d *DirectThread) drain_l(t *track.Track) {
	frames := 0
	for frames < d.frameCount {
		buf := track.Buffer{FrameCount: d.frameCount - frames}
		if err := t.GetNextBuffer(&buf); err != nil {
			break
		}
		n := buf.FrameCount
		copy(d.mixBuffer[frames*d.channels:], buf.Data[:n*d.channels])
		t.ReleaseBuffer(&buf)
		frames += n
	}
	pcm.Fill(d.mixBuffer[frames*d.channels:], 0)
}

// applyParameters_l handles one queued key/value change.
func (d *DirectThread) applyParameters_l(kv string) error {
	params := parseKeyValues(kv)

	if _, ok := params["frame_count"]; ok && len(d.tracks) > 0 {
		return status.ErrInvalidOperation
	}
	reconfig := false
	for _, key := range []string{"sampling_rate", "format", "channels", "frame_count"} {
		if _, ok := params[key]; ok {
			reconfig = true
		}
	}

	err := d.device.SetParameters(kv)
	if err != nil {
		d.device.Standby()
		d.standby = true
		err = d.device.SetParameters(kv)
	}
	if err != nil {
		return err
	}

	if reconfig {
		d.readOutputParameters_l()
		d.sendConfigEvent_l(OutputConfigChanged, d.Descriptor())
	}
	return nil
}
