package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/mixer"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

type mixerStatus int

const (
	mixerIdle mixerStatus = iota
	// tracks are attached and active but none has frames this cycle
	mixerTracksEnabled
	mixerTracksReady
)

// MixerThread drives one software-mixed playback endpoint: it
// prepares the active tracks, pulls them through the mix pipeline and
// blocking-writes one device block per cycle.
type MixerThread struct {
	playbackThread
	mixer *mixer.Mixer
}

// NewMixerThread creates the mixer loop over an open output stream.
func NewMixerThread(handle int, device hal.OutputStream, sink EventSink, silentMode func() bool, logger *zap.Logger) *MixerThread {
	m := &MixerThread{}
	m.initPlayback(handle, device, sink, silentMode, logger)
	m.mixer = mixer.New(m.frameCount, m.sampleRate)
	m.deleteTrackName = m.mixer.ReleaseTrackName
	return m
}

// Type identifies the loop variant.
func (m *MixerThread) Type() ThreadType { return ThreadMixer }

// CreateTrack validates the requested stream against the mix pipeline
// and binds it to a mixer slot.
func (m *MixerThread) CreateTrack(id int, st track.StreamType, format pcm.Format, channels int, cb *scb.ControlBlock, static bool) (*track.Track, error) {
	if format != pcm.FormatPCM16 || channels < 1 || channels > 2 {
		return nil, status.ErrInvalidArgument
	}
	if cb.SampleRate() > 2*m.sampleRate {
		return nil, status.ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name, err := m.mixer.AllocateTrackName()
	if err != nil {
		m.logger.Warn("no mixer slot for new track", zap.Int("output", m.handle))
		return nil, status.ErrNoMemory
	}

	t := track.NewTrack(id, st, format, channels, cb, static, m.minStartFrames(cb.SampleRate()), m.logger)
	t.SetName(name)
	m.mixer.SetBufferProvider(name, t)
	m.mixer.SetFormat(name, format)
	m.mixer.SetChannels(name, channels)
	m.mixer.SetSampleRate(name, cb.SampleRate())
	m.tracks = append(m.tracks, t)
	return t, nil
}

// Run is the endpoint loop. It exits only after Exit is called, and
// announces the closure as its final act.
func (m *MixerThread) Run() {
	standbyTime := time.Now().Add(standbyDelay)
	recovery := recoveryMinSleep

	for {
		m.processConfigEvents()

		m.mu.Lock()
		if m.exitPending {
			m.mu.Unlock()
			break
		}
		m.handleParams_l(m.applyParameters_l)

		if len(m.active) == 0 && time.Now().After(standbyTime) {
			if !m.standby {
				m.device.Standby()
				m.standby = true
				m.logger.Debug("output entering standby", zap.Int("output", m.handle))
			}
			if len(m.events) == 0 && len(m.params) == 0 && !m.exitPending {
				m.work.Wait()
				standbyTime = time.Now().Add(standbyDelay)
				recovery = recoveryMinSleep
				m.checkSilentMode_l()
			}
			m.mu.Unlock()
			continue
		}

		st := m.prepareTracks_l()
		ready := st == mixerTracksReady && m.suspended == 0
		if ready {
			m.mixer.Process(m.mixBuffer)
		}
		m.mu.Unlock()

		if ready {
			m.write(m.mixBuffer)
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

	m.mu.Lock()
	m.failPendingParams_l()
	if !m.standby {
		m.device.Standby()
		m.standby = true
	}
	m.mu.Unlock()
	m.processConfigEvents()
	m.sink.IOConfigChanged(OutputClosed, m.handle, nil)
	close(m.done)
}

// prepareTracks_l walks the active list, programming the mix pipeline
// for every track with frames and collecting tracks to retire.
func (m *MixerThread) prepareTracks_l() mixerStatus {
	st := mixerIdle
	var remove []*track.Track

	for _, t := range m.active {
		name := t.Name()
		state := t.State()

		if t.FramesReady() > 0 && (t.IsReady() || state == track.StateStopped) &&
			state != track.StatePaused && !state.Terminal() {

			var left, right pcm.Gain
			if t.Muted() || m.masterMute || state == track.StatePausing ||
				m.streamMutes[t.StreamType()] {
				left, right = 0, 0
				if state == track.StatePausing {
					t.SetState(track.StatePaused)
				}
			} else {
				cl, cr := t.Volume()
				v := m.masterVolume * m.streamVolumes[t.StreamType()]
				left = clampGain(float32(cl) * v)
				right = clampGain(float32(cr) * v)
			}

			ramp := true
			if t.FillStatus() == track.FillFilled {
				t.SetFillStatus(track.FillActive)
				ramp = false
			}
			if t.State() == track.StateResuming {
				t.SetState(track.StateActive)
				ramp = true
			}

			m.mixer.SetSampleRate(name, t.SampleRate())
			m.mixer.SetChannels(name, t.Channels())
			m.mixer.SetVolume(name, left, right, ramp)
			m.mixer.Enable(name)

			t.SetRetryCount(maxTrackRetries)
			st = mixerTracksReady
		} else {
			if state == track.StateStopped {
				t.Reset()
			}
			if state.Terminal() || state == track.StateStopped || state == track.StatePaused {
				remove = append(remove, t)
			} else if t.Static() && t.FillStatus() == track.FillFilling &&
				t.FramesReady() < t.MinFrames() {
				// a short clip still being written keeps its budget
				if st == mixerIdle {
					st = mixerTracksEnabled
				}
			} else if t.DecRetry() {
				m.logger.Debug("track starved out",
					zap.Int("output", m.handle), zap.Int("track", t.ID()))
				remove = append(remove, t)
			} else if st == mixerIdle {
				st = mixerTracksEnabled
			}
			m.mixer.Disable(name)
		}
	}

	m.retireTracks_l(remove)
	return st
}

// retireTracks_l drops retired tracks from the active list and fully
// detaches the terminated ones.
func (m *MixerThread) retireTracks_l(remove []*track.Track) {
	for _, t := range remove {
		m.removeActive_l(t)
		if t.State().Terminal() {
			m.detachTrack_l(t)
		}
	}
}

// applyParameters_l handles one queued key/value change: structural
// keys rebuild the mix pipeline and announce the new geometry.
func (m *MixerThread) applyParameters_l(kv string) error {
	params := parseKeyValues(kv)

	if _, ok := params["frame_count"]; ok && len(m.tracks) > 0 {
		return status.ErrInvalidOperation
	}
	reconfig := false
	for _, key := range []string{"sampling_rate", "format", "channels", "frame_count"} {
		if _, ok := params[key]; ok {
			reconfig = true
		}
	}

	err := m.device.SetParameters(kv)
	if err != nil {
		m.device.Standby()
		m.standby = true
		err = m.device.SetParameters(kv)
	}
	if err != nil {
		return err
	}

	if reconfig {
		m.readOutputParameters_l()
		m.rebuildMixer_l()
		m.sendConfigEvent_l(OutputConfigChanged, m.Descriptor())
	}
	return nil
}

// rebuildMixer_l recreates the mix pipeline at the current geometry
// and rebinds every attached track to a fresh slot.
func (m *MixerThread) rebuildMixer_l() {
	m.mixer = mixer.New(m.frameCount, m.sampleRate)
	m.deleteTrackName = m.mixer.ReleaseTrackName
	for _, t := range m.tracks {
		name, err := m.mixer.AllocateTrackName()
		if err != nil {
			t.SetName(-1)
			t.SetState(track.StateTerminated)
			m.logger.Error("lost mixer slot on reconfiguration",
				zap.Int("output", m.handle), zap.Int("track", t.ID()))
			continue
		}
		t.SetName(name)
		m.mixer.SetBufferProvider(name, t)
		m.mixer.SetFormat(name, t.Format())
		m.mixer.SetChannels(name, t.Channels())
		m.mixer.SetSampleRate(name, t.SampleRate())
	}
}

// MovedTrack carries a track between endpoints during rerouting,
// preserving whether it was playing.
type MovedTrack struct {
	Track  *track.Track
	Active bool
}

// DetachTracksOfStream removes every track of the given type from
// this endpoint and returns them for reattachment elsewhere.
func (m *MixerThread) DetachTracksOfStream(st track.StreamType) []MovedTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	var moved []MovedTrack
	for i := 0; i < len(m.tracks); {
		t := m.tracks[i]
		if t.StreamType() != st {
			i++
			continue
		}
		active := m.isActive_l(t)
		m.removeActive_l(t)
		m.detachTrack_l(t)
		moved = append(moved, MovedTrack{Track: t, Active: active})
	}
	return moved
}

// AttachMovedTracks adopts rerouted tracks, assigning fresh mixer
// slots and resuming the ones that were playing.
func (m *MixerThread) AttachMovedTracks(moved []MovedTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mt := range moved {
		t := mt.Track
		name, err := m.mixer.AllocateTrackName()
		if err != nil {
			t.SetState(track.StateTerminated)
			m.logger.Error("no mixer slot for rerouted track",
				zap.Int("output", m.handle), zap.Int("track", t.ID()))
			continue
		}
		t.SetName(name)
		m.mixer.SetBufferProvider(name, t)
		m.mixer.SetFormat(name, t.Format())
		m.mixer.SetChannels(name, t.Channels())
		m.mixer.SetSampleRate(name, t.SampleRate())
		m.tracks = append(m.tracks, t)
		if mt.Active && !m.isActive_l(t) {
			m.active = append(m.active, t)
		}
	}
	m.work.Broadcast()
}

func clampGain(v float32) pcm.Gain {
	if v < 0 {
		v = 0
	}
	if v > pcm.GainMax {
		v = pcm.GainMax
	}
	return pcm.Gain(v)
}
