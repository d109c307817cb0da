// Package mixer implements the output mix pipeline: a fixed set of
// track slots pulled, resampled, gain-scaled and accumulated into one
// interleaved stereo 16-bit block per cycle.
package mixer

import (
	"errors"

	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/resample"
)

// MaxTracks is the number of slots a mixer can serve concurrently.
const MaxTracks = 32

// ErrNoFreeSlot is returned when every track slot is taken.
var ErrNoFreeSlot = errors.New("no free mixer slot")

type slot struct {
	used    bool
	enabled bool

	provider   track.BufferProvider
	channels   int
	sampleRate int
	format     pcm.Format

	resampler *resample.Resampler
	adapter   providerAdapter

	targetL, targetR pcm.Gain
	currentL         float32
	currentR         float32
	ramping          bool
}

// Mixer mixes enabled slots into blocks of exactly frameCount
// interleaved stereo frames. Process never blocks on I/O; providers
// that come up short contribute silence for the remainder of the
// cycle.
type Mixer struct {
	frameCount int
	sampleRate int

	slots [MaxTracks]slot
	accum []int32
}

// New creates a mixer for the given device block size and rate.
func New(frameCount, sampleRate int) *Mixer {
	return &Mixer{
		frameCount: frameCount,
		sampleRate: sampleRate,
		accum:      make([]int32, frameCount*2),
	}
}

// FrameCount returns the device block size.
func (m *Mixer) FrameCount() int { return m.frameCount }

// SampleRate returns the device rate.
func (m *Mixer) SampleRate() int { return m.sampleRate }

// AllocateTrackName reserves a slot and returns its id.
func (m *Mixer) AllocateTrackName() (int, error) {
	for i := range m.slots {
		if !m.slots[i].used {
			m.slots[i] = slot{
				used:       true,
				channels:   2,
				sampleRate: m.sampleRate,
				format:     pcm.FormatPCM16,
				targetL:    pcm.GainUnity,
				targetR:    pcm.GainUnity,
			}
			return i, nil
		}
	}
	return -1, ErrNoFreeSlot
}

// ReleaseTrackName frees a slot.
func (m *Mixer) ReleaseTrackName(id int) {
	if id < 0 || id >= MaxTracks {
		return
	}
	m.slots[id] = slot{}
}

// Enable marks a slot for mixing.
func (m *Mixer) Enable(id int) { m.slots[id].enabled = true }

// Disable removes a slot from mixing without freeing it.
func (m *Mixer) Disable(id int) { m.slots[id].enabled = false }

// SetBufferProvider binds the pull source for a slot.
func (m *Mixer) SetBufferProvider(id int, p track.BufferProvider) {
	m.slots[id].provider = p
	m.slots[id].adapter.provider = p
}

// SetFormat sets the slot sample format.
func (m *Mixer) SetFormat(id int, f pcm.Format) { m.slots[id].format = f }

// SetChannels sets the slot channel count; mono input is duplicated
// to stereo during mixing.
func (m *Mixer) SetChannels(id int, channels int) {
	m.slots[id].channels = channels
	m.slots[id].adapter.channels = channels
}

// SetSampleRate sets the slot input rate, creating or dropping the
// slot resampler as the rate diverges from or matches the device.
func (m *Mixer) SetSampleRate(id int, rate int) {
	s := &m.slots[id]
	s.sampleRate = rate
	if rate == m.sampleRate {
		s.resampler = nil
		return
	}
	if s.resampler == nil {
		s.resampler = resample.New(m.sampleRate, 2)
		s.resampler.SetProvider(&s.adapter)
	}
	s.resampler.SetSampleRate(rate)
}

// SetVolume programs the slot gains. With ramp the change is spread
// over the next block to avoid zipper noise; without it the gains
// take effect instantly.
func (m *Mixer) SetVolume(id int, left, right pcm.Gain, ramp bool) {
	s := &m.slots[id]
	s.targetL = left
	s.targetR = right
	if !ramp {
		s.currentL = left.Float()
		s.currentR = right.Float()
		s.ramping = false
		return
	}
	s.ramping = true
}

// Process emits exactly one device block. It always terminates; any
// provider shortfall is mixed as silence.
func (m *Mixer) Process(out []int16) {
	for i := range m.accum {
		m.accum[i] = 0
	}

	for i := range m.slots {
		s := &m.slots[i]
		if !s.used || !s.enabled || s.provider == nil {
			continue
		}
		if s.resampler != nil {
			m.mixResampled(s)
		} else {
			m.mixDirect(s)
		}
	}

	for i := 0; i < m.frameCount*2; i++ {
		out[i] = pcm.Saturate(m.accum[i])
	}
}

func (m *Mixer) mixResampled(s *slot) {
	stepL, stepR, rampFrames := s.rampPlan(m.frameCount)
	// the resampler applies a single gain per block; take the ramp
	// midpoint so long ramps still converge
	if rampFrames > 0 {
		s.currentL += stepL * float32(rampFrames) / 2
		s.currentR += stepR * float32(rampFrames) / 2
	}
	s.resampler.SetVolume(pcm.GainFromFloat(s.currentL), pcm.GainFromFloat(s.currentR))
	s.resampler.Resample(m.accum, m.frameCount)
	s.settleRamp(stepL, stepR, rampFrames)
}

func (m *Mixer) mixDirect(s *slot) {
	stepL, stepR, rampFrames := s.rampPlan(m.frameCount)

	frames := 0
	gl, gr := s.currentL, s.currentR
	for frames < m.frameCount {
		buf := track.Buffer{FrameCount: m.frameCount - frames}
		if err := s.provider.GetNextBuffer(&buf); err != nil {
			break
		}
		n := buf.FrameCount
		for f := 0; f < n; f++ {
			if rampFrames > 0 && frames+f < rampFrames {
				gl += stepL
				gr += stepR
			}
			var l, r int16
			if s.channels == 1 {
				l = buf.Data[f]
				r = l
			} else {
				l = buf.Data[f*2]
				r = buf.Data[f*2+1]
			}
			m.accum[(frames+f)*2] += int32(float32(l) * gl)
			m.accum[(frames+f)*2+1] += int32(float32(r) * gr)
		}
		s.provider.ReleaseBuffer(&buf)
		frames += n
	}

	s.currentL, s.currentR = gl, gr
	s.settleRamp(stepL, stepR, rampFrames)
}

// rampPlan returns the per-frame gain increments for this block, or
// zeros when no ramp is pending.
func (s *slot) rampPlan(frameCount int) (stepL, stepR float32, rampFrames int) {
	if !s.ramping {
		return 0, 0, 0
	}
	return (s.targetL.Float() - s.currentL) / float32(frameCount),
		(s.targetR.Float() - s.currentR) / float32(frameCount),
		frameCount
}

func (s *slot) settleRamp(stepL, stepR float32, rampFrames int) {
	if rampFrames == 0 {
		return
	}
	s.currentL = s.targetL.Float()
	s.currentR = s.targetR.Float()
	s.ramping = false
}

// providerAdapter narrows a track.BufferProvider to the resampler's
// pull interface, duplicating mono input to stereo on the way.
type providerAdapter struct {
	provider track.BufferProvider
	channels int
	pending  track.Buffer
	scratch  []int16
}

func (a *providerAdapter) GetNextBuffer(frames int) ([]int16, int) {
	a.pending = track.Buffer{FrameCount: frames}
	if err := a.provider.GetNextBuffer(&a.pending); err != nil {
		return nil, 0
	}
	n := a.pending.FrameCount
	if a.channels == 1 {
		if cap(a.scratch) < n*2 {
			a.scratch = make([]int16, n*2)
		}
		a.scratch = a.scratch[:n*2]
		pcm.MonoToStereo(a.pending.Data[:n], a.scratch)
		return a.scratch, n
	}
	return a.pending.Data, n
}

func (a *providerAdapter) ReleaseBuffer(frames int) {
	a.pending.FrameCount = frames
	a.provider.ReleaseBuffer(&a.pending)
}
