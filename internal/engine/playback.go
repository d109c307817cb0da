package engine

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

// PlaybackThread is the server-facing surface shared by the mixer,
// direct and duplicating endpoint loops.
type PlaybackThread interface {
	Type() ThreadType
	Handle() int
	Run()
	Exit()

	SampleRate() int
	Channels() int
	Format() pcm.Format
	FrameCount() int
	Latency() time.Duration
	Descriptor() StreamDescriptor

	CreateTrack(id int, st track.StreamType, format pcm.Format, channels int, cb *scb.ControlBlock, static bool) (*track.Track, error)
	StartTrack(t *track.Track) error
	StopTrack(t *track.Track)
	PauseTrack(t *track.Track)
	FlushTrack(t *track.Track)
	DestroyTrack(t *track.Track)

	SetMasterVolume(v float32)
	SetMasterMute(muted bool)
	SetStreamVolume(st track.StreamType, v float32)
	SetStreamMute(st track.StreamType, muted bool)

	SetParameters(kv string) error
	GetParameters(keys string) string
	SendConfigEvent(event EventType, payload any)

	Suspend()
	Restore()
	HasTracks() bool
	StreamActive(st track.StreamType) bool
	CloseDevice() error
	Dump() string
}

// playbackThread holds the state common to all playback loop variants:
// the device sink, the negotiated geometry, the track lists and the
// thread-local volume snapshot pushed down by the server.
type playbackThread struct {
	threadBase

	device hal.OutputStream

	sampleRate int
	channels   int
	frameCount int
	format     pcm.Format
	latency    time.Duration

	mixBuffer []int16

	tracks []*track.Track
	active []*track.Track

	masterVolume float32
	masterMute   bool
	// one extra slot past the client-visible types for internal
	// bridge tracks, pinned at unity
	streamVolumes [track.NumStreamTypes + 1]float32
	streamMutes   [track.NumStreamTypes + 1]bool

	standby    bool
	suspended  int
	silentMode func() bool

	writes        int
	delayedWrites int
	lastWriteTime time.Time

	// set by the concrete thread to release a mixer slot, nil when
	// the variant has none
	deleteTrackName func(name int)
}

func (p *playbackThread) initPlayback(handle int, device hal.OutputStream, sink EventSink, silentMode func() bool, logger *zap.Logger) {
	p.init(handle, sink, logger)
	p.device = device
	p.silentMode = silentMode
	p.masterVolume = 1
	for i := range p.streamVolumes {
		p.streamVolumes[i] = 1
	}
	p.readOutputParameters_l()
}

// readOutputParameters pulls the stream geometry from the device and
// sizes the interleaved mix buffer to one device block.
func (p *playbackThread) readOutputParameters_l() {
	p.sampleRate = p.device.SampleRate()
	p.channels = p.device.Channels()
	p.format = p.device.Format()
	p.frameCount = p.device.BufferSize() / p.device.FrameSize()
	p.latency = p.device.Latency()
	p.mixBuffer = make([]int16, p.frameCount*p.channels)
}

// SampleRate returns the device rate.
func (p *playbackThread) SampleRate() int { return p.sampleRate }

// Channels returns the device channel count.
func (p *playbackThread) Channels() int { return p.channels }

// Format returns the device sample format.
func (p *playbackThread) Format() pcm.Format { return p.format }

// FrameCount returns the device block size in frames.
func (p *playbackThread) FrameCount() int { return p.frameCount }

// Latency returns the device output latency.
func (p *playbackThread) Latency() time.Duration { return p.latency }

// Descriptor snapshots the stream geometry for config events.
func (p *playbackThread) Descriptor() StreamDescriptor {
	return StreamDescriptor{
		SampleRate: p.sampleRate,
		Format:     p.format,
		Channels:   p.channels,
		FrameCount: p.frameCount,
		Latency:    p.latency,
	}
}

// minStartFrames returns how many frames a client must have written
// before a silent track may be evicted, one device latency worth.
func (p *playbackThread) minStartFrames(rate int) int {
	frames := int(p.latency * time.Duration(rate) / time.Second)
	return max(frames, 1)
}

// StartTrack moves a track into the active list, resuming from a
// pause or starting fresh, and wakes the loop from standby.
func (p *playbackThread) StartTrack(t *track.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.State().Terminal() {
		return status.ErrInvalidOperation
	}

	switch t.State() {
	case track.StatePausing, track.StatePaused:
		t.SetState(track.StateResuming)
	case track.StateActive, track.StateResuming:
		// already running
	default:
		t.SetState(track.StateActive)
	}

	t.SetRetryCount(maxStartupRetries)
	if !p.isActive_l(t) {
		// a newly added track refills before mixing so the client
		// gets the latency it negotiated
		t.SetFillStatus(track.FillFilling)
		t.ClearResetDone()
		p.active = append(p.active, t)
	}
	p.work.Broadcast()
	return nil
}

// StopTrack marks a track stopped. An inactive track is reset right
// away; an active one drains and is removed by the loop.
func (p *playbackThread) StopTrack(t *track.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.State() == track.StateStopped || t.State().Terminal() {
		return
	}
	t.SetState(track.StateStopped)
	if !p.isActive_l(t) {
		t.Reset()
	}
}

// PauseTrack requests a pause; the loop acknowledges by emitting
// silence and setting the paused state.
func (p *playbackThread) PauseTrack(t *track.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.State() == track.StateActive || t.State() == track.StateResuming {
		t.SetState(track.StatePausing)
	}
}

// FlushTrack resets the ring of a stopped or paused track.
func (p *playbackThread) FlushTrack(t *track.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch t.State() {
	case track.StateStopped, track.StatePaused, track.StatePausing, track.StateFlushed:
		t.Flush()
	}
}

// DestroyTrack terminates a track on behalf of a dropped client
// handle. An inactive track is detached immediately; an active one is
// detached by the loop once it observes the terminal state.
func (p *playbackThread) DestroyTrack(t *track.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.SetState(track.StateTerminated)
	if !p.isActive_l(t) {
		p.detachTrack_l(t)
	}
}

func (p *playbackThread) isActive_l(t *track.Track) bool {
	for _, a := range p.active {
		if a == t {
			return true
		}
	}
	return false
}

func (p *playbackThread) removeActive_l(t *track.Track) {
	for i, a := range p.active {
		if a == t {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

// detachTrack_l drops a track from the endpoint and frees its mixer
// slot.
func (p *playbackThread) detachTrack_l(t *track.Track) {
	for i, x := range p.tracks {
		if x == t {
			p.tracks = append(p.tracks[:i], p.tracks[i+1:]...)
			break
		}
	}
	if p.deleteTrackName != nil && t.Name() >= 0 {
		p.deleteTrackName(t.Name())
		t.SetName(-1)
	}
}

// SetMasterVolume updates the thread-local master gain.
func (p *playbackThread) SetMasterVolume(v float32) {
	p.mu.Lock()
	p.masterVolume = v
	p.mu.Unlock()
}

// SetMasterMute updates the thread-local master mute.
func (p *playbackThread) SetMasterMute(muted bool) {
	p.mu.Lock()
	p.masterMute = muted
	p.mu.Unlock()
}

// SetStreamVolume updates the per-type gain snapshot.
func (p *playbackThread) SetStreamVolume(st track.StreamType, v float32) {
	p.mu.Lock()
	p.streamVolumes[st] = v
	p.mu.Unlock()
	p.work.Broadcast()
}

// SetStreamMute updates the per-type mute snapshot.
func (p *playbackThread) SetStreamMute(st track.StreamType, muted bool) {
	p.mu.Lock()
	p.streamMutes[st] = muted
	p.mu.Unlock()
}

// Suspend stops device writes until a matching Restore.
func (p *playbackThread) Suspend() {
	p.mu.Lock()
	p.suspended++
	p.mu.Unlock()
}

// Restore undoes one Suspend.
func (p *playbackThread) Restore() {
	p.mu.Lock()
	if p.suspended > 0 {
		p.suspended--
	}
	p.mu.Unlock()
	p.work.Broadcast()
}

// HasTracks reports whether any track is attached.
func (p *playbackThread) HasTracks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks) > 0
}

// StreamActive reports whether a track of the given type is active.
func (p *playbackThread) StreamActive(st track.StreamType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.active {
		if t.StreamType() == st {
			return true
		}
	}
	return false
}

// GetParameters forwards to the device stream.
func (p *playbackThread) GetParameters(keys string) string {
	return p.device.GetParameters(keys)
}

// CloseDevice releases the device stream after the loop has exited.
func (p *playbackThread) CloseDevice() error {
	return p.device.Close()
}

// write pushes one mixed block to the device, tracking stalls longer
// than two block periods.
func (p *playbackThread) write(buf []int16) {
	now := time.Now()
	maxPeriod := 2 * time.Duration(p.frameCount) * time.Second / time.Duration(p.sampleRate)
	if !p.standby && !p.lastWriteTime.IsZero() {
		if delta := now.Sub(p.lastWriteTime); delta > maxPeriod {
			p.delayedWrites++
			p.logger.Warn("delayed device write",
				zap.Int("output", p.handle),
				zap.Duration("delta", delta),
				zap.Int("count", p.delayedWrites))
		}
	}
	p.lastWriteTime = now

	if _, err := p.device.Write(buf); err != nil {
		p.logger.Warn("device write failed", zap.Int("output", p.handle), zap.Error(err))
		time.Sleep(p.latency)
		return
	}
	p.writes++
	p.standby = false
}

// checkSilentMode_l applies the one-shot silent-mode policy on wake.
func (p *playbackThread) checkSilentMode_l() {
	if p.silentMode != nil && p.silentMode() && !p.masterMute {
		p.masterMute = true
		p.logger.Info("silent mode asserted, master muted", zap.Int("output", p.handle))
	}
}

// Dump renders diagnostic state. The lock is taken with a bounded
// retry so a wedged thread still produces output.
func (p *playbackThread) Dump() string {
	locked := false
	for i := 0; i < 20; i++ {
		if p.mu.TryLock() {
			locked = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	var b strings.Builder
	if !locked {
		b.WriteString("(thread may be deadlocked)\n")
	}
	fmt.Fprintf(&b, "output %d: rate %d ch %d frames %d latency %v\n",
		p.handle, p.sampleRate, p.channels, p.frameCount, p.latency)
	fmt.Fprintf(&b, "  tracks %d active %d standby %v suspended %d\n",
		len(p.tracks), len(p.active), p.standby, p.suspended)
	fmt.Fprintf(&b, "  master volume %.2f mute %v writes %d delayed %d\n",
		p.masterVolume, p.masterMute, p.writes, p.delayedWrites)
	for _, t := range p.tracks {
		fmt.Fprintf(&b, "  track %d name %d type %s state %s ready %d\n",
			t.ID(), t.Name(), t.StreamType(), t.State(), t.FramesReady())
	}
	if locked {
		p.mu.Unlock()
	}
	return b.String()
}
