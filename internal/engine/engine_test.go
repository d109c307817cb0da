package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/engine"
	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

type sinkEvent struct {
	event   engine.EventType
	handle  int
	payload any
}

// recordSink collects config events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordSink) IOConfigChanged(event engine.EventType, handle int, payload any) {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{event: event, handle: handle, payload: payload})
	s.mu.Unlock()
}

func (s *recordSink) has(event engine.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func newMixerThread(t *testing.T, sink engine.EventSink) *engine.MixerThread {
	t.Helper()
	dev := hal.NewNullDevice(48000, 2, 64)
	out, err := dev.OpenOutputStream(0, nil)
	require.NoError(t, err)
	return engine.NewMixerThread(1, out, sink, nil, zap.NewNop())
}

func newStream(t *testing.T, m *engine.MixerThread, frames int) *track.Track {
	t.Helper()
	cb := scb.NewControlBlock(frames, 48000, 2, true)
	tr, err := m.CreateTrack(100, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
	require.NoError(t, err)
	return tr
}

func fillRing(t *testing.T, cb *scb.ControlBlock, v int16) {
	t.Helper()
	for cb.FramesAvailable() > 0 {
		buf, n := cb.ProducerBuffer(cb.FramesAvailable())
		require.NotZero(t, n)
		pcm.Fill(buf, v)
		require.NoError(t, cb.StepUser(n))
	}
}

func TestMixerThreadGeometry(t *testing.T) {
	sink := &recordSink{}
	m := newMixerThread(t, sink)

	assert.Equal(t, engine.ThreadMixer, m.Type())
	assert.Equal(t, 1, m.Handle())
	assert.Equal(t, 48000, m.SampleRate())
	assert.Equal(t, 2, m.Channels())
	assert.Equal(t, 64, m.FrameCount())

	desc := m.Descriptor()
	assert.Equal(t, 48000, desc.SampleRate)
	assert.Equal(t, pcm.FormatPCM16, desc.Format)
	assert.Equal(t, 64, desc.FrameCount)
}

func TestCreateTrackValidation(t *testing.T) {
	m := newMixerThread(t, &recordSink{})

	cb := scb.NewControlBlock(256, 48000, 2, true)
	_, err := m.CreateTrack(1, track.StreamMusic, pcm.FormatPCM8, 2, cb, false)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = m.CreateTrack(1, track.StreamMusic, pcm.FormatPCM16, 3, cb, false)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	fast := scb.NewControlBlock(256, 200000, 2, true)
	_, err = m.CreateTrack(1, track.StreamMusic, pcm.FormatPCM16, 2, fast, false)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = m.CreateTrack(1, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
	assert.NoError(t, err)
}

func TestCreateTrackSlotExhaustion(t *testing.T) {
	m := newMixerThread(t, &recordSink{})

	for i := 0; i < 32; i++ {
		cb := scb.NewControlBlock(64, 48000, 2, true)
		_, err := m.CreateTrack(i, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
		require.NoError(t, err)
	}
	cb := scb.NewControlBlock(64, 48000, 2, true)
	_, err := m.CreateTrack(99, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
	assert.ErrorIs(t, err, status.ErrNoMemory)
}

func TestTrackStateTransitions(t *testing.T) {
	m := newMixerThread(t, &recordSink{})
	tr := newStream(t, m, 256)

	require.NoError(t, m.StartTrack(tr))
	assert.Equal(t, track.StateActive, tr.State())

	m.PauseTrack(tr)
	assert.Equal(t, track.StatePausing, tr.State())

	require.NoError(t, m.StartTrack(tr))
	assert.Equal(t, track.StateResuming, tr.State())

	m.StopTrack(tr)
	assert.Equal(t, track.StateStopped, tr.State())

	m.FlushTrack(tr)
	assert.Equal(t, track.StateStopped, tr.State())
	assert.Zero(t, tr.FramesReady())

	m.DestroyTrack(tr)
	assert.True(t, tr.State().Terminal())
	assert.ErrorIs(t, m.StartTrack(tr), status.ErrInvalidOperation)
}

func TestStopInactiveTrackResets(t *testing.T) {
	m := newMixerThread(t, &recordSink{})
	tr := newStream(t, m, 256)
	fillRing(t, tr.ControlBlock(), 5)

	m.StopTrack(tr)
	assert.Equal(t, track.StateFlushed, tr.State())
	assert.Zero(t, tr.FramesReady())
}

func TestMixerThreadPlaysAndStarves(t *testing.T) {
	sink := &recordSink{}
	m := newMixerThread(t, sink)
	go m.Run()

	tr := newStream(t, m, 2048)
	fillRing(t, tr.ControlBlock(), 100)
	require.NoError(t, m.StartTrack(tr))

	// The loop consumes the ring at the device cadence.
	assert.Eventually(t, func() bool {
		return tr.ControlBlock().FramesReady() < 2048
	}, 2*time.Second, 2*time.Millisecond)
	assert.True(t, m.StreamActive(track.StreamMusic))

	// With no more data the track starves out of the active list.
	assert.Eventually(t, func() bool {
		return !m.StreamActive(track.StreamMusic)
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, m.HasTracks())

	m.DestroyTrack(tr)
	assert.Eventually(t, func() bool { return !m.HasTracks() },
		2*time.Second, 2*time.Millisecond)

	m.Exit()
	assert.True(t, sink.has(engine.OutputClosed))
}

func TestMixerThreadStopDrains(t *testing.T) {
	m := newMixerThread(t, &recordSink{})
	go m.Run()
	defer m.Exit()

	tr := newStream(t, m, 512)
	fillRing(t, tr.ControlBlock(), 42)
	require.NoError(t, m.StartTrack(tr))

	assert.Eventually(t, func() bool {
		return tr.ControlBlock().FramesReady() < 512
	}, 2*time.Second, 2*time.Millisecond)

	m.StopTrack(tr)
	// The loop drains the remaining frames, resets the ring and drops
	// the track from the active list.
	assert.Eventually(t, func() bool {
		return !m.StreamActive(track.StreamMusic) && tr.FramesReady() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, track.StateFlushed, tr.State())
}

func TestSetParametersFrameCountRejected(t *testing.T) {
	m := newMixerThread(t, &recordSink{})
	go m.Run()

	newStream(t, m, 256)
	assert.ErrorIs(t, m.SetParameters("frame_count=512"), status.ErrInvalidOperation)
	assert.NoError(t, m.SetParameters("routing=speaker"))

	m.Exit()
	assert.ErrorIs(t, m.SetParameters("routing=speaker"), status.ErrInvalidOperation)
}

func TestSetParametersAnnouncesReconfig(t *testing.T) {
	sink := &recordSink{}
	m := newMixerThread(t, sink)
	go m.Run()
	defer m.Exit()

	require.NoError(t, m.SetParameters("sampling_rate=48000"))
	assert.Eventually(t, func() bool {
		return sink.has(engine.OutputConfigChanged)
	}, 2*time.Second, 2*time.Millisecond)
}

func TestDirectThreadGeometryValidation(t *testing.T) {
	dev := hal.NewNullDevice(48000, 2, 64)
	out, err := dev.OpenOutputStream(0, nil)
	require.NoError(t, err)
	d := engine.NewDirectThread(3, out, &recordSink{}, nil, zap.NewNop())
	assert.Equal(t, engine.ThreadDirect, d.Type())

	cb := scb.NewControlBlock(256, 44100, 2, true)
	_, err = d.CreateTrack(1, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	cb = scb.NewControlBlock(256, 48000, 1, true)
	_, err = d.CreateTrack(1, track.StreamMusic, pcm.FormatPCM16, 1, cb, false)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	cb = scb.NewControlBlock(256, 48000, 2, true)
	_, err = d.CreateTrack(1, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
	assert.NoError(t, err)
}

// volumeOutput is a null-like output stream recording hardware volume
// requests.
type volumeOutput struct {
	hal.OutputStream

	mu      sync.Mutex
	volumes [][2]float32
}

func newVolumeOutput(t *testing.T) *volumeOutput {
	t.Helper()
	dev := hal.NewNullDevice(48000, 2, 64)
	out, err := dev.OpenOutputStream(0, nil)
	require.NoError(t, err)
	return &volumeOutput{OutputStream: out}
}

func (v *volumeOutput) SetVolume(left, right float32) error {
	v.mu.Lock()
	v.volumes = append(v.volumes, [2]float32{left, right})
	v.mu.Unlock()
	return nil
}

func (v *volumeOutput) calls() [][2]float32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][2]float32, len(v.volumes))
	copy(out, v.volumes)
	return out
}

func TestDirectThreadAppliesHardwareVolume(t *testing.T) {
	out := newVolumeOutput(t)
	d := engine.NewDirectThread(3, out, &recordSink{}, nil, zap.NewNop())
	go d.Run()
	defer d.Exit()

	cb := scb.NewControlBlock(4096, 48000, 2, true)
	tr, err := d.CreateTrack(1, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
	require.NoError(t, err)
	fillRing(t, cb, 50)
	require.NoError(t, d.StartTrack(tr))

	// The first cycle programs unity into the hardware.
	assert.Eventually(t, func() bool {
		c := out.calls()
		return len(c) == 1 && c[0] == [2]float32{1, 1}
	}, 2*time.Second, 2*time.Millisecond)

	d.SetStreamVolume(track.StreamMusic, 0.5)
	assert.Eventually(t, func() bool {
		c := out.calls()
		return len(c) == 2 && c[1] == [2]float32{0.5, 0.5}
	}, 2*time.Second, 2*time.Millisecond)

	// An unchanged gain is not re-sent.
	d.SetStreamVolume(track.StreamMusic, 0.5)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, out.calls(), 2)
}

func TestRecordThreadStartStop(t *testing.T) {
	sink := &recordSink{}
	dev := hal.NewNullDevice(48000, 2, 64)
	in, err := dev.OpenInputStream(0, nil)
	require.NoError(t, err)
	r := engine.NewRecordThread(7, in, 48000, 2, sink, zap.NewNop())
	assert.Equal(t, engine.ThreadRecord, r.Type())
	go r.Run()

	cb := scb.NewControlBlock(512, 48000, 2, false)
	rt, err := r.CreateRecordTrack(1, pcm.FormatPCM16, 2, cb)
	require.NoError(t, err)

	require.NoError(t, r.Start(rt))
	assert.Equal(t, track.StateActive, rt.State())

	// Captured silence lands in the ring.
	assert.Eventually(t, func() bool {
		return cb.FramesReady() > 0
	}, 2*time.Second, 2*time.Millisecond)

	// Only one capture stream may run at a time.
	cb2 := scb.NewControlBlock(512, 48000, 2, false)
	rt2, err := r.CreateRecordTrack(2, pcm.FormatPCM16, 2, cb2)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Start(rt2), status.ErrInvalidOperation)

	r.Stop(rt)
	assert.Equal(t, track.StateIdle, rt.State())

	require.NoError(t, r.Start(rt2))
	r.Stop(rt2)

	r.Exit()
	assert.True(t, sink.has(engine.InputClosed))
}

func TestRecordTrackValidation(t *testing.T) {
	dev := hal.NewNullDevice(48000, 2, 64)
	in, err := dev.OpenInputStream(0, nil)
	require.NoError(t, err)
	r := engine.NewRecordThread(7, in, 44100, 1, &recordSink{}, zap.NewNop())

	cb := scb.NewControlBlock(512, 48000, 1, false)
	_, err = r.CreateRecordTrack(1, pcm.FormatPCM16, 1, cb)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	cb = scb.NewControlBlock(512, 44100, 2, false)
	_, err = r.CreateRecordTrack(1, pcm.FormatPCM16, 2, cb)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	cb = scb.NewControlBlock(512, 44100, 1, false)
	_, err = r.CreateRecordTrack(1, pcm.FormatPCM16, 1, cb)
	assert.NoError(t, err)
}

func TestRecordLoopbackRoundTrip(t *testing.T) {
	dev := hal.NewLoopbackDevice(8000, 2, 64)
	out, err := dev.OpenOutputStream(0, nil)
	require.NoError(t, err)
	in, err := dev.OpenInputStream(0, nil)
	require.NoError(t, err)

	r := engine.NewRecordThread(7, in, 8000, 2, &recordSink{}, zap.NewNop())
	go r.Run()
	defer r.Exit()

	cb := scb.NewControlBlock(512, 8000, 2, false)
	rt, err := r.CreateRecordTrack(1, pcm.FormatPCM16, 2, cb)
	require.NoError(t, err)
	require.NoError(t, r.Start(rt))

	marker := make([]int16, 64*2)
	pcm.Fill(marker, 123)
	_, err = out.Write(marker)
	require.NoError(t, err)

	// Drain the ring until the marker block comes through.
	found := false
	deadline := time.Now().Add(2 * time.Second)
	for !found && time.Now().Before(deadline) {
		data, n := cb.ConsumerBuffer(64)
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		for _, s := range data[:n*2] {
			if s == 123 {
				found = true
				break
			}
		}
		require.NoError(t, cb.StepServer(n))
	}
	assert.True(t, found)
	r.Stop(rt)
}

func TestDuplicatingAttachDetach(t *testing.T) {
	sink := &recordSink{}
	main := newMixerThread(t, sink)
	second := newMixerThread(t, sink)

	dup, err := engine.NewDuplicatingThread(9, main, sink, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, engine.ThreadDuplicating, dup.Type())
	assert.True(t, dup.FeedsOutput(main))
	assert.True(t, main.HasTracks())

	require.NoError(t, dup.AddOutput(second))
	assert.True(t, dup.FeedsOutput(second))
	assert.True(t, second.HasTracks())

	dup.RemoveOutput(second)
	assert.False(t, dup.FeedsOutput(second))
	assert.False(t, second.HasTracks())

	// Closing the duplicating endpoint must never close the borrowed
	// device stream.
	assert.NoError(t, dup.CloseDevice())
}

func TestDuplicatingFanOutReachesDestination(t *testing.T) {
	sink := &recordSink{}
	main := newMixerThread(t, sink)
	go main.Run()
	defer main.Exit()

	dup, err := engine.NewDuplicatingThread(9, main, sink, nil, zap.NewNop())
	require.NoError(t, err)
	go dup.Run()

	cb := scb.NewControlBlock(4096, 48000, 2, true)
	tr, err := dup.CreateTrack(5, track.StreamMusic, pcm.FormatPCM16, 2, cb, false)
	require.NoError(t, err)
	fillRing(t, cb, 77)
	require.NoError(t, dup.StartTrack(tr))

	// The bridge track self-starts on the destination once frames flow.
	assert.Eventually(t, func() bool {
		return main.StreamActive(track.NumStreamTypes)
	}, 5*time.Second, 5*time.Millisecond)

	dup.Exit()
	assert.Eventually(t, func() bool { return !main.HasTracks() },
		2*time.Second, 2*time.Millisecond)
	assert.True(t, sink.has(engine.OutputClosed))
}
