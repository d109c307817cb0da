package audioserver_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/audioserver"
	"github.com/aurelia-audio/aurelia/internal/engine"
	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

func newServer(t *testing.T) *audioserver.Server {
	t.Helper()
	s, err := audioserver.New(hal.NewNullDevice(48000, 2, 64), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openMixedOutput(t *testing.T, s *audioserver.Server) int {
	t.Helper()
	h, desc, err := s.OpenOutput(0, nil, false)
	require.NoError(t, err)
	require.Equal(t, 48000, desc.SampleRate)
	require.Equal(t, 2, desc.Channels)
	return h
}

type eventRecorder struct {
	mu     sync.Mutex
	events []struct {
		ev     engine.EventType
		handle int
	}
}

func (r *eventRecorder) IOConfigChanged(ev engine.EventType, handle int, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, struct {
		ev     engine.EventType
		handle int
	}{ev, handle})
}

func (r *eventRecorder) has(ev engine.EventType, handle int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ev == ev && e.handle == handle {
			return true
		}
	}
	return false
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestOutputLifecycle(t *testing.T) {
	s := newServer(t)

	h := openMixedOutput(t, s)
	desc, err := s.OutputDescriptor(h)
	require.NoError(t, err)
	assert.Equal(t, 48000, desc.SampleRate)
	assert.Equal(t, pcm.FormatPCM16, desc.Format)
	assert.NotZero(t, desc.FrameCount)
	assert.NotZero(t, desc.Latency)

	require.NoError(t, s.CloseOutput(h))
	_, err = s.OutputDescriptor(h)
	assert.ErrorIs(t, err, status.ErrBadIndex)
	assert.ErrorIs(t, s.CloseOutput(h), status.ErrBadIndex)
}

func TestDirectOutputRejectsDuplication(t *testing.T) {
	s := newServer(t)

	direct, _, err := s.OpenOutput(0, nil, true)
	require.NoError(t, err)

	_, _, err = s.OpenDuplicateOutput(direct)
	assert.ErrorIs(t, err, status.ErrBadIndex)
}

func TestDuplicateOutputTopology(t *testing.T) {
	s := newServer(t)

	main := openMixedOutput(t, s)
	second := openMixedOutput(t, s)

	dup, desc, err := s.OpenDuplicateOutput(main)
	require.NoError(t, err)
	assert.Equal(t, 48000, desc.SampleRate)

	require.NoError(t, s.AddDuplicateOutput(dup, second))
	// Re-attaching is a no-op.
	require.NoError(t, s.AddDuplicateOutput(dup, second))
	require.NoError(t, s.RemoveDuplicateOutput(dup, second))

	assert.ErrorIs(t, s.AddDuplicateOutput(dup, 999), status.ErrBadIndex)
	assert.ErrorIs(t, s.AddDuplicateOutput(999, second), status.ErrBadIndex)

	// Closing a destination detaches its feeders first.
	require.NoError(t, s.AddDuplicateOutput(dup, second))
	require.NoError(t, s.CloseOutput(second))
	require.NoError(t, s.CloseOutput(dup))
	require.NoError(t, s.CloseOutput(main))
}

// rejectingDevice refuses explicit input geometry so the open path has
// to retry at the device defaults.
type rejectingDevice struct {
	hal.Device
}

func (d rejectingDevice) OpenInputStream(devices uint32, cfg *hal.StreamConfig) (hal.InputStream, error) {
	if cfg != nil {
		return nil, hal.ErrInvalidConfig
	}
	return d.Device.OpenInputStream(devices, nil)
}

func TestInputLifecycle(t *testing.T) {
	s := newServer(t)

	cfg := &hal.StreamConfig{SampleRate: 44100, Channels: 1}
	h, desc, err := s.OpenInput(0, cfg)
	require.NoError(t, err)
	assert.Equal(t, 44100, desc.SampleRate)
	assert.Equal(t, 1, desc.Channels)

	got, err := s.InputDescriptor(h)
	require.NoError(t, err)
	assert.Equal(t, desc.SampleRate, got.SampleRate)

	require.NoError(t, s.CloseInput(h))
	assert.ErrorIs(t, s.CloseInput(h), status.ErrBadIndex)
}

func TestInputRetryAtDeviceDefaults(t *testing.T) {
	dev := rejectingDevice{hal.NewNullDevice(48000, 2, 64)}
	s, err := audioserver.New(dev, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	// The capture converter can bridge 48 kHz device frames down to a
	// 44.1 kHz client.
	cfg := &hal.StreamConfig{SampleRate: 44100, Channels: 1, Format: pcm.FormatPCM16}
	h, desc, err := s.OpenInput(0, cfg)
	require.NoError(t, err)
	assert.Equal(t, 44100, desc.SampleRate)
	require.NoError(t, s.CloseInput(h))

	// A client rate below half the device rate is out of the
	// converter's reach.
	cfg = &hal.StreamConfig{SampleRate: 16000, Channels: 1, Format: pcm.FormatPCM16}
	_, _, err = s.OpenInput(0, cfg)
	assert.ErrorIs(t, err, hal.ErrInvalidConfig)
}

func TestCreateTrackValidation(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)

	_, err := s.CreateTrack(1, out, track.NumStreamTypes, 48000, pcm.FormatPCM16, 2, 0, nil)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = s.CreateTrack(1, out, track.StreamMusic, 0, pcm.FormatPCM16, 2, 0, nil)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = s.CreateTrack(1, out, track.StreamMusic, 48000, pcm.FormatPCM16, 3, 0, nil)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = s.CreateTrack(1, out, track.StreamMusic, 48000, pcm.FormatPCM8, 2, 0, nil)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = s.CreateTrack(1, 999, track.StreamMusic, 48000, pcm.FormatPCM16, 2, 0, nil)
	assert.ErrorIs(t, err, status.ErrBadIndex)
}

func TestCreateTrackArenaExhaustion(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)

	// Each region charges well over half the per-client budget, so the
	// same process cannot hold two.
	big := 200000
	h1, err := s.CreateTrack(7, out, track.StreamMusic, 48000, pcm.FormatPCM16, 2, big, nil)
	require.NoError(t, err)

	_, err = s.CreateTrack(7, out, track.StreamMusic, 48000, pcm.FormatPCM16, 2, big, nil)
	assert.ErrorIs(t, err, scb.ErrNoMemory)

	// A different process draws from its own arena.
	h2, err := s.CreateTrack(8, out, track.StreamMusic, 48000, pcm.FormatPCM16, 2, big, nil)
	require.NoError(t, err)

	h1.Release()
	h2.Release()
}

func TestTrackHandleLifecycle(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)

	h, err := s.CreateTrack(1, out, track.StreamMusic, 48000, pcm.FormatPCM16, 2, 256, nil)
	require.NoError(t, err)
	assert.NotZero(t, h.ID())
	require.NotNil(t, h.ControlBlock())

	// Fill the ring so the fill gate opens, then start.
	cb := h.ControlBlock()
	for {
		buf, n := cb.ProducerBuffer(256)
		if n == 0 {
			break
		}
		pcm.Fill(buf[:n*2], 100)
		require.NoError(t, cb.StepUser(n))
	}
	require.NoError(t, h.Start())

	assert.Eventually(t, s.IsMusicActive, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.IsStreamActive(track.StreamMusic))
	assert.False(t, s.IsStreamActive(track.StreamAlarm))

	h.Pause()
	h.Flush()
	h.Stop()
	h.Release()

	// A released handle refuses restarts and absorbs repeated releases.
	assert.ErrorIs(t, h.Start(), status.ErrInvalidOperation)
	h.Release()
}

func TestStaticTrackSharesClip(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)

	clip := make([]int16, 512*2)
	pcm.Fill(clip, 250)
	h, err := s.CreateTrack(1, out, track.StreamNotification, 48000, pcm.FormatPCM16, 2, 0, clip)
	require.NoError(t, err)

	// The clip arrives pre-buffered; no producer step needed.
	require.NoError(t, h.Start())
	assert.Eventually(t, func() bool {
		return s.IsStreamActive(track.StreamNotification)
	}, 2*time.Second, 5*time.Millisecond)
	h.Release()
}

func TestRecordHandleLifecycle(t *testing.T) {
	s := newServer(t)

	in, _, err := s.OpenInput(0, &hal.StreamConfig{SampleRate: 48000, Channels: 2})
	require.NoError(t, err)

	_, err = s.OpenRecord(1, 999, 0)
	assert.ErrorIs(t, err, status.ErrBadIndex)

	h, err := s.OpenRecord(1, in, 0)
	require.NoError(t, err)
	require.NoError(t, h.Start())

	// The null source delivers silence at the device cadence.
	cb := h.ControlBlock()
	assert.Eventually(t, func() bool {
		return cb.FramesReady() > 0
	}, 2*time.Second, 5*time.Millisecond)

	h.Stop()
	h.Release()
	assert.ErrorIs(t, h.Start(), status.ErrInvalidOperation)
}

func TestObserverReplayAndRemoval(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)
	in, _, err := s.OpenInput(0, nil)
	require.NoError(t, err)

	rec := &eventRecorder{}
	s.RegisterClient(rec)

	// Registration replays the open endpoints through the thread
	// queues.
	assert.Eventually(t, func() bool {
		return rec.has(engine.OutputOpened, out) && rec.has(engine.InputOpened, in)
	}, 2*time.Second, 5*time.Millisecond)

	// Re-registering the same observer does not replay again.
	before := rec.count()
	s.RegisterClient(rec)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, rec.count())

	require.NoError(t, s.CloseOutput(out))
	assert.Eventually(t, func() bool {
		return rec.has(engine.OutputClosed, out)
	}, 2*time.Second, 5*time.Millisecond)

	s.RemoveObserver(rec)
	before = rec.count()
	require.NoError(t, s.CloseInput(in))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, rec.count())
}

func TestSetStreamOutputReroutes(t *testing.T) {
	s := newServer(t)
	src := openMixedOutput(t, s)
	dst := openMixedOutput(t, s)

	_, err := s.CreateTrack(1, src, track.StreamMusic, 48000, pcm.FormatPCM16, 2, 256, nil)
	require.NoError(t, err)

	rec := &eventRecorder{}
	s.RegisterClient(rec)

	assert.ErrorIs(t, s.SetStreamOutput(track.NumStreamTypes, dst), status.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetStreamOutput(track.StreamMusic, 999), status.ErrBadIndex)

	require.NoError(t, s.SetStreamOutput(track.StreamMusic, dst))
	assert.Eventually(t, func() bool {
		return rec.has(engine.StreamConfigChanged, src) && rec.has(engine.StreamConfigChanged, dst)
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, rec.has(engine.OutputClosed, src))
}

func TestSuspendRestore(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)

	require.NoError(t, s.SuspendOutput(out))
	require.NoError(t, s.RestoreOutput(out))
	assert.ErrorIs(t, s.SuspendOutput(999), status.ErrBadIndex)
	assert.ErrorIs(t, s.RestoreOutput(999), status.ErrBadIndex)
}

func TestMasterVolumeAndMute(t *testing.T) {
	s := newServer(t)

	assert.ErrorIs(t, s.SetMasterVolume(-0.1), status.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetMasterVolume(1.5), status.ErrInvalidArgument)

	require.NoError(t, s.SetMasterVolume(0.4))
	assert.InDelta(t, 0.4, s.MasterVolume(), 0.0001)

	require.NoError(t, s.SetMasterMute(true))
	assert.True(t, s.MasterMute())
	require.NoError(t, s.SetMasterMute(false))
	assert.False(t, s.MasterMute())
}

func TestStreamVolumes(t *testing.T) {
	s := newServer(t)

	assert.ErrorIs(t, s.SetStreamVolume(track.NumStreamTypes, 0.5), status.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetStreamVolume(track.StreamMusic, 1.5), status.ErrInvalidArgument)

	require.NoError(t, s.SetStreamVolume(track.StreamMusic, 0.5))
	v, err := s.StreamVolume(track.StreamMusic)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 0.0001)

	// The in-call gain keeps a software floor above the hardware gain.
	require.NoError(t, s.SetStreamVolume(track.StreamVoiceCall, 0.5))
	v, err = s.StreamVolume(track.StreamVoiceCall)
	require.NoError(t, err)
	assert.InDelta(t, 0.01+0.99*0.5, v, 0.0001)

	_, err = s.StreamVolume(track.StreamType(-1))
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestStreamMutes(t *testing.T) {
	s := newServer(t)

	require.NoError(t, s.SetStreamMute(track.StreamMusic, true))
	muted, err := s.StreamMute(track.StreamMusic)
	require.NoError(t, err)
	assert.True(t, muted)

	assert.ErrorIs(t, s.SetStreamMute(track.StreamVoiceCall, true), status.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetStreamMute(track.StreamEnforcedAudible, true), status.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetStreamMute(track.NumStreamTypes, true), status.ErrInvalidArgument)
}

func TestModeAndMicMute(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, audioserver.ModeNormal, s.Mode())
	require.NoError(t, s.SetMode(audioserver.ModeInCall))
	assert.Equal(t, audioserver.ModeInCall, s.Mode())
	assert.ErrorIs(t, s.SetMode(-1), status.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetMode(3), status.ErrInvalidArgument)

	assert.False(t, s.MicMute())
	require.NoError(t, s.SetMicMute(true))
	assert.True(t, s.MicMute())
}

func TestParametersRouting(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)

	// Handle zero addresses the hardware.
	require.NoError(t, s.SetParameters(0, "routing=speaker"))
	got, err := s.GetParameters(0, "routing")
	require.NoError(t, err)
	assert.Equal(t, "routing=speaker", got)

	require.NoError(t, s.SetParameters(out, "routing=headset"))
	_, err = s.GetParameters(out, "routing")
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetParameters(999, "routing=speaker"), status.ErrBadIndex)
	_, err = s.GetParameters(999, "routing")
	assert.ErrorIs(t, err, status.ErrBadIndex)
}

func TestInputBufferSize(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, 64*4, s.InputBufferSize(48000, pcm.FormatPCM16, 2))
}

func TestDumpState(t *testing.T) {
	s := newServer(t)
	out := openMixedOutput(t, s)
	h, err := s.CreateTrack(42, out, track.StreamMusic, 48000, pcm.FormatPCM16, 2, 256, nil)
	require.NoError(t, err)

	var sb strings.Builder
	s.DumpState(&sb)
	dump := sb.String()
	assert.Contains(t, dump, "clients: 1")
	assert.Contains(t, dump, "pid 42")
	assert.Contains(t, dump, "master volume")
	assert.Contains(t, dump, "music=")

	h.Release()
	sb.Reset()
	s.DumpState(&sb)
	assert.Contains(t, sb.String(), "clients: 0")
}
