// Package audioserver is the process-wide mediation core: it owns the
// endpoint threads, the per-process clients, the stream type tables
// and the notification fan-out, and hands out track handles that wrap
// the shared control blocks.
package audioserver

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/engine"
	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

// Telephony modes pushed down to the hardware.
const (
	ModeNormal = iota
	ModeRingtone
	ModeInCall
	numModes
)

// releasedCacheSize bounds how many released stream rings stay mapped
// so a client still draining its cursor view does not read freed
// memory; eviction returns the region to its arena.
const releasedCacheSize = 16

// Observer receives the I/O configuration event stream. The control
// surface registers one observer per connection.
type Observer interface {
	IOConfigChanged(event engine.EventType, handle int, payload any)
}

type releasedBlock struct {
	arena *scb.Arena
	cb    *scb.ControlBlock
}

// Server is the mediation core. It guards the endpoint registry and
// the client table with one mutex ranked above every thread lock, so
// holding it while calling into a thread is always safe.
type Server struct {
	logger *zap.Logger
	dev    hal.Device

	mu          sync.Mutex
	playback    map[int]engine.PlaybackThread
	record      map[int]*engine.RecordThread
	clients     map[int]*Client
	nextHandle  int
	nextTrackID int

	masterVolume  float32
	masterMute    bool
	hwMasterGain  bool
	streamVolumes [track.NumStreamTypes]float32
	streamMutes   [track.NumStreamTypes]bool
	mode          int

	silent atomic.Bool

	released *lru.Cache[int, releasedBlock]

	// dispatchMu orders event delivery without holding the server
	// lock across observer callbacks
	dispatchMu sync.Mutex
	observers  []Observer
}

// New creates the server over an opened hardware device.
func New(dev hal.Device, logger *zap.Logger) (*Server, error) {
	s := &Server{
		logger:       logger,
		dev:          dev,
		playback:     make(map[int]engine.PlaybackThread),
		record:       make(map[int]*engine.RecordThread),
		clients:      make(map[int]*Client),
		nextHandle:   1,
		nextTrackID:  1,
		masterVolume: 1,
	}
	for i := range s.streamVolumes {
		s.streamVolumes[i] = 1
	}
	released, err := lru.NewWithEvict(releasedCacheSize, func(_ int, rb releasedBlock) {
		rb.arena.Release(rb.cb)
	})
	if err != nil {
		return nil, err
	}
	s.released = released
	return s, nil
}

// Close exits every endpoint thread and releases the device streams.
func (s *Server) Close() error {
	s.mu.Lock()
	playback := make([]engine.PlaybackThread, 0, len(s.playback))
	for h, t := range s.playback {
		playback = append(playback, t)
		delete(s.playback, h)
	}
	record := make([]*engine.RecordThread, 0, len(s.record))
	for h, t := range s.record {
		record = append(record, t)
		delete(s.record, h)
	}
	s.mu.Unlock()

	// duplicating endpoints go first so their bridge writes stop
	// before the destinations exit
	for _, t := range playback {
		if t.Type() == engine.ThreadDuplicating {
			t.Exit()
			t.CloseDevice()
		}
	}
	for _, t := range playback {
		if t.Type() != engine.ThreadDuplicating {
			t.Exit()
			t.CloseDevice()
		}
	}
	for _, t := range record {
		t.Exit()
		t.CloseDevice()
	}
	s.released.Purge()
	return nil
}

// IOConfigChanged fans a thread configuration event out to every
// registered observer. Stream reroute notifications carry the stream
// payload and are delivered as their own event, never as a close.
func (s *Server) IOConfigChanged(event engine.EventType, handle int, payload any) {
	s.dispatchMu.Lock()
	obs := make([]Observer, len(s.observers))
	copy(obs, s.observers)
	s.dispatchMu.Unlock()

	for _, o := range obs {
		o.IOConfigChanged(event, handle, payload)
	}
}

// RegisterClient adds an observer and replays the open endpoints
// through each thread's event queue so the new client sees the
// current topology.
func (s *Server) RegisterClient(o Observer) {
	s.dispatchMu.Lock()
	for _, existing := range s.observers {
		if existing == o {
			s.dispatchMu.Unlock()
			return
		}
	}
	s.observers = append(s.observers, o)
	s.dispatchMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.playback {
		t.SendConfigEvent(engine.OutputOpened, t.Descriptor())
	}
	for _, t := range s.record {
		t.SendConfigEvent(engine.InputOpened, t.Descriptor())
	}
}

// RemoveObserver drops a disconnected client's observer.
func (s *Server) RemoveObserver(o Observer) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	for i, existing := range s.observers {
		if existing == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// OpenOutput opens a playback endpoint. A mixed endpoint is created
// unless the caller asks for the direct path or the negotiated stream
// cannot be carried by the mix pipeline.
func (s *Server) OpenOutput(devices uint32, cfg *hal.StreamConfig, direct bool) (int, engine.StreamDescriptor, error) {
	stream, err := s.dev.OpenOutputStream(devices, cfg)
	if err == hal.ErrInvalidConfig && cfg != nil {
		// fall back to the device defaults and let the client adapt
		stream, err = s.dev.OpenOutputStream(devices, nil)
	}
	if err != nil {
		return 0, engine.StreamDescriptor{}, err
	}

	if !direct {
		direct = stream.Format() != pcm.FormatPCM16 || stream.Channels() > 2
	}

	s.mu.Lock()
	handle := s.nextHandle
	s.nextHandle++
	var t engine.PlaybackThread
	if direct {
		t = engine.NewDirectThread(handle, stream, s, s.silentMode, s.logger)
	} else {
		t = engine.NewMixerThread(handle, stream, s, s.silentMode, s.logger)
	}
	s.applyVolumes_l(t)
	s.playback[handle] = t
	s.mu.Unlock()

	go t.Run()
	t.SendConfigEvent(engine.OutputOpened, t.Descriptor())
	s.logger.Info("output opened",
		zap.Int("output", handle), zap.Bool("direct", direct),
		zap.Int("rate", t.SampleRate()), zap.Int("channels", t.Channels()))
	return handle, t.Descriptor(), nil
}

// OpenDuplicateOutput opens an endpoint that mirrors its mix into the
// named mixed output.
func (s *Server) OpenDuplicateOutput(mainHandle int) (int, engine.StreamDescriptor, error) {
	s.mu.Lock()
	main, ok := s.playback[mainHandle].(*engine.MixerThread)
	if !ok {
		s.mu.Unlock()
		return 0, engine.StreamDescriptor{}, status.ErrBadIndex
	}
	handle := s.nextHandle
	s.nextHandle++
	t, err := engine.NewDuplicatingThread(handle, main, s, s.silentMode, s.logger)
	if err != nil {
		s.nextHandle--
		s.mu.Unlock()
		return 0, engine.StreamDescriptor{}, err
	}
	s.applyVolumes_l(&t.MixerThread)
	s.playback[handle] = t
	s.mu.Unlock()

	go t.Run()
	t.SendConfigEvent(engine.OutputOpened, t.Descriptor())
	s.logger.Info("duplicating output opened",
		zap.Int("output", handle), zap.Int("main", mainHandle))
	return handle, t.Descriptor(), nil
}

// AddDuplicateOutput attaches another destination to a duplicating
// endpoint.
func (s *Server) AddDuplicateOutput(dupHandle, dstHandle int) error {
	s.mu.Lock()
	dup, ok := s.playback[dupHandle].(*engine.DuplicatingThread)
	dst, ok2 := s.playback[dstHandle].(*engine.MixerThread)
	s.mu.Unlock()
	if !ok || !ok2 {
		return status.ErrBadIndex
	}
	if dup.FeedsOutput(dst) {
		return nil
	}
	return dup.AddOutput(dst)
}

// RemoveDuplicateOutput detaches a destination from a duplicating
// endpoint.
func (s *Server) RemoveDuplicateOutput(dupHandle, dstHandle int) error {
	s.mu.Lock()
	dup, ok := s.playback[dupHandle].(*engine.DuplicatingThread)
	dst, ok2 := s.playback[dstHandle].(*engine.MixerThread)
	s.mu.Unlock()
	if !ok || !ok2 {
		return status.ErrBadIndex
	}
	dup.RemoveOutput(dst)
	return nil
}

// CloseOutput tears a playback endpoint down. Duplicating endpoints
// feeding it are detached first so their bridge tracks do not write
// into a dying thread.
func (s *Server) CloseOutput(handle int) error {
	s.mu.Lock()
	t, ok := s.playback[handle]
	if !ok {
		s.mu.Unlock()
		return status.ErrBadIndex
	}
	delete(s.playback, handle)

	var feeders []*engine.DuplicatingThread
	if mt, isMixer := t.(*engine.MixerThread); isMixer {
		for _, other := range s.playback {
			if dup, isDup := other.(*engine.DuplicatingThread); isDup && dup.FeedsOutput(mt) {
				feeders = append(feeders, dup)
			}
		}
	}
	s.mu.Unlock()

	if mt, isMixer := t.(*engine.MixerThread); isMixer {
		for _, dup := range feeders {
			dup.RemoveOutput(mt)
		}
	}
	t.Exit()
	err := t.CloseDevice()
	s.logger.Info("output closed", zap.Int("output", handle))
	return err
}

// OpenInput opens a capture endpoint at the requested client geometry.
func (s *Server) OpenInput(devices uint32, cfg *hal.StreamConfig) (int, engine.StreamDescriptor, error) {
	reqRate := 0
	reqChannels := 0
	if cfg != nil {
		reqRate = cfg.SampleRate
		reqChannels = cfg.Channels
	}

	stream, err := s.dev.OpenInputStream(devices, cfg)
	if err == hal.ErrInvalidConfig && cfg != nil {
		// retry at the device defaults when the requested geometry is
		// still reachable through the capture converter
		if cfg.Format == pcm.FormatPCM16 && reqChannels >= 1 && reqChannels <= 2 {
			stream, err = s.dev.OpenInputStream(devices, nil)
		}
	}
	if err != nil {
		return 0, engine.StreamDescriptor{}, err
	}
	if reqRate == 0 {
		reqRate = stream.SampleRate()
	}
	if reqChannels == 0 {
		reqChannels = stream.Channels()
	}
	if stream.SampleRate() > 2*reqRate {
		stream.Close()
		return 0, engine.StreamDescriptor{}, hal.ErrInvalidConfig
	}

	s.mu.Lock()
	handle := s.nextHandle
	s.nextHandle++
	t := engine.NewRecordThread(handle, stream, reqRate, reqChannels, s, s.logger)
	s.record[handle] = t
	s.mu.Unlock()

	go t.Run()
	t.Standby()
	t.SendConfigEvent(engine.InputOpened, t.Descriptor())
	s.logger.Info("input opened",
		zap.Int("input", handle), zap.Int("rate", reqRate), zap.Int("channels", reqChannels))
	return handle, t.Descriptor(), nil
}

// CloseInput tears a capture endpoint down.
func (s *Server) CloseInput(handle int) error {
	s.mu.Lock()
	t, ok := s.record[handle]
	if !ok {
		s.mu.Unlock()
		return status.ErrBadIndex
	}
	delete(s.record, handle)
	s.mu.Unlock()

	t.Exit()
	err := t.CloseDevice()
	s.logger.Info("input closed", zap.Int("input", handle))
	return err
}

// SuspendOutput pauses device writes on an output; calls nest.
func (s *Server) SuspendOutput(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.playback[handle]
	if !ok {
		return status.ErrBadIndex
	}
	t.Suspend()
	return nil
}

// RestoreOutput undoes one SuspendOutput.
func (s *Server) RestoreOutput(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.playback[handle]
	if !ok {
		return status.ErrBadIndex
	}
	t.Restore()
	return nil
}

// SetStreamOutput migrates every track of a stream type onto the named
// mixed output atomically, then notifies observers so clients re-query
// their routing.
func (s *Server) SetStreamOutput(st track.StreamType, dstHandle int) error {
	if !st.Valid() {
		return status.ErrInvalidArgument
	}

	s.mu.Lock()
	dst := mixerOf(s.playback[dstHandle])
	if dst == nil {
		s.mu.Unlock()
		return status.ErrBadIndex
	}

	var notified []engine.PlaybackThread
	for h, t := range s.playback {
		if h == dstHandle {
			continue
		}
		src := mixerOf(t)
		if src == nil {
			continue
		}
		if moved := src.DetachTracksOfStream(st); len(moved) > 0 {
			dst.AttachMovedTracks(moved)
			notified = append(notified, t)
			s.logger.Info("stream rerouted",
				zap.Stringer("stream", st), zap.Int("from", h),
				zap.Int("to", dstHandle), zap.Int("tracks", len(moved)))
		}
	}
	dstThread := s.playback[dstHandle]
	s.mu.Unlock()

	for _, t := range notified {
		t.SendConfigEvent(engine.StreamConfigChanged, st)
	}
	dstThread.SendConfigEvent(engine.StreamConfigChanged, st)
	return nil
}

func mixerOf(t engine.PlaybackThread) *engine.MixerThread {
	switch x := t.(type) {
	case *engine.MixerThread:
		return x
	case *engine.DuplicatingThread:
		return &x.MixerThread
	}
	return nil
}

// applyVolumes_l pushes the server volume snapshot into a new thread.
func (s *Server) applyVolumes_l(t engine.PlaybackThread) {
	v := s.masterVolume
	if s.hwMasterGain {
		v = 1
	}
	t.SetMasterVolume(v)
	t.SetMasterMute(s.masterMute)
	for st := track.StreamType(0); st < track.NumStreamTypes; st++ {
		t.SetStreamVolume(st, s.streamVolumes[st])
		t.SetStreamMute(st, s.streamMutes[st])
	}
}

// SetMasterVolume sets the global gain. When the hardware applies it,
// the software scalers stay at unity.
func (s *Server) SetMasterVolume(v float32) error {
	if v < 0 || v > 1 {
		return status.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hwMasterGain = s.dev.SetMasterVolume(v) == nil
	s.masterVolume = v
	applied := v
	if s.hwMasterGain {
		applied = 1
	}
	for _, t := range s.playback {
		t.SetMasterVolume(applied)
	}
	return nil
}

// MasterVolume returns the last requested global gain.
func (s *Server) MasterVolume() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterVolume
}

// SetMasterMute sets the global mute.
func (s *Server) SetMasterMute(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterMute = muted
	for _, t := range s.playback {
		t.SetMasterMute(muted)
	}
	return nil
}

// MasterMute returns the global mute.
func (s *Server) MasterMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterMute
}

// SetStreamVolume sets a per-type gain. The in-call stream rides the
// hardware voice gain; its software scaler keeps a floor so the
// sidetone never goes fully silent.
func (s *Server) SetStreamVolume(st track.StreamType, v float32) error {
	if !st.Valid() || v < 0 || v > 1 {
		return status.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if st == track.StreamVoiceCall {
		if err := s.dev.SetVoiceVolume(v); err != nil && err != hal.ErrUnsupported {
			return err
		}
		v = 0.01 + 0.99*v
	}
	s.streamVolumes[st] = v
	for _, t := range s.playback {
		t.SetStreamVolume(st, v)
	}
	return nil
}

// StreamVolume returns the per-type gain.
func (s *Server) StreamVolume(st track.StreamType) (float32, error) {
	if !st.Valid() {
		return 0, status.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamVolumes[st], nil
}

// SetStreamMute sets a per-type mute. The in-call and enforced streams
// cannot be muted.
func (s *Server) SetStreamMute(st track.StreamType, muted bool) error {
	if !st.Valid() || st == track.StreamVoiceCall || st == track.StreamEnforcedAudible {
		return status.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamMutes[st] = muted
	for _, t := range s.playback {
		t.SetStreamMute(st, muted)
	}
	return nil
}

// StreamMute returns the per-type mute.
func (s *Server) StreamMute(st track.StreamType) (bool, error) {
	if !st.Valid() {
		return false, status.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamMutes[st], nil
}

// SetMode pushes the telephony mode to the hardware.
func (s *Server) SetMode(mode int) error {
	if mode < ModeNormal || mode >= numModes {
		return status.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dev.SetMode(mode); err != nil {
		return err
	}
	s.mode = mode
	return nil
}

// Mode returns the current telephony mode.
func (s *Server) Mode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMicMute mutes capture at the hardware.
func (s *Server) SetMicMute(muted bool) error {
	return s.dev.SetMicMute(muted)
}

// MicMute returns the hardware capture mute.
func (s *Server) MicMute() bool {
	return s.dev.MicMute()
}

// SetSilentMode arms the one-shot policy that mutes outputs as they
// wake from standby.
func (s *Server) SetSilentMode(on bool) {
	s.silent.Store(on)
}

func (s *Server) silentMode() bool { return s.silent.Load() }

// SetParameters routes key/value pairs to an endpoint, or to the
// hardware when the handle is zero.
func (s *Server) SetParameters(handle int, kv string) error {
	if handle == 0 {
		return s.dev.SetParameters(kv)
	}
	s.mu.Lock()
	pt, okP := s.playback[handle]
	rt, okR := s.record[handle]
	s.mu.Unlock()

	switch {
	case okP:
		return pt.SetParameters(kv)
	case okR:
		return rt.SetParameters(kv)
	}
	return status.ErrBadIndex
}

// GetParameters queries an endpoint, or the hardware when the handle
// is zero.
func (s *Server) GetParameters(handle int, keys string) (string, error) {
	if handle == 0 {
		return s.dev.GetParameters(keys), nil
	}
	s.mu.Lock()
	pt, okP := s.playback[handle]
	rt, okR := s.record[handle]
	s.mu.Unlock()

	switch {
	case okP:
		return pt.GetParameters(keys), nil
	case okR:
		return rt.GetParameters(keys), nil
	}
	return "", status.ErrBadIndex
}

// InputBufferSize reports the hardware read granularity for a capture
// geometry.
func (s *Server) InputBufferSize(sampleRate int, format pcm.Format, channels int) int {
	return s.dev.InputBufferSize(sampleRate, format, channels)
}

// OutputDescriptor snapshots an output endpoint's geometry.
func (s *Server) OutputDescriptor(handle int) (engine.StreamDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.playback[handle]
	if !ok {
		return engine.StreamDescriptor{}, status.ErrBadIndex
	}
	return t.Descriptor(), nil
}

// InputDescriptor snapshots an input endpoint's geometry.
func (s *Server) InputDescriptor(handle int) (engine.StreamDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.record[handle]
	if !ok {
		return engine.StreamDescriptor{}, status.ErrBadIndex
	}
	return t.Descriptor(), nil
}

// IsMusicActive reports whether any music stream is playing.
func (s *Server) IsMusicActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.playback {
		if t.StreamActive(track.StreamMusic) {
			return true
		}
	}
	return false
}

// IsStreamActive reports whether any track of the type is playing.
func (s *Server) IsStreamActive(st track.StreamType) bool {
	if !st.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.playback {
		if t.StreamActive(st) {
			return true
		}
	}
	return false
}

// DumpState renders a diagnostic snapshot of the whole server.
func (s *Server) DumpState(w io.Writer) {
	s.mu.Lock()
	fmt.Fprintf(w, "clients: %d\n", len(s.clients))
	for pid, c := range s.clients {
		fmt.Fprintf(w, "  pid %d refs %d arena %d bytes\n", pid, c.refs, c.arena.Used())
	}
	fmt.Fprintf(w, "master volume %.2f mute %v mode %d silent %v\n",
		s.masterVolume, s.masterMute, s.mode, s.silent.Load())
	var sb strings.Builder
	for st := track.StreamType(0); st < track.NumStreamTypes; st++ {
		fmt.Fprintf(&sb, "%s=%.2f%s ", st, s.streamVolumes[st], muteSuffix(s.streamMutes[st]))
	}
	fmt.Fprintf(w, "streams: %s\n", strings.TrimSpace(sb.String()))

	playback := make([]engine.PlaybackThread, 0, len(s.playback))
	for _, t := range s.playback {
		playback = append(playback, t)
	}
	record := make([]*engine.RecordThread, 0, len(s.record))
	for _, t := range s.record {
		record = append(record, t)
	}
	s.mu.Unlock()

	for _, t := range playback {
		io.WriteString(w, t.Dump())
	}
	for _, t := range record {
		io.WriteString(w, t.Dump())
	}
}

func muteSuffix(muted bool) string {
	if muted {
		return "(muted)"
	}
	return ""
}
