// Package control exposes the mediation core over a websocket
// control surface: one connection per client, JSON request/response
// frames for every server operation, and server-push configuration
// events to registered observers.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/audioserver"
	"github.com/aurelia-audio/aurelia/internal/engine"
	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

// sendQueueDepth bounds per-session event buffering; a client that
// stops reading loses events rather than stalling the dispatcher.
const sendQueueDepth = 64

// Config holds the control surface settings.
type Config struct {
	Addr string `yaml:"addr"`
}

// Server terminates websocket connections and translates frames into
// core operations.
type Server struct {
	cfg    Config
	core   *audioserver.Server
	logger *zap.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	addr       string

	mu       sync.Mutex
	sessions map[string]*session
	nextPid  int
}

// NewServer creates the control surface over the mediation core.
func NewServer(cfg Config, core *audioserver.Server, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		core:     core,
		logger:   logger,
		sessions: make(map[string]*session),
		nextPid:  1,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Start binds the listener and serves connections until Stop.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleWebsocket)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.httpServer = &http.Server{Handler: mux}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server failed", zap.Error(err))
		}
	}()
	s.logger.Info("control surface listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address once Start has returned.
func (s *Server) Addr() string { return s.addr }

// Stop shuts the listener down and closes every session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	s.mu.Lock()
	pid := s.nextPid
	s.nextPid++
	sess := &session{
		id:      id,
		pid:     pid,
		conn:    conn,
		srv:     s,
		logger:  s.logger.With(zap.String("session", id[:8]), zap.Int("pid", pid)),
		send:    make(chan any, sendQueueDepth),
		done:    make(chan struct{}),
		tracks:  make(map[int]*audioserver.TrackHandle),
		records: make(map[int]*audioserver.RecordHandle),
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.logger.Info("control session opened", zap.String("remote", r.RemoteAddr))
	go sess.writeLoop()
	go sess.readLoop()
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// session is one connected control client. Its handles are released
// when the connection dies so a crashed client never leaks tracks.
type session struct {
	id     string
	pid    int
	conn   *websocket.Conn
	srv    *Server
	logger *zap.Logger

	send chan any
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	tracks  map[int]*audioserver.TrackHandle
	records map[int]*audioserver.RecordHandle
}

// IOConfigChanged pushes one configuration event to the client. A
// stalled client drops events instead of blocking the core.
func (c *session) IOConfigChanged(event engine.EventType, handle int, payload any) {
	ev := Event{Event: "ioConfigChanged", Kind: event.String(), Handle: handle}
	switch p := payload.(type) {
	case engine.StreamDescriptor:
		ev.Payload = wireDescriptor(handle, p)
	case track.StreamType:
		ev.Payload = p.String()
	}
	select {
	case c.send <- ev:
	default:
		c.logger.Warn("event queue full, dropping", zap.String("kind", ev.Kind))
	}
}

func (c *session) readLoop() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("malformed request frame", zap.Error(err))
			continue
		}
		resp := c.dispatch(&req)
		select {
		case c.send <- resp:
		case <-c.done:
			return
		}
	}
}

func (c *session) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close tears the session down exactly once: observer removed, every
// handle released, connection closed.
func (c *session) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.srv.core.RemoveObserver(c)
		c.srv.dropSession(c)

		c.mu.Lock()
		tracks := c.tracks
		records := c.records
		c.tracks = make(map[int]*audioserver.TrackHandle)
		c.records = make(map[int]*audioserver.RecordHandle)
		c.mu.Unlock()

		for _, h := range tracks {
			h.Release()
		}
		for _, h := range records {
			h.Release()
		}
		c.logger.Info("control session closed",
			zap.Int("tracks", len(tracks)), zap.Int("records", len(records)))
	})
}

func (c *session) dispatch(req *Request) Response {
	result, err := c.handle(req.Op, req.Params)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (c *session) handle(op string, raw json.RawMessage) (any, error) {
	core := c.srv.core
	switch op {
	case "register":
		core.RegisterClient(c)
		return map[string]string{"client": c.id}, nil

	case "openOutput":
		var p openOutputParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		var cfg *hal.StreamConfig
		if p.SampleRate != 0 || p.Channels != 0 {
			cfg = &hal.StreamConfig{SampleRate: p.SampleRate, Channels: p.Channels, Format: pcm.FormatPCM16}
		}
		handle, desc, err := core.OpenOutput(0, cfg, p.Direct)
		if err != nil {
			return nil, err
		}
		return wireDescriptor(handle, desc), nil

	case "openDuplicateOutput":
		var p duplicateParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		handle, desc, err := core.OpenDuplicateOutput(p.Main)
		if err != nil {
			return nil, err
		}
		return wireDescriptor(handle, desc), nil

	case "addDuplicateOutput":
		var p duplicateEdgeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.AddDuplicateOutput(p.Duplicate, p.Destination)

	case "removeDuplicateOutput":
		var p duplicateEdgeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.RemoveDuplicateOutput(p.Duplicate, p.Destination)

	case "closeOutput":
		var p handleParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.CloseOutput(p.Handle)

	case "openInput":
		var p openInputParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		var cfg *hal.StreamConfig
		if p.SampleRate != 0 || p.Channels != 0 {
			cfg = &hal.StreamConfig{SampleRate: p.SampleRate, Channels: p.Channels, Format: pcm.FormatPCM16}
		}
		handle, desc, err := core.OpenInput(0, cfg)
		if err != nil {
			return nil, err
		}
		return wireDescriptor(handle, desc), nil

	case "closeInput":
		var p handleParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.CloseInput(p.Handle)

	case "suspendOutput":
		var p handleParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.SuspendOutput(p.Handle)

	case "restoreOutput":
		var p handleParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.RestoreOutput(p.Handle)

	case "outputDescriptor":
		var p handleParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		desc, err := core.OutputDescriptor(p.Handle)
		if err != nil {
			return nil, err
		}
		return wireDescriptor(p.Handle, desc), nil

	case "inputDescriptor":
		var p handleParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		desc, err := core.InputDescriptor(p.Handle)
		if err != nil {
			return nil, err
		}
		return wireDescriptor(p.Handle, desc), nil

	case "createTrack":
		var p createTrackParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		h, err := core.CreateTrack(c.pid, p.Output, st, p.SampleRate, pcm.FormatPCM16, p.Channels, p.FrameCount, nil)
		if err != nil {
			return nil, err
		}
		c.addTrack(h)
		return map[string]int{"track": h.ID(), "frameCount": h.ControlBlock().FrameCount()}, nil

	case "loadClip":
		var p loadClipParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		samples, rate, channels, err := LoadClip(p.Path)
		if err != nil {
			return nil, err
		}
		h, err := core.CreateTrack(c.pid, p.Output, st, rate, pcm.FormatPCM16, channels, 0, samples)
		if err != nil {
			return nil, err
		}
		c.addTrack(h)
		return map[string]int{
			"track":      h.ID(),
			"sampleRate": rate,
			"channels":   channels,
			"frames":     len(samples) / channels,
		}, nil

	case "openRecord":
		var p openRecordParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		h, err := core.OpenRecord(c.pid, p.Input, p.FrameCount)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.records[h.ID()] = h
		c.mu.Unlock()
		return map[string]int{"track": h.ID(), "frameCount": h.ControlBlock().FrameCount()}, nil

	case "trackStart":
		h, err := c.track(raw)
		if err != nil {
			return nil, err
		}
		return nil, h.Start()

	case "trackStop":
		h, err := c.track(raw)
		if err != nil {
			return nil, err
		}
		h.Stop()
		return nil, nil

	case "trackPause":
		h, err := c.track(raw)
		if err != nil {
			return nil, err
		}
		h.Pause()
		return nil, nil

	case "trackFlush":
		h, err := c.track(raw)
		if err != nil {
			return nil, err
		}
		h.Flush()
		return nil, nil

	case "trackSetVolume":
		var p trackVolumeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		h, err := c.trackByID(p.Track)
		if err != nil {
			return nil, err
		}
		h.SetVolume(p.Left, p.Right)
		return nil, nil

	case "trackMute":
		var p trackMuteParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		h, err := c.trackByID(p.Track)
		if err != nil {
			return nil, err
		}
		h.SetMute(p.Muted)
		return nil, nil

	case "trackWrite":
		var p trackWriteParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		h, err := c.trackByID(p.Track)
		if err != nil {
			return nil, err
		}
		return c.writeTrack(h, p.Data)

	case "trackRelease":
		var p trackParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		c.mu.Lock()
		h, ok := c.tracks[p.Track]
		delete(c.tracks, p.Track)
		c.mu.Unlock()
		if !ok {
			return nil, status.ErrBadIndex
		}
		h.Release()
		return nil, nil

	case "recordStart":
		h, err := c.record(raw)
		if err != nil {
			return nil, err
		}
		return nil, h.Start()

	case "recordStop":
		h, err := c.record(raw)
		if err != nil {
			return nil, err
		}
		h.Stop()
		return nil, nil

	case "recordRead":
		var p recordReadParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		c.mu.Lock()
		h, ok := c.records[p.Track]
		c.mu.Unlock()
		if !ok {
			return nil, status.ErrBadIndex
		}
		return c.readRecord(h, p.Frames)

	case "recordRelease":
		var p trackParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		c.mu.Lock()
		h, ok := c.records[p.Track]
		delete(c.records, p.Track)
		c.mu.Unlock()
		if !ok {
			return nil, status.ErrBadIndex
		}
		h.Release()
		return nil, nil

	case "setStreamOutput":
		var p streamOutputParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		return nil, core.SetStreamOutput(st, p.Output)

	case "setMasterVolume":
		var p volumeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.SetMasterVolume(p.Value)

	case "masterVolume":
		return map[string]float32{"value": core.MasterVolume()}, nil

	case "setMasterMute":
		var p muteParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.SetMasterMute(p.Muted)

	case "masterMute":
		return map[string]bool{"muted": core.MasterMute()}, nil

	case "setStreamVolume":
		var p streamVolumeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		return nil, core.SetStreamVolume(st, p.Value)

	case "streamVolume":
		var p streamVolumeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		v, err := core.StreamVolume(st)
		if err != nil {
			return nil, err
		}
		return map[string]float32{"value": v}, nil

	case "setStreamMute":
		var p streamMuteParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		return nil, core.SetStreamMute(st, p.Muted)

	case "streamMute":
		var p streamMuteParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		muted, err := core.StreamMute(st)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"muted": muted}, nil

	case "setMode":
		var p modeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.SetMode(p.Mode)

	case "setMicMute":
		var p muteParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.SetMicMute(p.Muted)

	case "micMute":
		return map[string]bool{"muted": core.MicMute()}, nil

	case "setParameters":
		var p setParametersParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, core.SetParameters(p.Handle, p.KeyValues)

	case "getParameters":
		var p getParametersParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		v, err := core.GetParameters(p.Handle, p.Keys)
		if err != nil {
			return nil, err
		}
		return map[string]string{"values": v}, nil

	case "getInputBufferSize":
		var p bufferSizeParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return map[string]int{
			"bytes": core.InputBufferSize(p.SampleRate, pcm.FormatPCM16, p.Channels),
		}, nil

	case "isMusicActive":
		return map[string]bool{"active": core.IsMusicActive()}, nil

	case "isStreamActive":
		var p streamMuteParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		st, err := parseStream(p.Stream)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"active": core.IsStreamActive(st)}, nil

	case "dump":
		var b strings.Builder
		core.DumpState(&b)
		return map[string]string{"state": b.String()}, nil
	}
	return nil, fmt.Errorf("unknown operation: %s", op)
}

func (c *session) addTrack(h *audioserver.TrackHandle) {
	c.mu.Lock()
	c.tracks[h.ID()] = h
	c.mu.Unlock()
}

func (c *session) track(raw json.RawMessage) (*audioserver.TrackHandle, error) {
	var p trackParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return c.trackByID(p.Track)
}

func (c *session) trackByID(id int) (*audioserver.TrackHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.tracks[id]
	if !ok {
		return nil, status.ErrBadIndex
	}
	return h, nil
}

func (c *session) record(raw json.RawMessage) (*audioserver.RecordHandle, error) {
	var p trackParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.records[p.Track]
	if !ok {
		return nil, status.ErrBadIndex
	}
	return h, nil
}

// writeTrack pushes decoded samples into the shared ring without
// blocking; the client paces itself on the returned frame count.
func (c *session) writeTrack(h *audioserver.TrackHandle, data []byte) (any, error) {
	samples := pcm.BytesToInt16(data)
	cb := h.ControlBlock()
	channels := cb.Channels()
	frames := len(samples) / channels

	written := 0
	for written < frames {
		dst, n := cb.ProducerBuffer(frames - written)
		if n == 0 {
			break
		}
		copy(dst, samples[written*channels:(written+n)*channels])
		if err := cb.StepUser(n); err != nil {
			return nil, err
		}
		written += n
	}
	return map[string]int{"frames": written}, nil
}

// readRecord pulls captured samples out of the shared ring without
// blocking.
func (c *session) readRecord(h *audioserver.RecordHandle, frames int) (any, error) {
	cb := h.ControlBlock()
	channels := cb.Channels()
	if frames <= 0 || frames > cb.FrameCount() {
		frames = cb.FrameCount()
	}

	out := make([]int16, 0, frames*channels)
	read := 0
	for read < frames {
		src, n := cb.ConsumerBuffer(frames - read)
		if n == 0 {
			break
		}
		out = append(out, src[:n*channels]...)
		if err := cb.StepServer(n); err != nil {
			return nil, err
		}
		read += n
	}
	return map[string]any{"frames": read, "data": pcm.Int16ToBytes(out)}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return status.ErrInvalidArgument
	}
	return json.Unmarshal(raw, v)
}

func parseStream(name string) (track.StreamType, error) {
	for st := track.StreamType(0); st < track.NumStreamTypes; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown stream type: %q", name)
}

func wireDescriptor(handle int, d engine.StreamDescriptor) descriptorResult {
	return descriptorResult{
		Handle:     handle,
		SampleRate: d.SampleRate,
		Format:     d.Format.String(),
		Channels:   d.Channels,
		FrameCount: d.FrameCount,
		LatencyMs:  d.Latency.Milliseconds(),
	}
}
