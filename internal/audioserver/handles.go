package audioserver

import (
	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/engine"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

// defaultFrameCount sizes a stream ring the caller left unsized: enough
// blocks to cover the endpoint latency, never fewer than two.
func defaultFrameCount(t engine.PlaybackThread, sampleRate int) int {
	afFrames := t.FrameCount()
	afRate := t.SampleRate()
	period := float64(afFrames) / float64(afRate)
	bufs := int(t.Latency().Seconds()/period + 0.5)
	if bufs < 2 {
		bufs = 2
	}
	return bufs * afFrames * sampleRate / afRate
}

// CreateTrack registers a playback stream on an output endpoint and
// returns its handle. A non-nil shared clip makes the track static:
// the clip is the ring and the cursors replay it in place.
func (s *Server) CreateTrack(pid int, outputHandle int, st track.StreamType, sampleRate int, format pcm.Format, channels, frameCount int, shared []int16) (*TrackHandle, error) {
	if !st.Valid() || sampleRate <= 0 || channels < 1 || channels > 2 {
		return nil, status.ErrInvalidArgument
	}
	if format != pcm.FormatPCM16 {
		return nil, status.ErrInvalidArgument
	}

	s.mu.Lock()
	t, ok := s.playback[outputHandle]
	if !ok {
		s.mu.Unlock()
		return nil, status.ErrBadIndex
	}

	static := shared != nil
	var cb *scb.ControlBlock
	client := s.client_l(pid)
	if static {
		cb = scb.NewStaticControlBlock(shared, sampleRate, channels)
	} else {
		if frameCount <= 0 {
			frameCount = defaultFrameCount(t, sampleRate)
		}
		var err error
		cb, err = client.arena.Allocate(frameCount, sampleRate, channels, true)
		if err != nil {
			if client.refs == 0 {
				delete(s.clients, pid)
			}
			s.mu.Unlock()
			return nil, err
		}
	}

	id := s.nextTrackID
	s.nextTrackID++
	s.mu.Unlock()

	tr, err := t.CreateTrack(id, st, format, channels, cb, static)
	if err != nil {
		s.mu.Lock()
		if !static {
			client.arena.Release(cb)
		}
		if client.refs == 0 {
			delete(s.clients, pid)
		}
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	client.refs++
	s.mu.Unlock()

	s.logger.Debug("track created",
		zap.Int("track", id), zap.Int("output", outputHandle),
		zap.Stringer("stream", st), zap.Int("rate", sampleRate),
		zap.Int("channels", channels), zap.Bool("static", static))
	return &TrackHandle{srv: s, thread: t, t: tr, client: client, static: static}, nil
}

// OpenRecord registers a capture stream on an input endpoint and
// returns its handle. The ring geometry is the endpoint's client
// geometry fixed at open time.
func (s *Server) OpenRecord(pid int, inputHandle int, frameCount int) (*RecordHandle, error) {
	s.mu.Lock()
	t, ok := s.record[inputHandle]
	if !ok {
		s.mu.Unlock()
		return nil, status.ErrBadIndex
	}

	if frameCount <= 0 {
		frameCount = 2 * t.FrameCount()
	}
	client := s.client_l(pid)
	cb, err := client.arena.Allocate(frameCount, t.SampleRate(), t.Channels(), false)
	if err != nil {
		if client.refs == 0 {
			delete(s.clients, pid)
		}
		s.mu.Unlock()
		return nil, err
	}

	id := s.nextTrackID
	s.nextTrackID++
	s.mu.Unlock()

	rt, err := t.CreateRecordTrack(id, pcm.FormatPCM16, t.Channels(), cb)
	if err != nil {
		s.mu.Lock()
		client.arena.Release(cb)
		if client.refs == 0 {
			delete(s.clients, pid)
		}
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	client.refs++
	s.mu.Unlock()

	s.logger.Debug("record track created",
		zap.Int("track", id), zap.Int("input", inputHandle))
	return &RecordHandle{srv: s, thread: t, rt: rt, client: client}, nil
}

// TrackHandle is the client-side control interface of one playback
// stream. Data flows through the shared control block, not through
// the handle.
type TrackHandle struct {
	srv      *Server
	thread   engine.PlaybackThread
	t        *track.Track
	client   *Client
	static   bool
	released bool
}

// ID returns the server-issued track identifier.
func (h *TrackHandle) ID() int { return h.t.ID() }

// ControlBlock exposes the shared ring for the client producer.
func (h *TrackHandle) ControlBlock() *scb.ControlBlock { return h.t.ControlBlock() }

// Start begins or resumes playback.
func (h *TrackHandle) Start() error {
	if h.released {
		return status.ErrInvalidOperation
	}
	return h.thread.StartTrack(h.t)
}

// Stop drains and halts playback.
func (h *TrackHandle) Stop() {
	if h.released {
		return
	}
	h.thread.StopTrack(h.t)
}

// Pause halts playback keeping the cursor.
func (h *TrackHandle) Pause() {
	if h.released {
		return
	}
	h.thread.PauseTrack(h.t)
}

// Flush discards buffered frames of a stopped or paused track.
func (h *TrackHandle) Flush() {
	if h.released {
		return
	}
	h.thread.FlushTrack(h.t)
}

// SetVolume stores the per-channel gains the mixer will pick up on the
// next cycle.
func (h *TrackHandle) SetVolume(left, right float32) {
	h.t.SetVolume(pcm.GainFromFloat(left), pcm.GainFromFloat(right))
}

// SetMute mutes the track without touching its gains.
func (h *TrackHandle) SetMute(muted bool) { h.t.SetMute(muted) }

// FramesReady reports frames buffered and unplayed.
func (h *TrackHandle) FramesReady() int { return h.t.FramesReady() }

// Release terminates the track and parks its ring in the released
// cache until the cache evicts it back to the arena.
func (h *TrackHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.thread.DestroyTrack(h.t)

	s := h.srv
	s.mu.Lock()
	if !h.static {
		s.released.Add(h.t.ID(), releasedBlock{arena: h.client.arena, cb: h.t.ControlBlock()})
	}
	s.releaseClient_l(h.client)
	s.mu.Unlock()
}

// RecordHandle is the client-side control interface of one capture
// stream.
type RecordHandle struct {
	srv      *Server
	thread   *engine.RecordThread
	rt       *track.RecordTrack
	client   *Client
	released bool
}

// ID returns the server-issued track identifier.
func (h *RecordHandle) ID() int { return h.rt.ID() }

// ControlBlock exposes the shared ring for the client consumer.
func (h *RecordHandle) ControlBlock() *scb.ControlBlock { return h.rt.ControlBlock() }

// Start begins capture; it returns once the thread owns the track.
func (h *RecordHandle) Start() error {
	if h.released {
		return status.ErrInvalidOperation
	}
	return h.thread.Start(h.rt)
}

// Stop halts capture; it returns once the thread has let go.
func (h *RecordHandle) Stop() {
	if h.released {
		return
	}
	h.thread.Stop(h.rt)
}

// Release terminates the capture stream and parks its ring in the
// released cache.
func (h *RecordHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.thread.DestroyRecordTrack(h.rt)

	s := h.srv
	s.mu.Lock()
	s.released.Add(h.rt.ID(), releasedBlock{arena: h.client.arena, cb: h.rt.ControlBlock()})
	s.releaseClient_l(h.client)
	s.mu.Unlock()
}
