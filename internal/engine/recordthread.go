package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/internal/hal"
	"github.com/aurelia-audio/aurelia/internal/scb"
	"github.com/aurelia-audio/aurelia/internal/track"
	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/resample"
	"github.com/aurelia-audio/aurelia/pkg/status"
)

// readErrorSleep is how long the capture loop backs off after a
// device read failure before retrying.
const readErrorSleep = time.Second

// RecordThread drives one capture endpoint. The device side runs at
// the hardware geometry; the client side receives the geometry
// requested at open time, resampled and channel-adapted as needed. At
// most one record track is active at a time.
type RecordThread struct {
	threadBase

	device hal.InputStream

	// device-side geometry
	sampleRate int
	channels   int
	format     pcm.Format
	frameCount int

	// client-side geometry fixed at open time
	reqSampleRate int
	reqChannels   int

	tracks []*track.RecordTrack
	active *track.RecordTrack

	startStop *sync.Cond
	standby   bool

	resampler *resample.Resampler
	rsOut     []int32

	// staged device input, expanded to stereo for the resampler
	rsIn    []int16
	rsPos   int
	rsFill  int
	readRaw []int16
	readErr error

	reads    int
	overruns int
}

// NewRecordThread creates the capture loop over an open input stream,
// delivering frames at the requested client geometry.
func NewRecordThread(handle int, device hal.InputStream, reqSampleRate, reqChannels int, sink EventSink, logger *zap.Logger) *RecordThread {
	r := &RecordThread{
		device:        device,
		reqSampleRate: reqSampleRate,
		reqChannels:   reqChannels,
	}
	r.init(handle, sink, logger)
	r.startStop = sync.NewCond(&r.mu)
	r.readInputParameters_l()
	return r
}

// Type identifies the loop variant.
func (r *RecordThread) Type() ThreadType { return ThreadRecord }

// readInputParameters pulls the device geometry and rebuilds the
// staging buffers and the resampler.
func (r *RecordThread) readInputParameters_l() {
	r.sampleRate = r.device.SampleRate()
	r.channels = r.device.Channels()
	r.format = r.device.Format()
	r.frameCount = r.device.BufferSize() / r.device.FrameSize()

	r.readRaw = make([]int16, r.frameCount*r.channels)
	r.rsIn = make([]int16, r.frameCount*2)
	r.rsPos, r.rsFill = 0, 0

	if r.reqSampleRate != r.sampleRate {
		r.resampler = resample.New(r.reqSampleRate, 2)
		r.resampler.SetSampleRate(r.sampleRate)
		r.resampler.SetProvider(r)
	} else {
		r.resampler = nil
	}
}

// SampleRate returns the client-side capture rate.
func (r *RecordThread) SampleRate() int { return r.reqSampleRate }

// Channels returns the client-side channel count.
func (r *RecordThread) Channels() int { return r.reqChannels }

// Format returns the capture sample format.
func (r *RecordThread) Format() pcm.Format { return r.format }

// FrameCount returns the device block size in frames.
func (r *RecordThread) FrameCount() int { return r.frameCount }

// Descriptor snapshots the capture geometry for config events.
func (r *RecordThread) Descriptor() StreamDescriptor {
	return StreamDescriptor{
		SampleRate: r.reqSampleRate,
		Format:     r.format,
		Channels:   r.reqChannels,
		FrameCount: r.frameCount,
		Latency:    time.Duration(r.frameCount) * time.Second / time.Duration(r.sampleRate),
	}
}

// CreateRecordTrack binds a capture stream at the endpoint's client
// geometry.
func (r *RecordThread) CreateRecordTrack(id int, format pcm.Format, channels int, cb *scb.ControlBlock) (*track.RecordTrack, error) {
	if format != pcm.FormatPCM16 || channels != r.reqChannels || cb.SampleRate() != r.reqSampleRate {
		return nil, status.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rt := track.NewRecordTrack(id, format, channels, cb, r.logger)
	r.tracks = append(r.tracks, rt)
	return rt, nil
}

// DestroyRecordTrack detaches a capture stream, stopping it first if
// it is the active one.
func (r *RecordThread) DestroyRecordTrack(rt *track.RecordTrack) {
	r.Stop(rt)
	r.mu.Lock()
	defer r.mu.Unlock()
	rt.SetState(track.StateTerminated)
	for i, x := range r.tracks {
		if x == rt {
			r.tracks = append(r.tracks[:i], r.tracks[i+1:]...)
			break
		}
	}
}

// Start activates capture into the given track, blocking until the
// loop acknowledges the transition.
func (r *RecordThread) Start(rt *track.RecordTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active != rt {
		return status.ErrInvalidOperation
	}
	if r.active == rt {
		if rt.State() == track.StatePausing {
			rt.SetState(track.StateActive)
			r.startStop.Broadcast()
		}
		return nil
	}

	r.active = rt
	rt.SetState(track.StateResuming)
	r.work.Broadcast()
	for rt.State() == track.StateResuming && r.active == rt && !r.exitPending {
		r.startStop.Wait()
	}
	if r.active != rt {
		return status.ErrInvalidOperation
	}
	return nil
}

// Stop deactivates capture, blocking until the loop has let go of the
// track.
func (r *RecordThread) Stop(rt *track.RecordTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != rt {
		return
	}
	rt.SetState(track.StatePausing)
	r.work.Broadcast()
	for r.active == rt && !r.exitPending {
		r.startStop.Wait()
	}
}

// HasTracks reports whether any capture stream is attached.
func (r *RecordThread) HasTracks() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks) > 0
}

// GetParameters forwards to the device stream.
func (r *RecordThread) GetParameters(keys string) string {
	return r.device.GetParameters(keys)
}

// CloseDevice releases the device stream after the loop has exited.
func (r *RecordThread) CloseDevice() error {
	return r.device.Close()
}

// Dump renders diagnostic state. The lock is taken with a bounded
// retry so a wedged thread still produces output.
func (r *RecordThread) Dump() string {
	locked := false
	for i := 0; i < 20; i++ {
		if r.mu.TryLock() {
			locked = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	var b strings.Builder
	if !locked {
		b.WriteString("(thread may be deadlocked)\n")
	}
	fmt.Fprintf(&b, "input %d: device rate %d ch %d frames %d, client rate %d ch %d\n",
		r.handle, r.sampleRate, r.channels, r.frameCount, r.reqSampleRate, r.reqChannels)
	fmt.Fprintf(&b, "  tracks %d standby %v reads %d overruns %d\n",
		len(r.tracks), r.standby, r.reads, r.overruns)
	for _, t := range r.tracks {
		activeMark := ""
		if t == r.active {
			activeMark = " (active)"
		}
		fmt.Fprintf(&b, "  track %d state %s ready %d%s\n",
			t.ID(), t.State(), t.ControlBlock().FramesReady(), activeMark)
	}
	if locked {
		r.mu.Unlock()
	}
	return b.String()
}

// Standby forces the device into standby until the next capture.
func (r *RecordThread) Standby() {
	r.mu.Lock()
	if !r.standby {
		r.device.Standby()
		r.standby = true
	}
	r.mu.Unlock()
}

// Run is the endpoint loop.
func (r *RecordThread) Run() {
	for {
		r.processConfigEvents()

		r.mu.Lock()
		if r.exitPending {
			r.mu.Unlock()
			break
		}
		r.handleParams_l(r.applyParameters_l)

		rt := r.active
		if rt == nil {
			if !r.standby {
				r.device.Standby()
				r.standby = true
				r.logger.Debug("input entering standby", zap.Int("input", r.handle))
			}
			if len(r.events) == 0 && len(r.params) == 0 && !r.exitPending {
				r.work.Wait()
			}
			r.mu.Unlock()
			continue
		}

		switch rt.State() {
		case track.StatePausing:
			r.active = nil
			rt.SetState(track.StateIdle)
			r.startStop.Broadcast()
			r.mu.Unlock()
			continue
		case track.StateResuming:
			r.standby = false
			rt.ControlBlock().Flush()
			r.resetInput_l()
			rt.SetState(track.StateActive)
			r.startStop.Broadcast()
		}
		r.mu.Unlock()

		if err := r.captureBlock(rt); err != nil {
			r.logger.Error("input read failed",
				zap.Int("input", r.handle), zap.Error(err))
			r.mu.Lock()
			r.resetInput_l()
			r.mu.Unlock()
			time.Sleep(readErrorSleep)
		}
	}

	r.mu.Lock()
	r.failPendingParams_l()
	if r.active != nil {
		r.active.SetState(track.StateIdle)
		r.active = nil
	}
	r.startStop.Broadcast()
	if !r.standby {
		r.device.Standby()
		r.standby = true
	}
	r.mu.Unlock()
	r.processConfigEvents()
	r.sink.IOConfigChanged(InputClosed, r.handle, nil)
	close(r.done)
}

func (r *RecordThread) resetInput_l() {
	r.rsPos, r.rsFill = 0, 0
	r.readErr = nil
	if r.resampler != nil {
		r.resampler.Reset()
	}
}

// captureBlock moves roughly one device block from the hardware into
// the active track's ring, converting rate and channels on the way.
func (r *RecordThread) captureBlock(rt *track.RecordTrack) error {
	buf := track.Buffer{FrameCount: r.frameCount}
	if err := rt.GetNextBuffer(&buf); err != nil {
		// client is not draining; keep the hardware flowing and drop
		r.discardBlock(rt)
		return nil
	}

	if r.resampler != nil {
		return r.captureResampled(rt, &buf)
	}
	return r.captureDirect(rt, &buf)
}

// captureDirect handles matching rates, adapting channels in place.
func (r *RecordThread) captureDirect(rt *track.RecordTrack, buf *track.Buffer) error {
	frames := buf.FrameCount
	switch {
	case r.channels == r.reqChannels:
		n, err := r.device.Read(buf.Data[:frames*r.channels])
		if err != nil {
			buf.FrameCount = 0
			rt.ReleaseBuffer(buf)
			return err
		}
		buf.FrameCount = n
	case r.channels == 1 && r.reqChannels == 2:
		if frames > r.frameCount {
			frames = r.frameCount
		}
		n, err := r.device.Read(r.readRaw[:frames])
		if err != nil {
			buf.FrameCount = 0
			rt.ReleaseBuffer(buf)
			return err
		}
		pcm.MonoToStereo(r.readRaw[:n], buf.Data[:n*2])
		buf.FrameCount = n
	default: // stereo device, mono request: average pairs
		if frames > r.frameCount {
			frames = r.frameCount
		}
		n, err := r.device.Read(r.readRaw[:frames*2])
		if err != nil {
			buf.FrameCount = 0
			rt.ReleaseBuffer(buf)
			return err
		}
		pcm.StereoToMono(r.readRaw[:n*2], buf.Data[:n])
		buf.FrameCount = n
	}
	rt.ReleaseBuffer(buf)
	r.reads++
	return nil
}

// captureResampled converts the device rate to the requested rate,
// pulling input through the thread's own provider surface.
func (r *RecordThread) captureResampled(rt *track.RecordTrack, buf *track.Buffer) error {
	frames := buf.FrameCount
	if cap(r.rsOut) < frames*2 {
		r.rsOut = make([]int32, frames*2)
	}
	r.rsOut = r.rsOut[:frames*2]
	for i := range r.rsOut {
		r.rsOut[i] = 0
	}

	r.resampler.Resample(r.rsOut, frames)
	if r.readErr != nil {
		err := r.readErr
		r.readErr = nil
		buf.FrameCount = 0
		rt.ReleaseBuffer(buf)
		return err
	}

	if r.reqChannels == 2 {
		for i := 0; i < frames*2; i++ {
			buf.Data[i] = pcm.Saturate(r.rsOut[i])
		}
	} else {
		for f := 0; f < frames; f++ {
			buf.Data[f] = pcm.Saturate((r.rsOut[f*2] + r.rsOut[f*2+1]) >> 1)
		}
	}
	buf.FrameCount = frames
	rt.ReleaseBuffer(buf)
	r.reads++
	return nil
}

// discardBlock consumes one device block while the ring is full so
// capture cadence is preserved.
func (r *RecordThread) discardBlock(rt *track.RecordTrack) {
	r.overruns++
	if _, err := r.device.Read(r.readRaw); err != nil {
		time.Sleep(readErrorSleep)
		return
	}
	r.logger.Debug("capture overrun, frames dropped",
		zap.Int("input", r.handle), zap.Int("track", rt.ID()), zap.Int("count", r.overruns))
}

// GetNextBuffer serves the resampler device-rate frames, expanded to
// stereo. A read failure is latched for the capture loop to observe.
func (r *RecordThread) GetNextBuffer(frames int) ([]int16, int) {
	if r.rsPos == r.rsFill {
		n, err := r.device.Read(r.readRaw)
		if err != nil {
			r.readErr = err
			return nil, 0
		}
		if r.channels == 1 {
			pcm.MonoToStereo(r.readRaw[:n], r.rsIn[:n*2])
		} else {
			copy(r.rsIn, r.readRaw[:n*2])
		}
		r.rsPos, r.rsFill = 0, n
	}
	avail := r.rsFill - r.rsPos
	if frames > avail {
		frames = avail
	}
	return r.rsIn[r.rsPos*2 : (r.rsPos+frames)*2], frames
}

// ReleaseBuffer consumes frames handed out by GetNextBuffer.
func (r *RecordThread) ReleaseBuffer(frames int) {
	r.rsPos += frames
}

// applyParameters_l handles one queued key/value change.
func (r *RecordThread) applyParameters_l(kv string) error {
	params := parseKeyValues(kv)

	if _, ok := params["frame_count"]; ok && r.active != nil {
		return status.ErrInvalidOperation
	}
	reconfig := false
	for _, key := range []string{"sampling_rate", "format", "channels", "frame_count"} {
		if _, ok := params[key]; ok {
			reconfig = true
		}
	}

	err := r.device.SetParameters(kv)
	if err != nil {
		r.device.Standby()
		r.standby = true
		err = r.device.SetParameters(kv)
	}
	if err != nil {
		return err
	}

	if reconfig {
		r.readInputParameters_l()
		r.sendConfigEvent_l(InputConfigChanged, r.Descriptor())
	}
	return nil
}
