// Package engine implements the per-endpoint real-time threads: mixer
// playback, direct playback, duplicating fan-out and record capture.
// Each endpoint owns exactly one goroutine running its loop; all track
// lists and thread state are guarded by the thread lock, and blocking
// device I/O happens with the lock released.
package engine

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aurelia-audio/aurelia/pkg/status"
)

// ThreadType distinguishes the endpoint loop variants.
type ThreadType int

const (
	// ThreadMixer is the software-mix playback loop.
	ThreadMixer ThreadType = iota
	// ThreadDirect is the single-track pass-through playback loop.
	ThreadDirect
	// ThreadDuplicating is a mixer loop fanned out to other mixers.
	ThreadDuplicating
	// ThreadRecord is the capture loop.
	ThreadRecord
)

const (
	// recoveryMinSleep and recoveryMaxSleep bound the idle backoff a
	// playback loop uses while no track has frames to mix.
	recoveryMinSleep = 2 * time.Millisecond
	recoveryMaxSleep = 20 * time.Millisecond

	// standbyDelay is how long an output stays warm with no active
	// tracks before the device is placed in standby.
	standbyDelay = 3 * time.Second

	// maxTrackRetries is the steady-state budget of consecutive empty
	// pulls before an active track is evicted.
	maxTrackRetries = 50

	// maxStartupRetries is the larger budget granted to a freshly
	// started track still filling its ring.
	maxStartupRetries = 50
)

type queuedEvent struct {
	event   EventType
	payload any
}

type paramRequest struct {
	kv     string
	result chan error
}

// threadBase carries the machinery every endpoint thread shares: the
// thread lock, work signalling, the queued parameter handshake, the
// config-event queue and the exit handshake.
type threadBase struct {
	handle int
	logger *zap.Logger
	sink   EventSink

	mu   sync.Mutex
	work *sync.Cond

	params      []paramRequest
	events      []queuedEvent
	exitPending bool
	done        chan struct{}
}

func (b *threadBase) init(handle int, sink EventSink, logger *zap.Logger) {
	b.handle = handle
	b.sink = sink
	b.logger = logger
	b.work = sync.NewCond(&b.mu)
	b.done = make(chan struct{})
}

// Handle returns the server-issued endpoint handle.
func (b *threadBase) Handle() int { return b.handle }

// Exit asks the loop to stop and blocks until it has returned.
func (b *threadBase) Exit() {
	b.mu.Lock()
	b.exitPending = true
	b.work.Broadcast()
	b.mu.Unlock()
	<-b.done
}

// SendConfigEvent queues an event for dispatch from the thread loop.
func (b *threadBase) SendConfigEvent(event EventType, payload any) {
	b.mu.Lock()
	b.sendConfigEvent_l(event, payload)
	b.mu.Unlock()
}

func (b *threadBase) sendConfigEvent_l(event EventType, payload any) {
	b.events = append(b.events, queuedEvent{event: event, payload: payload})
	b.work.Broadcast()
}

// processConfigEvents drains the event queue, dispatching each event
// with the thread lock released so observers may call back in.
func (b *threadBase) processConfigEvents() {
	for {
		b.mu.Lock()
		if len(b.events) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.events[0]
		b.events = b.events[1:]
		b.mu.Unlock()
		b.sink.IOConfigChanged(ev.event, b.handle, ev.payload)
	}
}

// SetParameters queues a key/value change and blocks until the thread
// loop has applied it.
func (b *threadBase) SetParameters(kv string) error {
	req := paramRequest{kv: kv, result: make(chan error, 1)}
	b.mu.Lock()
	if b.exitPending {
		b.mu.Unlock()
		return status.ErrInvalidOperation
	}
	b.params = append(b.params, req)
	b.work.Broadcast()
	b.mu.Unlock()
	return <-req.result
}

// handleParams_l pops queued parameter changes and applies each under
// the thread lock, unblocking the caller with the result.
func (b *threadBase) handleParams_l(apply func(kv string) error) {
	for len(b.params) > 0 {
		req := b.params[0]
		b.params = b.params[1:]
		req.result <- apply(req.kv)
	}
}

// failPendingParams_l unblocks callers still queued at exit time.
func (b *threadBase) failPendingParams_l() {
	for _, req := range b.params {
		req.result <- status.ErrInvalidOperation
	}
	b.params = nil
}

// parseKeyValues splits a "k=v;k2=v2" parameter string.
func parseKeyValues(kv string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(kv, ";") {
		if pair == "" {
			continue
		}
		if i := strings.IndexByte(pair, '='); i > 0 {
			out[pair[:i]] = pair[i+1:]
		}
	}
	return out
}

func intValue(params map[string]string, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
