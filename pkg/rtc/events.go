package rtc

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/transport"
)

// EventKind enumerates the controller's event surface.
type EventKind int

const (
	EventConnectionStateChange EventKind = iota
	EventICEConnectionStateChange
	EventICEGatheringStateChange
	EventTrack
	EventDataChannel
	EventDataChannelMessage
	EventQualityMetrics
	EventReconnect
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionStateChange:
		return "connectionstatechange"
	case EventICEConnectionStateChange:
		return "iceconnectionstatechange"
	case EventICEGatheringStateChange:
		return "icegatheringstatechange"
	case EventTrack:
		return "track"
	case EventDataChannel:
		return "datachannel"
	case EventDataChannelMessage:
		return "datachannelmessage"
	case EventQualityMetrics:
		return "qualitymetrics"
	case EventReconnect:
		return "reconnect"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event carries the payload for one controller event. The fields implied by
// Kind are set; the rest stay zero.
type Event struct {
	Kind           EventKind
	State          ConnectionState
	ICEState       string
	GatheringState string
	Track          *webrtc.TrackRemote
	Receiver       *webrtc.RTPReceiver
	Channel        transport.DataChannel
	Message        ControlMessage
	Sample         QualitySample
	Attempt        int
	Err            error
}

// Subscription is the removal handle returned by On.
type Subscription struct {
	cancel func()
}

// Cancel removes the handler. Safe to call more than once.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// emitter is the controller's typed publish/subscribe surface. Handlers run
// synchronously on the emitting goroutine; each invocation is isolated so a
// panicking handler cannot suppress delivery to the others.
type emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventKind]map[int]func(Event)
	logger   *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{
		handlers: make(map[EventKind]map[int]func(Event)),
		logger:   logger,
	}
}

func (e *emitter) on(kind EventKind, fn func(Event)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	if e.handlers[kind] == nil {
		e.handlers[kind] = make(map[int]func(Event))
	}
	e.handlers[kind][id] = fn

	return Subscription{cancel: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[kind], id)
	}}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.handlers[ev.Kind]))
	for _, fn := range e.handlers[ev.Kind] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		e.invoke(fn, ev)
	}
}

func (e *emitter) invoke(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "event", ev.Kind.String(), "panic", r)
		}
	}()
	fn(ev)
}
