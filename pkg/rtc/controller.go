package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/transport"
)

// ConnectionState is the controller-level session state.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Controller supervises one media session: it owns the transport adapter,
// drives negotiation, recovers from transient failures with exponential
// backoff and feeds quality samples to subscribers. One controller per
// logical session; it is not reusable after Close.
type Controller struct {
	id      string
	cfg     ConnectionConfig
	factory transport.Factory
	logger  *slog.Logger

	mu           sync.Mutex
	machine      *fsm.FSM
	adapter      transport.Adapter
	adapterGen   int
	retry        RetryState
	policy       retryPolicy
	retryTimer   *time.Timer
	retryPending bool
	exhausted    bool
	graceTimer   *time.Timer
	closed       bool

	emitter  *emitter
	monitor  *qualityMonitor
	channels *dataChannelManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController validates the configuration and builds a controller in state
// new. The factory is invoked once per negotiation attempt; adapters are
// never reused across attempts.
func NewController(cfg ConnectionConfig, factory transport.Factory, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:      uuid.New().String(),
		cfg:     cfg,
		factory: factory,
		policy: retryPolicy{
			maxRetries: *cfg.MaxRetries,
			baseDelay:  cfg.RetryBaseDelay,
			multiplier: cfg.BackoffMultiplier,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	c.logger = logger.With("connection", c.id)
	c.retry = c.policy.reset()
	c.emitter = newEmitter(c.logger)
	c.monitor = newQualityMonitor(c.currentAdapter, cfg.StatsInterval, cfg.SampleRetention, c.logger, func(s QualitySample) {
		c.emitter.emit(Event{Kind: EventQualityMetrics, Sample: s})
	})
	c.channels = newDataChannelManager(c.logger, func(msg ControlMessage) {
		c.emitter.emit(Event{Kind: EventDataChannelMessage, Message: msg})
	})
	c.initStateMachine()

	return c, nil
}

func (c *Controller) initStateMachine() {
	c.machine = fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: "initialize", Src: []string{string(StateNew)}, Dst: string(StateConnecting)},
			{Name: "init_failed", Src: []string{string(StateNew)}, Dst: string(StateFailed)},
			{Name: "connected", Src: []string{string(StateConnecting), string(StateDisconnected)}, Dst: string(StateConnected)},
			{Name: "disconnected", Src: []string{string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: "transport_failed", Src: []string{string(StateConnecting), string(StateConnected), string(StateDisconnected)}, Dst: string(StateFailed)},
			{Name: "retry", Src: []string{string(StateFailed)}, Dst: string(StateConnecting)},
		},
		fsm.Callbacks{},
	)
}

// transition applies one state machine event. Callers hold c.mu. A rejected
// transition is logged and reported, never applied partially.
func (c *Controller) transition(event string) bool {
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.logger.Debug("state transition rejected", "event", event, "error", err)
		return false
	}
	c.logger.Info("connection state changed", "state", c.machine.Current())
	return true
}

// ID returns the controller's session identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState(c.machine.Current())
}

// Retry returns a snapshot of the retry progress, for UI feedback like
// "reconnecting, attempt 2/3".
func (c *Controller) Retry() RetryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

// On registers an event handler and returns its removal handle. Handlers run
// synchronously; a panicking handler is isolated and logged.
func (c *Controller) On(kind EventKind, fn func(Event)) Subscription {
	return c.emitter.on(kind, fn)
}

func (c *Controller) currentAdapter() transport.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapter
}

// Initialize builds the transport adapter, pre-gathers candidates and starts
// negotiation. Valid only in state new.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if ConnectionState(c.machine.Current()) != StateNew {
		c.mu.Unlock()
		return fmt.Errorf("initialize is only valid in state new, current state is %s", c.machine.Current())
	}
	c.mu.Unlock()

	// Close must cut short the pre-gathering wait even when the caller's
	// ctx outlives the controller.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	a, err := c.factory(ctx)
	if err != nil {
		initErr := &InitializationError{Err: err}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.transition("init_failed")
		c.mu.Unlock()
		c.emitter.emit(Event{Kind: EventError, Err: initErr})
		c.emitter.emit(Event{Kind: EventConnectionStateChange, State: StateFailed})
		return initErr
	}

	// Pre-gathering is a latency optimization; its timeout never aborts
	// initialization.
	if err := transport.Warm(ctx, a, c.cfg.PreGatherTimeout, c.logger); err != nil {
		a.Close()
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		initErr := &InitializationError{Err: err}
		c.transition("init_failed")
		c.mu.Unlock()
		c.emitter.emit(Event{Kind: EventError, Err: initErr})
		c.emitter.emit(Event{Kind: EventConnectionStateChange, State: StateFailed})
		return initErr
	}

	c.attachControlChannel(a)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		a.Close()
		return ErrClosed
	}
	c.adapter = a
	c.adapterGen++
	gen := c.adapterGen
	c.transition("initialize")
	c.mu.Unlock()

	c.emitter.emit(Event{Kind: EventConnectionStateChange, State: StateConnecting})
	c.startPump(gen, a)
	c.wg.Add(1)
	go c.negotiate(gen, a)

	return nil
}

// attachControlChannel opens the control data channel before negotiation so
// it is part of the initial offer.
func (c *Controller) attachControlChannel(a transport.Adapter) {
	ch, err := a.CreateDataChannel(ControlChannelLabel, nil)
	if err != nil {
		c.logger.Warn("failed to open control channel", "error", err)
		return
	}
	c.channels.attach(ch)
}

func (c *Controller) startPump(gen int, a transport.Adapter) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range a.Events() {
			c.handleTransportEvent(gen, ev)
		}
		c.transportGone(gen)
	}()
}

// transportGone runs when an adapter's event stream ends. The controller
// closing the adapter itself is the normal case; a live adapter whose stream
// ends underneath us (remote hangup, transport self-close) is a failure the
// retry pipeline has to see.
func (c *Controller) transportGone(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.adapterGen {
		c.mu.Unlock()
		return
	}
	out := c.handleFailureLocked(&TransportFailure{Err: fmt.Errorf("transport closed unexpectedly")})
	c.mu.Unlock()
	c.emitAll(out)
}

func (c *Controller) negotiate(gen int, a transport.Adapter) {
	defer c.wg.Done()
	if err := a.Negotiate(c.ctx); err != nil {
		c.mu.Lock()
		if c.closed || gen != c.adapterGen {
			c.mu.Unlock()
			return
		}
		out := c.handleFailureLocked(&TransportFailure{Err: err})
		c.mu.Unlock()
		c.emitAll(out)
	}
}

// handleTransportEvent applies one transport event to the state machine.
// Events from discarded adapters are ignored; events from the live adapter
// are applied strictly in arrival order.
func (c *Controller) handleTransportEvent(gen int, ev transport.Event) {
	c.mu.Lock()
	if c.closed || gen != c.adapterGen {
		c.mu.Unlock()
		return
	}

	var out []Event
	switch ev.Kind {
	case transport.EventConnectionState:
		out = c.handleConnStateLocked(gen, ev.ConnState)
	case transport.EventICEConnectionState:
		out = append(out, Event{Kind: EventICEConnectionStateChange, ICEState: ev.ICEState})
	case transport.EventICEGatheringState:
		out = append(out, Event{Kind: EventICEGatheringStateChange, GatheringState: ev.GatheringState})
	case transport.EventTrack:
		out = append(out, Event{Kind: EventTrack, Track: ev.Track, Receiver: ev.Receiver})
	case transport.EventDataChannel:
		c.channels.attach(ev.Channel)
		out = append(out, Event{Kind: EventDataChannel, Channel: ev.Channel})
	}
	c.mu.Unlock()
	c.emitAll(out)
}

func (c *Controller) handleConnStateLocked(gen int, state transport.ConnState) []Event {
	switch state {
	case transport.ConnStateConnected:
		if !c.transition("connected") {
			return nil
		}
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.retry = c.policy.reset()
		c.exhausted = false
		c.monitor.markConnected(time.Now())
		c.monitor.Start()
		return []Event{{Kind: EventConnectionStateChange, State: StateConnected}}

	case transport.ConnStateDisconnected:
		if !c.transition("disconnected") {
			return nil
		}
		// No retry yet; escalate only if the outage outlives the grace
		// period.
		c.graceTimer = time.AfterFunc(c.cfg.DisconnectedGracePeriod, func() {
			c.graceExpired(gen)
		})
		return []Event{{Kind: EventConnectionStateChange, State: StateDisconnected}}

	case transport.ConnStateFailed:
		return c.handleFailureLocked(&TransportFailure{})

	default:
		return nil
	}
}

func (c *Controller) graceExpired(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.adapterGen || ConnectionState(c.machine.Current()) != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("disconnected beyond grace period, treating as failed",
		"gracePeriod", c.cfg.DisconnectedGracePeriod)
	out := c.handleFailureLocked(&TransportFailure{Err: fmt.Errorf("disconnected for longer than %s", c.cfg.DisconnectedGracePeriod)})
	c.mu.Unlock()
	c.emitAll(out)
}

// handleFailureLocked moves the machine to failed and schedules at most one
// retry. A failure arriving while a retry timer is already pending changes
// nothing. Callers hold c.mu.
func (c *Controller) handleFailureLocked(cause error) []Event {
	if c.closed || c.retryPending {
		return nil
	}

	var out []Event
	if c.transition("transport_failed") {
		out = append(out, Event{Kind: EventConnectionStateChange, State: StateFailed})
	}
	if ConnectionState(c.machine.Current()) != StateFailed {
		return out
	}

	next, ok := c.policy.next(c.retry)
	if !ok {
		if !c.exhausted {
			c.exhausted = true
			err := fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, c.policy.maxRetries, cause)
			c.logger.Error("giving up on reconnection", "maxRetries", c.policy.maxRetries, "cause", cause)
			out = append(out, Event{Kind: EventError, Err: err})
		}
		return out
	}

	c.retry = next
	c.retryPending = true
	c.logger.Warn("transport failed, retry scheduled",
		"cause", cause, "attempt", next.Attempt, "maxRetries", c.policy.maxRetries, "delay", next.NextDelay)
	c.retryTimer = time.AfterFunc(next.NextDelay, c.executeRetry)

	return out
}

// executeRetry tears down the failed adapter and re-enters the connection
// pipeline with a fresh one.
func (c *Controller) executeRetry() {
	c.mu.Lock()
	if c.closed || !c.retryPending {
		c.mu.Unlock()
		return
	}
	c.retryPending = false
	old := c.adapter
	c.adapter = nil
	c.adapterGen++
	attempt := c.retry.Attempt
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	metricReconnects.Inc()
	c.logger.Info("reconnecting", "attempt", attempt, "maxRetries", c.policy.maxRetries)
	c.emitter.emit(Event{Kind: EventReconnect, Attempt: attempt})

	a, err := c.factory(c.ctx)
	if err != nil {
		c.failWith(&InitializationError{Err: err})
		return
	}
	if *c.cfg.PreGatherOnRetry {
		if err := transport.Warm(c.ctx, a, c.cfg.PreGatherTimeout, c.logger); err != nil {
			a.Close()
			c.failWith(&InitializationError{Err: err})
			return
		}
	}
	c.attachControlChannel(a)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		a.Close()
		return
	}
	c.adapter = a
	c.adapterGen++
	gen := c.adapterGen
	var out []Event
	if c.transition("retry") {
		out = append(out, Event{Kind: EventConnectionStateChange, State: StateConnecting})
	}
	c.mu.Unlock()

	c.emitAll(out)
	c.startPump(gen, a)
	c.wg.Add(1)
	go c.negotiate(gen, a)
}

func (c *Controller) failWith(cause error) {
	c.mu.Lock()
	out := c.handleFailureLocked(cause)
	c.mu.Unlock()
	c.emitAll(out)
}

func (c *Controller) emitAll(events []Event) {
	for _, ev := range events {
		c.emitter.emit(ev)
	}
}

// CreateOffer produces the local session description. Valid only before the
// session is established (states new and connecting).
func (c *Controller) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	state := ConnectionState(c.machine.Current())
	a := c.adapter
	c.mu.Unlock()

	if state != StateNew && state != StateConnecting {
		return webrtc.SessionDescription{}, &NegotiationError{Err: fmt.Errorf("cannot create offer in state %s", state)}
	}
	if a == nil {
		return webrtc.SessionDescription{}, &NegotiationError{Err: fmt.Errorf("no transport; initialize first")}
	}

	offer, err := a.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Err: err}
	}
	return offer, nil
}

// HandleAnswer applies the counterparty's description. Out-of-order or
// malformed descriptions are rejected by the transport.
func (c *Controller) HandleAnswer(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	a := c.adapter
	c.mu.Unlock()

	if a == nil {
		return &NegotiationError{Err: fmt.Errorf("no transport; initialize first")}
	}
	if err := a.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Err: err}
	}
	return nil
}

// SendData serializes a control payload onto the data channel. It reports
// false when the channel is absent or not yet open; callers poll readiness
// through the return value.
func (c *Controller) SendData(payload interface{}) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	return c.channels.send(payload)
}

// StartPerformanceMonitoring starts quality sampling. Idempotent.
func (c *Controller) StartPerformanceMonitoring() {
	c.monitor.Start()
}

// StopPerformanceMonitoring stops quality sampling and records the final
// connection duration.
func (c *Controller) StopPerformanceMonitoring() {
	c.monitor.Stop()
}

// GetPerformanceSummary returns the collected quality data.
func (c *Controller) GetPerformanceSummary() PerformanceSummary {
	return c.monitor.Summary()
}

// Close shuts the session down from any state: cancels pending retry and
// grace timers, stops monitoring, closes the control channel and the
// transport. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryPending = false
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	a := c.adapter
	c.adapter = nil
	c.adapterGen++
	c.machine.SetState(string(StateClosed))
	c.mu.Unlock()

	c.cancel()
	c.monitor.Stop()
	c.channels.close()
	if a != nil {
		a.Close()
	}
	c.wg.Wait()

	c.logger.Info("connection closed")
	c.emitter.emit(Event{Kind: EventConnectionStateChange, State: StateClosed})
	return nil
}
