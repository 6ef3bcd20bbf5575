package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/transport"
)

// fakeChannel is a controllable data channel.
type fakeChannel struct {
	mu     sync.Mutex
	state  webrtc.DataChannelState
	sent   []string
	onMsg  func([]byte)
	onOpen func()
}

func (f *fakeChannel) Label() string { return ControlChannelLabel }

func (f *fakeChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s webrtc.DataChannelState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeChannel) OnOpen(fn func())          { f.onOpen = fn }
func (f *fakeChannel) OnMessage(fn func([]byte)) { f.onMsg = fn }

func (f *fakeChannel) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

// fakeTransport is a scriptable transport adapter.
type fakeTransport struct {
	mu           sync.Mutex
	events       chan transport.Event
	closeOnce    sync.Once
	negotiateErr error
	// connects makes Negotiate report a connected transport.
	connects bool
	// gatherDone, when set, advertises pre-gathering support.
	gatherDone chan struct{}
	stats      *transport.RawStats
	channel    *fakeChannel
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan transport.Event, 32),
		channel: &fakeChannel{state: webrtc.DataChannelStateOpen},
	}
}

func (f *fakeTransport) Negotiate(ctx context.Context) error {
	if f.negotiateErr != nil {
		return f.negotiateErr
	}
	if f.connects {
		f.push(transport.Event{Kind: transport.EventConnectionState, ConnState: transport.ConnStateConnected})
	}
	return nil
}

func (f *fakeTransport) push(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case f.events <- ev:
	default:
	}
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (f *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (f *fakeTransport) AddTrack(webrtc.TrackLocal) error                     { return nil }

func (f *fakeTransport) CreateDataChannel(string, *webrtc.DataChannelInit) (transport.DataChannel, error) {
	return f.channel, nil
}

func (f *fakeTransport) StartGathering() error { return nil }

func (f *fakeTransport) GatheringDone() <-chan struct{} {
	if f.gatherDone == nil {
		return nil
	}
	return f.gatherDone
}

func (f *fakeTransport) GetStats() *transport.RawStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

// scriptedFactory hands out pre-built adapters in order and keeps serving the
// last one's template when the script runs out.
type scriptedFactory struct {
	mu       sync.Mutex
	adapters []*fakeTransport
	calls    int
}

func (s *scriptedFactory) factory(ctx context.Context) (transport.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.adapters) {
		return nil, fmt.Errorf("factory script exhausted after %d calls", s.calls)
	}
	a := s.adapters[s.calls]
	s.calls++
	return a, nil
}

func (s *scriptedFactory) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxRetries:              intp(3),
		RetryBaseDelay:          5 * time.Millisecond,
		BackoffMultiplier:       2,
		PreGatherTimeout:        10 * time.Millisecond,
		DisconnectedGracePeriod: 20 * time.Millisecond,
		StatsInterval:           10 * time.Millisecond,
	}
}

func waitForState(t *testing.T, c *Controller, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInitializeConnects(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{a}}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	if c.State() != StateNew {
		t.Fatalf("initial state = %s", c.State())
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)
}

func TestInitializeFactoryFailure(t *testing.T) {
	factory := func(ctx context.Context) (transport.Adapter, error) {
		return nil, fmt.Errorf("no network interfaces")
	}
	c, err := NewController(testConfig(), factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	err = c.Initialize(context.Background())
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestRetryExhaustionEmitsExactlyOneError(t *testing.T) {
	// Initial attempt plus maxRetries reconnections, all failing.
	var adapters []*fakeTransport
	for i := 0; i < 4; i++ {
		a := newFakeTransport()
		a.negotiateErr = fmt.Errorf("ice failed")
		adapters = append(adapters, a)
	}
	sf := &scriptedFactory{adapters: adapters}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	errCh := make(chan error, 8)
	c.On(EventError, func(ev Event) { errCh <- ev.Err })
	var reconnects []int
	var mu sync.Mutex
	c.On(EventReconnect, func(ev Event) {
		mu.Lock()
		reconnects = append(reconnects, ev.Attempt)
		mu.Unlock()
	})

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	select {
	case got := <-errCh:
		if !errors.Is(got, ErrRetryExhausted) {
			t.Fatalf("expected retry exhaustion, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhaustion error")
	}

	// No second exhaustion error, no further retries.
	time.Sleep(100 * time.Millisecond)
	select {
	case extra := <-errCh:
		t.Fatalf("unexpected second error: %v", extra)
	default:
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want terminal failed", c.State())
	}
	if got := sf.callCount(); got != 4 {
		t.Fatalf("factory called %d times, want 4", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reconnects) != 3 {
		t.Fatalf("reconnect attempts = %v, want 3 entries", reconnects)
	}
	for i, attempt := range reconnects {
		if attempt != i+1 {
			t.Fatalf("reconnect attempts = %v, want 1,2,3", reconnects)
		}
	}
}

func TestSuccessfulConnectResetsRetryState(t *testing.T) {
	failing := newFakeTransport()
	failing.negotiateErr = fmt.Errorf("ice failed")
	succeeding := newFakeTransport()
	succeeding.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{failing, succeeding}}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	if got := c.Retry(); got.Attempt != 0 {
		t.Fatalf("retry attempt = %d after successful connect, want 0", got.Attempt)
	}
}

func TestFailureWhileRetryPendingSchedulesNoSecondTimer(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{a, newFakeTransport()}}

	cfg := testConfig()
	cfg.RetryBaseDelay = time.Hour // the timer must never fire in this test
	c, err := NewController(cfg, sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	a.push(transport.Event{Kind: transport.EventConnectionState, ConnState: transport.ConnStateFailed})
	a.push(transport.Event{Kind: transport.EventConnectionState, ConnState: transport.ConnStateFailed})
	waitForState(t, c, StateFailed)
	time.Sleep(20 * time.Millisecond)

	if got := c.Retry(); got.Attempt != 1 {
		t.Fatalf("retry attempt = %d, want 1 (single pending timer)", got.Attempt)
	}
	if got := sf.callCount(); got != 1 {
		t.Fatalf("factory called %d times while timer pending, want 1", got)
	}
}

func TestDisconnectedEscalatesAfterGracePeriod(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	replacement := newFakeTransport()
	replacement.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{a, replacement}}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	a.push(transport.Event{Kind: transport.EventConnectionState, ConnState: transport.ConnStateDisconnected})
	waitForState(t, c, StateDisconnected)

	// The grace period expires, the failure handler runs and the retry
	// brings up the replacement transport.
	waitForState(t, c, StateConnected)
	if got := sf.callCount(); got != 2 {
		t.Fatalf("factory called %d times, want 2", got)
	}
}

func TestDisconnectedRecoveryCancelsEscalation(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{a}}

	cfg := testConfig()
	cfg.DisconnectedGracePeriod = 50 * time.Millisecond
	c, err := NewController(cfg, sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	a.push(transport.Event{Kind: transport.EventConnectionState, ConnState: transport.ConnStateDisconnected})
	waitForState(t, c, StateDisconnected)
	a.push(transport.Event{Kind: transport.EventConnectionState, ConnState: transport.ConnStateConnected})
	waitForState(t, c, StateConnected)

	// Past the original grace deadline the session must still be healthy.
	time.Sleep(80 * time.Millisecond)
	if c.State() != StateConnected {
		t.Fatalf("state = %s after recovery, want connected", c.State())
	}
	if got := sf.callCount(); got != 1 {
		t.Fatalf("factory called %d times, want 1 (no retry)", got)
	}
}

func TestSendDataReportsReadiness(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	a.channel.setState(webrtc.DataChannelStateConnecting)
	sf := &scriptedFactory{adapters: []*fakeTransport{a}}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	// No channel yet.
	if c.SendData(map[string]interface{}{"type": "ping"}) {
		t.Fatal("SendData should report false before initialization")
	}

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	// Channel exists but is not open yet.
	if c.SendData(map[string]interface{}{"type": "ping"}) {
		t.Fatal("SendData should report false while channel is connecting")
	}

	a.channel.setState(webrtc.DataChannelStateOpen)
	if !c.SendData(map[string]interface{}{"type": "ping"}) {
		t.Fatal("SendData should report true on an open channel")
	}
}

func TestCreateOfferStateGuard(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{a}}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	// State new without a transport.
	var negErr *NegotiationError
	if _, err := c.CreateOffer(context.Background()); !errors.As(err, &negErr) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	// Connected is past the offer window.
	if _, err := c.CreateOffer(context.Background()); !errors.As(err, &negErr) {
		t.Fatalf("expected NegotiationError in connected state, got %v", err)
	}

	c.Close()
	if _, err := c.CreateOffer(context.Background()); !errors.As(err, &negErr) {
		t.Fatalf("expected NegotiationError on closed controller, got %v", err)
	}
}

func TestCloseFromEveryState(t *testing.T) {
	states := []struct {
		name  string
		setup func(t *testing.T) *Controller
	}{
		{"new", func(t *testing.T) *Controller {
			sf := &scriptedFactory{}
			c, _ := NewController(testConfig(), sf.factory, nil)
			return c
		}},
		{"connecting", func(t *testing.T) *Controller {
			a := newFakeTransport() // never connects
			sf := &scriptedFactory{adapters: []*fakeTransport{a}}
			c, _ := NewController(testConfig(), sf.factory, nil)
			if err := c.Initialize(context.Background()); err != nil {
				t.Fatalf("Initialize failed: %v", err)
			}
			return c
		}},
		{"connected", func(t *testing.T) *Controller {
			a := newFakeTransport()
			a.connects = true
			sf := &scriptedFactory{adapters: []*fakeTransport{a}}
			c, _ := NewController(testConfig(), sf.factory, nil)
			if err := c.Initialize(context.Background()); err != nil {
				t.Fatalf("Initialize failed: %v", err)
			}
			waitForState(t, c, StateConnected)
			return c
		}},
		{"failed", func(t *testing.T) *Controller {
			sf := &scriptedFactory{}
			c, _ := NewController(testConfig(), sf.factory, nil)
			c.Initialize(context.Background()) // factory script empty, init fails
			waitForState(t, c, StateFailed)
			return c
		}},
	}

	for _, tc := range states {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.setup(t)
			if err := c.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if c.State() != StateClosed {
				t.Fatalf("state = %s after Close, want closed", c.State())
			}
			if err := c.Close(); err != nil {
				t.Fatalf("second Close failed: %v", err)
			}
			if c.monitor.Running() {
				t.Fatal("monitor still running after Close")
			}
		})
	}
}

func TestRetryTimerFiringAfterCloseIsNoOp(t *testing.T) {
	a := newFakeTransport()
	a.negotiateErr = fmt.Errorf("ice failed")
	sf := &scriptedFactory{adapters: []*fakeTransport{a, newFakeTransport()}}

	cfg := testConfig()
	cfg.RetryBaseDelay = 30 * time.Millisecond
	c, err := NewController(cfg, sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateFailed)
	c.Close()

	// Long past the scheduled retry.
	time.Sleep(80 * time.Millisecond)
	if c.State() != StateClosed {
		t.Fatalf("state = %s, retry timer escaped Close", c.State())
	}
	if got := sf.callCount(); got != 1 {
		t.Fatalf("factory called %d times after Close, want 1", got)
	}
}

func TestCloseCancelsPreGatherWait(t *testing.T) {
	a := newFakeTransport()
	a.gatherDone = make(chan struct{}) // gathering never completes

	cfg := testConfig()
	cfg.PreGatherTimeout = 2 * time.Second
	sf := &scriptedFactory{adapters: []*fakeTransport{a}}
	c, err := NewController(cfg, sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Initialize(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	closed := time.Now()
	c.Close()

	select {
	case err := <-done:
		if elapsed := time.Since(closed); elapsed > 500*time.Millisecond {
			t.Fatalf("Initialize returned %s after Close; wait was not canceled", elapsed)
		}
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Initialize returned %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Initialize still blocked after Close")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed", c.State())
	}
}

func TestTransportSelfCloseTriggersReconnect(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	replacement := newFakeTransport()
	replacement.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{a, replacement}}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	// The transport dies underneath the controller: its event stream ends
	// without any terminal state event.
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sf.callCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("factory called %d times, want 2 (retry after transport vanished)", sf.callCount())
		}
		time.Sleep(time.Millisecond)
	}
	waitForState(t, c, StateConnected)
}

func TestZeroMaxRetriesDisablesReconnection(t *testing.T) {
	a := newFakeTransport()
	a.negotiateErr = fmt.Errorf("ice failed")
	sf := &scriptedFactory{adapters: []*fakeTransport{a}}

	cfg := testConfig()
	cfg.MaxRetries = intp(0)
	c, err := NewController(cfg, sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	errCh := make(chan error, 4)
	c.On(EventError, func(ev Event) { errCh <- ev.Err })
	c.On(EventReconnect, func(Event) { t.Error("reconnect attempted with retries disabled") })

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateFailed)

	select {
	case got := <-errCh:
		if !errors.Is(got, ErrRetryExhausted) {
			t.Fatalf("expected exhaustion error, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhaustion error")
	}
	time.Sleep(30 * time.Millisecond)
	if got := sf.callCount(); got != 1 {
		t.Fatalf("factory called %d times, want 1", got)
	}
}

func TestStartPerformanceMonitoringIsIdempotent(t *testing.T) {
	a := newFakeTransport()
	a.connects = true
	sf := &scriptedFactory{adapters: []*fakeTransport{a}}

	c, err := NewController(testConfig(), sf.factory, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer c.Close()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	waitForState(t, c, StateConnected)

	c.StartPerformanceMonitoring()
	c.StartPerformanceMonitoring()
	if !c.monitor.Running() {
		t.Fatal("monitor should be running")
	}
	c.StopPerformanceMonitoring()
	if c.monitor.Running() {
		t.Fatal("monitor should be stopped")
	}
}
