package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// peer holds the pion peer connection and the callback-to-channel plumbing
// shared by both adapter variants.
type peer struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger
	// emitICEState forwards ICE connection-state changes as events. The
	// brokered variant keeps these internal; only the direct variant
	// surfaces them.
	emitICEState bool

	events     chan Event
	evMu       sync.Mutex
	evClosed   bool
	gatherDone <-chan struct{}

	iceConnected     chan struct{}
	iceConnectedOnce sync.Once
	trackArrived     chan struct{}

	closeOnce sync.Once
}

// newPeer builds a pion peer connection with audio/video transceivers and
// wires its callbacks into the ordered event channel.
func newPeer(opts Options, logger *slog.Logger, emitICEState bool) (*peer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Increased buffer sizes avoid "short buffer" read failures on busy
	// media streams.
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(opts.rtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	// The session always carries bidirectional audio and video. Local
	// tracks added later attach to these transceivers.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	p := &peer{
		pc:           pc,
		logger:       logger,
		emitICEState: emitICEState,
		events:       make(chan Event, 64),
		iceConnected: make(chan struct{}),
		trackArrived: make(chan struct{}, 16),
	}
	p.gatherDone = webrtc.GatheringCompletePromise(pc)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state changed", "state", state.String())
		p.push(Event{Kind: EventConnectionState, ConnState: mapConnState(state)})
	})

	pc.OnICEConnectionStateChange(p.handleICEConnectionState)

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		p.logger.Debug("ICE gathering state changed", "state", state.String())
		p.push(Event{Kind: EventICEGatheringState, GatheringState: state.String()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info("track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		select {
		case p.trackArrived <- struct{}{}:
		default:
		}
		p.push(Event{Kind: EventTrack, Track: track, Receiver: receiver})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.logger.Info("data channel received", "label", dc.Label())
		p.push(Event{Kind: EventDataChannel, Channel: &pionDataChannel{dc: dc}})
	})

	return p, nil
}

func (p *peer) handleICEConnectionState(state webrtc.ICEConnectionState) {
	p.logger.Debug("ICE connection state changed", "state", state.String())
	if state == webrtc.ICEConnectionStateConnected {
		p.iceConnectedOnce.Do(func() { close(p.iceConnected) })
	}
	if p.emitICEState {
		p.push(Event{Kind: EventICEConnectionState, ICEState: state.String()})
	}
}

// push delivers an event without blocking the pion callback goroutine. The
// buffer is generous for a single session; overflow drops the event with a
// warning rather than stalling the transport.
func (p *peer) push(ev Event) {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	if p.evClosed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("transport event buffer full, dropping event", "kind", ev.Kind)
	}
}

// ensureLocalOffer creates and applies a local offer if one is not already
// set. Applying the offer is what starts candidate gathering.
func (p *peer) ensureLocalOffer() error {
	if p.pc.LocalDescription() != nil {
		return nil
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return nil
}

func (p *peer) StartGathering() error {
	return p.ensureLocalOffer()
}

func (p *peer) GatheringDone() <-chan struct{} {
	return p.gatherDone
}

func (p *peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.ensureLocalOffer(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *p.pc.LocalDescription(), nil
}

func (p *peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peer) AddTrack(track webrtc.TrackLocal) error {
	if _, err := p.pc.AddTrack(track); err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}
	return nil
}

func (p *peer) CreateDataChannel(label string, opts *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return &pionDataChannel{dc: dc}, nil
}

// GetStats maps the pion stats report into RawStats. It returns nil when the
// report cannot be collected; it never fails harder than that.
func (p *peer) GetStats() (stats *RawStats) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("stats collection panicked", "panic", r)
			stats = nil
		}
	}()

	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}

	report := p.pc.GetStats()
	out := &RawStats{CollectedAt: time.Now()}
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			switch st.Kind {
			case "audio":
				out.AudioBytesReceived += st.BytesReceived
				out.PacketsLost += st.PacketsLost
			case "video":
				out.VideoBytesReceived += st.BytesReceived
				out.PacketsLost += st.PacketsLost
			}
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				out.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return out
}

func (p *peer) Events() <-chan Event {
	return p.events
}

// waitForICEConnected blocks until ICE reaches connected, the timeout
// elapses, or ctx is canceled. Unlike pre-gathering, expiry here is a hard
// failure.
func (p *peer) waitForICEConnected(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.iceConnected:
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out waiting for ICE connection after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForTracks blocks until n remote tracks have arrived on this transport,
// counting arrivals since the adapter was constructed.
func (p *peer) waitForTracks(ctx context.Context, n int, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for arrived := 0; arrived < n; {
		select {
		case <-p.trackArrived:
			arrived++
		case <-timer.C:
			return fmt.Errorf("timed out waiting for remote tracks: got %d of %d", arrived, n)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.evMu.Lock()
		p.evClosed = true
		p.evMu.Unlock()

		err = p.pc.Close()
		close(p.events)
	})
	return err
}
