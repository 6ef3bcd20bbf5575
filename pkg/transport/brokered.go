package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/broker"
)

// Brokered relays media through the realtime broker: the local offer opens a
// session over HTTP, the broker answers, and tracks are published or
// subscribed with follow-up API calls on the same session.
type Brokered struct {
	*peer
	client  *broker.Client
	timeout time.Duration

	mu        sync.Mutex
	sessionID string
}

// BrokeredConfig configures a brokered transport.
type BrokeredConfig struct {
	Client  *broker.Client
	Options Options
	// ConnectTimeout bounds how long Negotiate waits for ICE connectivity.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// NewBrokered builds a brokered transport.
func NewBrokered(cfg BrokeredConfig) (*Brokered, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("broker client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	p, err := newPeer(cfg.Options, cfg.Logger.With("transport", "brokered"), false)
	if err != nil {
		return nil, err
	}

	return &Brokered{
		peer:    p,
		client:  cfg.Client,
		timeout: cfg.ConnectTimeout,
	}, nil
}

// SessionID returns the broker session ID, empty before Negotiate succeeds.
func (b *Brokered) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Negotiate opens the broker session with the local offer, applies the broker
// answer and waits for ICE connectivity. Timeout is a hard failure.
func (b *Brokered) Negotiate(ctx context.Context) error {
	offer, err := b.CreateOffer(ctx)
	if err != nil {
		return err
	}

	resp, err := b.client.NewSession(ctx, broker.SessionDescription{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sessionID = resp.SessionID
	b.mu.Unlock()

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  resp.SessionDescription.SDP,
	}
	if err := b.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to apply broker answer: %w", err)
	}

	return b.waitForICEConnected(ctx, b.timeout)
}

// PublishTracks announces already-attached local tracks to the broker. It
// renegotiates with a fresh offer, and when the broker demands immediate
// renegotiation it applies the broker description and answers it.
func (b *Brokered) PublishTracks(ctx context.Context, trackNames map[string]string) error {
	sessionID := b.SessionID()
	if sessionID == "" {
		return fmt.Errorf("no broker session; negotiate first")
	}

	offer, err := b.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create publish offer: %w", err)
	}
	if err := b.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set publish offer: %w", err)
	}

	var locators []broker.TrackLocator
	for _, tr := range b.pc.GetTransceivers() {
		sender := tr.Sender()
		if sender == nil || sender.Track() == nil {
			continue
		}
		name, ok := trackNames[sender.Track().ID()]
		if !ok {
			name = sender.Track().ID()
		}
		locators = append(locators, broker.TrackLocator{
			Location:  "local",
			Mid:       tr.Mid(),
			TrackName: name,
		})
	}
	if len(locators) == 0 {
		return fmt.Errorf("no local tracks attached")
	}

	resp, err := b.client.AddTracks(ctx, sessionID, broker.TracksRequest{
		Tracks: locators,
		SessionDescription: &broker.SessionDescription{
			Type: offer.Type.String(),
			SDP:  offer.SDP,
		},
	})
	if err != nil {
		return err
	}

	return b.completeTracksExchange(ctx, sessionID, resp)
}

// SubscribeToRemoteTracks asks the broker for tracks published by another
// session and blocks until all of them have arrived on this transport.
func (b *Brokered) SubscribeToRemoteTracks(ctx context.Context, remoteSessionID string, trackNames []string) error {
	sessionID := b.SessionID()
	if sessionID == "" {
		return fmt.Errorf("no broker session; negotiate first")
	}
	if len(trackNames) == 0 {
		return fmt.Errorf("no track names to subscribe to")
	}

	locators := make([]broker.TrackLocator, 0, len(trackNames))
	for _, name := range trackNames {
		locators = append(locators, broker.TrackLocator{
			Location:  "remote",
			SessionID: remoteSessionID,
			TrackName: name,
		})
	}

	resp, err := b.client.AddTracks(ctx, sessionID, broker.TracksRequest{Tracks: locators})
	if err != nil {
		return err
	}

	if err := b.completeTracksExchange(ctx, sessionID, resp); err != nil {
		return err
	}

	return b.waitForTracks(ctx, len(trackNames), b.timeout)
}

// completeTracksExchange handles the broker's renegotiation demand after a
// tracks call: apply the broker description, answer, and confirm the answer
// back over the API.
func (b *Brokered) completeTracksExchange(ctx context.Context, sessionID string, resp *broker.TracksResponse) error {
	if !resp.RequiresImmediateRenegotiation {
		return nil
	}
	if resp.SessionDescription == nil {
		return fmt.Errorf("broker demanded renegotiation without a description")
	}

	remote := webrtc.SessionDescription{SDP: resp.SessionDescription.SDP}
	switch resp.SessionDescription.Type {
	case "offer":
		remote.Type = webrtc.SDPTypeOffer
	case "answer":
		remote.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("broker sent unexpected description type %q", resp.SessionDescription.Type)
	}

	if err := b.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to apply broker renegotiation description: %w", err)
	}
	if remote.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := b.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create renegotiation answer: %w", err)
	}
	if err := b.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set renegotiation answer: %w", err)
	}

	return b.client.Renegotiate(ctx, sessionID, broker.SessionDescription{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	})
}

func (b *Brokered) Close() error {
	return b.peer.Close()
}
