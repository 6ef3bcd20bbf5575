package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/signaling"
)

// DirectPeer negotiates against a remote peer over a signaling channel:
// offer out, answer in, ICE candidates trickled both ways.
type DirectPeer struct {
	*peer
	signal  *signaling.Channel
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// DirectPeerConfig configures a direct peer transport.
type DirectPeerConfig struct {
	SignalURL string
	Options   Options
	// ConnectTimeout bounds how long Negotiate waits for ICE connectivity.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// NewDirectPeer builds a direct peer transport. The signaling channel is
// dialed during Negotiate, not here.
func NewDirectPeer(cfg DirectPeerConfig) (*DirectPeer, error) {
	if cfg.SignalURL == "" {
		return nil, fmt.Errorf("signaling URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	p, err := newPeer(cfg.Options, cfg.Logger.With("transport", "direct"), true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DirectPeer{
		peer:    p,
		timeout: cfg.ConnectTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	d.signal = signaling.NewChannel(signaling.Config{URL: cfg.SignalURL, Logger: cfg.Logger})

	// Trickle local candidates to the counterparty as they appear.
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			p.logger.Error("failed to encode ICE candidate", "error", err)
			return
		}
		if err := d.signal.SendCandidate(payload); err != nil {
			p.logger.Debug("failed to trickle candidate", "error", err)
		}
	})

	return d, nil
}

// Negotiate dials the signaling channel, sends the local offer and applies
// the counterparty's answer and candidates until ICE connects.
func (d *DirectPeer) Negotiate(ctx context.Context) error {
	if err := d.signal.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect signaling channel: %w", err)
	}

	offer, err := d.CreateOffer(ctx)
	if err != nil {
		return err
	}
	if err := d.signal.SendOffer(offer.SDP); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	go d.signalLoop()

	return d.waitForICEConnected(ctx, d.timeout)
}

// signalLoop applies incoming answers and remote candidates for the lifetime
// of the adapter.
func (d *DirectPeer) signalLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case env, ok := <-d.signal.Messages():
			if !ok {
				return
			}
			d.handleFrame(env)
		case err, ok := <-d.signal.Errors():
			if !ok {
				return
			}
			d.logger.Error("signaling channel error", "error", err)
		}
	}
}

func (d *DirectPeer) handleFrame(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeAnswer:
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}
		if err := d.SetRemoteDescription(desc); err != nil {
			d.logger.Error("failed to apply remote answer", "error", err)
		}
	case signaling.TypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Candidate, &init); err != nil {
			d.logger.Error("failed to decode remote candidate", "error", err)
			return
		}
		if err := d.pc.AddICECandidate(init); err != nil {
			d.logger.Error("failed to add remote candidate", "error", err)
		}
	case signaling.TypeBye:
		// Surface the hangup as a terminal state before tearing down so
		// the session owner sees the failure rather than a silently dead
		// transport.
		d.logger.Info("counterparty ended the session", "reason", env.Reason)
		d.push(Event{Kind: EventConnectionState, ConnState: ConnStateFailed})
		d.Close()
	}
}

func (d *DirectPeer) Close() error {
	d.cancel()
	d.signal.Close()
	return d.peer.Close()
}
