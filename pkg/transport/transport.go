// Package transport owns the media transport under a connection. Two adapter
// variants exist: DirectPeer negotiates symmetrically with a remote peer over
// an external signaling channel, Brokered opens a session against a realtime
// relay broker. Both converge to the same Adapter surface so the connection
// controller never knows which variant is active.
package transport

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// ConnState is the transport-level connection state reported to the
// controller.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates transport events.
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventICEConnectionState
	EventICEGatheringState
	EventTrack
	EventDataChannel
)

// Event is one transport-level occurrence. Exactly the fields implied by Kind
// are set.
type Event struct {
	Kind           EventKind
	ConnState      ConnState
	ICEState       string
	GatheringState string
	Track          *webrtc.TrackRemote
	Receiver       *webrtc.RTPReceiver
	Channel        DataChannel
}

// RawStats is the normalized raw statistics snapshot an adapter can produce.
// Counters are cumulative; consumers derive rates from deltas. Fields the
// underlying transport cannot supply stay zero.
type RawStats struct {
	AudioLevel         float64
	AudioBytesReceived uint64
	VideoBytesReceived uint64
	PacketsLost        int32
	RoundTripTime      time.Duration
	CollectedAt        time.Time
}

// DataChannel is the minimal control-channel surface the data channel
// manager needs.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(func())
	OnMessage(func([]byte))
	SendText(string) error
	Close() error
}

// Adapter is the uniform capability set over both transport variants.
//
// A given adapter instance negotiates at most once; after a failure the owner
// discards it and builds a fresh one. Events are delivered in the order the
// underlying transport observed them.
type Adapter interface {
	// Negotiate drives the variant-specific session establishment to the
	// point where the transport is working on connectivity. Connection
	// progress arrives through Events.
	Negotiate(ctx context.Context) error

	// CreateOffer produces (and locally applies) a session description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)

	// SetRemoteDescription applies the counterparty's description.
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// AddTrack attaches a local media track.
	AddTrack(track webrtc.TrackLocal) error

	// CreateDataChannel opens a data channel on the transport.
	CreateDataChannel(label string, opts *webrtc.DataChannelInit) (DataChannel, error)

	// StartGathering kicks off local candidate gathering ahead of real
	// negotiation. Harmless to call more than once.
	StartGathering() error

	// GatheringDone returns a channel closed once candidate gathering
	// reaches its terminal state, or nil when the variant does not support
	// pre-gathering.
	GatheringDone() <-chan struct{}

	// GetStats returns a statistics snapshot, or nil when stats are
	// unavailable. It never fails any harder than nil.
	GetStats() *RawStats

	// Events returns the ordered stream of transport events. The channel
	// is closed when the adapter closes.
	Events() <-chan Event

	Close() error
}

// Factory builds a fresh adapter. The controller calls it once at
// initialization and once per retry; adapters are never reused across
// negotiation attempts.
type Factory func(ctx context.Context) (Adapter, error)

// Options is the transport-level slice of the connection configuration.
type Options struct {
	ICEServers        []webrtc.ICEServer
	CandidatePoolSize uint8
	BundlePolicy      webrtc.BundlePolicy
	TransportPolicy   webrtc.ICETransportPolicy
}

func (o Options) rtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           o.ICEServers,
		ICECandidatePoolSize: o.CandidatePoolSize,
		BundlePolicy:         o.BundlePolicy,
		ICETransportPolicy:   o.TransportPolicy,
	}
}

func mapConnState(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnStateClosed
	default:
		return ConnStateNew
	}
}
