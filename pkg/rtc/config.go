// Package rtc implements the connection lifecycle controller: the state
// machine that establishes and supervises a peer media session over a
// pluggable transport, with candidate pre-gathering, exponential-backoff
// retries, quality monitoring and a control data channel.
package rtc

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/transport"
)

// TransportKind selects the transport variant.
type TransportKind string

const (
	TransportDirect   TransportKind = "direct"
	TransportBrokered TransportKind = "brokered"
)

// Default STUN endpoints used when the caller supplies none.
var defaultICEServers = []string{
	"stun:stun.miwifi.com:3478",
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.stunprotocol.org:3478",
}

// ConnectionConfig is the caller-supplied configuration. It is validated and
// normalized once at controller construction and never mutated after.
type ConnectionConfig struct {
	Transport TransportKind

	// ICEServers lists STUN/TURN endpoints. Empty means the built-in STUN
	// set.
	ICEServers []webrtc.ICEServer

	ICECandidatePoolSize int    // default 10
	BundlePolicy         string // "max-bundle" (default) or "balanced"
	ICETransportPolicy   string // "all" (default) or "relay"

	// MaxRetries caps reconnection attempts; zero disables retries
	// entirely, nil means the default of 3.
	MaxRetries        *int
	RetryBaseDelay    time.Duration // default 1s
	BackoffMultiplier float64       // default 2

	PreGatherTimeout time.Duration // default 5s
	// PreGatherOnRetry re-runs candidate pre-gathering on every retry
	// attempt instead of only at initialization.
	PreGatherOnRetry *bool // default true

	// DisconnectedGracePeriod is how long a disconnected transport may
	// linger before it is escalated to failed.
	DisconnectedGracePeriod time.Duration // default 10s

	StatsInterval time.Duration // default 1s
	// SampleRetention keeps the last N quality samples for the
	// performance summary. Zero keeps only the most recent sample.
	SampleRetention int
}

// Validate normalizes defaults in place and rejects unusable values.
func (c *ConnectionConfig) Validate() error {
	switch c.Transport {
	case TransportDirect, TransportBrokered:
	case "":
		c.Transport = TransportDirect
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport)
	}

	if len(c.ICEServers) == 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: defaultICEServers}}
	}
	if c.ICECandidatePoolSize == 0 {
		c.ICECandidatePoolSize = 10
	}
	if c.ICECandidatePoolSize < 0 || c.ICECandidatePoolSize > 255 {
		return fmt.Errorf("candidate pool size %d out of range", c.ICECandidatePoolSize)
	}

	switch c.BundlePolicy {
	case "":
		c.BundlePolicy = "max-bundle"
	case "max-bundle", "balanced":
	default:
		return fmt.Errorf("unknown bundle policy %q", c.BundlePolicy)
	}

	switch c.ICETransportPolicy {
	case "":
		c.ICETransportPolicy = "all"
	case "all", "relay":
	default:
		return fmt.Errorf("unknown ICE transport policy %q", c.ICETransportPolicy)
	}

	if c.MaxRetries == nil {
		n := 3
		c.MaxRetries = &n
	}
	if *c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("retry base delay must not be negative")
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}

	if c.PreGatherTimeout == 0 {
		c.PreGatherTimeout = 5 * time.Second
	}
	if c.PreGatherOnRetry == nil {
		t := true
		c.PreGatherOnRetry = &t
	}
	if c.DisconnectedGracePeriod == 0 {
		c.DisconnectedGracePeriod = 10 * time.Second
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = time.Second
	}
	if c.SampleRetention < 0 {
		return fmt.Errorf("sample retention must not be negative")
	}

	return nil
}

// TransportOptions maps the validated configuration to the transport layer.
func (c *ConnectionConfig) TransportOptions() transport.Options {
	opts := transport.Options{
		ICEServers:        c.ICEServers,
		CandidatePoolSize: uint8(c.ICECandidatePoolSize),
		BundlePolicy:      webrtc.BundlePolicyMaxBundle,
		TransportPolicy:   webrtc.ICETransportPolicyAll,
	}
	if c.BundlePolicy == "balanced" {
		opts.BundlePolicy = webrtc.BundlePolicyBalanced
	}
	if c.ICETransportPolicy == "relay" {
		opts.TransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return opts
}
