package rtc

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/transport"
)

// ControlChannelLabel is the label of the control data channel the controller
// opens before negotiation.
const ControlChannelLabel = "control"

// maxControlFrameBytes bounds a single control frame. Oversized payloads are
// refused, not truncated.
const maxControlFrameBytes = 16 * 1024

// ControlMessage is one frame on the control channel: a JSON object with a
// required type discriminator. Payload fields beyond Type are opaque to the
// controller and relayed as-is, including touch-interaction pass-through
// messages like {"type":"live2d","event":"doublehit","area":"head"}.
type ControlMessage map[string]interface{}

// Type returns the discriminator, empty when absent or not a string.
func (m ControlMessage) Type() string {
	t, _ := m["type"].(string)
	return t
}

// dataChannelManager owns the control data channel: open/close lifecycle,
// framing and send-when-ready semantics.
type dataChannelManager struct {
	mu      sync.Mutex
	channel transport.DataChannel
	logger  *slog.Logger
	onMsg   func(ControlMessage)
}

func newDataChannelManager(logger *slog.Logger, onMsg func(ControlMessage)) *dataChannelManager {
	return &dataChannelManager{logger: logger, onMsg: onMsg}
}

// attach adopts a data channel, replacing any previous one. Called with the
// locally created channel at initialization and with remotely announced
// channels as they arrive.
func (m *dataChannelManager) attach(ch transport.DataChannel) {
	m.mu.Lock()
	old := m.channel
	m.channel = ch
	m.mu.Unlock()

	if old != nil && old != ch {
		old.Close()
	}

	ch.OnOpen(func() {
		m.logger.Info("control channel open", "label", ch.Label())
	})
	ch.OnMessage(func(data []byte) {
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("discarding malformed control frame", "error", err)
			return
		}
		if msg.Type() == "" {
			m.logger.Warn("discarding control frame without type")
			return
		}
		m.onMsg(msg)
	})
}

// send serializes the payload onto the control channel. It reports false
// instead of failing when the channel is absent, not yet open, or the payload
// cannot be framed; callers poll readiness through the return value.
func (m *dataChannelManager) send(payload interface{}) bool {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()

	if ch == nil || ch.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("control payload not serializable", "error", err)
		return false
	}
	if len(data) > maxControlFrameBytes {
		m.logger.Warn("control payload too large", "bytes", len(data))
		return false
	}

	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &probe) != nil || probe.Type == "" {
		m.logger.Warn("control payload missing type discriminator")
		return false
	}

	if err := ch.SendText(string(data)); err != nil {
		m.logger.Warn("failed to send control frame", "error", err)
		return false
	}
	return true
}

// close releases the channel. Safe when none is attached.
func (m *dataChannelManager) close() {
	m.mu.Lock()
	ch := m.channel
	m.channel = nil
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}
