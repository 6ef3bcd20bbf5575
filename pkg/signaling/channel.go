// Package signaling provides the WebSocket channel the direct peer transport
// uses to exchange session descriptions and trickled ICE candidates with the
// counterparty. The channel itself carries no media; it only relays JSON
// envelopes.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel manages the WebSocket connection to the signaling endpoint.
type Channel struct {
	url       string
	conn      *websocket.Conn
	mu        sync.Mutex
	logger    *slog.Logger
	msgChan   chan Envelope
	errChan   chan error
	closeChan chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds signaling channel configuration.
type Config struct {
	URL    string // WebSocket URL of the signaling endpoint
	Logger *slog.Logger
}

// NewChannel creates a signaling channel. Connect must be called before use.
func NewChannel(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		url:       cfg.URL,
		logger:    cfg.Logger,
		msgChan:   make(chan Envelope, 100),
		errChan:   make(chan error, 10),
		closeChan: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect establishes the WebSocket connection and starts the read and
// keep-alive loops.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Error("failed to connect to signaling endpoint", "url", c.url, "error", err)
		return err
	}

	c.conn = conn
	c.logger.Info("connected to signaling endpoint", "url", c.url)

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return nil
}

// readLoop handles incoming signaling frames.
func (c *Channel) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !strings.Contains(err.Error(), "context canceled") && !c.isClosed() {
				c.logger.Error("signaling read error", "error", err)
				select {
				case c.errChan <- err:
				default:
				}
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Error("failed to parse signaling frame", "error", err)
			continue
		}

		switch env.Type {
		case TypePong:
			// Keep-alive response, ignore.
		case TypeOffer, TypeAnswer, TypeCandidate, TypeBye:
			c.logger.Debug("received signaling frame", "type", env.Type)
			select {
			case c.msgChan <- env:
			case <-c.ctx.Done():
				return
			}
		default:
			c.logger.Debug("unknown signaling frame type", "type", env.Type)
		}
	}
}

// pingLoop sends periodic keep-alive frames.
func (c *Channel) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		case <-ticker.C:
			if err := c.send(Envelope{Type: TypePing}); err != nil {
				c.logger.Error("failed to send ping", "error", err)
			}
		}
	}
}

// SendOffer relays a local offer to the counterparty.
func (c *Channel) SendOffer(sdp string) error {
	return c.send(Envelope{Type: TypeOffer, SDPType: "offer", SDP: sdp})
}

// SendAnswer relays a local answer to the counterparty.
func (c *Channel) SendAnswer(sdp string) error {
	return c.send(Envelope{Type: TypeAnswer, SDPType: "answer", SDP: sdp})
}

// SendCandidate relays a trickled local ICE candidate.
func (c *Channel) SendCandidate(candidate json.RawMessage) error {
	return c.send(Envelope{Type: TypeCandidate, Candidate: candidate})
}

func (c *Channel) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("signaling channel not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the channel of incoming signaling frames.
func (c *Channel) Messages() <-chan Envelope {
	return c.msgChan
}

// Errors returns the channel of connection-level errors.
func (c *Channel) Errors() <-chan error {
	return c.errChan
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// Close shuts the channel down. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closeChan)

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.wg.Wait()
	})
	return nil
}
