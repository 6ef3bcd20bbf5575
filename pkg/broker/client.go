// Package broker implements the HTTP client for the third-party realtime
// relay service that mediates brokered media sessions. The client covers
// exactly the calls the brokered transport needs: opening a session,
// publishing/subscribing tracks, and completing broker-initiated
// renegotiation. Connection-level retries are not done here; a failed call is
// a failed call and recovery belongs to the connection controller.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/credentials"
)

// APIError is a broker response that carried an errorCode body or a non-2xx
// status. It is a hard failure of the call.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("broker returned status %d", e.Status)
}

// Client talks to the realtime broker API.
type Client struct {
	baseURL     string
	credentials credentials.Provider
	httpClient  *http.Client
	logger      *slog.Logger
}

// Config holds broker client configuration.
type Config struct {
	BaseURL     string               // e.g. https://rtc.example.com/v1/apps/<appID>
	Credentials credentials.Provider // bearer credential for every request
	HTTPClient  *http.Client         // optional; defaults to a 30s-timeout client
	Logger      *slog.Logger
}

// NewClient creates a broker client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("broker base URL is required")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("broker credential provider is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		credentials: cfg.Credentials,
		httpClient:  httpClient,
		logger:      cfg.Logger,
	}, nil
}

// NewSession submits a local offer and returns the broker session ID and the
// broker-selected answer.
func (c *Client) NewSession(ctx context.Context, offer SessionDescription) (*NewSessionResponse, error) {
	var resp NewSessionResponse
	err := c.do(ctx, http.MethodPost, "/sessions/new", NewSessionRequest{SessionDescription: offer}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker session: %w", err)
	}
	if resp.ErrorCode != "" {
		return nil, &APIError{Code: resp.ErrorCode, Description: resp.ErrorDescription}
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("broker session response missing sessionId")
	}
	c.logger.Info("broker session opened", "sessionID", resp.SessionID)
	return &resp, nil
}

// AddTracks publishes local tracks or subscribes to remote tracks on an
// existing session. For local publishes the request carries the renegotiated
// offer; the broker may answer with a description of its own and demand
// immediate renegotiation.
func (c *Client) AddTracks(ctx context.Context, sessionID string, req TracksRequest) (*TracksResponse, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	var resp TracksResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/tracks/new", sessionID), req, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to add tracks: %w", err)
	}
	if resp.ErrorCode != "" {
		return nil, &APIError{Code: resp.ErrorCode, Description: resp.ErrorDescription}
	}
	c.logger.Debug("broker tracks call completed",
		"sessionID", sessionID, "tracks", len(resp.Tracks),
		"renegotiate", resp.RequiresImmediateRenegotiation)
	return &resp, nil
}

// Renegotiate sends the local answer that completes a broker-initiated
// renegotiation.
func (c *Client) Renegotiate(ctx context.Context, sessionID string, answer SessionDescription) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	var resp RenegotiateResponse
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/sessions/%s/renegotiate", sessionID), RenegotiateRequest{SessionDescription: answer}, &resp)
	if err != nil {
		return fmt.Errorf("failed to renegotiate: %w", err)
	}
	if resp.ErrorCode != "" {
		return &APIError{Code: resp.ErrorCode, Description: resp.ErrorDescription}
	}
	c.logger.Debug("broker renegotiation acknowledged", "sessionID", sessionID)
	return nil
}

// do performs one authenticated JSON request against the broker.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain broker credential: %w", err)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Some error responses still carry an errorCode body worth surfacing.
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			ErrorCode        string `json:"errorCode"`
			ErrorDescription string `json:"errorDescription"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.ErrorCode != "" {
			apiErr.Code = envelope.ErrorCode
			apiErr.Description = envelope.ErrorDescription
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse broker response: %w (body: %s)", err, string(respBody))
	}
	return nil
}
