package broker

// SessionDescription mirrors the SDP payload the broker exchanges.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TrackLocator identifies a track in a broker session. Local tracks are
// addressed by transceiver mid; remote tracks by the publishing session and
// track name.
type TrackLocator struct {
	Location  string `json:"location"` // "local" or "remote"
	Mid       string `json:"mid,omitempty"`
	TrackName string `json:"trackName,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewSessionRequest opens a session against the broker.
type NewSessionRequest struct {
	SessionDescription SessionDescription `json:"sessionDescription"`
}

// NewSessionResponse carries the broker-selected answer.
type NewSessionResponse struct {
	SessionID          string             `json:"sessionId"`
	SessionDescription SessionDescription `json:"sessionDescription"`
	ErrorCode          string             `json:"errorCode,omitempty"`
	ErrorDescription   string             `json:"errorDescription,omitempty"`
}

// TracksRequest publishes local tracks or subscribes to remote ones.
type TracksRequest struct {
	Tracks             []TrackLocator      `json:"tracks"`
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
}

// TracksResponse acknowledges a tracks call. When the broker needs the
// client to apply a new remote description before media can flow it sets
// RequiresImmediateRenegotiation and includes the description.
type TracksResponse struct {
	Tracks                         []TrackLocator      `json:"tracks"`
	SessionDescription             *SessionDescription `json:"sessionDescription,omitempty"`
	RequiresImmediateRenegotiation bool                `json:"requiresImmediateRenegotiation"`
	ErrorCode                      string              `json:"errorCode,omitempty"`
	ErrorDescription               string              `json:"errorDescription,omitempty"`
}

// RenegotiateRequest completes a broker-initiated renegotiation.
type RenegotiateRequest struct {
	SessionDescription SessionDescription `json:"sessionDescription"`
}

// RenegotiateResponse acknowledges a renegotiation.
type RenegotiateResponse struct {
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}
