package signaling

import "encoding/json"

// Message types exchanged over the signaling channel.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeBye       = "bye"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Envelope is one signaling frame. SDP fields are set for offer/answer,
// Candidate for trickled ICE candidates.
type Envelope struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	SDPType   string          `json:"sdpType,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}
