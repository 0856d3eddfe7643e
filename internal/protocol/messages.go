// Package protocol defines the WebSocket message types and structures used for
// signaling between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartMatching  = "start-matching"
	TypeCancelMatching = "cancel-matching"
	TypeJoinSession    = "join-session"
	TypeCreateLink     = "create-link"
	TypeAcceptBot      = "accept-bot"
	TypeEndSession     = "end-session"
	TypePing           = "ping"
)

// Relayed in both directions between the two participants.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeTextMessage  = "text-message"
)

// Server -> Client message types.
const (
	TypeConnected        = "connected"
	TypeRegionDetected   = "region-detected"
	TypeQueued           = "queued"
	TypeMatched          = "matched"
	TypeBotAvailable     = "bot-available"
	TypeLinkCreated      = "link-created"
	TypePeerDisconnected = "peer-disconnected"
	TypeSessionEnded     = "session-ended"
	TypeError            = "error"
	TypePong             = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidCategory    = "INVALID_CATEGORY"
	CodeInvalidFilter      = "INVALID_FILTER"
	CodeInvalidRegion      = "INVALID_REGION"
	CodeInvalidText        = "INVALID_TEXT"
	CodeTextBlocked        = "TEXT_BLOCKED"
	CodeAlreadyInSession   = "ALREADY_IN_SESSION"
	CodeNoSession          = "NO_SESSION"
	CodeInvalidLink        = "INVALID_LINK"
	CodeCreatorUnavailable = "CREATOR_UNAVAILABLE"
	CodeNotQueued          = "NOT_QUEUED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeMatchingError      = "MATCHING_ERROR"
	CodeJoinError          = "JOIN_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrUnknownType is returned by ParseClientMessage for unknown or
// server-only message types.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope, used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// StartMatchingMsg enters the waiting queue.
type StartMatchingMsg struct {
	Type         string `json:"type"`
	Category     string `json:"category"`
	Filter       string `json:"filter"`
	RegionFilter string `json:"regionFilter"`
}

// CancelMatchingMsg leaves the waiting queue.
type CancelMatchingMsg struct {
	Type string `json:"type"`
}

// JoinSessionMsg joins the creator of a shareable link.
type JoinSessionMsg struct {
	Type   string `json:"type"`
	LinkID string `json:"linkId"`
}

// CreateLinkMsg asks for a shareable link owned by the sender.
type CreateLinkMsg struct {
	Type     string `json:"type"`
	Reusable bool   `json:"reusable"`
}

// AcceptBotMsg accepts a previously offered bot fallback.
type AcceptBotMsg struct {
	Type string `json:"type"`
}

// EndSessionMsg ends the sender's current session.
type EndSessionMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Relayed message structs. SDP and ICE payloads are kept raw so they reach
// the peer exactly as sent.
// ---------------------------------------------------------------------------

// OfferMsg carries an SDP offer.
type OfferMsg struct {
	Type string          `json:"type"`
	SDP  json.RawMessage `json:"sdp"`
}

// AnswerMsg carries an SDP answer.
type AnswerMsg struct {
	Type string          `json:"type"`
	SDP  json.RawMessage `json:"sdp"`
}

// ICECandidateMsg carries one trickled ICE candidate.
type ICECandidateMsg struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

// TextMsg is a chat line. Inbound it carries only Text; the relay stamps
// Timestamp (and From for bot replies) on the way out.
type TextMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
	From      string `json:"from,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg tells the client the id assigned to its connection.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// RegionDetectedMsg reports the detected region and matching ICE servers.
type RegionDetectedMsg struct {
	Type       string             `json:"type"`
	Region     string             `json:"region"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// QueuedMsg confirms the client entered the waiting queue.
type QueuedMsg struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// MatchedMsg announces a new session to a participant.
type MatchedMsg struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"sessionId"`
	PeerID     string             `json:"peerId"`
	IsPeerBot  bool               `json:"isPeerBot"`
	Initiator  bool               `json:"initiator"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// BotAvailableMsg offers the bot fallback to a waiting user.
type BotAvailableMsg struct {
	Type string `json:"type"`
}

// LinkCreatedMsg returns a new shareable link to its creator.
type LinkCreatedMsg struct {
	Type      string `json:"type"`
	LinkID    string `json:"linkId"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
	Reusable  bool   `json:"reusable"`
}

// PeerDisconnectedMsg is sent when the other participant left.
type PeerDisconnectedMsg struct {
	Type string `json:"type"`
}

// SessionEndedMsg confirms the sender's own end-session request.
type SessionEndedMsg struct {
	Type string `json:"type"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown or server-only types wrap
// ErrUnknownType.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartMatching:
		var m StartMatchingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatching:
		var m CancelMatchingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinSession:
		var m JoinSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateLink:
		var m CreateLinkMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptBot:
		var m AcceptBotMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer:
		var m OfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAnswer:
		var m AnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeICECandidate:
		var m ICECandidateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTextMessage:
		var m TextMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key, so payload
// may be any struct or map that encodes to a JSON object, or nil.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
		if m == nil {
			m = map[string]interface{}{}
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError builds an ErrorMsg payload.
func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: message}
}
