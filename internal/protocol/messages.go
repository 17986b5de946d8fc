// Package protocol defines the presenter WebSocket messages exchanged between
// the bridge and timeline presenters, and the payload formats carried over
// the messaging transport. Presenter messages are JSON objects that share an
// envelope format with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/avatar-chat/internal/connstate"
	"github.com/whisper/avatar-chat/internal/timeline"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeSendMessage = "send_message"
	TypeConnect     = "connect"
	TypeDisconnect  = "disconnect"
	TypeReset       = "reset"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeTimeline       = "timeline"
	TypeSendResult     = "send_result"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full raw bytes and extracts only the "type" field;
// the rest is decoded later into the concrete struct.
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

// SubscribeMsg attaches the presenter to a conversation channel. An empty
// channel selects the bridge's default channel.
type SubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// SendMessageMsg asks the bridge to publish a user message to the agent.
type SendMessageMsg struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	SkipHistory bool   `json:"skip_history,omitempty"`
}

// ConnectMsg starts the agent session for the subscribed channel.
type ConnectMsg struct {
	Type string `json:"type"`
}

// DisconnectMsg tears the agent session down.
type DisconnectMsg struct {
	Type string `json:"type"`
}

// ResetMsg clears all conversation state, including preserved history.
type ResetMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a presenter connects.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Status summarises the connection state for presenters.
type Status struct {
	State          connstate.State `json:"state"`
	FullyConnected bool            `json:"fully_connected"`
	ChatEnabled    bool            `json:"chat_enabled"`
	PureChat       bool            `json:"pure_chat"`
	Mode           timeline.Mode   `json:"mode"`
}

// TimelineMsg carries a complete, already merged timeline. Presenters
// replace their view with it; there are no partial updates.
type TimelineMsg struct {
	Type     string                 `json:"type"`
	Channel  string                 `json:"channel"`
	Messages []timeline.ChatMessage `json:"messages"`
	Typing   []string               `json:"typing"`
	Status   Status                 `json:"status"`
}

// SendResultMsg reports whether a send_message was published.
type SendResultMsg struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

// RateLimitedMsg is sent by the server when sends are being throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
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
// encountered during parsing. Unknown or server-only types are errors.
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
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConnect:
		var m ConnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDisconnect:
		var m DisconnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReset:
		var m ResetMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and forces its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
