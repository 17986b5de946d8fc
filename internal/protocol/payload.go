package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Messaging transport message types, carried in the Message-Type header.
const (
	MessageTypeString = "STRING"
	MessageTypeBinary = "BINARY"
)

// Outbound send constants.
const (
	PriorityAppend              = "APPEND"
	CustomTypeUserTranscription = "user.transcription"
	typingStart                 = "typing_start"
)

// PayloadKind classifies a decoded messaging payload.
type PayloadKind int

const (
	// PayloadRaw is anything that is not one of the known JSON shapes. It is
	// displayed as plain text.
	PayloadRaw PayloadKind = iota
	PayloadTranscription
	PayloadTyping
	PayloadText
	PayloadImage
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadTranscription:
		return "transcription"
	case PayloadTyping:
		return "typing"
	case PayloadText:
		return "text"
	case PayloadImage:
		return "image"
	default:
		return "raw"
	}
}

// Payload is the decoded form of one messaging transport message.
type Payload struct {
	Kind      PayloadKind
	Object    string
	Text      string
	TurnID    string
	MessageID string
	ImageURL  string
}

type wirePayload struct {
	Type      string          `json:"type"`
	Object    string          `json:"object"`
	Text      *string         `json:"text"`
	TurnID    json.RawMessage `json:"turn_id"`
	MessageID json.RawMessage `json:"message_id"`
	Img       string          `json:"img"`
	Message   *string         `json:"message"`
}

// DecodePayload interprets a message body. It never fails: bodies that are
// not JSON objects, or objects of no known shape, come back as PayloadRaw
// with the body as text.
func DecodePayload(body []byte) Payload {
	raw := Payload{Kind: PayloadRaw, Text: string(body)}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var w wirePayload
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return raw
	}

	p := Payload{
		Object:    w.Object,
		TurnID:    flexibleString(w.TurnID),
		MessageID: flexibleString(w.MessageID),
	}
	if w.Text != nil {
		p.Text = *w.Text
	}

	switch {
	case w.Type == typingStart:
		p.Kind = PayloadTyping
	case w.Object != "":
		p.Kind = PayloadTranscription
	case w.Img != "":
		p.Kind = PayloadImage
		p.ImageURL = w.Img
	case w.Text != nil:
		p.Kind = PayloadText
	case w.Message != nil:
		// An echoed user send.
		p.Kind = PayloadText
		p.Text = *w.Message
	default:
		return raw
	}
	return p
}

// flexibleString accepts ids sent either as JSON strings or numbers.
func flexibleString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}

// OutboundMessage is the body of a user send to the agent.
type OutboundMessage struct {
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

// EncodeOutbound builds the body published for a user send.
func EncodeOutbound(text string) ([]byte, error) {
	data, err := json.Marshal(OutboundMessage{Message: text, Priority: PriorityAppend})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal outbound message: %w", err)
	}
	return data, nil
}

// EncodeTranscription builds a transcription payload, as published by
// relays and used by tests and tools.
func EncodeTranscription(object, text, turnID, messageID string) ([]byte, error) {
	data, err := json.Marshal(struct {
		Object    string `json:"object"`
		Text      string `json:"text"`
		TurnID    string `json:"turn_id,omitempty"`
		MessageID string `json:"message_id,omitempty"`
	}{object, text, turnID, messageID})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal transcription: %w", err)
	}
	return data, nil
}
