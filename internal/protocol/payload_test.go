package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		kind      PayloadKind
		text      string
		turnID    string
		messageID string
	}{
		{"assistant transcription", `{"object":"assistant.transcription","text":"Hi","turn_id":3,"message_id":"m-3"}`, PayloadTranscription, "Hi", "3", "m-3"},
		{"user transcription", `{"object":"user.transcription","text":"Yo","turn_id":"t9"}`, PayloadTranscription, "Yo", "t9", ""},
		{"typing", `{"type":"typing_start"}`, PayloadTyping, "", "", ""},
		{"generic text", `{"text":"plain","turn_id":"4"}`, PayloadText, "plain", "4", ""},
		{"empty text field", `{"text":""}`, PayloadText, "", "", ""},
		{"echoed send", `{"message":"hey","priority":"APPEND"}`, PayloadText, "hey", "", ""},
		{"not json", `hello <avatar mood="x"/>`, PayloadRaw, `hello <avatar mood="x"/>`, "", ""},
		{"broken json", `{"text": "unterminated`, PayloadRaw, `{"text": "unterminated`, "", ""},
		{"unknown shape", `{"foo":"bar"}`, PayloadRaw, `{"foo":"bar"}`, "", ""},
		{"json array", `["a"]`, PayloadRaw, `["a"]`, "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DecodePayload([]byte(tc.body))
			if p.Kind != tc.kind {
				t.Fatalf("expected kind %v, got %v", tc.kind, p.Kind)
			}
			if p.Text != tc.text {
				t.Errorf("expected text %q, got %q", tc.text, p.Text)
			}
			if p.TurnID != tc.turnID {
				t.Errorf("expected turn_id %q, got %q", tc.turnID, p.TurnID)
			}
			if p.MessageID != tc.messageID {
				t.Errorf("expected message_id %q, got %q", tc.messageID, p.MessageID)
			}
		})
	}
}

func TestDecodePayload_Image(t *testing.T) {
	p := DecodePayload([]byte(`{"img":"https://cdn.example.com/a.png"}`))
	if p.Kind != PayloadImage {
		t.Fatalf("expected image payload, got %v", p.Kind)
	}
	if p.ImageURL != "https://cdn.example.com/a.png" {
		t.Errorf("unexpected image url %q", p.ImageURL)
	}
}

func TestEncodeOutbound(t *testing.T) {
	data, err := EncodeOutbound("what's up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out OutboundMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if out.Message != "what's up" || out.Priority != PriorityAppend {
		t.Errorf("unexpected outbound message: %+v", out)
	}
}

func TestEncodeTranscription_Decodes(t *testing.T) {
	data, err := EncodeTranscription("assistant.transcription", "Sure", "12", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := DecodePayload(data)
	if p.Kind != PayloadTranscription || p.Object != "assistant.transcription" || p.TurnID != "12" {
		t.Errorf("unexpected payload: %+v", p)
	}
}
