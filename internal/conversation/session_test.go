package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/whisper/avatar-chat/internal/media"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/protocol"
	"github.com/whisper/avatar-chat/internal/session"
	"github.com/whisper/avatar-chat/internal/timeline"
	"github.com/whisper/avatar-chat/internal/transcript"
)

// ---------------------------------------------------------------------------
// Test: Agent text is stripped of commands; command-only text is dropped
// ---------------------------------------------------------------------------

func TestIngest_CommandsStripped(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.flush()

	h.deliver("agent-1", t0, `{"text":"<avatar mood=\"happy\"/>Hello<avatar action=\"wave\"/>"}`)
	h.deliver("agent-1", t0.Add(time.Second), `{"text":"<avatar mood=\"sad\"/>"}`)

	if got := h.contents(); !reflect.DeepEqual(got, []string{"Hello"}) {
		t.Fatalf("expected only [Hello], got %q", got)
	}
	want := []string{`<avatar mood="happy"/>`, `<avatar action="wave"/>`, `<avatar mood="sad"/>`}
	if got := h.commands.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands: expected %q, got %q", want, got)
	}
}

// ---------------------------------------------------------------------------
// Test: Pure chat without an agent session shows raw text
// ---------------------------------------------------------------------------

func TestIngest_PureChatShowsRawText(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })

	raw := `Hi <avatar mood="happy"/>`
	body, _ := json.Marshal(map[string]string{"text": raw})
	h.deliver("agent-1", t0, string(body))

	if got := h.contents(); !reflect.DeepEqual(got, []string{raw}) {
		t.Fatalf("expected raw text, got %q", got)
	}
	if n := len(h.commands.list()); n != 0 {
		t.Fatalf("expected no commands, got %d", n)
	}
	if mode := h.s.Snapshot().Mode; mode != timeline.ModeChatOnly {
		t.Fatalf("expected chat-only mode, got %q", mode)
	}
}

// ---------------------------------------------------------------------------
// Test: The payload discriminator decides the role before the publisher
// ---------------------------------------------------------------------------

func TestIngest_RoleResolution(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })

	assistant, _ := protocol.EncodeTranscription("assistant.transcription", "from relay", "1", "")
	user, _ := protocol.EncodeTranscription("user.transcription", "spoken by me", "2", "")

	h.deliver("101", t0, string(assistant))
	h.deliver("agent-1", t0.Add(time.Second), string(user))
	h.deliver("agent-1", t0.Add(2*time.Second), `{not json`)

	msgs := h.s.Snapshot().Messages
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(msgs), msgs)
	}
	tests := []struct {
		content string
		role    timeline.Role
		own     bool
	}{
		{"from relay", timeline.RoleAgent, false},
		{"spoken by me", timeline.RoleUser, true},
		{"{not json", timeline.RoleAgent, false},
	}
	for i, tt := range tests {
		m := msgs[i]
		if m.Content != tt.content || m.Role != tt.role || m.IsOwn != tt.own {
			t.Errorf("message %d: got (%q, %s, own=%v), want (%q, %s, own=%v)",
				i, m.Content, m.Role, m.IsOwn, tt.content, tt.role, tt.own)
		}
	}

	// A relayed user transcription is attributed to the local participant.
	if p := msgs[1].ParticipantID; p != "101" {
		t.Errorf("user transcription participant: got %q, want %q", p, "101")
	}
	if p := msgs[2].ParticipantID; p != "agent-1" {
		t.Errorf("plain text keeps its publisher: got %q", p)
	}
}

// ---------------------------------------------------------------------------
// Test: Binary messages with invalid UTF-8 are decoded, not dropped
// ---------------------------------------------------------------------------

func TestIngest_BinaryInvalidUTF8(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })

	h.deliverTyped("agent-1", t0, protocol.MessageTypeBinary, []byte("caf\xe9 ok"))
	h.deliverTyped("agent-1", t0.Add(time.Second), protocol.MessageTypeBinary, []byte("plain bytes"))

	want := []string{"caf\uFFFD ok", "plain bytes"}
	if got := h.contents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if role := h.s.Snapshot().Messages[0].Role; role != timeline.RoleAgent {
		t.Fatalf("expected agent role, got %s", role)
	}
}

// ---------------------------------------------------------------------------
// Test: The Custom-Type header does not decide the role
// ---------------------------------------------------------------------------

func TestIngest_CustomTypeIgnoredForRole(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })

	h.msg.deliver(messaging.Event{
		Channel:     "demo",
		Publisher:   "agent-1",
		MessageType: protocol.MessageTypeString,
		CustomType:  protocol.CustomTypeUserTranscription,
		Timestamp:   t0,
		Message:     []byte("plain agent text"),
	})
	h.flush()

	msgs := h.s.Snapshot().Messages
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != timeline.RoleAgent || msgs[0].IsOwn {
		t.Fatalf("expected agent message, got %s own=%v", msgs[0].Role, msgs[0].IsOwn)
	}
}

// ---------------------------------------------------------------------------
// Test: Duplicate windows at ingest
// ---------------------------------------------------------------------------

func TestIngest_DuplicateWindows(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })

	// Text payloads use the typed window (1000 ms).
	h.deliver("agent-1", t0, `{"text":"same"}`)
	h.deliver("agent-1", t0.Add(500*time.Millisecond), `{"text":"same"}`)
	h.deliver("agent-1", t0.Add(1500*time.Millisecond), `{"text":"same"}`)
	if n := len(h.s.Snapshot().Messages); n != 2 {
		t.Fatalf("typed window: expected 2 messages, got %d", n)
	}

	// Transcription payloads use the wider window (2000 ms).
	tr, _ := protocol.EncodeTranscription("assistant.transcription", "spoken", "", "")
	h.deliver("agent-1", t0.Add(10*time.Second), string(tr))
	h.deliver("agent-1", t0.Add(11500*time.Millisecond), string(tr))
	count := 0
	for _, c := range h.contents() {
		if c == "spoken" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("transcription window: expected 1 message, got %d", count)
	}
}

// ---------------------------------------------------------------------------
// Test: A redelivered event is processed once
// ---------------------------------------------------------------------------

func TestReplayFilter(t *testing.T) {
	f := newReplayFilter(2)
	body := []byte(strings.Repeat("x", 80))

	if !f.Observe("a", t0, body) {
		t.Fatal("first observation should be new")
	}
	if f.Observe("a", t0, body) {
		t.Fatal("second observation should be a replay")
	}
	// Only the first 50 characters take part in the key.
	if f.Observe("a", t0, append([]byte(strings.Repeat("x", 50)), 'y')) {
		t.Fatal("same 50-char prefix should be a replay")
	}
	if !f.Observe("b", t0, body) || !f.Observe("c", t0, body) {
		t.Fatal("different publishers should be new")
	}
	// Capacity 2 evicted "a".
	if !f.Observe("a", t0, body) {
		t.Fatal("evicted key should be new again")
	}
	f.Reset()
	if !f.Observe("c", t0, body) {
		t.Fatal("reset should forget everything")
	}
}

// ---------------------------------------------------------------------------
// Test: Typing indicators start, stop on a real message, and expire
// ---------------------------------------------------------------------------

func TestTyping(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) {
		c.PureChat = true
		c.TypingTimeout = 50 * time.Millisecond
	})

	h.deliver("101", time.Now(), `{"type":"typing_start"}`)
	if typing := h.s.Snapshot().Typing; len(typing) != 0 {
		t.Fatalf("user typing must be ignored, got %v", typing)
	}

	h.deliver("agent-1", time.Now(), `{"type":"typing_start"}`)
	if typing := h.s.Snapshot().Typing; !reflect.DeepEqual(typing, []string{"agent-1"}) {
		t.Fatalf("expected agent-1 typing, got %v", typing)
	}
	if n := len(h.s.Snapshot().Messages); n != 0 {
		t.Fatalf("typing signal must not be displayed, got %d messages", n)
	}

	h.deliver("agent-1", time.Now(), `{"text":"done"}`)
	if typing := h.s.Snapshot().Typing; len(typing) != 0 {
		t.Fatalf("real message should clear typing, got %v", typing)
	}

	h.deliver("agent-1", time.Now().Add(time.Millisecond), `{"type":"typing_start"}`)
	eventually(t, "typing expiry", func() bool { return len(h.s.Snapshot().Typing) == 0 })
}

// ---------------------------------------------------------------------------
// Test: Sends publish to the agent and record history only on success
// ---------------------------------------------------------------------------

func TestSend(t *testing.T) {
	t.Run("success in pure chat", func(t *testing.T) {
		h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })

		if !h.s.Send(context.Background(), "  hello  ") {
			t.Fatal("Send returned false")
		}
		h.flush()

		sent := h.msg.sent()
		if len(sent) != 1 {
			t.Fatalf("expected 1 publish, got %d", len(sent))
		}
		if sent[0].target != "agent-demo" {
			t.Errorf("target: got %q", sent[0].target)
		}
		if sent[0].opts.CustomType != protocol.CustomTypeUserTranscription {
			t.Errorf("custom type: got %q", sent[0].opts.CustomType)
		}
		var out protocol.OutboundMessage
		if err := json.Unmarshal(sent[0].payload, &out); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if out.Message != "hello" || out.Priority != "APPEND" {
			t.Errorf("payload: got %+v", out)
		}

		msgs := h.s.Snapshot().Messages
		if len(msgs) != 1 || msgs[0].Content != "hello" || !msgs[0].IsOwn {
			t.Fatalf("expected own message in timeline, got %+v", msgs)
		}
	})

	t.Run("failure leaves timeline untouched", func(t *testing.T) {
		h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })
		h.msg.publishErr = errPublish

		outcome, err := h.s.TrySend(context.Background(), "hello", SendOptions{})
		if outcome != SendFailed || !errors.Is(err, errPublish) {
			t.Fatalf("expected failed send, got %s / %v", outcome, err)
		}
		h.flush()
		if n := len(h.s.Snapshot().Messages); n != 0 {
			t.Fatalf("expected empty timeline, got %d messages", n)
		}
	})

	t.Run("skip history", func(t *testing.T) {
		h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })

		outcome, _ := h.s.TrySend(context.Background(), "hidden", SendOptions{SkipHistory: true})
		if outcome != SendOK {
			t.Fatalf("expected ok, got %s", outcome)
		}
		h.flush()
		if len(h.msg.sent()) != 1 || len(h.s.Snapshot().Messages) != 0 {
			t.Fatal("expected a publish without a timeline entry")
		}
	})

	t.Run("agent session relies on echo", func(t *testing.T) {
		h := newHarness(t, nil)
		if err := h.s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if !h.s.Send(context.Background(), "hello") {
			t.Fatal("Send returned false")
		}
		h.flush()
		if n := len(h.s.Snapshot().Messages); n != 0 {
			t.Fatalf("expected no local copy, got %d", n)
		}
	})

	t.Run("invalid and throttled", func(t *testing.T) {
		h := newHarness(t, func(c *Config, d *Deps) {
			c.PureChat = true
			d.Limiter = fakeLimiter{allow: false}
		})
		if outcome, _ := h.s.TrySend(context.Background(), "   ", SendOptions{}); outcome != SendInvalid {
			t.Errorf("blank: expected invalid, got %s", outcome)
		}
		if outcome, _ := h.s.TrySend(context.Background(), "hi", SendOptions{}); outcome != SendRateLimited {
			t.Errorf("expected rate limited, got %s", outcome)
		}
		if n := len(h.msg.sent()); n != 0 {
			t.Errorf("expected no publish, got %d", n)
		}
	})
}

// ---------------------------------------------------------------------------
// Test: Subtitles survive a disconnect in pure chat exactly once
// ---------------------------------------------------------------------------

func TestSessionBoundaryPreservation(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })
	ctx := context.Background()

	if err := h.s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.flush()
	h.subtitles.push(transcript.Fragment{TurnID: "1", Text: "Hello there", StartMs: t0.UnixMilli()})
	h.flush()

	snap := h.s.Snapshot()
	if snap.Mode != timeline.ModeIntegrated || len(snap.Messages) != 1 {
		t.Fatalf("expected live subtitle in integrated mode, got %s %+v", snap.Mode, snap.Messages)
	}
	if snap.Messages[0].Completion != timeline.CompletionInProgress {
		t.Fatalf("expected in-progress subtitle, got %q", snap.Messages[0].Completion)
	}

	for i := 0; i < 2; i++ {
		if err := h.s.Disconnect(ctx); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		h.flush()
	}

	snap = h.s.Snapshot()
	if snap.Mode != timeline.ModeChatOnly {
		t.Fatalf("expected chat-only mode after disconnect, got %s", snap.Mode)
	}
	if got := h.contents(); !reflect.DeepEqual(got, []string{"Hello there"}) {
		t.Fatalf("expected one preserved message, got %q", got)
	}
	if snap.Messages[0].Affinity != timeline.AffinityPrevious {
		t.Fatalf("expected previous affinity, got %q", snap.Messages[0].Affinity)
	}
	if !snap.ChatEnabled || !snap.State.Messaging.Connected {
		t.Fatal("pure chat should keep messaging connected and chat enabled")
	}

	// A second cycle must not duplicate the preserved entry.
	if err := h.s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	h.flush()
	if err := h.s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.flush()
	if got := h.contents(); !reflect.DeepEqual(got, []string{"Hello there"}) {
		t.Fatalf("after second cycle expected one message, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Turn ids reused by a new agent session do not hide earlier turns
// ---------------------------------------------------------------------------

func TestSessionBoundaryTurnReuse(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })
	ctx := context.Background()

	if err := h.s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.flush()
	first := "Hello from the first session, nice to meet you"
	h.subtitles.push(transcript.Fragment{TurnID: "1", Text: first, Final: true, StartMs: t0.UnixMilli()})
	h.flush()

	if err := h.s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.flush()
	if err := h.s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	h.flush()

	h.subtitles.push(transcript.Fragment{TurnID: "1", Text: "Welcome back!", Final: true, StartMs: t0.Add(time.Minute).UnixMilli()})
	h.flush()

	want := []string{first, "Welcome back!"}
	if got := h.contents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if err := h.s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.flush()
	if got := h.contents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("after disconnect expected %q, got %q", want, got)
	}
}

// ---------------------------------------------------------------------------
// Test: Commands in a completed subtitle run once
// ---------------------------------------------------------------------------

func TestSubtitleCommandsOnce(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.flush()

	h.subtitles.push(transcript.Fragment{TurnID: "1", Text: `<avatar mood="happy"/>Hi`, Final: true, StartMs: t0.UnixMilli()})
	h.flush()
	h.subtitles.push(transcript.Fragment{TurnID: "2", Text: "Next", StartMs: t0.Add(time.Second).UnixMilli()})
	h.flush()

	if got := h.commands.list(); len(got) != 1 {
		t.Fatalf("expected one command, got %q", got)
	}
	if got := h.contents(); !reflect.DeepEqual(got, []string{"Hi", "Next"}) {
		t.Fatalf("expected stripped subtitles, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Video publish completes the composite connection
// ---------------------------------------------------------------------------

func TestMediaFullyConnected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.flush()
	if h.s.Snapshot().FullyConnected() {
		t.Fatal("should not be fully connected before the avatar video")
	}

	h.media.emit(media.Event{Type: media.UserPublished, UID: "agent-1", Media: media.Video})
	h.flush()
	if !h.s.Snapshot().FullyConnected() {
		t.Fatalf("expected fully connected, state %+v", h.s.Snapshot().State)
	}

	h.media.emit(media.Event{Type: media.UserUnpublished, UID: "agent-1", Media: media.Video})
	h.flush()
	if h.s.Snapshot().FullyConnected() {
		t.Fatal("unpublish should drop full connection")
	}

	h.media.emit(media.Event{Type: media.UserPublished, UID: "agent-1", Media: media.Video})
	h.flush()
	if err := h.s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.flush()

	if h.s.Snapshot().FullyConnected() {
		t.Fatal("disconnect should drop full connection")
	}
	h.media.mu.Lock()
	defer h.media.mu.Unlock()
	for i, tr := range h.media.tracks {
		if !tr.closed {
			t.Errorf("track %d left open", i)
		}
	}
	if h.media.leaves != 1 {
		t.Errorf("expected one media leave, got %d", h.media.leaves)
	}
}

// ---------------------------------------------------------------------------
// Test: A failed agent start rolls the connection back
// ---------------------------------------------------------------------------

func TestConnect_RollbackOnAgentFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.startErr = errors.New("no capacity")

	if err := h.s.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	h.flush()

	st := h.s.Snapshot().State
	if st.App.ConnectInitiated || st.Agent.Connected || st.MediaTransport.Connected {
		t.Fatalf("expected rolled back state, got %+v", st)
	}
	if h.subtitles.unsubs != 1 {
		t.Errorf("expected subtitles unsubscribed, got %d", h.subtitles.unsubs)
	}
	if h.msg.leaves != 1 {
		t.Errorf("expected messaging left outside pure chat, got %d", h.msg.leaves)
	}
}

// ---------------------------------------------------------------------------
// Test: Reset drops history and returns to the loaded state
// ---------------------------------------------------------------------------

func TestReset(t *testing.T) {
	hist := &fakeHistory{}
	h := newHarness(t, func(c *Config, d *Deps) {
		c.PureChat = true
		d.History = hist
	})
	ctx := context.Background()

	h.deliver("agent-1", t0, `{"text":"before reset"}`)
	if err := h.s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	h.flush()

	snap := h.s.Snapshot()
	if len(snap.Messages) != 0 {
		t.Fatalf("expected empty timeline, got %+v", snap.Messages)
	}
	if !snap.State.App.Loaded || snap.State.App.ConnectInitiated || !snap.State.Messaging.Connected {
		t.Fatalf("unexpected state after reset: %+v", snap.State)
	}
	eventually(t, "history delete", func() bool { return hist.deleteCount() > 0 })
}

// ---------------------------------------------------------------------------
// Test: Persisted history is restored as previous-session messages
// ---------------------------------------------------------------------------

func TestHistoryRestore(t *testing.T) {
	hist := &fakeHistory{loaded: &session.History{
		Pending: []timeline.ChatMessage{{
			ID:          "m1",
			Role:        timeline.RoleAgent,
			Timestamp:   t0,
			Content:     "from yesterday",
			ContentKind: timeline.KindText,
			Origin:      timeline.OriginTyped,
			Affinity:    timeline.AffinityCurrent,
		}},
		Cycle: 3,
	}}
	h := newHarness(t, func(c *Config, d *Deps) {
		c.PureChat = true
		d.History = hist
	})
	h.flush()

	msgs := h.s.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].Content != "from yesterday" {
		t.Fatalf("expected restored message, got %+v", msgs)
	}
	if msgs[0].Affinity != timeline.AffinityPrevious {
		t.Fatalf("expected previous affinity, got %q", msgs[0].Affinity)
	}
}

// ---------------------------------------------------------------------------
// Test: Chat is enabled by an agent session or by pure chat messaging
// ---------------------------------------------------------------------------

func TestChatEnabled(t *testing.T) {
	h := newHarness(t, nil)
	h.flush()
	if h.s.Snapshot().ChatEnabled {
		t.Fatal("chat should be disabled before connecting outside pure chat")
	}
	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.flush()
	if !h.s.Snapshot().ChatEnabled {
		t.Fatal("chat should be enabled once connect is initiated")
	}

	p := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })
	p.flush()
	if !p.s.Snapshot().ChatEnabled {
		t.Fatal("pure chat with messaging connected should enable chat")
	}
}

// ---------------------------------------------------------------------------
// Test: Observers receive the latest update and every change
// ---------------------------------------------------------------------------

func TestSubscribe(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.PureChat = true })
	h.flush()

	updates := make(chan Update, 16)
	cancel := h.s.Subscribe(func(u Update) { updates <- u })

	select {
	case <-updates:
	default:
		t.Fatal("Subscribe should deliver the latest update immediately")
	}

	h.deliver("agent-1", t0, `{"text":"ping"}`)
	select {
	case u := <-updates:
		if len(u.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(u.Messages))
		}
	default:
		t.Fatal("expected an update after a new message")
	}

	cancel()
	h.deliver("agent-1", t0.Add(5*time.Second), `{"text":"pong"}`)
	select {
	case <-updates:
		t.Fatal("cancelled observer received an update")
	default:
	}
}
