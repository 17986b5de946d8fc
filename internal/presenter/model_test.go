package presenter

import (
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/whisper/avatar-chat/internal/protocol"
	"github.com/whisper/avatar-chat/internal/timeline"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []interface{}
	err  error
}

func (f *fakeSender) Send(msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return next.(Model)
}

func enter(t *testing.T, m Model, text string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(text)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

// ---------------------------------------------------------------------------
// Test: chat text is sent only while chat is enabled
// ---------------------------------------------------------------------------

func TestModel_SendRequiresChatEnabled(t *testing.T) {
	sender := &fakeSender{}
	m := sized(t, NewModel(sender, "demo"))

	m, cmd := enter(t, m, "hello")
	if cmd != nil {
		t.Fatal("disabled chat should not produce a send command")
	}
	if m.notice == "" {
		t.Error("expected a notice while chat is disabled")
	}

	next, _ := m.Update(TimelineUpdate{Status: protocol.Status{ChatEnabled: true}})
	m = next.(Model)

	m, cmd = enter(t, m, "  hello  ")
	if cmd == nil {
		t.Fatal("expected a send command")
	}
	cmd()

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	got, ok := sender.sent[0].(protocol.SendMessageMsg)
	if !ok || got.Text != "hello" || got.Type != protocol.TypeSendMessage {
		t.Errorf("sent %+v", sender.sent[0])
	}
	if m.input.Value() != "" {
		t.Errorf("input not cleared: %q", m.input.Value())
	}
}

// ---------------------------------------------------------------------------
// Test: slash commands map to session control messages
// ---------------------------------------------------------------------------

func TestModel_SlashCommands(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/connect", protocol.TypeConnect},
		{"/Disconnect", protocol.TypeDisconnect},
		{"/reset", protocol.TypeReset},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			sender := &fakeSender{}
			m := sized(t, NewModel(sender, "demo"))
			_, cmd := enter(t, m, tt.input)
			if cmd == nil {
				t.Fatal("expected a command")
			}
			cmd()
			if len(sender.sent) != 1 {
				t.Fatalf("sent %d messages, want 1", len(sender.sent))
			}
			var typ string
			switch v := sender.sent[0].(type) {
			case protocol.ConnectMsg:
				typ = v.Type
			case protocol.DisconnectMsg:
				typ = v.Type
			case protocol.ResetMsg:
				typ = v.Type
			}
			if typ != tt.want {
				t.Errorf("type = %q, want %q", typ, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: send failures surface in the status bar
// ---------------------------------------------------------------------------

func TestModel_SendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("broken pipe")}
	m := sized(t, NewModel(sender, "demo"))

	_, cmd := enter(t, m, "/connect")
	out := cmd()

	next, _ := m.Update(out)
	m = next.(Model)
	if !strings.Contains(m.View(), "broken pipe") {
		t.Error("view should show the send error")
	}
}

// ---------------------------------------------------------------------------
// Test: the view renders the timeline or the empty text
// ---------------------------------------------------------------------------

func TestModel_View(t *testing.T) {
	m := sized(t, NewModel(&fakeSender{}, "demo"))
	if !strings.Contains(m.View(), "No messages") {
		t.Error("empty timeline should show the empty text")
	}

	next, _ := m.Update(TimelineUpdate{
		Messages: []timeline.ChatMessage{{
			ID:          "1",
			Role:        timeline.RoleAgent,
			Timestamp:   now,
			Content:     "Welcome back",
			ContentKind: timeline.KindText,
			Origin:      timeline.OriginTyped,
		}},
	})
	m = next.(Model)
	view := m.View()
	if !strings.Contains(view, "Welcome back") {
		t.Errorf("view missing message:\n%s", view)
	}
	if !strings.Contains(view, "Agent") {
		t.Errorf("view missing agent label:\n%s", view)
	}
}

// ---------------------------------------------------------------------------
// Test: rate limiting and disconnects set notices
// ---------------------------------------------------------------------------

func TestModel_Notices(t *testing.T) {
	m := sized(t, NewModel(&fakeSender{}, "demo"))

	next, _ := m.Update(SendResult{RetryAfter: 3})
	m = next.(Model)
	if !strings.Contains(m.notice, "3s") {
		t.Errorf("notice = %q", m.notice)
	}

	next, _ = m.Update(Disconnected{})
	m = next.(Model)
	if !m.closed {
		t.Error("model should be closed after Disconnected")
	}
}
