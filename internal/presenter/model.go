package presenter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/whisper/avatar-chat/internal/protocol"
	"github.com/whisper/avatar-chat/internal/timeline"
)

// --- message types ---

// TimelineUpdate replaces the rendered timeline.
type TimelineUpdate protocol.TimelineMsg

// SendResult reports the bridge's answer to a send_message.
type SendResult struct {
	OK         bool
	RetryAfter int
}

// ServerError is an error reported by the bridge.
type ServerError struct {
	Code    string
	Message string
}

// Disconnected is delivered when the bridge connection ends.
type Disconnected struct{ Err error }

type sendErrMsg struct{ err error }

// Sender writes one presenter message to the bridge.
type Sender interface {
	Send(msg interface{}) error
}

// --- model ---

// Model is the terminal timeline view. Slash commands /connect,
// /disconnect and /reset drive the session; any other input is sent as a
// chat message.
type Model struct {
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	sender   Sender
	channel  string
	timeline protocol.TimelineMsg
	notice   string
	closed   bool

	ready  bool
	width  int
	height int

	now func() time.Time
	loc *time.Location
}

// NewModel returns a model that sends through sender and labels itself
// with channel.
func NewModel(sender Sender, channel string) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /connect"
	ti.Focus()
	ti.CharLimit = 0
	ti.Prompt = "❯ "
	ti.PromptStyle = lipgloss.NewStyle().Foreground(Accent)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(Accent)

	return Model{
		input:   ti,
		spinner: sp,
		sender:  sender,
		channel: channel,
		now:     time.Now,
		loc:     time.Local,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// header(1) + divider(1) + viewport + divider(1) + input(1) + status(1)
		vpHeight := msg.Height - 5
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			out, ok := m.outbound(text)
			if !ok {
				return m, nil
			}
			m.input.SetValue("")
			m.notice = ""
			return m, m.send(out)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case TimelineUpdate:
		m.timeline = protocol.TimelineMsg(msg)
		m.refresh()
		return m, nil

	case SendResult:
		switch {
		case msg.RetryAfter > 0:
			m.notice = fmt.Sprintf("Slow down, retry in %ds", msg.RetryAfter)
		case !msg.OK:
			m.notice = "Message was not sent"
		}
		return m, nil

	case ServerError:
		m.notice = msg.Message
		return m, nil

	case sendErrMsg:
		m.notice = msg.err.Error()
		return m, nil

	case Disconnected:
		m.closed = true
		m.notice = "Bridge connection closed"
		if msg.Err != nil {
			m.notice += ": " + msg.Err.Error()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if len(m.timeline.Typing) > 0 {
			m.refresh()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// outbound maps input text to a presenter message. Chat text is refused
// locally while chat is disabled.
func (m *Model) outbound(text string) (interface{}, bool) {
	switch strings.ToLower(text) {
	case "/connect":
		return protocol.ConnectMsg{Type: protocol.TypeConnect}, true
	case "/disconnect":
		return protocol.DisconnectMsg{Type: protocol.TypeDisconnect}, true
	case "/reset":
		return protocol.ResetMsg{Type: protocol.TypeReset}, true
	}
	if !m.timeline.Status.ChatEnabled {
		m.notice = "Chat is not available yet"
		return nil, false
	}
	return protocol.SendMessageMsg{Type: protocol.TypeSendMessage, Text: text}, true
}

func (m Model) send(msg interface{}) tea.Cmd {
	sender := m.sender
	return func() tea.Msg {
		if err := sender.Send(msg); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTimeline())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	header := TitleStyle.Render(" avatar chat") + DimStyle.Render("  "+m.channel)
	divider := DimStyle.Render(strings.Repeat("─", m.width))

	return header + "\n" +
		divider + "\n" +
		m.viewport.View() + "\n" +
		divider + "\n" +
		" " + m.input.View() + "\n" +
		m.renderStatusBar()
}

func (m Model) renderTimeline() string {
	status := m.timeline.Status
	rows := Project(m.timeline.Messages, m.timeline.Typing, status.State.App.ConnectInitiated, m.now(), m.loc)
	if len(rows) == 0 {
		return "\n  " + DimStyle.Render(EmptyText(status)) + "\n"
	}

	var sb strings.Builder
	for _, row := range rows {
		switch row.Kind {
		case RowDivider:
			sb.WriteString("\n" + renderDivider(row.Label, m.width) + "\n")
		case RowTyping:
			sb.WriteString("\n  " + m.spinner.View() + DimStyle.Render(" typing") + "\n")
		case RowMessage:
			sb.WriteString("\n" + renderMessage(row))
		}
	}
	return sb.String()
}

func renderDivider(label string, width int) string {
	text := " " + label + " "
	side := (width - lipgloss.Width(text)) / 2
	if side < 2 {
		side = 2
	}
	line := strings.Repeat("─", side)
	return DividerStyle.Render(line + text + line)
}

func renderMessage(row Row) string {
	msg := row.Message

	var label string
	if msg.Role == timeline.RoleUser {
		label = UserLabel.Render("You")
	} else {
		label = AgentLabel.Render("Agent")
	}
	label += DimStyle.Render("  " + row.Label)

	body := msg.Content
	if msg.ContentKind == timeline.KindImage {
		body = "[image] " + body
	}
	if row.InProgress {
		body = PartialStyle.Render(body + " …")
	}

	var sb strings.Builder
	sb.WriteString("  " + label + "\n")
	for _, line := range strings.Split(body, "\n") {
		if row.PreviousSession {
			line = PreviousStyle.Render(line)
		}
		sb.WriteString("  " + line + "\n")
	}
	return sb.String()
}

func (m Model) renderStatusBar() string {
	status := m.timeline.Status
	state := status.State

	var left string
	if m.notice != "" {
		left = ErrStyle.Render(" " + m.notice)
	} else {
		left = DimStyle.Render(fmt.Sprintf(" mode %s", status.Mode))
	}

	right := fmt.Sprintf("chat %s  agent %s  media %s  avatar %s ",
		StatusBadge(status.ChatEnabled),
		StatusBadge(state.Agent.Connected),
		StatusBadge(state.MediaTransport.Connected),
		StatusBadge(status.FullyConnected),
	)
	if m.closed {
		right = ErrStyle.Render("offline ")
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

// Bind routes the client's server messages into p and reports when the
// connection ends.
func Bind(p *tea.Program, c *Client) {
	c.On(protocol.TypeTimeline, func(raw json.RawMessage) {
		var msg protocol.TimelineMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			p.Send(TimelineUpdate(msg))
		}
	})
	c.On(protocol.TypeSendResult, func(raw json.RawMessage) {
		var msg protocol.SendResultMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			p.Send(SendResult{OK: msg.OK})
		}
	})
	c.On(protocol.TypeRateLimited, func(raw json.RawMessage) {
		var msg protocol.RateLimitedMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			p.Send(SendResult{RetryAfter: msg.RetryAfter})
		}
	})
	c.On(protocol.TypeError, func(raw json.RawMessage) {
		var msg protocol.ErrorMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			p.Send(ServerError{Code: msg.Code, Message: msg.Message})
		}
	})
	go func() {
		<-c.Done()
		p.Send(Disconnected{Err: c.Err()})
	}()
}
