package conversation

import (
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/whisper/avatar-chat/internal/command"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/metrics"
	"github.com/whisper/avatar-chat/internal/protocol"
	"github.com/whisper/avatar-chat/internal/timeline"
	"github.com/whisper/avatar-chat/internal/transcript"
)

const (
	replayCapacity  = 1024
	replayPrefixLen = 50
)

// ingest turns one messaging transport event into a pending message, a
// typing indication or nothing. It reports whether loop state changed.
func (s *Session) ingest(ev messaging.Event) bool {
	now := s.now()

	if !s.replay.Observe(ev.Publisher, ev.Timestamp, ev.Message) {
		metrics.IngestedTotal.WithLabelValues("typed", "replayed").Inc()
		return false
	}
	body := ev.Message
	if ev.MessageType == protocol.MessageTypeBinary && !utf8.Valid(body) {
		body = []byte(strings.ToValidUTF8(string(body), "\uFFFD"))
	}

	p := protocol.DecodePayload(body)
	res := timeline.ResolveRole(p.Object, ev.Publisher, s.cfg.LocalUID)

	if p.Kind == protocol.PayloadTyping {
		if res.Role != timeline.RoleAgent {
			return false
		}
		s.typing.Start(ev.Publisher, now)
		time.AfterFunc(s.typing.Timeout(), func() { s.post(typingExpiredEvent{}) })
		metrics.IngestedTotal.WithLabelValues("typed", "typing").Inc()
		return true
	}

	changed := false
	if res.Role == timeline.RoleAgent && s.typing.Stop(ev.Publisher) {
		changed = true
	}

	content, kind := p.Text, timeline.KindText
	if p.Kind == protocol.PayloadImage {
		content, kind = p.ImageURL, timeline.KindImage
	}

	if res.Role == timeline.RoleAgent && kind == timeline.KindText && s.extractCommands() {
		cleaned, cmds := command.Extract(content, s.handleCommand)
		if len(cmds) > 0 && cleaned == "" {
			metrics.IngestedTotal.WithLabelValues("typed", "command_only").Inc()
			return changed
		}
		content = cleaned
	}

	if content == "" || (timeline.ChatMessage{Content: content}).IsTypingSignal() {
		metrics.IngestedTotal.WithLabelValues("typed", "dropped").Inc()
		return changed
	}

	window := s.cfg.TypedDuplicateWindow
	if p.Kind == protocol.PayloadTranscription {
		window = s.cfg.IngestDuplicateWindow
	}
	ts := timeline.ValidTimestamp(ev.Timestamp, now)
	if s.pending.HasRecent(res.Role, content, ts, window) {
		metrics.IngestedTotal.WithLabelValues("typed", "duplicate").Inc()
		return changed
	}

	participant := ev.Publisher
	if res.ByContent && res.Role == timeline.RoleUser {
		participant = s.cfg.LocalUID
	}
	s.pending.Append(timeline.ChatMessage{
		ID:            uuid.NewString(),
		Role:          res.Role,
		ParticipantID: participant,
		Timestamp:     ts,
		Content:       content,
		ContentKind:   kind,
		IsOwn:         res.Role == timeline.RoleUser,
		TurnID:        p.TurnID,
		MessageID:     p.MessageID,
		Origin:        timeline.OriginTyped,
		Affinity:      timeline.AffinityCurrent,
		Cycle:         s.cycle,
	})
	metrics.IngestedTotal.WithLabelValues("typed", "accepted").Inc()
	return true
}

// extractCommands reports whether agent text is scanned for avatar
// commands. A pure chat session with no agent connection shows raw text.
func (s *Session) extractCommands() bool {
	return !(s.cfg.PureChat && !s.state.App.ConnectInitiated)
}

func (s *Session) handleCommand(cmd string) {
	metrics.CommandsTotal.Inc()
	if s.deps.Commands == nil {
		return
	}
	if err := s.deps.Commands.PublishCommand(s.cfg.Channel, cmd); err != nil {
		log.Printf("[conversation] %s: publish command: %v", s.cfg.Channel, err)
	}
}

// ingestSnapshot takes a full subtitle list from the transcript buffer.
// Agent text is shown without commands; the commands of a completed
// utterance are dispatched once, the first time it is seen completed.
func (s *Session) ingestSnapshot(list []transcript.Utterance) bool {
	if !s.state.App.ConnectInitiated {
		return false
	}

	live := make([]transcript.Utterance, len(list))
	for i, u := range list {
		if u.FromAgent() {
			cleaned, cmds := command.Extract(u.Text, nil)
			if u.Status == transcript.End {
				key := utteranceKey(u)
				if _, done := s.processed[key]; !done {
					s.processed[key] = struct{}{}
					for _, c := range cmds {
						s.handleCommand(c)
					}
				}
			}
			u.Text = cleaned
		}
		live[i] = u
	}
	s.live = live

	if n := s.preserved.AddCompleted(live, s.cycle); n > 0 {
		metrics.PreservedEntries.Add(float64(n))
	}
	metrics.IngestedTotal.WithLabelValues("subtitle", "accepted").Inc()
	return true
}

func utteranceKey(u transcript.Utterance) string {
	if u.MessageID != "" {
		return "m:" + u.MessageID
	}
	return "t:" + transcript.NormalizeParticipant(u.ParticipantID) + ":" + u.TurnID
}

// recordSent adds a successful user send to the pending log. Outside pure
// chat the agent echoes the user's words back as a transcription, so the
// local copy is only kept while no agent session runs.
func (s *Session) recordSent(e sentEvent) bool {
	if e.skipHistory || !(s.cfg.PureChat && !s.state.App.ConnectInitiated) {
		return false
	}
	e.msg.Cycle = s.cycle
	s.pending.Append(e.msg)
	return true
}

// replayFilter remembers recently seen events so that a transport
// redelivery of the same event is processed once.
type replayFilter struct {
	capacity int
	seen     map[string]struct{}
	order    []string
}

func newReplayFilter(capacity int) *replayFilter {
	return &replayFilter{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Observe records the event and reports whether it is new.
func (f *replayFilter) Observe(publisher string, ts time.Time, body []byte) bool {
	key := replayKey(publisher, ts, body)
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	f.order = append(f.order, key)
	if len(f.order) > f.capacity {
		delete(f.seen, f.order[0])
		f.order = f.order[1:]
	}
	return true
}

// Reset forgets every event.
func (f *replayFilter) Reset() {
	f.seen = make(map[string]struct{}, f.capacity)
	f.order = nil
}

func replayKey(publisher string, ts time.Time, body []byte) string {
	prefix := string(body)
	if utf8.RuneCountInString(prefix) > replayPrefixLen {
		prefix = string([]rune(prefix)[:replayPrefixLen])
	}
	return publisher + "|" + strconv.FormatInt(ts.UnixMilli(), 10) + "|" + prefix
}
