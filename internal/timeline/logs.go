package timeline

import (
	"strings"
	"time"

	"github.com/whisper/avatar-chat/internal/transcript"
)

// PendingLog holds the typed-channel messages of the active session: local
// sends, received echoes and parsed events. It is owned by one conversation
// loop and is not safe for concurrent use.
type PendingLog struct {
	msgs []ChatMessage
}

// Append adds m to the end of the log.
func (l *PendingLog) Append(m ChatMessage) {
	l.msgs = append(l.msgs, m)
}

// Messages returns a copy of the log.
func (l *PendingLog) Messages() []ChatMessage {
	out := make([]ChatMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of entries.
func (l *PendingLog) Len() int { return len(l.msgs) }

// Clear empties the log. Only a full reset calls this.
func (l *PendingLog) Clear() { l.msgs = nil }

// Restore replaces the log contents, used when history is reloaded.
func (l *PendingLog) Restore(msgs []ChatMessage) {
	l.msgs = append([]ChatMessage(nil), msgs...)
}

// HasRecent reports whether a message of the same role and identical
// content was logged within window of ts.
func (l *PendingLog) HasRecent(role Role, content string, ts time.Time, window time.Duration) bool {
	for i := len(l.msgs) - 1; i >= 0; i-- {
		m := l.msgs[i]
		if m.Role != role || m.Content != content {
			continue
		}
		if absDuration(m.Timestamp.Sub(ts)) < window {
			return true
		}
	}
	return false
}

// PreservedEntry is a subtitle utterance retained across a disconnect,
// stamped with the connection cycle it was captured in.
type PreservedEntry struct {
	Utterance transcript.Utterance `json:"utterance"`
	Cycle     uint64               `json:"cycle"`
}

// PreservedLog is the append-only subtitle history of a conversation.
// Entries are only dropped by Clear, which is reserved for full resets.
type PreservedLog struct {
	entries []PreservedEntry
}

// Entries returns a copy of the log.
func (l *PreservedLog) Entries() []PreservedEntry {
	out := make([]PreservedEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *PreservedLog) Len() int { return len(l.entries) }

// Clear empties the log.
func (l *PreservedLog) Clear() { l.entries = nil }

// Restore replaces the log contents, used when history is reloaded.
func (l *PreservedLog) Restore(entries []PreservedEntry) {
	l.entries = append([]PreservedEntry(nil), entries...)
}

// AddCompleted appends every finished utterance with text that is not yet
// present, matching on message id or on (turn, participant) within cycle. It
// returns the number appended.
func (l *PreservedLog) AddCompleted(list []transcript.Utterance, cycle uint64) int {
	added := 0
	for _, u := range list {
		if u.Status != transcript.End || strings.TrimSpace(u.Text) == "" {
			continue
		}
		if l.represented(u, cycle, false) {
			continue
		}
		l.entries = append(l.entries, PreservedEntry{Utterance: normalized(u), Cycle: cycle})
		added++
	}
	return added
}

// PreserveLive copies every live utterance with text into the log, whatever
// its completion state, skipping those already present by message id or by
// (turn, participant, text) within cycle. It is the session-boundary capture
// and is safe to run repeatedly on the same list.
func (l *PreservedLog) PreserveLive(list []transcript.Utterance, cycle uint64) int {
	added := 0
	for _, u := range list {
		if strings.TrimSpace(u.Text) == "" {
			continue
		}
		if l.represented(u, cycle, true) {
			continue
		}
		l.entries = append(l.entries, PreservedEntry{Utterance: normalized(u), Cycle: cycle})
		added++
	}
	return added
}

// Contains reports whether u, seen in cycle, is represented by message id or
// by (turn, participant, text).
func (l *PreservedLog) Contains(u transcript.Utterance, cycle uint64) bool {
	return l.represented(u, cycle, true)
}

func (l *PreservedLog) represented(u transcript.Utterance, cycle uint64, matchText bool) bool {
	return representedIn(l.entries, u, cycle, matchText)
}

// representedIn matches message ids globally and turns only inside cycle,
// since turn ids restart with each agent session.
func representedIn(entries []PreservedEntry, u transcript.Utterance, cycle uint64, matchText bool) bool {
	participant := transcript.NormalizeParticipant(u.ParticipantID)
	for _, e := range entries {
		p := e.Utterance
		if u.MessageID != "" && p.MessageID == u.MessageID {
			return true
		}
		if e.Cycle != cycle || p.TurnID != u.TurnID || p.ParticipantID != participant {
			continue
		}
		if !matchText || p.Text == u.Text {
			return true
		}
	}
	return false
}

func normalized(u transcript.Utterance) transcript.Utterance {
	u.ParticipantID = transcript.NormalizeParticipant(u.ParticipantID)
	return u
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
