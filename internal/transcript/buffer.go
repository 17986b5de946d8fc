// Package transcript accumulates streamed subtitle fragments into utterance
// records and hands the full list to a listener after every change.
package transcript

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Status is the completion state of an utterance.
type Status int

const (
	InProgress Status = iota
	End
)

func (s Status) String() string {
	if s == End {
		return "end"
	}
	return "in_progress"
}

// AgentParticipant is the participant id the remote agent speaks under.
const AgentParticipant = "0"

// Utterance is one spoken turn, possibly still growing.
type Utterance struct {
	TurnID        string    `json:"turn_id"`
	MessageID     string    `json:"message_id,omitempty"`
	ParticipantID string    `json:"uid"`
	Text          string    `json:"text"`
	Status        Status    `json:"status"`
	StartTime     time.Time `json:"start_time"`
}

// NormalizeParticipant maps the empty id to the agent id, so "" and "0"
// compare equal.
func NormalizeParticipant(id string) string {
	if id == "" {
		return AgentParticipant
	}
	return id
}

// FromAgent reports whether the utterance was spoken by the remote agent.
func (u Utterance) FromAgent() bool {
	return NormalizeParticipant(u.ParticipantID) == AgentParticipant
}

// Fragment is one piece of a streamed transcription as it arrives on the
// subtitle feed. Text is cumulative for the turn unless Delta is set.
type Fragment struct {
	TurnID    string          `json:"turn_id"`
	MessageID string          `json:"message_id,omitempty"`
	UID       json.RawMessage `json:"uid,omitempty"`
	Text      string          `json:"text"`
	Final     bool            `json:"final"`
	Delta     bool            `json:"delta,omitempty"`
	StartMs   int64           `json:"start_ms,omitempty"`
}

// Participant returns the fragment's uid as a normalised string. The feed
// sends it as a number or a string depending on the producer.
func (f Fragment) Participant() string {
	if len(f.UID) == 0 {
		return AgentParticipant
	}
	var s string
	if err := json.Unmarshal(f.UID, &s); err == nil {
		return NormalizeParticipant(s)
	}
	var n json.Number
	if err := json.Unmarshal(f.UID, &n); err == nil {
		return NormalizeParticipant(n.String())
	}
	return AgentParticipant
}

// ParseFragment decodes one subtitle feed payload.
func ParseFragment(data []byte) (Fragment, error) {
	var f Fragment
	if err := json.Unmarshal(data, &f); err != nil {
		return Fragment{}, fmt.Errorf("transcript: parse fragment: %w", err)
	}
	if f.TurnID == "" && f.MessageID == "" {
		return Fragment{}, fmt.Errorf("transcript: fragment has neither turn_id nor message_id")
	}
	return f, nil
}

// Listener receives the complete utterance list after every change.
type Listener func(list []Utterance)

// Buffer is a goroutine-safe utterance accumulator.
type Buffer struct {
	mu       sync.Mutex
	list     []Utterance
	index    map[string]int
	listener Listener
	now      func() time.Time
}

// NewBuffer creates an empty Buffer that reports to listener.
func NewBuffer(listener Listener) *Buffer {
	return &Buffer{
		index:    make(map[string]int),
		listener: listener,
		now:      time.Now,
	}
}

func fragmentKey(turnID, messageID, participant string) string {
	if messageID != "" {
		return "m:" + messageID
	}
	return "t:" + participant + ":" + turnID
}

// Add merges a fragment into its utterance, creating it if needed, and
// notifies the listener with a copy of the whole list. Fragments for an
// utterance that has already ended are ignored.
func (b *Buffer) Add(f Fragment) {
	participant := f.Participant()
	key := fragmentKey(f.TurnID, f.MessageID, participant)

	b.mu.Lock()
	i, ok := b.index[key]
	if !ok {
		// A later fragment may carry the message id the first one lacked.
		if alt, found := b.index[fragmentKey(f.TurnID, "", participant)]; found && f.MessageID != "" && f.TurnID != "" {
			i, ok = alt, true
			b.index[key] = alt
		}
	}
	if !ok {
		u := Utterance{
			TurnID:        f.TurnID,
			MessageID:     f.MessageID,
			ParticipantID: participant,
			Text:          f.Text,
		}
		if f.StartMs > 0 {
			u.StartTime = time.UnixMilli(f.StartMs)
		} else {
			u.StartTime = b.now()
		}
		if f.Final {
			u.Status = End
		}
		b.list = append(b.list, u)
		b.index[key] = len(b.list) - 1
		if f.TurnID != "" {
			b.index[fragmentKey(f.TurnID, "", participant)] = len(b.list) - 1
		}
	} else {
		u := &b.list[i]
		if u.Status == End {
			b.mu.Unlock()
			return
		}
		if f.Delta {
			u.Text += f.Text
		} else {
			u.Text = f.Text
		}
		if u.MessageID == "" {
			u.MessageID = f.MessageID
		}
		if f.Final {
			u.Status = End
		}
	}
	snapshot := b.snapshotLocked()
	listener := b.listener
	b.mu.Unlock()

	if listener != nil {
		listener(snapshot)
	}
}

// List returns a copy of the current utterances.
func (b *Buffer) List() []Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Clear drops every utterance. The listener is not called; the caller
// already knows the list is empty.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.list = nil
	b.index = make(map[string]int)
	b.mu.Unlock()
}

func (b *Buffer) snapshotLocked() []Utterance {
	out := make([]Utterance, len(b.list))
	copy(out, b.list)
	return out
}
