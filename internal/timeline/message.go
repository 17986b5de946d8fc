// Package timeline reconciles typed messages, live subtitles and preserved
// subtitle history into one ordered, deduplicated conversation timeline.
//
// Everything here is synchronous and free of I/O. The owning conversation
// loop feeds snapshots in and publishes the Result.
package timeline

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Role is the logical sender of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ContentKind tells the presenter how to render Content.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
)

// Origin is the channel a message arrived through.
type Origin string

const (
	OriginTyped    Origin = "typed"
	OriginSubtitle Origin = "subtitle"
)

// Completion is only meaningful for subtitle-origin messages.
type Completion string

const (
	CompletionInProgress Completion = "in_progress"
	CompletionEnd        Completion = "end"
)

// Affinity records whether a message belongs to the current connection
// cycle or an earlier one.
type Affinity string

const (
	AffinityCurrent  Affinity = "current"
	AffinityPrevious Affinity = "previous"
)

// ChatMessage is one displayable timeline entry.
type ChatMessage struct {
	ID            string      `json:"id"`
	Role          Role        `json:"role"`
	ParticipantID string      `json:"participant_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Content       string      `json:"content"`
	ContentKind   ContentKind `json:"content_kind"`
	IsOwn         bool        `json:"is_own"`
	TurnID        string      `json:"turn_id,omitempty"`
	MessageID     string      `json:"message_id,omitempty"`
	Origin        Origin      `json:"origin"`
	Completion    Completion  `json:"completion,omitempty"`
	Affinity      Affinity    `json:"affinity"`
	// Cycle is the connection cycle the message arrived in. Turn ids restart
	// with every agent session, so turns only match within one cycle.
	Cycle uint64 `json:"cycle,omitempty"`
}

// EpochThreshold is the earliest timestamp treated as real. Anything before
// it is a missing or zeroed clock value.
var EpochThreshold = time.Date(1972, time.January, 1, 0, 0, 0, 0, time.UTC)

// ValidTimestamp returns ts, or now when ts predates EpochThreshold.
func ValidTimestamp(ts, now time.Time) time.Time {
	if ts.Before(EpochThreshold) {
		return now
	}
	return ts
}

// Validate reports why m cannot be shown, or nil.
func (m ChatMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("timeline: message has no id")
	}
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("timeline: message %s has unknown role %q", m.ID, m.Role)
	}
	if m.ContentKind != KindText && m.ContentKind != KindImage {
		return fmt.Errorf("timeline: message %s has unknown content kind %q", m.ID, m.ContentKind)
	}
	if !utf8.ValidString(m.Content) {
		return fmt.Errorf("timeline: message %s content is not valid UTF-8", m.ID)
	}
	return nil
}

// Displayable reports whether m has something to render.
func (m ChatMessage) Displayable() bool {
	return strings.TrimSpace(m.Content) != ""
}

// IsTypingSignal reports whether the content is a raw typing_start payload
// that leaked into the log. Such entries never render.
func (m ChatMessage) IsTypingSignal() bool {
	c := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(c, "{") {
		return false
	}
	return strings.Contains(c, `"typing_start"`) && typingPayload(c)
}

// contentLen is the "completeness" measure used when two versions of one
// message compete.
func contentLen(s string) int {
	return utf8.RuneCountInString(s)
}
