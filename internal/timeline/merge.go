package timeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/avatar-chat/internal/connstate"
	"github.com/whisper/avatar-chat/internal/transcript"
)

// Mode selects the merge strategy.
type Mode string

const (
	// ModeIntegrated merges preserved and live subtitles with typed messages.
	ModeIntegrated Mode = "integrated"
	// ModeChatOnly ignores the live subtitle buffer.
	ModeChatOnly Mode = "chat_only"
)

// ModeFor picks the merge mode for a connection state. Chat-only applies
// while a pure chat session has not started an agent connection.
func ModeFor(s connstate.State, pureChat bool) Mode {
	if pureChat && !s.App.ConnectInitiated {
		return ModeChatOnly
	}
	return ModeIntegrated
}

// DefaultNearDuplicateWindow bounds near-duplicate suppression.
const DefaultNearDuplicateWindow = 2000 * time.Millisecond

// previousTypedAge is how old a typed message must be, while disconnected,
// to count as part of the previous session.
const previousTypedAge = 5 * time.Second

// Options configures a Merger.
type Options struct {
	NearDuplicateWindow time.Duration
}

// DefaultOptions returns the standard merge settings.
func DefaultOptions() Options {
	return Options{NearDuplicateWindow: DefaultNearDuplicateWindow}
}

// Input is one consistent set of snapshots to merge.
type Input struct {
	Mode      Mode
	Pending   []ChatMessage
	Live      []transcript.Utterance
	Preserved []PreservedEntry
	// Connected is the connect-initiated flag of the session.
	Connected bool
	// Cycle is the current connection cycle; preserved entries from older
	// cycles render as previous-session.
	Cycle uint64
	Now   time.Time
}

// Skip records a candidate excluded from one merge.
type Skip struct {
	ID  string
	Err error
}

// Result is the merged timeline plus anything that was left out.
type Result struct {
	Messages []ChatMessage
	Skipped  []Skip
}

// Merger produces timelines. It holds no state between calls.
type Merger struct {
	opts Options
}

// NewMerger creates a Merger, filling unset options with defaults.
func NewMerger(opts Options) *Merger {
	if opts.NearDuplicateWindow <= 0 {
		opts.NearDuplicateWindow = DefaultNearDuplicateWindow
	}
	return &Merger{opts: opts}
}

// Merge builds the ordered, deduplicated timeline for in. It is pure:
// the same Input always yields the same Result.
func (m *Merger) Merge(in Input) Result {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.Mode == ModeChatOnly {
		return m.mergeChatOnly(in)
	}
	return m.mergeIntegrated(in)
}

// slotSet is the working table of an integrated merge.
type slotSet struct {
	window    time.Duration
	slots     []ChatMessage
	byMsgID   map[string]int
	byTurn    map[string]int
	byContent map[string][]int
}

func newSlotSet(window time.Duration) *slotSet {
	return &slotSet{
		window:    window,
		byMsgID:   make(map[string]int),
		byTurn:    make(map[string]int),
		byContent: make(map[string][]int),
	}
}

func turnKey(role Role, cycle uint64, turn string) string {
	return string(role) + "\x00" + strconv.FormatUint(cycle, 10) + "\x00" + turn
}
func contentKey(role Role, c string) string { return string(role) + "\x00" + strings.TrimSpace(c) }

func (s *slotSet) lookup(c ChatMessage) int {
	if c.MessageID != "" {
		if i, ok := s.byMsgID[c.MessageID]; ok {
			return i
		}
	}
	if c.TurnID != "" {
		if i, ok := s.byTurn[turnKey(c.Role, c.Cycle, c.TurnID)]; ok {
			return i
		}
	}
	trimmed := strings.TrimSpace(c.Content)
	for _, i := range s.byContent[contentKey(c.Role, c.Content)] {
		slot := s.slots[i]
		if strings.TrimSpace(slot.Content) != trimmed {
			continue
		}
		if absDuration(slot.Timestamp.Sub(c.Timestamp)) < s.window {
			return i
		}
	}
	return -1
}

func (s *slotSet) register(i int, c ChatMessage) {
	if c.MessageID != "" {
		if _, ok := s.byMsgID[c.MessageID]; !ok {
			s.byMsgID[c.MessageID] = i
		}
	}
	if c.TurnID != "" {
		k := turnKey(c.Role, c.Cycle, c.TurnID)
		if _, ok := s.byTurn[k]; !ok {
			s.byTurn[k] = i
		}
	}
	k := contentKey(c.Role, c.Content)
	for _, j := range s.byContent[k] {
		if j == i {
			return
		}
	}
	s.byContent[k] = append(s.byContent[k], i)
}

func (s *slotSet) put(c ChatMessage) {
	i := s.lookup(c)
	if i < 0 {
		s.slots = append(s.slots, c)
		s.register(len(s.slots)-1, c)
		return
	}
	s.slots[i] = absorb(s.slots[i], c)
	s.register(i, c)
	s.register(i, s.slots[i])
}

// absorb applies the longer-or-equal rule. The existing slot keeps its id,
// first-seen timestamp and cycle.
func absorb(slot, c ChatMessage) ChatMessage {
	if contentLen(c.Content) < contentLen(slot.Content) {
		if slot.MessageID == "" {
			slot.MessageID = c.MessageID
		}
		if slot.TurnID == "" {
			slot.TurnID = c.TurnID
		}
		return slot
	}
	id, ts, cycle := slot.ID, slot.Timestamp, slot.Cycle
	if c.MessageID == "" {
		c.MessageID = slot.MessageID
	}
	if c.TurnID == "" {
		c.TurnID = slot.TurnID
	}
	if slot.Affinity == AffinityCurrent {
		c.Affinity = AffinityCurrent
	}
	c.ID, c.Timestamp, c.Cycle = id, ts, cycle
	return c
}

func (m *Merger) mergeIntegrated(in Input) Result {
	var res Result
	set := newSlotSet(m.opts.NearDuplicateWindow)

	accept := func(c ChatMessage) {
		if err := c.Validate(); err != nil {
			res.Skipped = append(res.Skipped, Skip{ID: c.ID, Err: err})
			return
		}
		if !c.Displayable() || c.IsTypingSignal() {
			return
		}
		set.put(c)
	}

	for _, e := range in.Preserved {
		accept(preservedMessage(e, in))
	}
	for i, u := range in.Live {
		if representedIn(in.Preserved, u, in.Cycle, true) {
			continue
		}
		accept(subtitleMessage(u, i, in.Cycle, AffinityCurrent, in.Now))
	}
	for _, p := range in.Pending {
		accept(typedMessage(p, in))
	}

	res.Messages = sortByTime(set.slots)
	return res
}

func (m *Merger) mergeChatOnly(in Input) Result {
	var res Result
	var out []ChatMessage
	index := make(map[string]int)

	put := func(key string, c ChatMessage) {
		if err := c.Validate(); err != nil {
			res.Skipped = append(res.Skipped, Skip{ID: c.ID, Err: err})
			return
		}
		if !c.Displayable() || c.IsTypingSignal() {
			return
		}
		if i, ok := index[key]; ok {
			out[i] = absorb(out[i], c)
			return
		}
		index[key] = len(out)
		out = append(out, c)
	}

	for i, p := range in.Pending {
		c := typedMessage(p, in)
		put(chatOnlyKey(c, i), c)
	}
	for _, e := range in.Preserved {
		c := preservedMessage(e, in)
		put(preservedKey(e), c)
	}

	res.Messages = sortByTime(out)
	return res
}

func chatOnlyKey(c ChatMessage, index int) string {
	switch {
	case c.MessageID != "":
		return string(c.Role) + "m:" + c.MessageID
	case c.TurnID != "":
		return fmt.Sprintf("%st:%d:%s", c.Role, c.Cycle, c.TurnID)
	default:
		return fmt.Sprintf("%sp:%s:%d:%d", c.Role, c.ParticipantID, c.Timestamp.UnixMilli(), index)
	}
}

func preservedKey(e PreservedEntry) string {
	u := e.Utterance
	suffix := u.MessageID
	if suffix == "" {
		suffix = strconv.FormatUint(e.Cycle, 10) + "-" + strconv.FormatInt(u.StartTime.UnixMilli(), 10)
	}
	return "preserved-" + transcript.NormalizeParticipant(u.ParticipantID) + "-" + u.TurnID + "-" + suffix
}

// SubtitleID is the stable display id of an utterance. It does not change
// when the utterance moves into the preserved log.
func SubtitleID(u transcript.Utterance, index int) string {
	suffix := u.MessageID
	if suffix == "" && !u.StartTime.IsZero() {
		suffix = strconv.FormatInt(u.StartTime.UnixMilli(), 10)
	}
	if suffix == "" {
		suffix = strconv.Itoa(index)
	}
	return "subtitle-" + transcript.NormalizeParticipant(u.ParticipantID) + "-" + u.TurnID + "-" + suffix
}

func subtitleMessage(u transcript.Utterance, index int, cycle uint64, affinity Affinity, now time.Time) ChatMessage {
	role := RoleUser
	if u.FromAgent() {
		role = RoleAgent
	}
	completion := CompletionInProgress
	if u.Status == transcript.End {
		completion = CompletionEnd
	}
	return ChatMessage{
		ID:            SubtitleID(u, index),
		Role:          role,
		ParticipantID: transcript.NormalizeParticipant(u.ParticipantID),
		Timestamp:     ValidTimestamp(u.StartTime, now),
		Content:       u.Text,
		ContentKind:   KindText,
		IsOwn:         role == RoleUser,
		TurnID:        u.TurnID,
		MessageID:     u.MessageID,
		Origin:        OriginSubtitle,
		Completion:    completion,
		Affinity:      affinity,
		Cycle:         cycle,
	}
}

func preservedMessage(e PreservedEntry, in Input) ChatMessage {
	affinity := AffinityCurrent
	if !in.Connected || e.Cycle < in.Cycle {
		affinity = AffinityPrevious
	}
	return subtitleMessage(e.Utterance, 0, e.Cycle, affinity, in.Now)
}

func typedMessage(p ChatMessage, in Input) ChatMessage {
	p.Timestamp = ValidTimestamp(p.Timestamp, in.Now)
	p.Origin = OriginTyped
	p.Completion = ""
	p.IsOwn = p.Role == RoleUser
	if p.Affinity != AffinityPrevious {
		p.Affinity = AffinityCurrent
		if !in.Connected && p.Timestamp.Before(in.Now.Add(-previousTypedAge)) {
			p.Affinity = AffinityPrevious
		}
	}
	return p
}

func sortByTime(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
