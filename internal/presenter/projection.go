// Package presenter turns a merged timeline into display rows and renders
// them in a terminal. The projection is pure; the bubbletea model and the
// bridge client are thin layers on top of it.
package presenter

import (
	"time"

	"github.com/whisper/avatar-chat/internal/protocol"
	"github.com/whisper/avatar-chat/internal/timeline"
)

// RowKind distinguishes date dividers from messages.
type RowKind int

const (
	RowDivider RowKind = iota
	RowMessage
	RowTyping
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Row is one line item of the rendered conversation.
type Row struct {
	Kind    RowKind
	Label   string // divider date or message time
	Message timeline.ChatMessage

	InProgress      bool
	PreviousSession bool
}

// Project lays msgs out for display. A divider precedes the first message
// of each calendar day in loc. Messages with an unusable timestamp show the
// current time and never open a new day. PreviousSession is only set while
// no connection is initiated; once connected, history reads as one thread.
func Project(msgs []timeline.ChatMessage, typing []string, connected bool, now time.Time, loc *time.Location) []Row {
	if loc == nil {
		loc = time.Local
	}
	var rows []Row
	lastDay := ""

	for _, m := range msgs {
		if !m.Displayable() {
			continue
		}
		ts := m.Timestamp
		valid := !ts.Before(timeline.EpochThreshold)
		if !valid {
			ts = now
		}
		ts = ts.In(loc)

		if day := ts.Format(dateLayout); valid && day != lastDay {
			rows = append(rows, Row{Kind: RowDivider, Label: day})
			lastDay = day
		}

		rows = append(rows, Row{
			Kind:            RowMessage,
			Label:           ts.Format(timeLayout),
			Message:         m,
			InProgress:      m.Origin == timeline.OriginSubtitle && m.Completion == timeline.CompletionInProgress,
			PreviousSession: !connected && m.Affinity == timeline.AffinityPrevious,
		})
	}

	if len(typing) > 0 {
		rows = append(rows, Row{Kind: RowTyping})
	}
	return rows
}

// EmptyText is shown when there is nothing to render.
func EmptyText(s protocol.Status) string {
	if s.PureChat {
		if s.ChatEnabled {
			return "Chat connected. Start typing to send messages!"
		}
		return "Connecting to chat..."
	}
	if s.State.App.ConnectInitiated {
		return "No messages yet. Start the conversation by speaking or typing!"
	}
	return "No messages"
}
