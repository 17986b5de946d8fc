package conversation

import (
	"context"
	"log"
	"time"

	"github.com/whisper/avatar-chat/internal/archive"
	"github.com/whisper/avatar-chat/internal/session"
	"github.com/whisper/avatar-chat/internal/timeline"
)

const (
	writeTimeout     = 3 * time.Second
	archiveQueueSize = 64
)

// writer moves history snapshots and archive batches off the loop. History
// writes coalesce: only the newest snapshot is kept while one is in flight.
type writer struct {
	channel string
	history HistoryStore
	archive Archiver

	historyCh chan session.History
	archiveCh chan []timeline.ChatMessage
	done      chan struct{}
}

func newWriter(channel string, history HistoryStore, arch Archiver) *writer {
	return &writer{
		channel:   channel,
		history:   history,
		archive:   arch,
		historyCh: make(chan session.History, 1),
		archiveCh: make(chan []timeline.ChatMessage, archiveQueueSize),
		done:      make(chan struct{}),
	}
}

// saveHistory queues a snapshot, replacing any queued one. Only the loop
// calls it.
func (w *writer) saveHistory(pending []timeline.ChatMessage, preserved []timeline.PreservedEntry, cycle uint64) {
	if w.history == nil {
		return
	}
	h := session.History{Pending: pending, Preserved: preserved, Cycle: cycle}
	for {
		select {
		case w.historyCh <- h:
			return
		default:
			select {
			case <-w.historyCh:
			default:
			}
		}
	}
}

// archiveBatch queues msgs for the archive, dropping the batch when the
// archive has fallen behind.
func (w *writer) archiveBatch(msgs []timeline.ChatMessage) {
	if w.archive == nil || len(msgs) == 0 {
		return
	}
	select {
	case w.archiveCh <- msgs:
	default:
		log.Printf("[conversation] %s: archive queue full, dropping %d messages", w.channel, len(msgs))
	}
}

func (w *writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case h := <-w.historyCh:
			w.writeHistory(h)
		case msgs := <-w.archiveCh:
			w.writeArchive(msgs)
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *writer) drain() {
	for {
		select {
		case h := <-w.historyCh:
			w.writeHistory(h)
		case msgs := <-w.archiveCh:
			w.writeArchive(msgs)
		default:
			return
		}
	}
}

func (w *writer) wait() { <-w.done }

func (w *writer) writeHistory(h session.History) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if len(h.Pending) == 0 && len(h.Preserved) == 0 {
		err = w.history.DeleteHistory(ctx, w.channel)
	} else {
		err = w.history.SaveHistory(ctx, w.channel, h)
	}
	if err != nil {
		log.Printf("[conversation] %s: persist history: %v", w.channel, err)
	}
}

func (w *writer) writeArchive(msgs []timeline.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.archive.Upsert(ctx, w.channel, msgs); err != nil {
		log.Printf("[conversation] %s: archive %d messages: %v", w.channel, len(msgs), err)
	}
}

// archiveChanged queues messages that are new or have grown since they were
// last archived.
func (s *Session) archiveChanged(msgs []timeline.ChatMessage) {
	if s.deps.Archive == nil {
		return
	}
	var batch []timeline.ChatMessage
	for _, m := range msgs {
		if !archive.Archivable(m) {
			continue
		}
		n := len(m.Content)
		if prev, ok := s.archived[m.ID]; ok && prev >= n {
			continue
		}
		s.archived[m.ID] = n
		batch = append(batch, m)
	}
	s.writer.archiveBatch(batch)
}
