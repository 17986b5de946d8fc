package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/avatar-chat/internal/connstate"
	"github.com/whisper/avatar-chat/internal/media"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/metrics"
	"github.com/whisper/avatar-chat/internal/timeline"
	"github.com/whisper/avatar-chat/internal/transcript"
)

const eventQueueSize = 256

// Update is one published view of the conversation.
type Update struct {
	Channel     string
	Messages    []timeline.ChatMessage
	Typing      []string
	State       connstate.State
	Mode        timeline.Mode
	ChatEnabled bool
}

// FullyConnected reports whether avatar, agent and media transport are up.
func (u Update) FullyConnected() bool { return u.State.FullyConnected() }

// ChatEnabled reports whether the user may type: a connection was started,
// or pure chat mode has a working messaging transport.
func ChatEnabled(s connstate.State, pureChat bool) bool {
	return s.App.ConnectInitiated || (pureChat && s.Messaging.Connected)
}

// Session is the reconciliation context of one conversation channel.
type Session struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	// lifecycle serialises Connect, Disconnect, Reset and Close.
	lifecycle    sync.Mutex
	active       bool
	subtitlesOn  bool
	agentStarted bool
	mediaJoined  bool
	joined       atomic.Bool
	started      atomic.Bool

	// Owned by the loop goroutine.
	state     connstate.State
	cycle     uint64
	pending   timeline.PendingLog
	preserved timeline.PreservedLog
	live      []transcript.Utterance
	typing    *timeline.TypingRegistry
	merger    *timeline.Merger
	tracker   *media.Tracker
	replay    *replayFilter
	processed map[string]struct{}
	archived  map[string]int

	buffer *transcript.Buffer
	writer *writer

	mu        sync.RWMutex
	latest    Update
	observers map[int]func(Update)
	nextObs   int
}

// New creates a Session. Call Start to run it.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Messaging == nil {
		return nil, errors.New("conversation: messaging transport is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("conversation: channel is required")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan event, eventQueueSize),
		done:      make(chan struct{}),
		state:     connstate.Initial(),
		typing:    timeline.NewTypingRegistry(cfg.TypingTimeout),
		merger:    timeline.NewMerger(timeline.Options{NearDuplicateWindow: cfg.NearDuplicateWindow}),
		replay:    newReplayFilter(replayCapacity),
		processed: make(map[string]struct{}),
		archived:  make(map[string]int),
		observers: make(map[int]func(Update)),
	}
	s.buffer = transcript.NewBuffer(func(list []transcript.Utterance) {
		s.post(snapshotEvent{list: list})
	})
	if deps.Media != nil {
		s.tracker = media.NewTracker(deps.Media, cfg.LocalUID, func(e connstate.Event) { s.applyEvent(e) })
	}
	s.writer = newWriter(cfg.Channel, deps.History, deps.Archive)
	s.latest = Update{Channel: cfg.Channel, State: s.state, Mode: timeline.ModeFor(s.state, cfg.PureChat)}
	return s, nil
}

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Start restores persisted history, starts the loop and joins the
// messaging channel. A messaging failure is returned but the session keeps
// running; Connect retries the join.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.restore(ctx)

	go s.run()
	go s.writer.run(s.ctx)

	s.post(stateEvent{ev: connstate.AppLoaded})
	metrics.ActiveConversations.Inc()
	log.Printf("[conversation] %s started (pure_chat=%v agent_connect=%v)", s.cfg.Channel, s.cfg.PureChat, s.cfg.AgentConnect)
	return s.joinMessaging()
}

// restore loads history before the loop runs, so it may touch loop state.
func (s *Session) restore(ctx context.Context) {
	if s.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	h, err := s.deps.History.LoadHistory(ctx, s.cfg.Channel)
	if err != nil {
		log.Printf("[conversation] %s: load history: %v (starting empty)", s.cfg.Channel, err)
		return
	}
	if h == nil {
		return
	}
	pending := make([]timeline.ChatMessage, len(h.Pending))
	for i, m := range h.Pending {
		m.Affinity = timeline.AffinityPrevious
		pending[i] = m
	}
	s.pending.Restore(pending)
	s.preserved.Restore(h.Preserved)
	s.cycle = h.Cycle
	log.Printf("[conversation] %s: restored %d typed and %d preserved messages", s.cfg.Channel, len(pending), len(h.Preserved))
}

// Close tears the conversation down and stops the loop.
func (s *Session) Close(ctx context.Context) {
	if err := s.Disconnect(ctx); err != nil {
		log.Printf("[conversation] %s: disconnect on close: %v", s.cfg.Channel, err)
	}
	s.lifecycle.Lock()
	if s.joined.Swap(false) {
		if err := s.deps.Messaging.Leave(s.cfg.Channel); err != nil {
			log.Printf("[conversation] %s: leave messaging: %v", s.cfg.Channel, err)
		}
	}
	s.lifecycle.Unlock()

	if s.started.Load() {
		s.Flush(ctx)
		s.cancel()
		<-s.done
		s.writer.wait()
		metrics.ActiveConversations.Dec()
	} else {
		s.cancel()
	}
	log.Printf("[conversation] %s closed", s.cfg.Channel)
}

// Subscribe registers fn for every published Update and immediately calls it
// with the latest one. fn runs on the session loop and must not block. The
// returned function unregisters it.
func (s *Session) Subscribe(fn func(Update)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	// Under the lock so a concurrent publish cannot overtake this call.
	fn(s.latest)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Snapshot returns the most recently published Update.
func (s *Session) Snapshot() Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Flush waits until every event queued before the call has been handled.
func (s *Session) Flush(ctx context.Context) {
	done := make(chan struct{})
	if !s.post(flushEvent{done: done}) {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
}

// post queues ev for the loop. It must never be called from the loop itself.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) onMessage(ev messaging.Event) { s.post(inboundEvent{ev: ev}) }
func (s *Session) onMedia(ev media.Event)       { s.post(mediaEvent{ev: ev}) }

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[conversation] %s: recovered panic handling %T: %v", s.cfg.Channel, ev, r)
		}
	}()

	changed := false
	switch e := ev.(type) {
	case inboundEvent:
		changed = s.ingest(e.ev)
	case snapshotEvent:
		changed = s.ingestSnapshot(e.list)
	case mediaEvent:
		if s.tracker != nil {
			before := s.state
			s.tracker.Handle(s.ctx, e.ev)
			changed = s.state != before
		}
	case stateEvent:
		changed = s.applyEvent(e.ev)
	case sentEvent:
		changed = s.recordSent(e)
	case typingExpiredEvent:
		changed = len(s.typing.Expire(s.now())) > 0
	case closeTracksEvent:
		if s.tracker != nil {
			s.tracker.CloseAll()
		}
	case resetEvent:
		s.reset(e.messagingJoined)
		changed = true
	case flushEvent:
		close(e.done)
	default:
		log.Printf("[conversation] %s: unknown event %T", s.cfg.Channel, ev)
	}

	if changed {
		s.publish()
	}
}

// applyEvent advances the connection state and handles session boundaries.
// It runs on the loop; the media tracker calls it directly.
func (s *Session) applyEvent(e connstate.Event) bool {
	if !e.Known() {
		log.Printf("[conversation] %s: ignoring unknown state event %q", s.cfg.Channel, e)
		return false
	}
	prev := s.state
	s.state = connstate.Apply(prev, e)

	switch {
	case !prev.App.ConnectInitiated && s.state.App.ConnectInitiated:
		s.beginCycle()
	case prev.App.ConnectInitiated && !s.state.App.ConnectInitiated:
		s.endCycle()
	}
	if prev.FullyConnected() != s.state.FullyConnected() {
		log.Printf("[conversation] %s: fully_connected=%v", s.cfg.Channel, s.state.FullyConnected())
	}
	return s.state != prev
}

func (s *Session) beginCycle() {
	// Leftover subtitles from an earlier agent session must not collide with
	// the turn ids of the new one.
	if len(s.live) > 0 {
		s.preserveLive()
	}
	s.cycle++
	s.processed = make(map[string]struct{})
}

func (s *Session) endCycle() {
	if s.cfg.PureChat {
		s.preserveLive()
	}
	if s.typing.Len() > 0 {
		s.typing.Clear()
	}
}

func (s *Session) preserveLive() {
	n := s.preserved.PreserveLive(s.live, s.cycle)
	if n > 0 {
		metrics.PreservedEntries.Add(float64(n))
		log.Printf("[conversation] %s: preserved %d subtitle entries (cycle %d)", s.cfg.Channel, n, s.cycle)
	}
	s.buffer.Clear()
	s.live = nil
	s.processed = make(map[string]struct{})
}

func (s *Session) reset(messagingJoined bool) {
	if s.tracker != nil {
		s.tracker.CloseAll()
	}
	s.state = connstate.Apply(s.state, connstate.Reset)
	s.state = connstate.Apply(s.state, connstate.AppLoaded)
	if messagingJoined {
		s.state = connstate.Apply(s.state, connstate.MessagingConnected)
	}
	s.pending.Clear()
	s.preserved.Clear()
	s.buffer.Clear()
	s.live = nil
	s.typing.Clear()
	s.cycle = 0
	s.replay.Reset()
	s.processed = make(map[string]struct{})
	s.archived = make(map[string]int)
	log.Printf("[conversation] %s: reset", s.cfg.Channel)
}

// publish merges the current snapshots and hands the result to observers,
// persistence and the archive.
func (s *Session) publish() {
	start := time.Now()
	now := s.now()
	mode := timeline.ModeFor(s.state, s.cfg.PureChat)

	in := timeline.Input{
		Mode:      mode,
		Pending:   s.pending.Messages(),
		Preserved: s.preserved.Entries(),
		Connected: s.state.App.ConnectInitiated,
		Cycle:     s.cycle,
		Now:       now,
	}
	if mode == timeline.ModeIntegrated {
		in.Live = s.live
	}
	res := s.merger.Merge(in)
	metrics.MergeLatency.Observe(time.Since(start).Seconds())
	metrics.TimelineSize.Observe(float64(len(res.Messages)))

	for _, sk := range res.Skipped {
		metrics.MergeSkipped.Inc()
		log.Printf("[conversation] %s: skipped message %s: %v", s.cfg.Channel, sk.ID, sk.Err)
	}

	u := Update{
		Channel:     s.cfg.Channel,
		Messages:    res.Messages,
		Typing:      s.typing.Active(now),
		State:       s.state,
		Mode:        mode,
		ChatEnabled: ChatEnabled(s.state, s.cfg.PureChat),
	}

	s.mu.Lock()
	s.latest = u
	observers := make([]func(Update), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(u)
	}

	s.writer.saveHistory(s.pending.Messages(), s.preserved.Entries(), s.cycle)
	s.archiveChanged(res.Messages)
}
