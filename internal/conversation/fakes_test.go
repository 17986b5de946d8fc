package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/avatar-chat/internal/media"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/ratelimit"
	"github.com/whisper/avatar-chat/internal/session"
	"github.com/whisper/avatar-chat/internal/transcript"
)

var t0 = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type published struct {
	target  string
	payload []byte
	opts    messaging.PublishOptions
}

type fakeMessaging struct {
	mu         sync.Mutex
	handler    func(messaging.Event)
	joins      int
	leaves     int
	published  []published
	joinErr    error
	publishErr error
}

func (f *fakeMessaging) Join(channel string, handler func(messaging.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins++
	f.handler = handler
	return nil
}

func (f *fakeMessaging) Leave(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	f.handler = nil
	return nil
}

func (f *fakeMessaging) Publish(ctx context.Context, target string, payload []byte, opts messaging.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{target: target, payload: payload, opts: opts})
	return nil
}

func (f *fakeMessaging) deliver(ev messaging.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeMessaging) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeSubtitles struct {
	mu      sync.Mutex
	handler func(transcript.Fragment)
	unsubs  int
}

func (f *fakeSubtitles) SubscribeSubtitles(channel string, handler func(transcript.Fragment)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeSubtitles) UnsubscribeSubtitles(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	f.unsubs++
	return nil
}

func (f *fakeSubtitles) push(fr transcript.Fragment) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(fr)
	}
}

type fakeAgents struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
}

func (f *fakeAgents) StartAgent(ctx context.Context, req messaging.AgentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeAgents) StopAgent(ctx context.Context, req messaging.AgentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

type fakeCommands struct {
	mu   sync.Mutex
	cmds []string
}

func (f *fakeCommands) PublishCommand(channel, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeCommands) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

type fakeTrack struct {
	mu     sync.Mutex
	closed bool
}

func (t *fakeTrack) Play(ctx context.Context, target string) error { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeMedia struct {
	mu      sync.Mutex
	handler func(media.Event)
	tracks  []*fakeTrack
	leaves  int
}

func (f *fakeMedia) Join(ctx context.Context, channel, uid string, handler func(media.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeMedia) Leave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	f.leaves++
	return nil
}

func (f *fakeMedia) Subscribe(ctx context.Context, uid string, kind media.Kind) (media.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTrack{}
	f.tracks = append(f.tracks, tr)
	return tr, nil
}

func (f *fakeMedia) emit(ev media.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	return f.allow, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	loaded  *session.History
	saved   []session.History
	deletes int
}

func (f *fakeHistory) SaveHistory(ctx context.Context, channel string, h session.History) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, h)
	return nil
}

func (f *fakeHistory) LoadHistory(ctx context.Context, channel string) (*session.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded, nil
}

func (f *fakeHistory) DeleteHistory(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeHistory) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

var errPublish = errors.New("publish rejected")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	s         *Session
	msg       *fakeMessaging
	subtitles *fakeSubtitles
	agents    *fakeAgents
	commands  *fakeCommands
	media     *fakeMedia
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		msg:       &fakeMessaging{},
		subtitles: &fakeSubtitles{},
		agents:    &fakeAgents{},
		commands:  &fakeCommands{},
		media:     &fakeMedia{},
	}
	cfg := DefaultConfig("demo")
	deps := Deps{
		Messaging: h.msg,
		Subtitles: h.subtitles,
		Agents:    h.agents,
		Commands:  h.commands,
		Media:     h.media,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	h.s = s
	return h
}

func (h *harness) flush() { h.s.Flush(context.Background()) }

// deliver hands a STRING message to the session and waits for it.
func (h *harness) deliver(publisher string, at time.Time, body string) {
	h.deliverTyped(publisher, at, "STRING", []byte(body))
}

func (h *harness) deliverTyped(publisher string, at time.Time, messageType string, body []byte) {
	h.msg.deliver(messaging.Event{
		Channel:     "demo",
		Publisher:   publisher,
		MessageType: messageType,
		Timestamp:   at,
		Message:     body,
	})
	h.flush()
}

func (h *harness) contents() []string {
	var out []string
	for _, m := range h.s.Snapshot().Messages {
		out = append(out, m.Content)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
