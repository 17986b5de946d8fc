package conversation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Factory builds an unstarted Session for channel.
type Factory func(channel string) (*Session, error)

// Hub owns one Session per conversation channel.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
	closed   bool
}

// NewHub creates a Hub that builds sessions with factory.
func NewHub(factory Factory) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

// Get returns the session for channel, creating and starting it on first
// use.
func (h *Hub) Get(ctx context.Context, channel string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("conversation: hub closed")
	}
	if s, ok := h.sessions[channel]; ok {
		return s, nil
	}

	s, err := h.factory(channel)
	if err != nil {
		return nil, fmt.Errorf("conversation: create session %s: %w", channel, err)
	}
	if err := s.Start(ctx); err != nil {
		// The session stays usable; Connect retries the messaging join.
		log.Printf("[hub] session %s started degraded: %v", channel, err)
	}
	h.sessions[channel] = s
	return s, nil
}

// Lookup returns the session for channel if one exists.
func (h *Hub) Lookup(channel string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[channel]
	return s, ok
}

// Channels returns the channels with a live session, sorted.
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for c := range h.sessions {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Close closes every session. Get fails afterwards.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(ctx)
		}(s)
	}
	wg.Wait()
	log.Printf("[hub] closed %d sessions", len(sessions))
}
