// Package keepalive periodically tells the agent backend that a channel is
// still in use, so idle agents are not reclaimed mid-conversation.
package keepalive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds pinger settings.
type Config struct {
	Endpoint string        // POST target; empty disables the pinger
	Interval time.Duration // time between pings
	Timeout  time.Duration // per-request timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Ping is the body of one keep-alive request.
type Ping struct {
	RequestID   string `json:"request_id"`
	ChannelName string `json:"channel_name"`
}

// Pinger sends a Ping for the active channel every interval until stopped.
type Pinger struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Pinger.
func New(cfg Config) *Pinger {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Pinger{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Start begins pinging for channel, replacing any running loop. The first
// ping is sent immediately.
func (p *Pinger) Start(channel string) {
	if p.cfg.Endpoint == "" {
		return
	}
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.loop(ctx, channel, done)
}

// Stop ends the running loop and waits for it to exit. It is safe to call
// when nothing is running.
func (p *Pinger) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Pinger) loop(ctx context.Context, channel string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.send(ctx, channel); err != nil && ctx.Err() == nil {
			log.Printf("[keepalive] ping %s: %v", channel, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pinger) send(ctx context.Context, channel string) error {
	body, err := json.Marshal(Ping{RequestID: uuid.NewString(), ChannelName: channel})
	if err != nil {
		return fmt.Errorf("keepalive: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("keepalive: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("keepalive: post: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("keepalive: unexpected status %d", resp.StatusCode)
	}
	return nil
}
