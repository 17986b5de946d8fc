// Package conversation owns the reconciliation context of one conversation
// channel. A Session serialises every transport callback through a single
// event loop, keeps the pending, preserved and typing registries, drives the
// connection lifecycle, and publishes a freshly merged timeline after every
// change.
package conversation

import (
	"context"
	"time"

	"github.com/whisper/avatar-chat/internal/media"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/ratelimit"
	"github.com/whisper/avatar-chat/internal/session"
	"github.com/whisper/avatar-chat/internal/timeline"
	"github.com/whisper/avatar-chat/internal/transcript"
)

// Messaging is the messaging transport of the local participant.
type Messaging interface {
	Join(channel string, handler func(messaging.Event)) error
	Leave(channel string) error
	Publish(ctx context.Context, target string, payload []byte, opts messaging.PublishOptions) error
}

// Subtitles delivers subtitle fragments of a channel.
type Subtitles interface {
	SubscribeSubtitles(channel string, handler func(transcript.Fragment)) error
	UnsubscribeSubtitles(channel string) error
}

// Agents starts and stops the remote agent.
type Agents interface {
	StartAgent(ctx context.Context, req messaging.AgentRequest) error
	StopAgent(ctx context.Context, req messaging.AgentRequest) error
}

// CommandSink receives extracted avatar commands.
type CommandSink interface {
	PublishCommand(channel, command string) error
}

// Limiter throttles user sends.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// HistoryStore persists the conversation history between bridge restarts.
type HistoryStore interface {
	SaveHistory(ctx context.Context, channel string, h session.History) error
	LoadHistory(ctx context.Context, channel string) (*session.History, error)
	DeleteHistory(ctx context.Context, channel string) error
}

// Archiver stores finished messages for the long term.
type Archiver interface {
	Upsert(ctx context.Context, channel string, msgs []timeline.ChatMessage) error
}

// Keepalive pings the agent backend while a connection is up.
type Keepalive interface {
	Start(channel string)
	Stop()
}

// Deps are the collaborators of a Session. Messaging is required; every
// other field may be nil, which disables the matching feature.
type Deps struct {
	Messaging Messaging
	Subtitles Subtitles
	Media     media.Transport
	Agents    Agents
	Commands  CommandSink
	Limiter   Limiter
	History   HistoryStore
	Archive   Archiver
	Keepalive Keepalive
}

// Config selects the identity and behaviour of a Session.
type Config struct {
	Channel      string
	LocalUID     string
	AgentUID     string // publish target; defaults to "agent-<channel>"
	PureChat     bool
	AgentConnect bool

	AgentPrompt   string
	AgentGreeting string
	AgentVoiceID  string
	AgentProfile  string

	NearDuplicateWindow   time.Duration
	IngestDuplicateWindow time.Duration
	TypedDuplicateWindow  time.Duration
	TypingTimeout         time.Duration
}

// DefaultConfig returns a configuration for channel with standard timings.
func DefaultConfig(channel string) Config {
	return Config{
		Channel:               channel,
		LocalUID:              "101",
		AgentConnect:          true,
		NearDuplicateWindow:   timeline.DefaultNearDuplicateWindow,
		IngestDuplicateWindow: 2000 * time.Millisecond,
		TypedDuplicateWindow:  1000 * time.Millisecond,
		TypingTimeout:         timeline.DefaultTypingTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Channel)
	if c.LocalUID == "" {
		c.LocalUID = d.LocalUID
	}
	if c.NearDuplicateWindow <= 0 {
		c.NearDuplicateWindow = d.NearDuplicateWindow
	}
	if c.IngestDuplicateWindow <= 0 {
		c.IngestDuplicateWindow = d.IngestDuplicateWindow
	}
	if c.TypedDuplicateWindow <= 0 {
		c.TypedDuplicateWindow = d.TypedDuplicateWindow
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = d.TypingTimeout
	}
	return c
}

// AgentTarget is the participant user sends are addressed to.
func (c Config) AgentTarget() string {
	if c.AgentUID != "" {
		return c.AgentUID
	}
	if c.Channel != "" {
		return "agent-" + c.Channel
	}
	return "agent"
}

func (c Config) agentRequest() messaging.AgentRequest {
	return messaging.AgentRequest{
		Channel:  c.Channel,
		UID:      c.LocalUID,
		AgentUID: c.AgentTarget(),
		Prompt:   c.AgentPrompt,
		Greeting: c.AgentGreeting,
		VoiceID:  c.AgentVoiceID,
		Profile:  c.AgentProfile,
	}
}
