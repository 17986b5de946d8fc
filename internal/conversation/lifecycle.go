package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/whisper/avatar-chat/internal/chat"
	"github.com/whisper/avatar-chat/internal/connstate"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/metrics"
	"github.com/whisper/avatar-chat/internal/protocol"
	"github.com/whisper/avatar-chat/internal/ratelimit"
	"github.com/whisper/avatar-chat/internal/timeline"
)

// ErrNotJoined is returned by TrySend when the messaging channel is not
// joined.
var ErrNotJoined = errors.New("conversation: messaging channel not joined")

// joinMessaging joins the messaging channel unless already joined.
func (s *Session) joinMessaging() error {
	if s.joined.Load() {
		return nil
	}
	s.post(stateEvent{ev: connstate.MessagingConnecting})
	if err := s.deps.Messaging.Join(s.cfg.Channel, s.onMessage); err != nil {
		s.post(stateEvent{ev: connstate.MessagingDisconnect})
		return fmt.Errorf("conversation: join messaging: %w", err)
	}
	s.joined.Store(true)
	s.post(stateEvent{ev: connstate.MessagingConnected})
	log.Printf("[conversation] %s: messaging joined as %s", s.cfg.Channel, s.cfg.LocalUID)
	return nil
}

// Connect starts an agent session: messaging, subtitles, agent and media,
// in that order. Any failure rolls back the steps already taken.
func (s *Session) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.active {
		return nil
	}
	s.active = true
	s.post(stateEvent{ev: connstate.AppConnectInitiated})

	if err := s.connect(ctx); err != nil {
		log.Printf("[conversation] %s: connect failed: %v", s.cfg.Channel, err)
		if terr := s.teardown(ctx); terr != nil {
			log.Printf("[conversation] %s: rollback: %v", s.cfg.Channel, terr)
		}
		return err
	}
	log.Printf("[conversation] %s: connected", s.cfg.Channel)
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	if err := s.joinMessaging(); err != nil {
		return err
	}

	if s.deps.Subtitles != nil {
		if err := s.deps.Subtitles.SubscribeSubtitles(s.cfg.Channel, s.buffer.Add); err != nil {
			return fmt.Errorf("conversation: subscribe subtitles: %w", err)
		}
		s.subtitlesOn = true
	}

	if s.cfg.AgentConnect && s.deps.Agents != nil {
		s.post(stateEvent{ev: connstate.AgentConnecting})
		if err := s.deps.Agents.StartAgent(ctx, s.cfg.agentRequest()); err != nil {
			s.post(stateEvent{ev: connstate.AgentDisconnect})
			return fmt.Errorf("conversation: start agent: %w", err)
		}
		s.agentStarted = true
	}
	// Without a start call the agent is managed elsewhere and assumed up.
	s.post(stateEvent{ev: connstate.AgentConnected})

	if s.deps.Media != nil {
		s.post(stateEvent{ev: connstate.MediaTransportConnecting})
		if err := s.deps.Media.Join(ctx, s.cfg.Channel, s.cfg.LocalUID, s.onMedia); err != nil {
			s.post(stateEvent{ev: connstate.MediaTransportDisconnect})
			return fmt.Errorf("conversation: join media: %w", err)
		}
		s.mediaJoined = true
		s.post(stateEvent{ev: connstate.MediaTransportConnected})
	}

	if s.deps.Keepalive != nil {
		s.deps.Keepalive.Start(s.cfg.Channel)
	}
	return nil
}

// Disconnect ends the agent session. In pure chat mode the messaging
// channel stays joined so the user can keep typing.
func (s *Session) Disconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.active {
		return nil
	}
	err := s.teardown(ctx)
	log.Printf("[conversation] %s: disconnected", s.cfg.Channel)
	return err
}

// teardown reverses connect. It must be called with lifecycle held.
func (s *Session) teardown(ctx context.Context) error {
	var errs []error

	s.post(stateEvent{ev: connstate.Disconnecting})
	if s.deps.Keepalive != nil {
		s.deps.Keepalive.Stop()
	}

	if s.mediaJoined {
		if err := s.deps.Media.Leave(ctx); err != nil {
			errs = append(errs, fmt.Errorf("conversation: leave media: %w", err))
		}
		s.mediaJoined = false
	}
	s.post(stateEvent{ev: connstate.MediaTransportDisconnect})
	s.post(closeTracksEvent{})

	if s.agentStarted {
		if err := s.deps.Agents.StopAgent(ctx, s.cfg.agentRequest()); err != nil {
			errs = append(errs, fmt.Errorf("conversation: stop agent: %w", err))
		}
		s.agentStarted = false
	}
	s.post(stateEvent{ev: connstate.AgentDisconnect})

	if s.subtitlesOn {
		if err := s.deps.Subtitles.UnsubscribeSubtitles(s.cfg.Channel); err != nil {
			errs = append(errs, fmt.Errorf("conversation: unsubscribe subtitles: %w", err))
		}
		s.subtitlesOn = false
	}

	if !s.cfg.PureChat && s.joined.Swap(false) {
		if err := s.deps.Messaging.Leave(s.cfg.Channel); err != nil {
			errs = append(errs, fmt.Errorf("conversation: leave messaging: %w", err))
		}
	}

	s.post(stateEvent{ev: connstate.Disconnect})
	if s.joined.Load() {
		s.post(stateEvent{ev: connstate.MessagingConnected})
	}
	s.active = false
	return errors.Join(errs...)
}

// Reset disconnects if needed and returns the conversation to a fresh
// state, dropping all history.
func (s *Session) Reset(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	var err error
	if s.active {
		err = s.teardown(ctx)
	}
	s.post(resetEvent{messagingJoined: s.joined.Load()})
	return err
}

// SendOutcome is the result of a user send.
type SendOutcome int

const (
	SendOK SendOutcome = iota
	SendInvalid
	SendRateLimited
	SendFailed
)

func (o SendOutcome) String() string {
	switch o {
	case SendOK:
		return "ok"
	case SendInvalid:
		return "invalid"
	case SendRateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// SendOptions modify a user send.
type SendOptions struct {
	// SkipHistory publishes without adding the message to the timeline.
	SkipHistory bool
}

// Send publishes text to the agent and reports success. A failed send
// leaves the timeline untouched.
func (s *Session) Send(ctx context.Context, text string) bool {
	outcome, _ := s.TrySend(ctx, text, SendOptions{})
	return outcome == SendOK
}

// TrySend is Send with the reason for failure.
func (s *Session) TrySend(ctx context.Context, text string, opts SendOptions) (SendOutcome, error) {
	text = strings.TrimSpace(text)
	if err := chat.ValidateMessage(text); err != nil {
		metrics.SendsTotal.WithLabelValues(SendInvalid.String()).Inc()
		return SendInvalid, err
	}

	if s.deps.Limiter != nil {
		allowed, err := s.deps.Limiter.Allow(ctx, s.cfg.Channel, ratelimit.RuleSend)
		if err != nil {
			log.Printf("[conversation] %s: rate limit check: %v", s.cfg.Channel, err)
		}
		if !allowed {
			metrics.SendsTotal.WithLabelValues(SendRateLimited.String()).Inc()
			return SendRateLimited, nil
		}
	}

	if !s.joined.Load() {
		metrics.SendsTotal.WithLabelValues(SendFailed.String()).Inc()
		return SendFailed, ErrNotJoined
	}

	payload, err := protocol.EncodeOutbound(text)
	if err != nil {
		metrics.SendsTotal.WithLabelValues(SendFailed.String()).Inc()
		return SendFailed, err
	}
	err = s.deps.Messaging.Publish(ctx, s.cfg.AgentTarget(), payload, messaging.PublishOptions{
		MessageType: protocol.MessageTypeString,
		CustomType:  protocol.CustomTypeUserTranscription,
	})
	if err != nil {
		log.Printf("[conversation] %s: send to %s failed: %v", s.cfg.Channel, s.cfg.AgentTarget(), err)
		metrics.SendsTotal.WithLabelValues(SendFailed.String()).Inc()
		return SendFailed, fmt.Errorf("conversation: publish: %w", err)
	}

	s.post(sentEvent{
		msg: timeline.ChatMessage{
			ID:            uuid.NewString(),
			Role:          timeline.RoleUser,
			ParticipantID: s.cfg.LocalUID,
			Timestamp:     s.now(),
			Content:       text,
			ContentKind:   timeline.KindText,
			IsOwn:         true,
			Origin:        timeline.OriginTyped,
			Affinity:      timeline.AffinityCurrent,
		},
		skipHistory: opts.SkipHistory,
	})
	metrics.SendsTotal.WithLabelValues(SendOK.String()).Inc()
	return SendOK, nil
}
