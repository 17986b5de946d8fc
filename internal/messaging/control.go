package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/whisper/avatar-chat/internal/transcript"
)

// SubtitleSubject returns the subject carrying subtitle fragments.
func SubtitleSubject(channel string) string {
	return SubjectSubtitle + "." + channel
}

// AvatarCommandSubject returns the subject extracted avatar commands go to.
func AvatarCommandSubject(channel string) string {
	return SubjectAvatarCommand + "." + channel + ".command"
}

// SubscribeSubtitles delivers parsed subtitle fragments for channel.
// Fragments that fail to parse are logged and dropped.
func (c *NATSClient) SubscribeSubtitles(channel string, handler func(transcript.Fragment)) error {
	return c.Subscribe("subtitle:"+channel, SubtitleSubject(channel), func(msg *nats.Msg) {
		f, err := transcript.ParseFragment(msg.Data)
		if err != nil {
			log.Printf("[nats] subtitle %s: %v", channel, err)
			return
		}
		handler(f)
	})
}

// UnsubscribeSubtitles stops the subtitle feed of channel.
func (c *NATSClient) UnsubscribeSubtitles(channel string) error {
	return c.unsubscribe("subtitle:" + channel)
}

// PublishCommand forwards one extracted avatar command to the avatar
// renderer of channel.
func (c *NATSClient) PublishCommand(channel, command string) error {
	return c.Publish(AvatarCommandSubject(channel), []byte(command))
}

// AgentRequest asks the control plane to start or stop the agent of a
// channel.
type AgentRequest struct {
	Channel  string `json:"channel"`
	UID      string `json:"uid"`
	AgentUID string `json:"agent_uid"`
	Prompt   string `json:"prompt,omitempty"`
	Greeting string `json:"greeting,omitempty"`
	VoiceID  string `json:"voice_id,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// AgentReply is the control plane's answer.
type AgentReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StartAgent requests an agent for req.Channel.
func (c *NATSClient) StartAgent(ctx context.Context, req AgentRequest) error {
	return c.agentRequest(ctx, SubjectAgentStart, req)
}

// StopAgent releases the agent of req.Channel.
func (c *NATSClient) StopAgent(ctx context.Context, req AgentRequest) error {
	return c.agentRequest(ctx, SubjectAgentStop, req)
}

func (c *NATSClient) agentRequest(ctx context.Context, subject string, req AgentRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("messaging: marshal agent request: %w", err)
	}
	raw, err := c.Request(ctx, subject, data)
	if err != nil {
		return err
	}
	var reply AgentReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("messaging: decode agent reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("messaging: %s rejected: %s", subject, reply.Error)
	}
	return nil
}
