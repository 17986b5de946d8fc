package messaging

import (
	"context"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/avatar-chat/internal/protocol"
)

// Header names carried on channel messages.
const (
	HeaderPublisher   = "Publisher"
	HeaderMessageType = "Message-Type"
	HeaderCustomType  = "Custom-Type"
	HeaderTimestamp   = "Timestamp"
)

// Event is one message delivered on a conversation channel.
type Event struct {
	Channel     string
	Publisher   string
	MessageType string
	CustomType  string
	Timestamp   time.Time
	Message     []byte
}

// PublishOptions selects the message type and custom type of a publish.
type PublishOptions struct {
	MessageType string
	CustomType  string
}

// ChannelSubject returns the subject of a conversation channel.
func ChannelSubject(channel string) string {
	return SubjectChannel + "." + channel
}

// UserSubject returns the subject addressed to one participant.
func UserSubject(uid string) string {
	return SubjectUser + "." + uid
}

// EventFromMsg converts a NATS message into an Event. A missing or
// unparseable Timestamp header falls back to received.
func EventFromMsg(channel string, msg *nats.Msg, received time.Time) Event {
	ev := Event{
		Channel:     channel,
		MessageType: protocol.MessageTypeString,
		Timestamp:   received,
		Message:     msg.Data,
	}
	if msg.Header == nil {
		return ev
	}
	ev.Publisher = msg.Header.Get(HeaderPublisher)
	ev.CustomType = msg.Header.Get(HeaderCustomType)
	if mt := msg.Header.Get(HeaderMessageType); mt != "" {
		ev.MessageType = mt
	}
	if raw := msg.Header.Get(HeaderTimestamp); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			ev.Timestamp = time.UnixMilli(ms)
		}
	}
	return ev
}

// NewChannelMsg builds a NATS message with the channel headers set.
func NewChannelMsg(subject, publisher string, payload []byte, opts PublishOptions, now time.Time) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	mt := opts.MessageType
	if mt == "" {
		mt = protocol.MessageTypeString
	}
	msg.Header.Set(HeaderPublisher, publisher)
	msg.Header.Set(HeaderMessageType, mt)
	if opts.CustomType != "" {
		msg.Header.Set(HeaderCustomType, opts.CustomType)
	}
	msg.Header.Set(HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	return msg
}

// Channel is the messaging transport of one participant: it subscribes to a
// conversation channel plus the participant's own subject and publishes on
// the participant's behalf.
type Channel struct {
	client   *NATSClient
	localUID string
}

// NewChannel creates a transport that publishes as localUID.
func NewChannel(client *NATSClient, localUID string) *Channel {
	return &Channel{client: client, localUID: localUID}
}

// Join subscribes to the channel subject and the local user subject.
func (ch *Channel) Join(channel string, handler func(Event)) error {
	deliver := func(msg *nats.Msg) {
		handler(EventFromMsg(channel, msg, time.Now()))
	}
	if err := ch.client.Subscribe(ch.key(channel, "channel"), ChannelSubject(channel), deliver); err != nil {
		return err
	}
	if err := ch.client.Subscribe(ch.key(channel, "user"), UserSubject(ch.localUID), deliver); err != nil {
		_ = ch.client.unsubscribe(ch.key(channel, "channel"))
		return err
	}
	return nil
}

// Leave drops both subscriptions of channel.
func (ch *Channel) Leave(channel string) error {
	err := ch.client.unsubscribe(ch.key(channel, "channel"))
	if uerr := ch.client.unsubscribe(ch.key(channel, "user")); err == nil {
		err = uerr
	}
	return err
}

// Publish sends payload to the participant target and waits for the server
// to accept it.
func (ch *Channel) Publish(ctx context.Context, target string, payload []byte, opts PublishOptions) error {
	msg := NewChannelMsg(UserSubject(target), ch.localUID, payload, opts, time.Now())
	return ch.client.PublishMsg(ctx, msg)
}

// Broadcast sends payload to every member of channel.
func (ch *Channel) Broadcast(ctx context.Context, channel string, payload []byte, opts PublishOptions) error {
	msg := NewChannelMsg(ChannelSubject(channel), ch.localUID, payload, opts, time.Now())
	return ch.client.PublishMsg(ctx, msg)
}

func (ch *Channel) key(channel, kind string) string {
	return "rtm:" + kind + ":" + channel
}
