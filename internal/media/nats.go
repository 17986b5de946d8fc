package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/whisper/avatar-chat/internal/messaging"
)

// EventsSubject returns the subject remote participant events arrive on.
func EventsSubject(channel string) string {
	return messaging.SubjectMedia + "." + channel + ".events"
}

// ControlSubject returns the request/reply subject of the media gateway.
func ControlSubject(channel string) string {
	return messaging.SubjectMedia + "." + channel + ".control"
}

// controlRequest is sent to the media gateway.
type controlRequest struct {
	Op     string `json:"op"`
	UID    string `json:"uid,omitempty"`
	Media  Kind   `json:"media,omitempty"`
	Target string `json:"target,omitempty"`
}

type controlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSTransport drives a media gateway over NATS request/reply. It serves a
// single channel at a time.
type NATSTransport struct {
	client *messaging.NATSClient

	mu      sync.Mutex
	channel string
	sub     *nats.Subscription
}

// NewNATSTransport creates a transport on client.
func NewNATSTransport(client *messaging.NATSClient) *NATSTransport {
	return &NATSTransport{client: client}
}

// Join asks the gateway to join channel as uid and starts delivering remote
// participant events to handler.
func (t *NATSTransport) Join(ctx context.Context, channel, uid string, handler func(Event)) error {
	sub, err := t.client.Conn().Subscribe(EventsSubject(channel), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[media] bad event on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("media: subscribe events: %w", err)
	}

	if err := t.control(ctx, channel, controlRequest{Op: "join", UID: uid}); err != nil {
		_ = sub.Unsubscribe()
		return err
	}

	t.mu.Lock()
	t.channel = channel
	t.sub = sub
	t.mu.Unlock()
	return nil
}

// Leave leaves the joined channel. Leaving when not joined is a no-op.
func (t *NATSTransport) Leave(ctx context.Context) error {
	t.mu.Lock()
	channel, sub := t.channel, t.sub
	t.channel, t.sub = "", nil
	t.mu.Unlock()

	if channel == "" {
		return nil
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[media] unsubscribe %s: %v", channel, err)
		}
	}
	return t.control(ctx, channel, controlRequest{Op: "leave"})
}

// Subscribe asks the gateway to forward the remote track of uid.
func (t *NATSTransport) Subscribe(ctx context.Context, uid string, kind Kind) (Track, error) {
	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()
	if channel == "" {
		return nil, fmt.Errorf("media: subscribe %s/%s: not joined", uid, kind)
	}
	if err := t.control(ctx, channel, controlRequest{Op: "subscribe", UID: uid, Media: kind}); err != nil {
		return nil, err
	}
	return &natsTrack{transport: t, channel: channel, uid: uid, kind: kind}, nil
}

func (t *NATSTransport) control(ctx context.Context, channel string, req controlRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("media: marshal %s: %w", req.Op, err)
	}
	raw, err := t.client.Request(ctx, ControlSubject(channel), data)
	if err != nil {
		return fmt.Errorf("media: %s: %w", req.Op, err)
	}
	var reply controlReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("media: decode %s reply: %w", req.Op, err)
	}
	if !reply.OK {
		return fmt.Errorf("media: %s rejected: %s", req.Op, reply.Error)
	}
	return nil
}

type natsTrack struct {
	transport *NATSTransport
	channel   string
	uid       string
	kind      Kind
}

func (tr *natsTrack) Play(ctx context.Context, target string) error {
	return tr.transport.control(ctx, tr.channel, controlRequest{Op: "play", UID: tr.uid, Media: tr.kind, Target: target})
}

func (tr *natsTrack) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultControlTimeout)
	defer cancel()
	return tr.transport.control(ctx, tr.channel, controlRequest{Op: "close", UID: tr.uid, Media: tr.kind})
}
