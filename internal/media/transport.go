// Package media models the media transport the bridge drives: joining a
// channel, reacting to remote publish events and routing remote tracks to
// render targets. The Tracker turns those events into connection-state
// transitions for the avatar.
package media

import (
	"context"
	"fmt"
)

// Kind is the media type of a track.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// EventType names a remote participant event.
type EventType string

const (
	UserPublished   EventType = "user-published"
	UserUnpublished EventType = "user-unpublished"
	UserJoined      EventType = "user-joined"
	UserLeft        EventType = "user-left"
)

// Event is one remote participant event.
type Event struct {
	Type  EventType `json:"event"`
	UID   string    `json:"uid"`
	Media Kind      `json:"media,omitempty"`
}

// Track is a subscribed remote track.
type Track interface {
	Play(ctx context.Context, target string) error
	Close() error
}

// Transport is the media transport contract.
type Transport interface {
	Join(ctx context.Context, channel, uid string, handler func(Event)) error
	Leave(ctx context.Context) error
	Subscribe(ctx context.Context, uid string, kind Kind) (Track, error)
}

// Target returns the render target name for a participant's track.
func Target(uid string, kind Kind) string {
	return fmt.Sprintf("%s_%s", kind, uid)
}
