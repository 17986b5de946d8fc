package media

import (
	"context"
	"log"
	"time"

	"github.com/whisper/avatar-chat/internal/connstate"
)

const defaultControlTimeout = 5 * time.Second

// Tracker follows remote participant events for one conversation. It keeps
// the subscribed tracks and reports avatar transitions through emit. It is
// driven from one goroutine and is not safe for concurrent use.
type Tracker struct {
	transport Transport
	localUID  string
	emit      func(connstate.Event)
	tracks    map[string]Track
}

// NewTracker creates a tracker that ignores events about localUID.
func NewTracker(transport Transport, localUID string, emit func(connstate.Event)) *Tracker {
	return &Tracker{
		transport: transport,
		localUID:  localUID,
		emit:      emit,
		tracks:    make(map[string]Track),
	}
}

// Handle processes one event.
func (t *Tracker) Handle(ctx context.Context, ev Event) {
	if ev.UID == "" || ev.UID == t.localUID {
		return
	}
	switch ev.Type {
	case UserJoined:
		log.Printf("[media] user %s joined", ev.UID)
		if _, ok := t.tracks[trackKey(ev.UID, Video)]; !ok {
			t.emit(connstate.AvatarLoading)
		}
	case UserPublished:
		t.publish(ctx, ev)
	case UserUnpublished:
		t.closeTrack(ev.UID, ev.Media)
		if ev.Media == Video {
			t.emit(connstate.AvatarDisconnect)
		}
	case UserLeft:
		log.Printf("[media] user %s left", ev.UID)
		t.closeTrack(ev.UID, Audio)
		t.closeTrack(ev.UID, Video)
		t.emit(connstate.AvatarDisconnect)
	default:
		log.Printf("[media] ignoring event %q from %s", ev.Type, ev.UID)
	}
}

func (t *Tracker) publish(ctx context.Context, ev Event) {
	if ev.Media != Audio && ev.Media != Video {
		log.Printf("[media] ignoring publish of %q from %s", ev.Media, ev.UID)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultControlTimeout)
	defer cancel()

	if ev.Media == Video {
		t.emit(connstate.AvatarConnecting)
	}
	t.closeTrack(ev.UID, ev.Media)
	track, err := t.transport.Subscribe(ctx, ev.UID, ev.Media)
	if err != nil {
		log.Printf("[media] subscribe %s/%s: %v", ev.UID, ev.Media, err)
		return
	}
	t.tracks[trackKey(ev.UID, ev.Media)] = track

	if err := track.Play(ctx, Target(ev.UID, ev.Media)); err != nil {
		log.Printf("[media] play %s/%s: %v", ev.UID, ev.Media, err)
		return
	}
	if ev.Media == Video {
		t.emit(connstate.AvatarLoaded)
		t.emit(connstate.AvatarConnected)
	}
}

func (t *Tracker) closeTrack(uid string, kind Kind) {
	key := trackKey(uid, kind)
	track, ok := t.tracks[key]
	if !ok {
		return
	}
	delete(t.tracks, key)
	if err := track.Close(); err != nil {
		log.Printf("[media] close %s: %v", key, err)
	}
}

// CloseAll closes every subscribed track.
func (t *Tracker) CloseAll() {
	for key, track := range t.tracks {
		if err := track.Close(); err != nil {
			log.Printf("[media] close %s: %v", key, err)
		}
	}
	t.tracks = make(map[string]Track)
}

// Tracks returns the number of open tracks.
func (t *Tracker) Tracks() int { return len(t.tracks) }

func trackKey(uid string, kind Kind) string {
	return uid + "/" + string(kind)
}
