package conversation

import (
	"github.com/whisper/avatar-chat/internal/connstate"
	"github.com/whisper/avatar-chat/internal/media"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/timeline"
	"github.com/whisper/avatar-chat/internal/transcript"
)

// event is anything the session loop consumes.
type event interface{}

type (
	inboundEvent  struct{ ev messaging.Event }
	snapshotEvent struct{ list []transcript.Utterance }
	mediaEvent    struct{ ev media.Event }
	stateEvent    struct{ ev connstate.Event }
	sentEvent     struct {
		msg         timeline.ChatMessage
		skipHistory bool
	}
	typingExpiredEvent struct{}
	closeTracksEvent   struct{}
	resetEvent         struct{ messagingJoined bool }
	flushEvent         struct{ done chan struct{} }
)
