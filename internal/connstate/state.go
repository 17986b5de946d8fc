// Package connstate models the composite connection status of one
// conversation: the application shell, the avatar video, the remote agent,
// the media transport and the messaging transport. State changes only
// through Apply, which is a pure function of (state, event).
package connstate

// App is the application sub-state.
type App struct {
	Loading          bool `json:"loading"`
	Loaded           bool `json:"loaded"`
	ConnectInitiated bool `json:"connect_initiated"`
}

// Avatar is the avatar/media sub-state. Loaded and Connected flip to true
// when the remote agent's video track arrives.
type Avatar struct {
	Loading    bool `json:"loading"`
	Loaded     bool `json:"loaded"`
	Connecting bool `json:"connecting"`
	Connected  bool `json:"connected"`
}

// Link is the two-valued sub-state shared by the agent, media transport and
// messaging transport.
type Link struct {
	Connecting bool `json:"connecting"`
	Connected  bool `json:"connected"`
}

// State is the composite connection record.
type State struct {
	App            App    `json:"app"`
	Avatar         Avatar `json:"avatar"`
	Agent          Link   `json:"agent"`
	MediaTransport Link   `json:"media_transport"`
	Messaging      Link   `json:"messaging"`
}

// Initial returns the state a process starts with: every flag false.
func Initial() State {
	return State{}
}

// FullyConnected reports whether the avatar video, the agent and the media
// transport are all up. It is always derived, never stored.
func (s State) FullyConnected() bool {
	return s.Avatar.Connected &&
		s.Avatar.Loaded &&
		s.Agent.Connected &&
		s.MediaTransport.Connected
}

// Event names one lifecycle transition.
type Event string

const (
	AppLoaded           Event = "app_loaded"
	AppConnectInitiated Event = "app_connect_initiated"

	AvatarLoading    Event = "avatar_loading"
	AvatarLoaded     Event = "avatar_loaded"
	AvatarConnecting Event = "avatar_connecting"
	AvatarConnected  Event = "avatar_connected"
	AvatarDisconnect Event = "avatar_disconnect"

	AgentConnecting Event = "agent_connecting"
	AgentConnected  Event = "agent_connected"
	AgentDisconnect Event = "agent_disconnect"

	MediaTransportConnecting Event = "media_transport_connecting"
	MediaTransportConnected  Event = "media_transport_connected"
	MediaTransportDisconnect Event = "media_transport_disconnect"

	MessagingConnecting Event = "messaging_connecting"
	MessagingConnected  Event = "messaging_connected"
	MessagingDisconnect Event = "messaging_disconnect"

	Disconnecting Event = "disconnecting"
	Disconnect    Event = "disconnect"
	Reset         Event = "reset"
)

// Known reports whether e is one of the defined events.
func (e Event) Known() bool {
	switch e {
	case AppLoaded, AppConnectInitiated,
		AvatarLoading, AvatarLoaded, AvatarConnecting, AvatarConnected, AvatarDisconnect,
		AgentConnecting, AgentConnected, AgentDisconnect,
		MediaTransportConnecting, MediaTransportConnected, MediaTransportDisconnect,
		MessagingConnecting, MessagingConnected, MessagingDisconnect,
		Disconnecting, Disconnect, Reset:
		return true
	}
	return false
}

// Apply returns the state that follows s after event e. Unknown events
// leave the state unchanged; callers that care can check Event.Known and
// log.
func Apply(s State, e Event) State {
	switch e {
	case AppLoaded:
		s.App.Loading = false
		s.App.Loaded = true
	case AppConnectInitiated:
		s.App.ConnectInitiated = true

	case AvatarLoading:
		s.Avatar.Loading = true
		s.Avatar.Loaded = false
	case AvatarLoaded:
		s.Avatar.Loading = false
		s.Avatar.Loaded = true
	case AvatarConnecting:
		s.Avatar.Connecting = true
	case AvatarConnected:
		s.Avatar.Connecting = false
		s.Avatar.Connected = true
	case AvatarDisconnect:
		s.Avatar.Connecting = false
		s.Avatar.Connected = false
		s.Avatar.Loaded = false

	case AgentConnecting:
		s.Agent = Link{Connecting: true}
	case AgentConnected:
		s.Agent = Link{Connected: true}
	case AgentDisconnect:
		s.Agent = Link{}

	case MediaTransportConnecting:
		s.MediaTransport = Link{Connecting: true}
	case MediaTransportConnected:
		s.MediaTransport = Link{Connected: true}
	case MediaTransportDisconnect:
		s.MediaTransport = Link{}

	case MessagingConnecting:
		s.Messaging = Link{Connecting: true}
	case MessagingConnected:
		s.Messaging = Link{Connected: true}
	case MessagingDisconnect:
		s.Messaging = Link{}

	case Disconnecting:
		s.App.ConnectInitiated = false
	case Disconnect:
		s.App.ConnectInitiated = false
		s.Messaging = Link{}
		s.Agent = Link{}
		s.MediaTransport = Link{}
		s.Avatar.Connected = false
		s.Avatar.Loaded = false
	case Reset:
		return Initial()
	}
	return s
}

// ApplyAll folds events over s in order.
func ApplyAll(s State, events ...Event) State {
	for _, e := range events {
		s = Apply(s, e)
	}
	return s
}
