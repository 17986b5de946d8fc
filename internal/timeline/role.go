package timeline

import "encoding/json"

// Payload discriminators carried in the "object" field of transcription
// payloads.
const (
	ObjectUserTranscription      = "user.transcription"
	ObjectAssistantTranscription = "assistant.transcription"
)

// Resolution is the outcome of sender classification.
type Resolution struct {
	Role      Role
	ByContent bool // true when the payload discriminator decided
}

// ResolveRole classifies an inbound message. The payload discriminator wins;
// only when it is absent or unrecognised does the publisher identity decide,
// because a relay may republish on behalf of another party.
func ResolveRole(object, publisher, localUID string) Resolution {
	switch object {
	case ObjectUserTranscription:
		return Resolution{Role: RoleUser, ByContent: true}
	case ObjectAssistantTranscription:
		return Resolution{Role: RoleAgent, ByContent: true}
	}
	if publisher == localUID {
		return Resolution{Role: RoleUser}
	}
	return Resolution{Role: RoleAgent}
}

func typingPayload(s string) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return false
	}
	return probe.Type == "typing_start"
}
