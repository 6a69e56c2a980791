package pipeline

import "encoding/json"

// State is the turn pipeline's position within one turn.
type State int

const (
	StateIdle State = iota
	StateTranscribing
	StateCompleting
	StateSynthesizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTranscribing:
		return "transcribing"
	case StateCompleting:
		return "completing"
	case StateSynthesizing:
		return "synthesizing"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Origin records where a turn's input came from.
type Origin string

const (
	OriginTyped      Origin = "typed"
	OriginRecorder   Origin = "recorder"
	OriginUpload     Origin = "upload"
	OriginMicrophone Origin = "microphone"
)

// ParseOrigin maps a client-supplied origin to a known audio origin.
func ParseOrigin(s string) (Origin, bool) {
	switch Origin(s) {
	case OriginRecorder, OriginUpload, OriginMicrophone:
		return Origin(s), true
	case "":
		return OriginUpload, true
	default:
		return "", false
	}
}
