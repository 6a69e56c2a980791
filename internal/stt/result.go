package stt

// Kind classifies the outcome of one transcription.
type Kind int

const (
	KindOK Kind = iota
	KindNoAudio
	KindUnintelligible
	KindUnavailable
	KindFailed
)

// Sentinel messages shown to the user for each failure kind.
const (
	MessageNoAudio        = "no audio detected"
	MessageUnintelligible = "could not understand audio"
	MessageUnavailable    = "speech service unavailable"
	MessageFailedPrefix   = "transcription error: "
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNoAudio:
		return "no_audio"
	case KindUnintelligible:
		return "unintelligible"
	case KindUnavailable:
		return "unavailable"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what the turn pipeline sees from the Transcriber.
type Result struct {
	Kind       Kind
	Text       string
	Detail     string
	Confidence float64
}

func (r Result) OK() bool { return r.Kind == KindOK }

// Message returns the transcript for successful results and the sentinel
// string for failures.
func (r Result) Message() string {
	switch r.Kind {
	case KindOK:
		return r.Text
	case KindNoAudio:
		return MessageNoAudio
	case KindUnintelligible:
		return MessageUnintelligible
	case KindUnavailable:
		return MessageUnavailable
	default:
		return MessageFailedPrefix + r.Detail
	}
}
