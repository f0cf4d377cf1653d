// Package session contains the voice session: the state machine binding
// capture, VAD, STT, endpointing, the agent stream, narration and TTS into
// conversational turns, plus the cross-process session lock.
package session

import "fmt"

// State is the session's conversational state. Exactly one value holds at a
// time; transitions are driven by named events in the controller.
type State int

const (
	// StateIdle is the initial and terminal state.
	StateIdle State = iota

	// StateListening waits for the user to finish an utterance.
	StateListening

	// StateProcessing covers the window between a completed transcript and
	// the first audio of the response.
	StateProcessing

	// StateSpeaking plays the assistant's response.
	StateSpeaking
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
