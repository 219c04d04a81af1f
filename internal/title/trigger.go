package title

import "strings"

// earlyTriggerLength is how much text must accumulate before the early
// trigger is considered.
const earlyTriggerLength = 200

// earlyTriggerPrefixLength is how much must remain before the last newline
// for the early trigger to fire.
const earlyTriggerPrefixLength = 100

// TriggerState is the observable state the trigger decision depends on.
type TriggerState struct {
	// Title is the conversation's current title, empty if none.
	Title string
	// Dispatched reports whether a title task for this conversation is
	// already in flight.
	Dispatched bool
	// StreamEnded reports whether the main response stream has ended.
	StreamEnded bool
	// Text is the accumulating content of the current text part.
	Text string
}

// ShouldTrigger decides whether to dispatch title inference. Both trigger
// paths live here: stream end, and the early-length heuristic that lets the
// title start streaming before the main answer finishes.
func ShouldTrigger(s TriggerState) bool {
	if s.Title != "" || s.Dispatched {
		return false
	}
	if s.StreamEnded {
		return true
	}
	if len(s.Text) <= earlyTriggerLength {
		return false
	}
	prefix := s.Text
	if idx := strings.LastIndexByte(s.Text, '\n'); idx >= 0 {
		prefix = s.Text[:idx]
	}
	return len(prefix) > earlyTriggerPrefixLength
}
