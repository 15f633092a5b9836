package dialogue

import (
	"fmt"
	"strings"
	"unicode"
)

// Decision is the outcome of advancing one turn: the state the conversation
// moves into and what the orchestrator must do there.
type Decision struct {
	// Next is the state id the conversation enters.
	Next string

	// Action is the entered state's behavior.
	Action Action

	// Reply is the entered state's canned text, when it has one.
	Reply string
}

// Advance moves a conversation one turn forward. It is a pure function:
// identical (definition, state, utterance) always yields the identical
// decision. The utterance is matched against the current state's triggers
// after normalization; no match takes the default transition.
//
// An unknown current state means the definition changed underneath a live
// session and is surfaced as ErrInvalidDefinition.
func Advance(def *Definition, stateID, utterance string) (Decision, error) {
	state, ok := def.States[stateID]
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown state %q", ErrInvalidDefinition, stateID)
	}

	next := state.Default
	normalized := Normalize(utterance)
	for _, tr := range state.Transitions {
		if matches(tr, normalized) {
			next = tr.To
			break
		}
	}
	if next == "" {
		// Terminal states have no default; the conversation stays put.
		next = stateID
	}

	target := def.States[next]
	return Decision{Next: next, Action: target.Action, Reply: target.Reply}, nil
}

// matches reports whether the normalized utterance equals the trigger or
// any of its aliases.
func matches(tr Transition, normalized string) bool {
	if Normalize(tr.Trigger) == normalized {
		return true
	}
	for _, alias := range tr.Aliases {
		if Normalize(alias) == normalized {
			return true
		}
	}
	return false
}

// Normalize lowercases the text, strips punctuation, and collapses
// whitespace so trigger matching tolerates casing and trailing marks.
func Normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
