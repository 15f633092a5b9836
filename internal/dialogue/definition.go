// Package dialogue models per-project conversation control as an explicit
// state graph. Definitions are parsed and validated at load time; advancing
// a conversation is a pure function over (definition, state, utterance), so
// the state machine itself performs no I/O.
package dialogue

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidDefinition indicates a definition that fails validation.
	// Always a configuration error, detected at load time.
	ErrInvalidDefinition = errors.New("invalid dialogue definition")

	// ErrDefinitionNotFound indicates no definition is loaded for the
	// requested project and language.
	ErrDefinitionNotFound = errors.New("dialogue definition not found")
)

// Action tells the orchestrator what a state does when entered.
type Action string

const (
	// ActionReply emits the state's canned reply text.
	ActionReply Action = "reply"

	// ActionRetrieve answers with retrieval-augmented generation.
	ActionRetrieve Action = "retrieve"

	// ActionTerminal emits an optional farewell and ends the conversation.
	ActionTerminal Action = "terminal"
)

// Transition routes one recognized trigger to a next state.
type Transition struct {
	// Trigger is the canonical phrase that activates this transition.
	Trigger string `yaml:"trigger"`

	// Aliases are alternate phrasings matched like the trigger itself.
	Aliases []string `yaml:"aliases,omitempty"`

	// To is the target state id.
	To string `yaml:"to"`
}

// State is one node of the dialogue graph.
type State struct {
	// Action selects the behavior when the state is entered.
	Action Action `yaml:"action"`

	// Reply is the canned text for reply states. Optional farewell text
	// for terminal states.
	Reply string `yaml:"reply,omitempty"`

	// Transitions route recognized utterances. Matched in order.
	Transitions []Transition `yaml:"transitions,omitempty"`

	// Default is the next state when no trigger matches. Required for
	// every non-terminal state; a state may default to itself.
	Default string `yaml:"default,omitempty"`
}

// Definition is the dialogue graph for one (project, language) pair. A
// definition with an empty Project is the shared default for its language.
type Definition struct {
	// Project scopes the definition to one tenant. Empty means it serves
	// every project of the language that has no override of its own.
	Project string `yaml:"project,omitempty"`

	// Language is the conversation language tag this definition serves.
	Language string `yaml:"language"`

	// Entry is the state every new conversation starts in.
	Entry string `yaml:"entry"`

	// States is the adjacency map of the graph.
	States map[string]State `yaml:"states"`
}

// Parse decodes and validates a YAML definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the graph is well formed: every reference resolves, reply
// states carry text, and a terminal state is reachable from the entry.
// Conversations never hit these conditions at runtime.
func (d *Definition) Validate() error {
	if d.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidDefinition)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: no states defined", ErrInvalidDefinition)
	}
	if d.Entry == "" {
		return fmt.Errorf("%w: entry state is required", ErrInvalidDefinition)
	}
	if _, ok := d.States[d.Entry]; !ok {
		return fmt.Errorf("%w: entry state %q does not exist", ErrInvalidDefinition, d.Entry)
	}

	for id, state := range d.States {
		switch state.Action {
		case ActionReply:
			if state.Reply == "" {
				return fmt.Errorf("%w: reply state %q has no reply text", ErrInvalidDefinition, id)
			}
		case ActionRetrieve, ActionTerminal:
		case "":
			return fmt.Errorf("%w: state %q has no action", ErrInvalidDefinition, id)
		default:
			return fmt.Errorf("%w: state %q has unknown action %q", ErrInvalidDefinition, id, state.Action)
		}

		for _, tr := range state.Transitions {
			if tr.Trigger == "" {
				return fmt.Errorf("%w: state %q has a transition without a trigger", ErrInvalidDefinition, id)
			}
			if _, ok := d.States[tr.To]; !ok {
				return fmt.Errorf("%w: state %q trigger %q points to unknown state %q",
					ErrInvalidDefinition, id, tr.Trigger, tr.To)
			}
		}

		if state.Action == ActionTerminal {
			continue
		}
		if state.Default == "" {
			return fmt.Errorf("%w: state %q needs a default transition", ErrInvalidDefinition, id)
		}
		if _, ok := d.States[state.Default]; !ok {
			return fmt.Errorf("%w: state %q defaults to unknown state %q", ErrInvalidDefinition, id, state.Default)
		}
	}

	if !d.terminalReachable() {
		return fmt.Errorf("%w: no terminal state reachable from entry %q", ErrInvalidDefinition, d.Entry)
	}
	return nil
}

// terminalReachable walks the graph from the entry over transitions and
// defaults, looking for any terminal state.
func (d *Definition) terminalReachable() bool {
	visited := make(map[string]bool, len(d.States))
	queue := []string{d.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		state := d.States[id]
		if state.Action == ActionTerminal {
			return true
		}
		for _, tr := range state.Transitions {
			queue = append(queue, tr.To)
		}
		if state.Default != "" {
			queue = append(queue, state.Default)
		}
	}
	return false
}

// key identifies a definition in the registry.
func (d *Definition) key() defKey {
	return defKey{project: d.Project, language: d.Language}
}

type defKey struct {
	project  string
	language string
}
