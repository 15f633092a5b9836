package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDefinition returns a small valid graph: greeting -> answering -> done,
// with a help loop back to the greeting.
func testDefinition() *Definition {
	return &Definition{
		Language: "en",
		Entry:    "greet",
		States: map[string]State{
			"greet": {
				Action: ActionReply,
				Reply:  "Hello! Ask me anything about the depot.",
				Transitions: []Transition{
					{Trigger: "goodbye", Aliases: []string{"bye"}, To: "done"},
				},
				Default: "answer",
			},
			"answer": {
				Action: ActionRetrieve,
				Transitions: []Transition{
					{Trigger: "goodbye", Aliases: []string{"bye", "thanks bye"}, To: "done"},
					{Trigger: "help", To: "greet"},
				},
				Default: "answer",
			},
			"done": {
				Action: ActionTerminal,
				Reply:  "Goodbye!",
			},
		},
	}
}

func TestParseValidDefinition(t *testing.T) {
	def, err := Parse([]byte(`
language: en
entry: greet
states:
  greet:
    action: reply
    reply: "Hi there"
    default: answer
  answer:
    action: retrieve
    default: answer
    transitions:
      - trigger: goodbye
        aliases: [bye]
        to: done
  done:
    action: terminal
    reply: "Bye"
`))
	require.NoError(t, err)
	assert.Equal(t, "greet", def.Entry)
	assert.Len(t, def.States, 3)
	assert.Equal(t, ActionRetrieve, def.States["answer"].Action)
	assert.Equal(t, []string{"bye"}, def.States["answer"].Transitions[0].Aliases)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("states: [not, a, map"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Definition) {},
		},
		{
			name:    "missing language",
			mutate:  func(d *Definition) { d.Language = "" },
			wantErr: "language is required",
		},
		{
			name:    "no states",
			mutate:  func(d *Definition) { d.States = nil },
			wantErr: "no states",
		},
		{
			name:    "missing entry",
			mutate:  func(d *Definition) { d.Entry = "" },
			wantErr: "entry state is required",
		},
		{
			name:    "unknown entry",
			mutate:  func(d *Definition) { d.Entry = "nope" },
			wantErr: `entry state "nope" does not exist`,
		},
		{
			name: "reply state without text",
			mutate: func(d *Definition) {
				s := d.States["greet"]
				s.Reply = ""
				d.States["greet"] = s
			},
			wantErr: "has no reply text",
		},
		{
			name: "missing action",
			mutate: func(d *Definition) {
				s := d.States["answer"]
				s.Action = ""
				d.States["answer"] = s
			},
			wantErr: "has no action",
		},
		{
			name: "unknown action",
			mutate: func(d *Definition) {
				s := d.States["answer"]
				s.Action = "shout"
				d.States["answer"] = s
			},
			wantErr: `unknown action "shout"`,
		},
		{
			name: "empty trigger",
			mutate: func(d *Definition) {
				s := d.States["answer"]
				s.Transitions = append(s.Transitions, Transition{To: "done"})
				d.States["answer"] = s
			},
			wantErr: "transition without a trigger",
		},
		{
			name: "dangling transition target",
			mutate: func(d *Definition) {
				s := d.States["answer"]
				s.Transitions = []Transition{{Trigger: "goodbye", To: "missing"}}
				d.States["answer"] = s
			},
			wantErr: `unknown state "missing"`,
		},
		{
			name: "missing default",
			mutate: func(d *Definition) {
				s := d.States["answer"]
				s.Default = ""
				d.States["answer"] = s
			},
			wantErr: "needs a default transition",
		},
		{
			name: "dangling default",
			mutate: func(d *Definition) {
				s := d.States["greet"]
				s.Default = "missing"
				d.States["greet"] = s
			},
			wantErr: `defaults to unknown state "missing"`,
		},
		{
			name: "terminal unreachable",
			mutate: func(d *Definition) {
				// Cut every edge into the terminal state.
				greet := d.States["greet"]
				greet.Transitions = nil
				d.States["greet"] = greet
				answer := d.States["answer"]
				answer.Transitions = nil
				d.States["answer"] = answer
			},
			wantErr: "no terminal state reachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testDefinition()
			tt.mutate(def)
			err := def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTerminalNeedsNoDefault(t *testing.T) {
	def := testDefinition()
	require.Empty(t, def.States["done"].Default)
	assert.NoError(t, def.Validate())
}
