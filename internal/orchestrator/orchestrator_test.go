package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/dialogue"
	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
	"github.com/fyrsmithlabs/dialogd/internal/session"
)

// stubDialogues serves one fixed definition for every project.
type stubDialogues struct {
	def *dialogue.Definition
	err error
}

func (s *stubDialogues) Lookup(string, string) (*dialogue.Definition, error) {
	return s.def, s.err
}

type fakeRetriever struct {
	mu       sync.Mutex
	passages []retrieval.Passage
	err      error
	requests []retrieval.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ *registry.Project, req retrieval.Request) ([]retrieval.Passage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.passages, f.err
}

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts [][]inference.Message
}

func (f *fakeGenerator) Generate(_ context.Context, _ inference.Binding, messages []inference.Message, _ inference.Params) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, messages)
	f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeGenerator) lastPrompt() []inference.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

func testDefinition() *dialogue.Definition {
	def := &dialogue.Definition{
		Language: "en",
		Entry:    "greet",
		States: map[string]dialogue.State{
			"greet": {
				Action:  dialogue.ActionReply,
				Reply:   "Hello! Ask me anything.",
				Default: "answer",
				Transitions: []dialogue.Transition{
					{Trigger: "goodbye", Aliases: []string{"bye"}, To: "done"},
				},
			},
			"answer": {
				Action:  dialogue.ActionRetrieve,
				Default: "answer",
				Transitions: []dialogue.Transition{
					{Trigger: "goodbye", Aliases: []string{"bye"}, To: "done"},
					{Trigger: "help", To: "greet"},
				},
			},
			"done": {
				Action: dialogue.ActionTerminal,
				Reply:  "Goodbye!",
			},
		},
	}
	return def
}

type harness struct {
	orch      *Orchestrator
	projects  registry.Manager
	sessions  *session.Store
	retriever *fakeRetriever
	generator *fakeGenerator
}

func newHarness(t *testing.T, window int) *harness {
	t.Helper()

	projects := registry.NewManager(zap.NewNop())
	_, err := projects.Create(context.Background(), registry.Project{
		ID:         "p1",
		Language:   "en",
		Retrieval:  registry.ModelBinding{Provider: "echo", Model: "echo-embed"},
		Generation: registry.ModelBinding{Provider: "echo", Model: "echo-chat"},
		Fallback:   "Sorry, try again later.",
	})
	require.NoError(t, err)

	sessions := session.NewStore(config.SessionConfig{
		TTL:           config.Duration(time.Hour),
		SweepInterval: config.Duration(time.Minute),
	}, zap.NewNop())

	retriever := &fakeRetriever{passages: []retrieval.Passage{
		{ID: "chunk-1", Text: "The depot opens at seven.", Score: 0.9},
	}}
	generator := &fakeGenerator{reply: "It opens at seven in the morning."}

	orch := New(config.OrchestratorConfig{HistoryWindow: window},
		projects, &stubDialogues{def: testDefinition()}, retriever, generator, sessions, zap.NewNop())
	return &harness{orch: orch, projects: projects, sessions: sessions, retriever: retriever, generator: generator}
}

func TestHandleTurnCannedReply(t *testing.T) {
	h := newHarness(t, 5)

	// First turn: "hi there" matches no trigger, the entry state's
	// default transition enters the retrieve state.
	first, err := h.orch.HandleTurn(context.Background(), "p1", "", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "answer", first.State)
	assert.NotEmpty(t, first.SessionID)

	// "help" loops back into the reply state; its canned text is served
	// without touching retrieval or generation.
	retrievals := len(h.retriever.requests)
	result, err := h.orch.HandleTurn(context.Background(), "p1", first.SessionID, "help")
	require.NoError(t, err)
	assert.Equal(t, "greet", result.State)
	assert.Equal(t, SourceReply, result.Source)
	assert.Equal(t, "Hello! Ask me anything.", result.Response)
	assert.Len(t, h.retriever.requests, retrievals)
}

func TestHandleTurnRetrieveAndGenerate(t *testing.T) {
	h := newHarness(t, 5)

	result, err := h.orch.HandleTurn(context.Background(), "p1", "", "when does the depot open")
	require.NoError(t, err)

	assert.Equal(t, SourceGenerated, result.Source)
	assert.Equal(t, "It opens at seven in the morning.", result.Response)
	require.Len(t, result.Passages, 1)
	assert.Equal(t, "chunk-1", result.Passages[0].ID)

	prompt := h.generator.lastPrompt()
	require.NotEmpty(t, prompt)
	assert.Equal(t, "system", prompt[0].Role)
	assert.Contains(t, prompt[0].Content, "The depot opens at seven.")
	assert.Equal(t, "when does the depot open", prompt[len(prompt)-1].Content)
}

func TestHandleTurnTriggerToTerminal(t *testing.T) {
	h := newHarness(t, 5)

	first, err := h.orch.HandleTurn(context.Background(), "p1", "", "hello")
	require.NoError(t, err)

	result, err := h.orch.HandleTurn(context.Background(), "p1", first.SessionID, "bye")
	require.NoError(t, err)
	assert.Equal(t, "done", result.State)
	assert.True(t, result.Done)
	assert.Equal(t, "Goodbye!", result.Response)
	assert.Equal(t, SourceReply, result.Source)

	sess, err := h.sessions.Get(first.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Done)
}

func TestHandleTurnGenerationFailureDegrades(t *testing.T) {
	h := newHarness(t, 5)
	h.generator.err = fmt.Errorf("%w: backend rejected prompt", inference.ErrInvalidRequest)

	result, err := h.orch.HandleTurn(context.Background(), "p1", "", "when does the depot open")
	require.NoError(t, err, "generation failure must not surface to the caller")

	assert.Equal(t, SourceFallback, result.Source)
	assert.Equal(t, "Sorry, try again later.", result.Response)
	assert.Equal(t, "answer", result.State, "state advances even on fallback")

	// The next turn continues from the advanced state rather than
	// re-entering the same transition forever.
	sess, err := h.sessions.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "answer", sess.State)
	require.Len(t, sess.History, 1)
	assert.Equal(t, "Sorry, try again later.", sess.History[0].Response)
}

func TestHandleTurnRetrievalFailureDegrades(t *testing.T) {
	h := newHarness(t, 5)
	h.retriever.err = errors.New("index offline")

	result, err := h.orch.HandleTurn(context.Background(), "p1", "", "when does the depot open")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, result.Source)
	assert.Empty(t, result.Passages)
}

func TestHandleTurnBoundedHistory(t *testing.T) {
	const window = 3
	h := newHarness(t, window)

	result, err := h.orch.HandleTurn(context.Background(), "p1", "", "turn zero")
	require.NoError(t, err)
	id := result.SessionID
	for i := 1; i < 7; i++ {
		_, err := h.orch.HandleTurn(context.Background(), "p1", id, fmt.Sprintf("turn number %d", i))
		require.NoError(t, err)
	}

	sess, err := h.sessions.Get(id)
	require.NoError(t, err)
	require.Len(t, sess.History, window)
	assert.Equal(t, "turn number 4", sess.History[0].User)
	assert.Equal(t, "turn number 6", sess.History[2].User)
}

func TestHandleTurnPassesHistoryToRetrieval(t *testing.T) {
	h := newHarness(t, 5)

	first, err := h.orch.HandleTurn(context.Background(), "p1", "", "tell me about the depot")
	require.NoError(t, err)
	_, err = h.orch.HandleTurn(context.Background(), "p1", first.SessionID, "when does it open")
	require.NoError(t, err)

	require.Len(t, h.retriever.requests, 2)
	assert.Empty(t, h.retriever.requests[0].History)
	require.Len(t, h.retriever.requests[1].History, 1)
	assert.Equal(t, "tell me about the depot", h.retriever.requests[1].History[0].User)
}

func TestHandleTurnUnknownProject(t *testing.T) {
	h := newHarness(t, 5)

	_, err := h.orch.HandleTurn(context.Background(), "ghost", "", "hello")
	assert.ErrorIs(t, err, registry.ErrProjectNotFound)
}

func TestHandleTurnMissingDefinition(t *testing.T) {
	h := newHarness(t, 5)
	h.orch.dialogues = &stubDialogues{err: dialogue.ErrDefinitionNotFound}

	_, err := h.orch.HandleTurn(context.Background(), "p1", "", "hello")
	assert.ErrorIs(t, err, dialogue.ErrDefinitionNotFound)
}

func TestHandleTurnEmptyUtterance(t *testing.T) {
	h := newHarness(t, 5)

	for _, utterance := range []string{"", "   ", "?!"} {
		_, err := h.orch.HandleTurn(context.Background(), "p1", "", utterance)
		assert.ErrorIs(t, err, ErrEmptyUtterance, "utterance %q", utterance)
	}
}

func TestHandleTurnTruncatesLongUtterance(t *testing.T) {
	h := newHarness(t, 5)
	h.sessions = session.NewStore(config.SessionConfig{
		TTL:               config.Duration(time.Hour),
		SweepInterval:     config.Duration(time.Minute),
		MaxUtteranceChars: 10,
	}, zap.NewNop())
	h.orch.sessions = h.sessions

	result, err := h.orch.HandleTurn(context.Background(), "p1", "", "this utterance runs well past the cap")
	require.NoError(t, err)

	sess, err := h.sessions.Get(result.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.History, 1)
	assert.Equal(t, "this utter", sess.History[0].User)

	require.NotEmpty(t, h.retriever.requests)
	assert.Equal(t, "this utter", h.retriever.requests[0].Query)
}

func TestHandleTurnSerializesSameSession(t *testing.T) {
	h := newHarness(t, 100)

	first, err := h.orch.HandleTurn(context.Background(), "p1", "", "start")
	require.NoError(t, err)
	id := first.SessionID

	const concurrent = 16
	var wg sync.WaitGroup
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.HandleTurn(context.Background(), "p1", id, fmt.Sprintf("concurrent turn %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every turn must have been applied exactly once, no lost updates.
	sess, err := h.sessions.Get(id)
	require.NoError(t, err)
	assert.Len(t, sess.History, concurrent+1)
}

func TestHandleTurnIndependentSessions(t *testing.T) {
	h := newHarness(t, 5)

	a, err := h.orch.HandleTurn(context.Background(), "p1", "", "hello from a")
	require.NoError(t, err)
	b, err := h.orch.HandleTurn(context.Background(), "p1", "", "hello from b")
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID, b.SessionID)
	sessA, err := h.sessions.Get(a.SessionID)
	require.NoError(t, err)
	assert.Len(t, sessA.History, 1)
}
