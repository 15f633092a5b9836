// Package orchestrator ties dialogue state, retrieval, and generation into
// one request/response cycle per end-user turn. Turns for the same session
// run strictly one at a time; independent sessions run in parallel.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/dialogue"
	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
	"github.com/fyrsmithlabs/dialogd/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/dialogd/internal/orchestrator"

// ErrEmptyUtterance indicates a turn without user text.
var ErrEmptyUtterance = errors.New("empty utterance")

// Source tells callers where a response came from.
type Source string

const (
	// SourceReply is canned text from the dialogue definition.
	SourceReply Source = "reply"

	// SourceGenerated is a retrieval-augmented generation answer.
	SourceGenerated Source = "generated"

	// SourceFallback is the project's configured fallback, substituted
	// when retrieval or generation failed.
	SourceFallback Source = "fallback"
)

// Result is the outcome of one turn.
type Result struct {
	// SessionID identifies the conversation, newly minted on the first
	// turn.
	SessionID string

	// Response is the text for the end user.
	Response string

	// State is the dialogue state the conversation is now in.
	State string

	// Source is where Response came from.
	Source Source

	// Passages are the retrieved entries behind a generated response.
	Passages []retrieval.Passage

	// Done marks a conversation that reached a terminal state.
	Done bool
}

// Dialogues resolves dialogue definitions.
type Dialogues interface {
	Lookup(projectID, language string) (*dialogue.Definition, error)
}

// Retriever is the slice of the retrieval engine the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, project *registry.Project, req retrieval.Request) ([]retrieval.Passage, error)
}

// Generator is the slice of the inference gateway used for answers.
type Generator interface {
	Generate(ctx context.Context, binding inference.Binding, messages []inference.Message, params inference.Params) (string, error)
}

// Orchestrator serves dialogue turns. Safe for concurrent use.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	projects  registry.Manager
	dialogues Dialogues
	retriever Retriever
	generator Generator
	sessions  *session.Store
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New wires an orchestrator.
func New(cfg config.OrchestratorConfig, projects registry.Manager, dialogues Dialogues, retriever Retriever, generator Generator, sessions *session.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		projects:  projects,
		dialogues: dialogues,
		retriever: retriever,
		generator: generator,
		sessions:  sessions,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
}

// HandleTurn processes one end-user utterance: advance the dialogue state,
// perform the entered state's action, record the turn, and persist the
// session. Backend failures inside a retrieve action degrade to the
// project's fallback response; the state still advances so the
// conversation is never stuck.
func (o *Orchestrator) HandleTurn(ctx context.Context, projectID, sessionID, utterance string) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.turn", trace.WithAttributes(
		attribute.String("project.id", projectID),
	))
	defer span.End()

	if utterance == "" || dialogue.Normalize(utterance) == "" {
		return Result{}, spanErr(span, ErrEmptyUtterance)
	}
	if limit := o.sessions.UtteranceLimit(); limit > 0 {
		if runes := []rune(utterance); len(runes) > limit {
			utterance = string(runes[:limit])
		}
	}

	project, err := o.projects.Get(ctx, projectID)
	if err != nil {
		return Result{}, spanErr(span, err)
	}
	def, err := o.dialogues.Lookup(project.ID, project.Language)
	if err != nil {
		return Result{}, spanErr(span, err)
	}

	sess, created := o.sessions.GetOrCreate(sessionID, project.ID, project.Language, def.Entry)

	// Single writer per conversation: a second utterance for this session
	// queues here until the in-flight turn finishes.
	unlock := o.sessions.Locks().Lock(sess.ID)
	defer unlock()

	if !created {
		// Re-read under the lock; a queued turn sees the state its
		// predecessor left behind.
		sess, err = o.sessions.Get(sess.ID)
		if err != nil {
			return Result{}, spanErr(span, err)
		}
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	decision, err := dialogue.Advance(def, sess.State, utterance)
	if err != nil {
		return Result{}, spanErr(span, err)
	}

	result := Result{
		SessionID: sess.ID,
		State:     decision.Next,
		Done:      decision.Action == dialogue.ActionTerminal,
	}
	switch decision.Action {
	case dialogue.ActionReply, dialogue.ActionTerminal:
		result.Response = decision.Reply
		result.Source = SourceReply
		if result.Response == "" {
			result.Response = project.Fallback
			result.Source = SourceFallback
		}
	case dialogue.ActionRetrieve:
		result.Response, result.Passages, result.Source = o.answer(ctx, project, sess, utterance)
	}

	turn := session.Turn{User: utterance, Response: result.Response, At: time.Now().UTC()}
	for _, p := range result.Passages {
		turn.Passages = append(turn.Passages, p.ID)
	}
	sess.State = decision.Next
	sess.Done = result.Done
	sess.Append(turn, o.cfg.HistoryWindow)
	o.sessions.Save(sess)

	turnsTotal.WithLabelValues(project.ID, string(result.Source)).Inc()
	span.SetAttributes(
		attribute.String("turn.state", result.State),
		attribute.String("turn.source", string(result.Source)),
	)
	span.SetStatus(codes.Ok, "")
	o.logger.Info("turn handled",
		zap.String("project_id", project.ID),
		zap.String("session_id", sess.ID),
		zap.String("state", result.State),
		zap.String("source", string(result.Source)),
		zap.Int("passages", len(result.Passages)),
	)
	return result, nil
}

// answer runs the retrieval-augmented generation path. Every failure on
// this path is soft: the user gets the project's fallback text and the
// dialogue still advances.
func (o *Orchestrator) answer(ctx context.Context, project *registry.Project, sess *session.Session, utterance string) (string, []retrieval.Passage, Source) {
	passages, err := o.retriever.Retrieve(ctx, project, retrieval.Request{
		Query:   utterance,
		TopK:    project.Limits.TopK,
		History: exchanges(sess.History),
	})
	if err != nil {
		o.logger.Warn("retrieval failed, serving fallback",
			zap.String("project_id", project.ID),
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return project.Fallback, nil, SourceFallback
	}

	messages := buildPrompt(project, passages, sess.History, utterance)
	reply, err := o.generator.Generate(ctx, genBinding(project), messages, inference.Params{
		Temperature: project.Params.Temperature,
		MaxTokens:   project.Params.MaxTokens,
	})
	if err != nil {
		o.logger.Warn("generation failed, serving fallback",
			zap.String("project_id", project.ID),
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return project.Fallback, passages, SourceFallback
	}
	return reply, passages, SourceGenerated
}

// exchanges converts session history into retrieval rewrite context.
func exchanges(history []session.Turn) []retrieval.Exchange {
	out := make([]retrieval.Exchange, len(history))
	for i, turn := range history {
		out[i] = retrieval.Exchange{User: turn.User, Assistant: turn.Response}
	}
	return out
}

func genBinding(project *registry.Project) inference.Binding {
	return inference.Binding{
		Provider: project.Generation.Provider,
		Model:    project.Generation.Model,
		BaseURL:  project.Generation.BaseURL,
		APIKey:   project.Generation.APIKey.Value(),
	}
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
