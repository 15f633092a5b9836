package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/dialogue"
	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
	"github.com/fyrsmithlabs/dialogd/internal/session"
	"github.com/fyrsmithlabs/dialogd/internal/vectorstore"
)

// TestEndToEndRetrievalAugmentedTurn wires the real pipeline: chunker,
// in-memory chromem store, echo inference backend, retrieval engine, and
// orchestrator. The echo generator replays its transcript, which proves
// the ingested chunk actually reached the generation prompt.
func TestEndToEndRetrievalAugmentedTurn(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	projects := registry.NewManager(logger)
	project, err := projects.Create(ctx, registry.Project{
		ID:         "p1",
		Language:   "en",
		Retrieval:  registry.ModelBinding{Provider: "echo", Model: "echo-embed"},
		Generation: registry.ModelBinding{Provider: "echo", Model: "echo-chat"},
	})
	require.NoError(t, err)

	store, err := vectorstore.NewChromemStore(config.ChromemConfig{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	infCfg := config.InferenceConfig{}
	infCfg.ApplyDefaults()
	gateway := inference.NewGateway(infCfg, logger)

	ingestCfg := config.IngestConfig{}
	ingestCfg.ApplyDefaults()
	pipeline := ingest.NewPipeline(ingestCfg, store, gateway, nil, nil, logger)

	report, err := pipeline.Ingest(ctx, project, ingest.Document{
		ID:   "doc-1",
		Text: "The sky is blue.",
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Created)

	retrCfg := config.RetrievalConfig{}
	retrCfg.ApplyDefaults()
	engine := retrieval.NewEngine(retrCfg, store, gateway, gateway, logger)

	sessions := session.NewStore(config.SessionConfig{
		TTL:           config.Duration(time.Hour),
		SweepInterval: config.Duration(time.Minute),
	}, logger)

	def := &dialogue.Definition{
		Language: "en",
		Entry:    "answer",
		States: map[string]dialogue.State{
			"answer": {
				Action:  dialogue.ActionRetrieve,
				Default: "answer",
				Transitions: []dialogue.Transition{
					{Trigger: "goodbye", To: "done"},
				},
			},
			"done": {Action: dialogue.ActionTerminal, Reply: "Goodbye!"},
		},
	}
	require.NoError(t, def.Validate())

	orch := New(config.OrchestratorConfig{HistoryWindow: 5},
		projects, &stubDialogues{def: def}, engine, gateway, sessions, logger)

	result, err := orch.HandleTurn(ctx, "p1", "", "what color is the sky")
	require.NoError(t, err)

	assert.Equal(t, SourceGenerated, result.Source)
	require.NotEmpty(t, result.Passages)
	assert.Equal(t, "The sky is blue.", result.Passages[0].Text)
	assert.Contains(t, result.Response, "The sky is blue.",
		"the retrieved chunk must appear in the prompt the backend saw")
	assert.Contains(t, result.Response, "what color is the sky")
}
