package retrieval

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
)

// rewriteInstruction asks the generation backend to resolve pronouns and
// ellipsis against the conversation so the index sees a standalone query.
const rewriteInstruction = "Given the conversation below, rewrite the user's latest message " +
	"as a short standalone search query. Resolve pronouns and references using the conversation. " +
	"Answer with the query only, nothing else."

// rewriteHistoryWindow caps how many exchanges feed the rewrite prompt.
const rewriteHistoryWindow = 3

// rewrite condenses history plus the current utterance into a standalone
// query. Rewriting is best effort: any failure, or an empty rewrite,
// falls back to the original query rather than failing retrieval.
func (e *Engine) rewrite(ctx context.Context, project *registry.Project, history []Exchange, query string) string {
	if len(history) > rewriteHistoryWindow {
		history = history[len(history)-rewriteHistoryWindow:]
	}

	messages := make([]inference.Message, 0, 2*len(history)+2)
	messages = append(messages, inference.Message{Role: "system", Content: rewriteInstruction})
	for _, ex := range history {
		messages = append(messages,
			inference.Message{Role: "user", Content: ex.User},
			inference.Message{Role: "assistant", Content: ex.Assistant},
		)
	}
	messages = append(messages, inference.Message{Role: "user", Content: query})

	rewritten, err := e.generator.Generate(ctx, genBinding(project), messages, inference.Params{
		Temperature: 0,
		MaxTokens:   128,
	})
	if err != nil {
		e.logger.Warn("query rewrite failed, using original query",
			zap.String("project_id", project.ID),
			zap.Error(err),
		)
		return query
	}

	rewritten = strings.Trim(strings.TrimSpace(rewritten), `"`)
	if rewritten == "" {
		return query
	}
	return rewritten
}

func genBinding(project *registry.Project) inference.Binding {
	return inference.Binding{
		Provider: project.Generation.Provider,
		Model:    project.Generation.Model,
		BaseURL:  project.Generation.BaseURL,
		APIKey:   project.Generation.APIKey.Value(),
	}
}
