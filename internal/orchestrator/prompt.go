package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
	"github.com/fyrsmithlabs/dialogd/internal/session"
)

// buildPrompt assembles the generation transcript: a system message with
// instructions and the retrieved passages, the bounded turn history, and
// the current utterance last.
func buildPrompt(project *registry.Project, passages []retrieval.Passage, history []session.Turn, utterance string) []inference.Message {
	messages := make([]inference.Message, 0, 2*len(history)+2)
	messages = append(messages, inference.Message{
		Role:    "system",
		Content: systemPrompt(project, passages),
	})
	for _, turn := range history {
		messages = append(messages,
			inference.Message{Role: "user", Content: turn.User},
			inference.Message{Role: "assistant", Content: turn.Response},
		)
	}
	return append(messages, inference.Message{Role: "user", Content: utterance})
}

// systemPrompt renders the instruction text with the answer language and
// the numbered context block.
func systemPrompt(project *registry.Project, passages []retrieval.Passage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the assistant for %s. Answer in %s.\n",
		project.Name, languageName(project.Language))
	sb.WriteString("Use only the information in the CONTEXT block. " +
		"If the context does not contain the answer, say you do not know.\n\n")

	sb.WriteString("<CONTEXT>\n")
	if len(passages) == 0 {
		sb.WriteString("(no relevant passages found)\n")
	}
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, p.Text)
	}
	sb.WriteString("</CONTEXT>")
	return sb.String()
}

// languageName spells out common language tags for the instruction text.
// Unknown tags pass through as-is.
func languageName(tag string) string {
	switch tag {
	case "cs":
		return "Czech"
	case "sk":
		return "Slovak"
	case "en":
		return "English"
	case "de":
		return "German"
	case "pl":
		return "Polish"
	default:
		return tag
	}
}
