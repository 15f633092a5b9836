// Package inference routes embedding and generation calls to model
// backends (OpenAI-compatible APIs, TEI, or the in-process echo backend)
// with retry, rate limiting and failure classification.
package inference

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input")

	// ErrInvalidBinding indicates a model binding the gateway cannot serve.
	ErrInvalidBinding = errors.New("invalid model binding")

	// ErrInvalidRequest indicates a request the backend permanently
	// rejected. Never retried.
	ErrInvalidRequest = errors.New("invalid inference request")

	// ErrBackend indicates a backend failure that survived all retries.
	ErrBackend = errors.New("inference backend failure")
)

// Binding selects a model backend for one role of a project.
type Binding struct {
	// Provider is "openai", "tei" or "echo".
	Provider string

	// Model is the backend model identifier.
	Model string

	// BaseURL is the backend endpoint. Unused by the echo provider.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string
}

// Validate checks the binding can be routed.
func (b Binding) Validate() error {
	switch b.Provider {
	case "openai", "tei":
		if b.BaseURL == "" {
			return fmt.Errorf("%w: provider %q requires base_url", ErrInvalidBinding, b.Provider)
		}
	case "echo":
	case "":
		return fmt.Errorf("%w: provider required", ErrInvalidBinding)
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidBinding, b.Provider)
	}
	if b.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidBinding)
	}
	return nil
}

// Message is one turn of chat input to a generation backend.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Params tune a single generation call.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Embedder converts texts into dense vectors. Output is aligned 1:1 with
// input order.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator produces an assistant reply from a chat transcript.
type Generator interface {
	Generate(ctx context.Context, messages []Message, params Params) (string, error)
}

// retryableError marks a backend failure as transient. The gateway retries
// these with exponential backoff; everything else surfaces immediately.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

// markRetryable wraps err so the retry loop will attempt it again.
func markRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// isRetryable reports whether the gateway should retry after err.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
