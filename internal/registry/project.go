// Package registry owns project definitions: tenant identity, model
// bindings, and per-project retrieval and generation settings. Every other
// component resolves projects through the registry; deleting a project
// cascades into the components that hold project-scoped state.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// Common errors.
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
	ErrInvalidProject  = errors.New("invalid project")
)

// idPattern restricts project ids to a URL-safe charset. Ids appear in
// routes, vector store collection names, and event subjects.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ModelBinding names the inference backend serving one role for a project.
type ModelBinding struct {
	// Provider selects the gateway client: openai, tei, or echo.
	Provider string `json:"provider"`

	// Model is the backend model identifier.
	Model string `json:"model"`

	// BaseURL is the backend endpoint. Unused by the echo provider.
	BaseURL string `json:"base_url,omitempty"`

	// APIKey authenticates against the backend. Redacted in all output.
	APIKey config.Secret `json:"api_key,omitempty"`
}

// Validate checks the binding carries enough to route a call.
func (b ModelBinding) Validate(role string) error {
	if b.Provider == "" {
		return fmt.Errorf("%w: %s binding requires a provider", ErrInvalidProject, role)
	}
	if b.Model == "" {
		return fmt.Errorf("%w: %s binding requires a model", ErrInvalidProject, role)
	}
	if b.BaseURL == "" && b.Provider != "echo" {
		return fmt.Errorf("%w: %s binding requires a base_url for provider %s", ErrInvalidProject, role, b.Provider)
	}
	return nil
}

// GenerationParams tune the generation backend.
type GenerationParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Limits cap retrieval depth for a project.
type Limits struct {
	// TopK is the default number of passages returned per retrieval.
	TopK int `json:"top_k"`

	// NumCandidates is the pre-rerank candidate pool size.
	NumCandidates int `json:"num_candidates"`
}

// Project is one isolated tenant: a knowledge base, a dialogue, and the
// model bindings that serve it.
type Project struct {
	// ID is the unique project identifier. Immutable after create.
	ID string `json:"id"`

	// Name is the human-readable project name.
	Name string `json:"name"`

	// Language is the default conversation language tag (e.g. "cs", "en").
	Language string `json:"language"`

	// Retrieval binds the embedding backend.
	Retrieval ModelBinding `json:"retrieval"`

	// Generation binds the completion backend.
	Generation ModelBinding `json:"generation"`

	// Params tune generation calls.
	Params GenerationParams `json:"params"`

	// Limits cap retrieval depth.
	Limits Limits `json:"limits"`

	// Fallback is the response used when generation fails mid-dialogue.
	Fallback string `json:"fallback"`

	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the project was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyDefaults fills unset optional fields.
func (p *Project) ApplyDefaults() {
	if p.Language == "" {
		p.Language = "cs"
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Params.Temperature == 0 {
		p.Params.Temperature = 0.7
	}
	if p.Limits.TopK == 0 {
		p.Limits.TopK = 5
	}
	if p.Limits.NumCandidates == 0 {
		p.Limits.NumCandidates = 100
	}
	if p.Fallback == "" {
		p.Fallback = defaultFallback(p.Language)
	}
}

// Validate checks the project definition.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidProject)
	}
	if !idPattern.MatchString(p.ID) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidProject, p.ID, idPattern.String())
	}
	if p.Language == "" {
		return fmt.Errorf("%w: language cannot be empty", ErrInvalidProject)
	}
	if err := p.Retrieval.Validate("retrieval"); err != nil {
		return err
	}
	if err := p.Generation.Validate("generation"); err != nil {
		return err
	}
	if p.Params.Temperature < 0 || p.Params.Temperature > 2 {
		return fmt.Errorf("%w: temperature %f out of range [0,2]", ErrInvalidProject, p.Params.Temperature)
	}
	if p.Limits.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidProject)
	}
	if p.Limits.NumCandidates < p.Limits.TopK {
		return fmt.Errorf("%w: num_candidates (%d) cannot be smaller than top_k (%d)",
			ErrInvalidProject, p.Limits.NumCandidates, p.Limits.TopK)
	}
	return nil
}

// clone returns an independent copy so callers hold immutable snapshots.
func (p *Project) clone() *Project {
	cp := *p
	return &cp
}

// defaultFallback returns the stock apology for the given language.
func defaultFallback(language string) string {
	switch language {
	case "cs":
		return "Omlouvám se, ale teď nedokážu odpovědět. Zkuste to prosím za chvíli."
	default:
		return "I'm sorry, I can't answer right now. Please try again in a moment."
	}
}

// Patch updates selected project fields. Nil pointers leave the field
// unchanged; the id is immutable.
type Patch struct {
	Name       *string           `json:"name,omitempty"`
	Language   *string           `json:"language,omitempty"`
	Retrieval  *ModelBinding     `json:"retrieval,omitempty"`
	Generation *ModelBinding     `json:"generation,omitempty"`
	Params     *GenerationParams `json:"params,omitempty"`
	Limits     *Limits           `json:"limits,omitempty"`
	Fallback   *string           `json:"fallback,omitempty"`
}

// apply writes the patch onto the project.
func (patch Patch) apply(p *Project) {
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Language != nil {
		p.Language = *patch.Language
	}
	if patch.Retrieval != nil {
		p.Retrieval = *patch.Retrieval
	}
	if patch.Generation != nil {
		p.Generation = *patch.Generation
	}
	if patch.Params != nil {
		p.Params = *patch.Params
	}
	if patch.Limits != nil {
		p.Limits = *patch.Limits
	}
	if patch.Fallback != nil {
		p.Fallback = *patch.Fallback
	}
}
