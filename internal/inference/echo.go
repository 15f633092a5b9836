package inference

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// echoDimension is the fixed vector size of the echo backend.
const echoDimension = 64

// echoBackend is an in-process backend for tests and offline development.
// Embeddings are deterministic token-hash vectors, so texts sharing tokens
// score higher under cosine similarity. Generation replays the full
// transcript, which lets callers verify exactly what reached the prompt.
type echoBackend struct {
	model string
}

var (
	_ Embedder  = (*echoBackend)(nil)
	_ Generator = (*echoBackend)(nil)
)

func newEchoBackend(model string) *echoBackend {
	return &echoBackend{model: model}
}

func (e *echoBackend) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = hashEmbed(text)
	}
	return vectors, nil
}

func (e *echoBackend) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return hashEmbed(text), nil
}

func (e *echoBackend) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("[echo ")
	sb.WriteString(e.model)
	sb.WriteString("]\n")
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

// hashEmbed maps text to a normalized bag-of-tokens vector. Stable across
// runs: same text, same vector.
func hashEmbed(text string) []float32 {
	vec := make([]float32, echoDimension)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%echoDimension]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty text still gets a valid unit vector.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
