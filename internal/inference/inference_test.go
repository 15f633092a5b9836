package inference

import (
	"context"
	"math"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingValidate(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		wantErr bool
	}{
		{
			name:    "openai with base url",
			binding: Binding{Provider: "openai", Model: "gpt-4o-mini", BaseURL: "https://api.example.com/v1"},
		},
		{
			name:    "tei with base url",
			binding: Binding{Provider: "tei", Model: "bge-small", BaseURL: "http://tei:8080"},
		},
		{
			name:    "echo needs no base url",
			binding: Binding{Provider: "echo", Model: "test"},
		},
		{
			name:    "openai missing base url",
			binding: Binding{Provider: "openai", Model: "gpt-4o-mini"},
			wantErr: true,
		},
		{
			name:    "missing provider",
			binding: Binding{Model: "gpt-4o-mini"},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			binding: Binding{Provider: "bedrock", Model: "titan"},
			wantErr: true,
		},
		{
			name:    "missing model",
			binding: Binding{Provider: "echo"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.binding.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidBinding)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		permanent bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "created", status: http.StatusCreated},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "request timeout", status: http.StatusRequestTimeout, retryable: true},
		{name: "server error", status: http.StatusInternalServerError, retryable: true},
		{name: "bad gateway", status: http.StatusBadGateway, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "unauthorized", status: http.StatusUnauthorized, permanent: true},
		{name: "not found", status: http.StatusNotFound, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(tt.status, []byte("detail"))
			switch {
			case tt.retryable:
				require.Error(t, err)
				assert.True(t, isRetryable(err))
			case tt.permanent:
				require.ErrorIs(t, err, ErrInvalidRequest)
				assert.False(t, isRetryable(err))
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestEchoEmbeddingsDeterministic(t *testing.T) {
	ctx := context.Background()
	e := newEchoBackend("test-embed")

	v1, err := e.EmbedQuery(ctx, "reset your password in settings")
	require.NoError(t, err)
	v2, err := e.EmbedQuery(ctx, "reset your password in settings")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, echoDimension)

	// Unit norm.
	var norm float64
	for _, x := range v1 {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestEchoEmbeddingsSimilarity(t *testing.T) {
	ctx := context.Background()
	e := newEchoBackend("test-embed")

	vectors, err := e.EmbedDocuments(ctx, []string{
		"how do I reset my password",
		"password reset instructions for your account",
		"shipping rates for international orders",
	})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	cos := func(a, b []float32) float64 {
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}

	related := cos(vectors[0], vectors[1])
	unrelated := cos(vectors[0], vectors[2])
	assert.Greater(t, related, unrelated,
		"texts sharing tokens must score higher than disjoint texts")
}

func TestEchoEmbeddingsEmptyText(t *testing.T) {
	e := newEchoBackend("test-embed")
	v, err := e.EmbedQuery(context.Background(), "   ")
	require.NoError(t, err)
	require.Len(t, v, echoDimension)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.False(t, math.IsNaN(norm))
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestEchoGenerateReplaysTranscript(t *testing.T) {
	e := newEchoBackend("test-gen")

	reply, err := e.Generate(context.Background(), []Message{
		{Role: "system", Content: "You are a support assistant."},
		{Role: "user", Content: "where is my order"},
	}, Params{Temperature: 0.7})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(reply, "[echo test-gen]"))
	assert.Contains(t, reply, "system: You are a support assistant.")
	assert.Contains(t, reply, "user: where is my order")
}

func TestRetryableMarking(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(ErrInvalidRequest))
	assert.True(t, isRetryable(markRetryable(assert.AnError)))

	wrapped := markRetryable(assert.AnError)
	require.ErrorIs(t, wrapped, assert.AnError)
}
