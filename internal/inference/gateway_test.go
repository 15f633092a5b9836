package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

func testGatewayConfig() config.InferenceConfig {
	return config.InferenceConfig{
		Timeout:      config.Duration(5 * time.Second),
		MaxRetries:   3,
		RetryBackoff: config.Duration(time.Millisecond),
	}
}

func embeddingsHandler(t *testing.T, dim int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := openAIEmbeddingResponse{}
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: vec})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestGatewayEmbedRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		embeddingsHandler(t, 4)(w, r)
	}))
	defer srv.Close()

	g := NewGateway(testGatewayConfig(), zap.NewNop())
	b := Binding{Provider: "openai", Model: "embed-test", BaseURL: srv.URL}

	vectors, err := g.Embed(context.Background(), b, []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(3), calls.Load(), "two failures then success")
}

func TestGatewayEmbedPermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	g := NewGateway(testGatewayConfig(), zap.NewNop())
	b := Binding{Provider: "openai", Model: "embed-test", BaseURL: srv.URL}

	_, err := g.Embed(context.Background(), b, []string{"hello"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, int32(1), calls.Load(), "permanent failures surface immediately")
}

func TestGatewayEmbedExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.MaxRetries = 2
	g := NewGateway(cfg, zap.NewNop())
	b := Binding{Provider: "openai", Model: "embed-test", BaseURL: srv.URL}

	_, err := g.Embed(context.Background(), b, []string{"hello"})
	require.ErrorIs(t, err, ErrBackend)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestGatewayEmbedAlignsOutOfOrderResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Deliberately reversed.
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`)
	}))
	defer srv.Close()

	g := NewGateway(testGatewayConfig(), zap.NewNop())
	b := Binding{Provider: "openai", Model: "embed-test", BaseURL: srv.URL}

	vectors, err := g.Embed(context.Background(), b, []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, vectors)
}

func TestGatewayGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gen-test", req.Model)
		assert.Equal(t, 0.3, req.Temperature)
		require.Len(t, req.Messages, 2)

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"the answer"}}]}`)
	}))
	defer srv.Close()

	g := NewGateway(testGatewayConfig(), zap.NewNop())
	b := Binding{Provider: "openai", Model: "gen-test", BaseURL: srv.URL, APIKey: "sk-test"}

	reply, err := g.Generate(context.Background(), b, []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "question"},
	}, Params{Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "the answer", reply)
}

func TestGatewayServiceAPIKeyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	require.NoError(t, cfg.APIKey.UnmarshalText([]byte("service-key")))
	g := NewGateway(cfg, zap.NewNop())
	b := Binding{Provider: "openai", Model: "gen-test", BaseURL: srv.URL}

	_, err := g.Generate(context.Background(), b, []Message{{Role: "user", Content: "hi"}}, Params{})
	require.NoError(t, err)
}

func TestGatewayTEIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)

		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		fmt.Fprint(w, `[[0.1,0.2],[0.3,0.4]]`)
	}))
	defer srv.Close()

	g := NewGateway(testGatewayConfig(), zap.NewNop())
	b := Binding{Provider: "tei", Model: "bge-small", BaseURL: srv.URL}

	vectors, err := g.Embed(context.Background(), b, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vectors)
}

func TestGatewayTEICannotGenerate(t *testing.T) {
	g := NewGateway(testGatewayConfig(), zap.NewNop())
	b := Binding{Provider: "tei", Model: "bge-small", BaseURL: "http://tei:8080"}

	_, err := g.Generate(context.Background(), b, []Message{{Role: "user", Content: "hi"}}, Params{})
	require.ErrorIs(t, err, ErrInvalidBinding)
}

func TestGatewayEmptyInput(t *testing.T) {
	g := NewGateway(testGatewayConfig(), zap.NewNop())
	b := Binding{Provider: "echo", Model: "test"}

	_, err := g.Embed(context.Background(), b, nil)
	require.ErrorIs(t, err, ErrEmptyInput)

	_, err = g.EmbedQuery(context.Background(), b, "")
	require.ErrorIs(t, err, ErrEmptyInput)

	_, err = g.Generate(context.Background(), b, nil, Params{})
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestGatewayContextCancellationStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.MaxRetries = 10
	cfg.RetryBackoff = config.Duration(time.Hour)
	g := NewGateway(cfg, zap.NewNop())
	b := Binding{Provider: "openai", Model: "embed-test", BaseURL: srv.URL}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := g.Embed(ctx, b, []string{"hello"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancellation must interrupt backoff sleep")
	assert.Equal(t, int32(1), calls.Load())
}
