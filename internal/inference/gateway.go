package inference

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/dialogd/internal/inference"

// Gateway resolves model bindings to backend clients and runs every call
// through rate limiting, per-call timeouts and transient-failure retry.
//
// Clients and limiters are cached per binding and per endpoint, so all
// projects sharing a backend share its rate budget.
type Gateway struct {
	cfg     config.InferenceConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics

	httpClient *http.Client

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	embedders  map[Binding]Embedder
	generators map[Binding]Generator
}

// NewGateway creates a gateway using the given defaults for timeout, retry
// and rate limiting.
func NewGateway(cfg config.InferenceConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		metrics:    NewMetrics(logger),
		httpClient: &http.Client{},
		limiters:   make(map[string]*rate.Limiter),
		embedders:  make(map[Binding]Embedder),
		generators: make(map[Binding]Generator),
	}
}

// Embed generates embeddings for texts via the bound backend. The result
// is aligned 1:1 with the input order.
func (g *Gateway) Embed(ctx context.Context, b Binding, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	emb, err := g.embedder(b)
	if err != nil {
		return nil, err
	}

	var vectors [][]float32
	err = g.call(ctx, b, "embed_documents", len(texts), func(ctx context.Context) error {
		var callErr error
		vectors, callErr = emb.EmbedDocuments(ctx, texts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrBackend, len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query text.
func (g *Gateway) EmbedQuery(ctx context.Context, b Binding, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	emb, err := g.embedder(b)
	if err != nil {
		return nil, err
	}

	var vector []float32
	err = g.call(ctx, b, "embed_query", 1, func(ctx context.Context) error {
		var callErr error
		vector, callErr = emb.EmbedQuery(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// Generate produces an assistant reply for the transcript via the bound
// backend.
func (g *Gateway) Generate(ctx context.Context, b Binding, messages []Message, params Params) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: messages cannot be empty", ErrEmptyInput)
	}
	gen, err := g.generator(b)
	if err != nil {
		return "", err
	}

	var reply string
	err = g.call(ctx, b, "generate", len(messages), func(ctx context.Context) error {
		var callErr error
		reply, callErr = gen.Generate(ctx, messages, params)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// call runs fn under the endpoint rate limiter and per-call timeout,
// retrying transient failures with exponential backoff.
func (g *Gateway) call(ctx context.Context, b Binding, operation string, batchSize int, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "inference."+operation,
		trace.WithAttributes(
			attribute.String("inference.provider", b.Provider),
			attribute.String("inference.model", b.Model),
		))
	defer span.End()

	start := time.Now()
	limiter := g.limiter(b)
	backoff := g.cfg.RetryBackoff.Duration()
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	attempts := 0
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		attempts = attempt + 1
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				err = fmt.Errorf("%s rate wait: %w", operation, werr)
				break
			}
		}

		err = g.attempt(ctx, fn)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			break
		}
		if attempt == g.cfg.MaxRetries {
			err = fmt.Errorf("%w: %s failed after %d attempts: %w", ErrBackend, operation, attempts, err)
			break
		}

		g.logger.Warn("inference call retrying",
			zap.String("operation", operation),
			zap.String("provider", b.Provider),
			zap.String("model", b.Model),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			err = fmt.Errorf("%s canceled: %w", operation, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			continue
		}
		break
	}

	span.SetAttributes(attribute.Int("inference.attempts", attempts))
	g.metrics.RecordCall(ctx, b.Provider, b.Model, operation, time.Since(start), batchSize, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// attempt runs fn once under the configured per-call timeout.
func (g *Gateway) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if t := g.cfg.Timeout.Duration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return fn(ctx)
}

// limiter returns the shared rate limiter for the binding's endpoint.
// Bindings without a rate limit configured are not throttled.
func (g *Gateway) limiter(b Binding) *rate.Limiter {
	if g.cfg.RateLimit <= 0 {
		return nil
	}
	key := b.Provider + "|" + b.BaseURL

	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limiters[key]; ok {
		return l
	}
	burst := g.cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(g.cfg.RateLimit), burst)
	g.limiters[key] = l
	return l
}

func (g *Gateway) embedder(b Binding) (Embedder, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.embedders[b]; ok {
		return e, nil
	}

	var e Embedder
	switch b.Provider {
	case "openai":
		e = newOpenAIClient(b, g.apiKey(b), g.httpClient)
	case "tei":
		e = newTEIEmbedder(b, g.httpClient)
	case "echo":
		e = newEchoBackend(b.Model)
	default:
		return nil, fmt.Errorf("%w: provider %q cannot embed", ErrInvalidBinding, b.Provider)
	}
	g.embedders[b] = e
	return e, nil
}

func (g *Gateway) generator(b Binding) (Generator, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if gen, ok := g.generators[b]; ok {
		return gen, nil
	}

	var gen Generator
	switch b.Provider {
	case "openai":
		gen = newOpenAIClient(b, g.apiKey(b), g.httpClient)
	case "echo":
		gen = newEchoBackend(b.Model)
	case "tei":
		return nil, fmt.Errorf("%w: provider %q cannot generate", ErrInvalidBinding, b.Provider)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidBinding, b.Provider)
	}
	g.generators[b] = gen
	return gen, nil
}

// apiKey prefers the binding's key, falling back to the service-wide key.
func (g *Gateway) apiKey(b Binding) string {
	if b.APIKey != "" {
		return b.APIKey
	}
	return g.cfg.APIKey.Value()
}
