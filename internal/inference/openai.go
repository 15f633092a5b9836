package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// openAIClient speaks the OpenAI-compatible REST surface. It also serves
// vLLM and similar gateways that expose the same endpoints.
type openAIClient struct {
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
}

var (
	_ Embedder  = (*openAIClient)(nil)
	_ Generator = (*openAIClient)(nil)
)

func newOpenAIClient(b Binding, apiKey string, client *http.Client) *openAIClient {
	return &openAIClient{
		model:   b.Model,
		baseURL: strings.TrimRight(b.BaseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := c.postJSON(ctx, "/embeddings", openAIEmbeddingRequest{
		Model: c.model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var parsed openAIEmbeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding embeddings response: %v", ErrInvalidRequest, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrInvalidRequest, len(parsed.Data), len(texts))
	}

	// The API may return items out of order; index restores input alignment.
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (c *openAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	req := openAIChatRequest{
		Model:       c.model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Messages:    make([]openAIMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}

	body, err := c.postJSON(ctx, "/chat/completions", req)
	if err != nil {
		return "", err
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding chat response: %v", ErrInvalidRequest, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrInvalidRequest)
	}
	return parsed.Choices[0].Message.Content, nil
}

// postJSON sends a JSON request and classifies failures: transport errors,
// 429 and 5xx are retryable, other non-2xx statuses are permanent.
func (c *openAIClient) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, markRetryable(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, markRetryable(fmt.Errorf("reading response: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// classifyStatus maps an HTTP status to the retry policy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return markRetryable(fmt.Errorf("status %d: %s", status, truncateBody(body)))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidRequest, status, truncateBody(body))
	}
}

func truncateBody(body []byte) string {
	const maxLen = 512
	s := string(body)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
