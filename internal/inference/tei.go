package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// teiEmbedder speaks the text-embeddings-inference /embed endpoint.
// TEI servers host a single model, so the binding's model name is only
// used for labeling.
type teiEmbedder struct {
	baseURL string
	client  *http.Client
}

var _ Embedder = (*teiEmbedder)(nil)

func newTEIEmbedder(b Binding, client *http.Client) *teiEmbedder {
	return &teiEmbedder{
		baseURL: strings.TrimRight(b.BaseURL, "/"),
		client:  client,
	}
}

type teiRequest struct {
	Inputs   any  `json:"inputs"`
	Truncate bool `json:"truncate"`
}

func (t *teiEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := t.embed(ctx, teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrInvalidRequest, len(vectors), len(texts))
	}
	return vectors, nil
}

func (t *teiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := t.embed(ctx, teiRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrInvalidRequest)
	}
	return vectors[0], nil
}

func (t *teiEmbedder) embed(ctx context.Context, req teiRequest) ([][]float32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
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

	var vectors [][]float32
	if err := json.Unmarshal(respBody, &vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding embed response: %v", ErrInvalidRequest, err)
	}
	return vectors, nil
}
