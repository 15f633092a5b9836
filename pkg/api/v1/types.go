// Package v1 defines the request and response bodies of the public HTTP
// API. Kept free of internal imports so external clients can vendor the
// types directly.
package v1

// ErrorResponse is the body of every non-2xx response. Error carries an
// opaque message; diagnostics stay in the server logs, findable by
// RequestID.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// TurnRequest submits one end-user utterance.
type TurnRequest struct {
	// SessionID continues an existing conversation. Empty starts a new
	// one.
	SessionID string `json:"session_id,omitempty"`

	// Utterance is the end-user message.
	Utterance string `json:"utterance"`
}

// Passage is one retrieved knowledge-base entry backing a response.
type Passage struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// TurnResponse is the outcome of one dialogue turn.
type TurnResponse struct {
	SessionID string    `json:"session_id"`
	Response  string    `json:"response"`
	State     string    `json:"state"`
	Source    string    `json:"source"`
	Passages  []Passage `json:"passages,omitempty"`
	Done      bool      `json:"done,omitempty"`
}

// DocumentRequest submits one document for ingestion.
type DocumentRequest struct {
	// ID identifies the document within the project. Assigned when
	// empty.
	ID string `json:"id,omitempty"`

	// Source is an optional origin label (filename, URL).
	Source string `json:"source,omitempty"`

	// Text is the extracted document text.
	Text string `json:"text"`

	// Metadata is carried onto every chunk.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BulkIngestRequest submits several documents in one job.
type BulkIngestRequest struct {
	Documents []DocumentRequest `json:"documents"`
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status"`
}
