package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestContextIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("RequestIDFromContext(empty) = %q, want empty", got)
	}

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithProjectID(ctx, "proj-1")
	ctx = WithSessionID(ctx, "sess-1")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("RequestIDFromContext = %q, want req-1", got)
	}
	if got := ProjectIDFromContext(ctx); got != "proj-1" {
		t.Errorf("ProjectIDFromContext = %q, want proj-1", got)
	}
	if got := SessionIDFromContext(ctx); got != "sess-1" {
		t.Errorf("SessionIDFromContext = %q, want sess-1", got)
	}
}

func TestContextFields(t *testing.T) {
	ctx := WithSessionID(WithProjectID(WithRequestID(context.Background(), "req-1"), "proj-1"), "sess-1")

	fields := ContextFields(ctx)
	keys := make(map[string]string, len(fields))
	for _, f := range fields {
		keys[f.Key] = f.String
	}

	if keys["request_id"] != "req-1" {
		t.Errorf("request_id = %q, want req-1", keys["request_id"])
	}
	if keys["project_id"] != "proj-1" {
		t.Errorf("project_id = %q, want proj-1", keys["project_id"])
	}
	if keys["session_id"] != "sess-1" {
		t.Errorf("session_id = %q, want sess-1", keys["session_id"])
	}
	// No active span in a plain context.
	if _, ok := keys["trace_id"]; ok {
		t.Error("trace_id present without an active span")
	}
}

func TestContextFieldsEmpty(t *testing.T) {
	if fields := ContextFields(context.Background()); len(fields) != 0 {
		t.Errorf("ContextFields(empty) returned %d fields, want 0", len(fields))
	}
}

func TestFromContextFallsBackToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext returned nil")
	}
	// Nop logger: must not panic.
	logger.Info("discarded")
}

func TestFromContextReturnsStoredLogger(t *testing.T) {
	stored := zap.NewNop()
	ctx := WithLogger(context.Background(), stored)
	if got := FromContext(ctx); got == nil {
		t.Fatal("FromContext returned nil for stored logger")
	}
}
