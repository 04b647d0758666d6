package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want %q", got, "-")
	}
	ctx := WithTraceID(context.Background(), "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty TraceID = %q, want %q", got, "-")
	}
}

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithAgentID(ctx, "TRADER")
	ctx = WithTaskID(ctx, "task-9")
	ctx = WithEnvelopeID(ctx, "env-3")

	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("TraceID = %q, want %q", got, "trace-1")
	}
	if got := AgentID(ctx); got != "TRADER" {
		t.Fatalf("AgentID = %q, want %q", got, "TRADER")
	}
	if got := TaskID(ctx); got != "task-9" {
		t.Fatalf("TaskID = %q, want %q", got, "task-9")
	}
	if got := EnvelopeID(ctx); got != "env-3" {
		t.Fatalf("EnvelopeID = %q, want %q", got, "env-3")
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("trace ids not unique: %q %q", a, b)
	}
}
