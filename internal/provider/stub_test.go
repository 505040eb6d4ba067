package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/starkcore/starkcore/internal/dispatcher"
)

func TestStubReplaysQueuedResponsesInOrder(t *testing.T) {
	s := NewStub()
	s.EnqueueText("first")
	s.EnqueueToolCall("call_1", "lookup", map[string]any{"key": "value"})

	resp1, err := s.Complete(context.Background(), dispatcher.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp1.Content != "first" {
		t.Fatalf("Content = %q", resp1.Content)
	}

	resp2, err := s.Complete(context.Background(), dispatcher.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp2.ToolCalls) != 1 || resp2.ToolCalls[0].Name != "lookup" {
		t.Fatalf("ToolCalls = %+v", resp2.ToolCalls)
	}

	if len(s.Requests()) != 2 {
		t.Fatalf("expected 2 recorded requests, got %d", len(s.Requests()))
	}
}

func TestStubReturnsQueuedError(t *testing.T) {
	s := NewStub()
	want := errors.New("boom")
	s.EnqueueError(want)

	_, err := s.Complete(context.Background(), dispatcher.CompletionRequest{})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestStubFailsLoudlyWhenExhausted(t *testing.T) {
	s := NewStub()
	s.EnqueueText("only one")
	s.Complete(context.Background(), dispatcher.CompletionRequest{})

	if _, err := s.Complete(context.Background(), dispatcher.CompletionRequest{}); err == nil {
		t.Fatal("expected an error once the queue is exhausted")
	}
}
