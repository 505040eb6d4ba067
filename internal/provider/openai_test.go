package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/starkcore/starkcore/internal/dispatcher"
)

func TestOpenAICompleteReturnsContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello there"}, "finish_reason": "stop"},
			},
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL, APIKey: "test-key", Model: "gpt-test"}, nil)
	resp, err := p.Complete(context.Background(), dispatcher.CompletionRequest{
		Messages: []dispatcher.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("Content = %q", resp.Content)
	}
}

func TestOpenAICompleteReturnsToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "search" {
			t.Fatalf("tools not translated correctly: %+v", req.Tools)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"tool_calls": []map[string]any{
							{"id": "call_1", "type": "function", "function": map[string]any{
								"name": "search", "arguments": `{"query":"weather"}`,
							}},
						},
					},
				},
			},
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL, APIKey: "k", Model: "m"}, nil)
	resp, err := p.Complete(context.Background(), dispatcher.CompletionRequest{
		Messages: []dispatcher.ChatMessage{{Role: "user", Content: "what's the weather"}},
		Tools: []dispatcher.ToolSchema{{
			Name:        "search",
			Description: "search the web",
			Params:      []dispatcher.ToolParam{{Name: "query", Kind: "string", Required: true}},
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["query"] != "weather" {
		t.Fatalf("Arguments = %+v", resp.ToolCalls[0].Arguments)
	}
}

func TestOpenAICompleteClassifiesRateLimitAsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL, APIKey: "k", Model: "m"}, nil)
	_, err := p.Complete(context.Background(), dispatcher.CompletionRequest{
		Messages: []dispatcher.ChatMessage{{Role: "user", Content: "hi"}},
	})
	var transient *dispatcher.TransientError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !isTransient(err, &transient) {
		t.Fatalf("expected a *dispatcher.TransientError, got %T: %v", err, err)
	}
}

func TestOpenAICompleteClassifiesBadRequestAsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid request"}}`))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL, APIKey: "k", Model: "m"}, nil)
	_, err := p.Complete(context.Background(), dispatcher.CompletionRequest{
		Messages: []dispatcher.ChatMessage{{Role: "user", Content: "hi"}},
	})
	var transient *dispatcher.TransientError
	if err == nil {
		t.Fatal("expected an error")
	}
	if isTransient(err, &transient) {
		t.Fatal("400 must not be classified as transient")
	}
}

func isTransient(err error, target **dispatcher.TransientError) bool {
	te, ok := err.(*dispatcher.TransientError)
	if ok {
		*target = te
	}
	return ok
}
