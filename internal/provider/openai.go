// Package provider implements the Completion Provider contract
// (spec §4.8 step 3) against an OpenAI-compatible chat completions
// endpoint. Grounded on the teacher's pkg/devclaw/copilot/llm.go
// LLMClient: the same request/response JSON shapes and the same
// choice of net/http directly over any third-party HTTP client or SDK
// (no such library appears anywhere in the retrieval pack — the
// teacher's own LLM client is stdlib net/http, so that's the
// ecosystem way here, not a gap). Streaming, the dual Anthropic
// Messages API code path, and multi-model fallback/cooldown are
// dropped: the dispatcher's Provider contract is a single synchronous
// call per turn iteration, and retry-with-backoff already lives in
// internal/dispatcher (spec §4.8 step 3), so this package only needs
// to classify one response into success, transient, or permanent.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/starkcore/starkcore/internal/dispatcher"
)

// Config configures an OpenAI-compatible Completion Provider.
type Config struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Model   string        `yaml:"model" toml:"model"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// DefaultTimeout bounds one HTTP round trip when Config.Timeout is unset.
const DefaultTimeout = 60 * time.Second

// OpenAI implements dispatcher.Provider against any OpenAI-compatible
// chat completions endpoint (OpenAI itself, or a self-hosted
// compatible gateway).
type OpenAI struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds an OpenAI provider. Config.Model is required; BaseURL
// defaults to the public OpenAI API when empty.
func New(cfg Config, logger *slog.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "provider.openai"),
	}
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDefinition struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []chatMessage    `json:"messages"`
	Tools    []toolDefinition `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements dispatcher.Provider.
func (p *OpenAI) Complete(ctx context.Context, req dispatcher.CompletionRequest) (dispatcher.CompletionResponse, error) {
	body := chatRequest{
		Model:    p.cfg.Model,
		Messages: toWireMessages(req.Messages),
		Tools:    toWireTools(req.Tools),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return dispatcher.CompletionResponse{}, fmt.Errorf("provider: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return dispatcher.CompletionResponse{}, fmt.Errorf("provider: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return dispatcher.CompletionResponse{}, &dispatcher.TransientError{Err: fmt.Errorf("provider: request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatcher.CompletionResponse{}, &dispatcher.TransientError{Err: fmt.Errorf("provider: reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("provider: status %d: %s", resp.StatusCode, truncate(string(respBytes), 500))
		if isRetryableStatus(resp.StatusCode) {
			return dispatcher.CompletionResponse{}, &dispatcher.TransientError{Err: err}
		}
		return dispatcher.CompletionResponse{}, fmt.Errorf("%w: %v", dispatcher.ErrProviderPermanent, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return dispatcher.CompletionResponse{}, fmt.Errorf("%w: parsing response: %v", dispatcher.ErrProviderPermanent, err)
	}
	if parsed.Error != nil {
		return dispatcher.CompletionResponse{}, fmt.Errorf("%w: %s", dispatcher.ErrProviderPermanent, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return dispatcher.CompletionResponse{}, fmt.Errorf("%w: no choices in response", dispatcher.ErrProviderPermanent)
	}

	choice := parsed.Choices[0]
	out := dispatcher.CompletionResponse{
		Content:   strings.TrimSpace(choice.Message.Content),
		ToolCalls: fromWireToolCalls(choice.Message.ToolCalls),
	}
	if parsed.Usage != nil {
		out.Usage = &dispatcher.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func toWireMessages(in []dispatcher.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(in))
	for _, m := range in {
		wm := chatMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(in []dispatcher.ToolSchema) []toolDefinition {
	out := make([]toolDefinition, 0, len(in))
	for _, t := range in {
		props := map[string]any{}
		var required []string
		for _, p := range t.Params {
			kind := p.Kind
			if kind == "" {
				kind = "string"
			}
			props[p.Name] = map[string]any{"type": kind}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		params, _ := json.Marshal(map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		})
		out = append(out, toolDefinition{
			Type: "function",
			Function: functionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromWireToolCalls(in []toolCall) []dispatcher.ToolCall {
	out := make([]dispatcher.ToolCall, 0, len(in))
	for _, tc := range in {
		var args map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out = append(out, dispatcher.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
