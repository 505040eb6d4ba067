// Package memory implements the Memory Subsystem: typed memory entities,
// temporal validity and supersession, hybrid keyword+vector retrieval, and
// merge/compaction.
//
// Grounded on the teacher's copilot/memory package, generalized from its
// file/chunk indexing domain to the spec's identity-scoped memory rows.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// EmbeddingProvider generates vector embeddings from text, grounded on
// embeddings.go's EmbeddingProvider interface.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// EmbeddingConfig configures the embedding provider, mirroring
// embeddings.go's EmbeddingConfig but trimmed to the fields starkcore
// actually exposes through internal/config.
type EmbeddingConfig struct {
	Provider   string // openai, gemini, none
	Model      string
	Dimensions int
	APIKey     string
	BaseURL    string
	Fallback   string
}

// NullEmbedder disables semantic search; retrieval degrades to FTS-only
// (β term of the hybrid score contributes zero).
type NullEmbedder struct{}

func (NullEmbedder) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }
func (NullEmbedder) Dimensions() int                                      { return 0 }
func (NullEmbedder) Name() string                                         { return "none" }

// openAIEmbedder calls the OpenAI-compatible embeddings endpoint, grounded
// on embeddings.go's OpenAIEmbedder.
type openAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	client     *http.Client
}

func newOpenAIEmbedder(cfg EmbeddingConfig) *openAIEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &openAIEmbedder{
		apiKey:     resolveAPIKey(cfg.APIKey, "OPENAI_API_KEY"),
		model:      model,
		dimensions: dims,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     newEmbedHTTPClient(),
	}
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: texts, Dimensions: e.dimensions})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("memory: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: embed request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("memory: read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory: embed API error (status %d): %s", resp.StatusCode, string(raw))
	}
	var result openAIEmbedResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("memory: unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("memory: embed API error: %s", result.Error.Message)
	}
	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func (e *openAIEmbedder) Dimensions() int { return e.dimensions }
func (e *openAIEmbedder) Name() string    { return "openai" }

// geminiEmbedder calls the Gemini batchEmbedContents endpoint, grounded on
// embeddings_gemini.go.
type geminiEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	client     *http.Client
}

func newGeminiEmbedder(cfg EmbeddingConfig) *geminiEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 768
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &geminiEmbedder{
		apiKey:     resolveAPIKey(cfg.APIKey, "GOOGLE_API_KEY"),
		model:      model,
		dimensions: dims,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     newEmbedHTTPClient(),
	}
}

type geminiBatchRequest struct {
	Requests []geminiRequestItem `json:"requests"`
}

type geminiRequestItem struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiBatchResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *geminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	reqs := make([]geminiRequestItem, len(texts))
	for i, t := range texts {
		reqs[i] = geminiRequestItem{
			Model:                "models/" + e.model,
			Content:              geminiContent{Parts: []geminiPart{{Text: t}}},
			OutputDimensionality: e.dimensions,
		}
	}
	body, err := json.Marshal(geminiBatchRequest{Requests: reqs})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", e.baseURL, e.model, e.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("memory: build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: gemini request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("memory: read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory: gemini API error (status %d): %s", resp.StatusCode, string(raw))
	}
	var result geminiBatchResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("memory: unmarshal gemini response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("memory: gemini API error: %s", result.Error.Message)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		if i < len(result.Embeddings) {
			out[i] = result.Embeddings[i].Values
		}
	}
	return out, nil
}

func (e *geminiEmbedder) Dimensions() int { return e.dimensions }
func (e *geminiEmbedder) Name() string    { return "gemini" }

// FallbackEmbedder retries with a secondary provider on primary failure,
// grounded on embeddings.go's FallbackEmbedder.
type FallbackEmbedder struct {
	primary  EmbeddingProvider
	fallback EmbeddingProvider
	logger   *slog.Logger
}

func NewFallbackEmbedder(primary, fallback EmbeddingProvider, logger *slog.Logger) *FallbackEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackEmbedder{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := f.primary.Embed(ctx, texts)
	if err == nil {
		return out, nil
	}
	f.logger.Warn("memory: primary embedder failed, using fallback", "primary", f.primary.Name(), "err", err)
	return f.fallback.Embed(ctx, texts)
}

func (f *FallbackEmbedder) Dimensions() int { return f.primary.Dimensions() }
func (f *FallbackEmbedder) Name() string    { return f.primary.Name() + "+" + f.fallback.Name() }

// NewEmbeddingProvider builds an EmbeddingProvider from config, grounded on
// embeddings.go's NewEmbeddingProvider factory.
func NewEmbeddingProvider(cfg EmbeddingConfig, logger *slog.Logger) EmbeddingProvider {
	primary := providerByName(cfg.Provider, cfg)
	if cfg.Fallback != "" && cfg.Fallback != "none" {
		fb := providerByName(cfg.Fallback, EmbeddingConfig{Provider: cfg.Fallback, Dimensions: cfg.Dimensions})
		if _, isNull := fb.(NullEmbedder); !isNull {
			return NewFallbackEmbedder(primary, fb, logger)
		}
	}
	return primary
}

func providerByName(name string, cfg EmbeddingConfig) EmbeddingProvider {
	switch strings.ToLower(name) {
	case "openai":
		return newOpenAIEmbedder(cfg)
	case "gemini", "google":
		return newGeminiEmbedder(cfg)
	default:
		return NullEmbedder{}
	}
}

func resolveAPIKey(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}

func newEmbedHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
