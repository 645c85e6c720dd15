// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Default embedding settings.
const (
	DefaultOpenAIBaseURL  = "https://api.openai.com/v1"
	DefaultOpenAIModel    = "text-embedding-3-small"
	DefaultOllamaBaseURL  = "http://localhost:11434"
	DefaultOllamaModel    = "nomic-embed-text"
	DefaultEmbedDimension = 1536
)

// EmbeddingProvider computes vectors for a batch of texts.
type EmbeddingProvider interface {
	// EmbedBatch returns one vector per text, in input order. An empty
	// model selects the provider's default.
	EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error)

	// Model returns the provider's default model name.
	Model() string
}

// ProviderConfig selects and configures an embedding provider.
type ProviderConfig struct {
	Provider  string        `yaml:"provider"` // openai, ollama, mock
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension"` // mock provider only
	Timeout   time.Duration `yaml:"timeout"`
}

// CreateEmbeddingProvider creates an embedding provider based on config.
// Supported providers:
//   - "openai": OpenAI-compatible API (OPENAI_API_KEY, optionally OPENAI_API_BASE)
//   - "ollama": Local Ollama server (default: http://localhost:11434, OLLAMA_HOST)
//   - "mock": Deterministic hash-based vectors for tests and dry runs
//
// Empty fields fall back to the environment, then to defaults.
func CreateEmbeddingProvider(cfg ProviderConfig, logger *slog.Logger) (EmbeddingProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"))
		if apiKey == "" {
			return nil, &ConfigurationError{
				Field:  "embedding.api_key",
				Reason: "OPENAI_API_KEY environment variable is required for openai provider",
			}
		}
		baseURL := firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_API_BASE"), DefaultOpenAIBaseURL)
		model := firstNonEmpty(cfg.Model, os.Getenv("OPENAI_EMBED_MODEL"), DefaultOpenAIModel)
		return NewOpenAIEmbeddingProvider(apiKey, baseURL, model, cfg.Timeout, logger), nil

	case "ollama":
		baseURL := firstNonEmpty(cfg.BaseURL, os.Getenv("OLLAMA_HOST"), DefaultOllamaBaseURL)
		model := firstNonEmpty(cfg.Model, os.Getenv("OLLAMA_EMBED_MODEL"), DefaultOllamaModel)
		return NewOllamaEmbeddingProvider(baseURL, model, cfg.Timeout, logger), nil

	case "mock":
		dim := cfg.Dimension
		if dim <= 0 {
			dim = DefaultEmbedDimension
		}
		return NewMockEmbeddingProvider(dim, logger), nil

	default:
		return nil, &ConfigurationError{
			Field:  "embedding.provider",
			Reason: fmt.Sprintf("unknown embedding provider %q (supported: openai, ollama, mock)", cfg.Provider),
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// OPENAI-COMPATIBLE EMBEDDING PROVIDER
// =============================================================================

// OpenAIEmbeddingProvider generates embeddings using OpenAI or compatible APIs.
// Works with OpenAI, Azure OpenAI, Together AI, vLLM, etc.
type OpenAIEmbeddingProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// OpenAIEmbedRequest represents the request body for OpenAI embeddings API.
type OpenAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"` // "float" or "base64"
}

// OpenAIEmbedResponse represents the response from OpenAI embeddings API.
type OpenAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAIErrorResponse represents an error response from OpenAI API.
type OpenAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewOpenAIEmbeddingProvider creates a new OpenAI embedding provider.
func NewOpenAIEmbeddingProvider(apiKey, baseURL, model string, timeout time.Duration, logger *slog.Logger) *OpenAIEmbeddingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIEmbeddingProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Model returns the default model.
func (o *OpenAIEmbeddingProvider) Model() string { return o.model }

// EmbedBatch embeds texts with one request.
func (o *OpenAIEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = o.model
	}
	reqBody := OpenAIEmbedRequest{
		Input:          texts,
		Model:          model,
		EncodingFormat: "float",
	}

	body, err := postJSON(ctx, o.httpClient, "openai.embeddings", o.baseURL+"/embeddings", reqBody,
		map[string]string{"Authorization": "Bearer " + o.apiKey},
		func(body []byte) string {
			var errResp OpenAIErrorResponse
			if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
				return errResp.Error.Message
			}
			return ""
		})
	if err != nil {
		return nil, err
	}

	var embedResp OpenAIEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}
	if len(embedResp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(embedResp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range embedResp.Data {
		if d.Index < 0 || d.Index >= len(texts) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai returned invalid embedding index %d", d.Index)
		}
		out[d.Index] = toFloat32(d.Embedding)
	}
	return out, nil
}

// =============================================================================
// OLLAMA EMBEDDING PROVIDER
// =============================================================================

// OllamaEmbeddingProvider generates embeddings using a local Ollama server.
// Supports models like nomic-embed-text, mxbai-embed-large, all-minilm, etc.
type OllamaEmbeddingProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// OllamaEmbedRequest represents the request body for the Ollama /api/embed endpoint.
type OllamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// OllamaEmbedResponse represents the response from the Ollama /api/embed endpoint.
type OllamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaErrorResponse represents an error response from Ollama.
type OllamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaEmbeddingProvider creates a new Ollama embedding provider.
func NewOllamaEmbeddingProvider(baseURL, model string, timeout time.Duration, logger *slog.Logger) *OllamaEmbeddingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second // Local models may be slower
	}
	return &OllamaEmbeddingProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Model returns the default model.
func (o *OllamaEmbeddingProvider) Model() string { return o.model }

// EmbedBatch embeds texts with one request to /api/embed.
func (o *OllamaEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = o.model
	}
	body, err := postJSON(ctx, o.httpClient, "ollama.embed", o.baseURL+"/api/embed",
		OllamaEmbedRequest{Model: model, Input: texts}, nil,
		func(body []byte) string {
			var errResp OllamaErrorResponse
			if json.Unmarshal(body, &errResp) == nil {
				return errResp.Error
			}
			return ""
		})
	if err != nil {
		return nil, err
	}

	var embedResp OllamaEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}
	if len(embedResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(embedResp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range embedResp.Embeddings {
		out[i] = normalizeEmbedding(toFloat32(e))
	}
	return out, nil
}

// =============================================================================
// MOCK EMBEDDING PROVIDER
// =============================================================================

// MockEmbeddingProvider generates deterministic mock embeddings for testing.
type MockEmbeddingProvider struct {
	dimension int
	calls     atomic.Int64
	logger    *slog.Logger
}

// NewMockEmbeddingProvider creates a mock embedding provider.
func NewMockEmbeddingProvider(dimension int, logger *slog.Logger) *MockEmbeddingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockEmbeddingProvider{dimension: dimension, logger: logger}
}

// Model returns "mock".
func (m *MockEmbeddingProvider) Model() string { return "mock" }

// Calls returns the number of EmbedBatch calls served.
func (m *MockEmbeddingProvider) Calls() int64 { return m.calls.Load() }

// EmbedBatch returns a unit vector derived from a hash of each text.
// The vectors are not semantically meaningful.
func (m *MockEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = mockVector(text, m.dimension)
	}
	return out, nil
}

func mockVector(text string, dimension int) []float32 {
	hash := hashString(text)
	embedding := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		val := float32((hash+uint64(i)*7919)%10000) / 10000.0
		embedding[i] = val*2.0 - 1.0 // Map to [-1, 1]
	}
	return normalizeEmbedding(embedding)
}

func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// postJSON sends a JSON request and returns the body of a 200 response.
// Network failures and non-200 statuses come back as *TransportError;
// extractMsg pulls a readable message out of an error body.
func postJSON(ctx context.Context, client *http.Client, op, url string, reqBody any, headers map[string]string, extractMsg func([]byte) string) ([]byte, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := ""
		if extractMsg != nil {
			msg = extractMsg(body)
		}
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        errors.New(msg),
		}
	}
	return body, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// normalizeEmbedding normalizes an embedding vector to unit length (L2 norm = 1).
func normalizeEmbedding(embedding []float32) []float32 {
	var norm float64
	for _, v := range embedding {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return embedding
	}
	normf := float32(norm)
	for i := range embedding {
		embedding[i] /= normf
	}
	return embedding
}
