package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shoplens/shoplens/engine/domain"
)

// maxEmbedRunes bounds a single embedding input. Longer texts are rejected
// locally before any network call.
const maxEmbedRunes = 8000

// OpenAIClient is an OpenAI-compatible embeddings client.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

// OpenAIConfig configures the embeddings client.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// NewOpenAIClient creates an OpenAI-compatible embeddings client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Dimensions returns the configured vector dimension.
func (c *OpenAIClient) Dimensions() int { return c.dims }

type openaiEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResp struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed: no input texts: %w", domain.ErrInvalidInput)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("embed: input %d is empty: %w", i, domain.ErrInvalidInput)
		}
		if utf8.RuneCountInString(t) > maxEmbedRunes {
			return nil, fmt.Errorf("embed: input %d exceeds %d runes: %w", i, maxEmbedRunes, domain.ErrInvalidInput)
		}
	}

	body, _ := json.Marshal(openaiEmbedReq{Model: c.model, Input: texts})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %v: %w", err, domain.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, embedStatusError(resp)
	}

	var result openaiEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", domain.ErrProviderUnavailable)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs: %w", len(result.Data), len(texts), domain.ErrProviderUnavailable)
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed: embedding index %d out of range: %w", d.Index, domain.ErrProviderUnavailable)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// embedStatusError maps non-200 provider responses to the error taxonomy.
func embedStatusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return fmt.Errorf("embed: status 429: %w", &domain.RateLimitError{RetryAfter: d})
		}
		return fmt.Errorf("embed: status 429: %w", domain.ErrRateLimited)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("embed: status 400: %w", domain.ErrInvalidInput)
	default:
		return fmt.Errorf("embed: status %d: %w", resp.StatusCode, domain.ErrProviderUnavailable)
	}
}

// parseRetryAfter parses a Retry-After header given in seconds.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
