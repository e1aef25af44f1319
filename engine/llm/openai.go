package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/prompt"
)

// OpenAIClient is an OpenAI-compatible chat-completions client. It works
// against any compatible endpoint (OpenAI, Groq, a local gateway).
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float32
	maxTokens   int
	client      *http.Client
}

// OpenAIConfig configures the generation client.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// NewOpenAIClient creates a chat-completions generation client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "llama-3.1-70b-versatile"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.5
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

type chatReq struct {
	Model       string           `json:"model"`
	Messages    []prompt.Message `json:"messages"`
	Temperature float32          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type chatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      prompt.Message `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type chatErrResp struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate calls the chat-completions endpoint with the assembled prompt.
func (c *OpenAIClient) Generate(ctx context.Context, p prompt.Prompt) (Generation, error) {
	body, _ := json.Marshal(chatReq{
		Model:       c.model,
		Messages:    p.Messages(),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("generate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("generate: %v: %w", err, domain.ErrModelUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Generation{}, generateStatusError(resp)
	}

	var result chatResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Generation{}, fmt.Errorf("generate: decode response: %w", domain.ErrModelUnavailable)
	}
	if len(result.Choices) == 0 {
		return Generation{}, fmt.Errorf("generate: empty choices: %w", domain.ErrModelUnavailable)
	}
	choice := result.Choices[0]
	if choice.FinishReason == "content_filter" {
		return Generation{}, fmt.Errorf("generate: response filtered: %w", domain.ErrContentRejected)
	}

	return Generation{
		Text:       choice.Message.Content,
		Model:      result.Model,
		TokensUsed: result.Usage.TotalTokens,
	}, nil
}

// generateStatusError maps non-200 provider responses to the error taxonomy.
func generateStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return fmt.Errorf("generate: status 429: %w", &domain.RateLimitError{RetryAfter: d})
		}
		return fmt.Errorf("generate: status 429: %w", domain.ErrRateLimited)
	case http.StatusBadRequest:
		var e chatErrResp
		if json.Unmarshal(body, &e) == nil && isContentFilter(e.Error.Code, e.Error.Type) {
			return fmt.Errorf("generate: request rejected by policy filter: %w", domain.ErrContentRejected)
		}
		return fmt.Errorf("generate: status 400: %w", domain.ErrInvalidInput)
	default:
		return fmt.Errorf("generate: status %d: %w", resp.StatusCode, domain.ErrModelUnavailable)
	}
}

func isContentFilter(code, typ string) bool {
	for _, v := range []string{code, typ} {
		if strings.Contains(v, "content_filter") || strings.Contains(v, "content_policy") {
			return true
		}
	}
	return false
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
