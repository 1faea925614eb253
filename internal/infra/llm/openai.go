package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/metrics"
)

// ─── OpenAI-compatible services ─────────────────────────────────────────────
// Both services talk to any server exposing the OpenAI REST shape: the chat
// service posts to /chat/completions with a single user message, the
// completion service posts the raw prompt to /completions.

// RetryConfig configures backoff for transient backend failures.
type RetryConfig struct {
	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // Initial backoff delay (doubles each retry)
	MaxDelay   time.Duration // Cap on backoff delay
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// delay returns the backoff before retry number attempt (1-based).
func (rc RetryConfig) delay(attempt int) time.Duration {
	d := rc.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if rc.MaxDelay > 0 && d > rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	return d
}

// OpenAIConfig configures an OpenAI-compatible service.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxConcurrency int
	Models         []string // allowed models; empty allows any
	Retry          RetryConfig
	HTTPClient     *http.Client
}

// OpenAIService builds clients against an OpenAI-compatible endpoint.
type OpenAIService struct {
	cfg  OpenAIConfig
	chat bool
	http *http.Client
}

// NewOpenAIChatService creates a service for the chat completions endpoint.
func NewOpenAIChatService(cfg OpenAIConfig) *OpenAIService {
	return newOpenAIService(cfg, true)
}

// NewOpenAICompletionService creates a service for the legacy completions
// endpoint.
func NewOpenAICompletionService(cfg OpenAIConfig) *OpenAIService {
	return newOpenAIService(cfg, false)
}

func newOpenAIService(cfg OpenAIConfig, chat bool) *OpenAIService {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIService{cfg: cfg, chat: chat, http: hc}
}

// GetClient implements Service. The chat service additionally accepts a
// "system_prompt" string.
func (s *OpenAIService) GetClient(model string, kwargs map[string]any) (Client, error) {
	if model == "" {
		return nil, domain.Configf("model name is required")
	}
	if len(s.cfg.Models) > 0 && !slices.Contains(s.cfg.Models, model) {
		return nil, domain.Configf("model %q is not served (allowed: %s)", model, strings.Join(s.cfg.Models, ", "))
	}
	if s.cfg.BaseURL == "" {
		return nil, domain.Configf("base URL is not configured")
	}

	var extra []string
	if s.chat {
		extra = append(extra, "system_prompt")
	}
	params, rest, err := parseParams(kwargs, extra...)
	if err != nil {
		return nil, err
	}
	var system string
	if v, ok := rest["system_prompt"]; ok {
		str, isStr := v.(string)
		if !isStr {
			return nil, domain.Configf("system_prompt must be a string, got %T", v)
		}
		system = str
	}

	b := &openAIBackend{
		svc:    s,
		model:  model,
		params: params,
		system: system,
	}
	var opts []ClientOption
	if s.cfg.MaxConcurrency > 0 {
		opts = append(opts, WithMaxConcurrency(s.cfg.MaxConcurrency))
	}
	return NewClient(model, b, opts...), nil
}

// ─── Wire types ─────────────────────────────────────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Seed        *int64        `json:"seed,omitempty"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Text    string       `json:"text"`
		Message *chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Code, e.Message)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// ─── Backend ────────────────────────────────────────────────────────────────

type openAIBackend struct {
	svc    *OpenAIService
	model  string
	params GenerateParams
	system string
}

func (b *openAIBackend) InputNames() []string { return []string{"prompt"} }

func (b *openAIBackend) Complete(ctx context.Context, input map[string]string) (string, error) {
	req := completionRequest{
		Model:       b.model,
		Temperature: b.params.Temperature,
		TopP:        b.params.TopP,
		MaxTokens:   b.params.MaxTokens,
		Stop:        b.params.Stop,
		Seed:        b.params.Seed,
	}
	path := "/completions"
	if b.svc.chat {
		path = "/chat/completions"
		if b.system != "" {
			req.Messages = append(req.Messages, chatMessage{Role: "system", Content: b.system})
		}
		req.Messages = append(req.Messages, chatMessage{Role: "user", Content: input["prompt"]})
	} else {
		req.Prompt = input["prompt"]
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	retry := b.svc.cfg.Retry
	requestID := uuid.New().String()
	for attempt := 0; ; attempt++ {
		text, err := b.send(ctx, path, requestID, body)
		if err == nil {
			return text, nil
		}
		var se *StatusError
		if !errors.As(err, &se) || !se.retryable() || attempt >= retry.MaxRetries {
			return "", err
		}
		metrics.GenerationRetries.WithLabelValues(b.model).Inc()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retry.delay(attempt + 1)):
		}
	}
}

func (b *openAIBackend) send(ctx context.Context, path, requestID string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.svc.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if b.svc.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.svc.cfg.APIKey)
	}

	resp, err := b.svc.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		return "", &StatusError{Code: resp.StatusCode, Message: ae.Error.Message}
	}

	var cr completionResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("response %s has no choices", cr.ID)
	}
	choice := cr.Choices[0]
	if b.svc.chat {
		if choice.Message == nil {
			return "", fmt.Errorf("response %s has no message", cr.ID)
		}
		return choice.Message.Content, nil
	}
	return choice.Text, nil
}
