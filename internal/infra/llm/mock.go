package llm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// ─── Mock Service (offline, deterministic) ──────────────────────────────────

// MockService is an offline backend with scripted responses and failures.
// Unscripted prompts are echoed back.
type MockService struct {
	mu        sync.RWMutex
	responses map[string]string
	failures  map[string]error
	delay     time.Duration
	models    []string
	calls     atomic.Int64
}

// NewMockService creates a mock service. With models given, only those
// model names are accepted.
func NewMockService(models ...string) *MockService {
	return &MockService{
		responses: make(map[string]string),
		failures:  make(map[string]error),
		models:    models,
	}
}

// SetResponse scripts the text returned for an exact prompt.
func (s *MockService) SetResponse(prompt, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[prompt] = text
}

// SetFailure scripts an error for an exact prompt.
func (s *MockService) SetFailure(prompt string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[prompt] = err
}

// SetDelay simulates inference time per call.
func (s *MockService) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns the number of backend calls made so far.
func (s *MockService) Calls() int64 { return s.calls.Load() }

// GetClient implements Service.
func (s *MockService) GetClient(model string, kwargs map[string]any) (Client, error) {
	if model == "" {
		return nil, domain.Configf("model name is required")
	}
	if len(s.models) > 0 && !slices.Contains(s.models, model) {
		return nil, domain.Configf("unknown mock model %q", model)
	}
	params, _, err := parseParams(kwargs)
	if err != nil {
		return nil, err
	}
	return NewClient(model, &mockBackend{svc: s, maxTokens: params.MaxTokens}), nil
}

type mockBackend struct {
	svc       *MockService
	maxTokens int
}

func (b *mockBackend) InputNames() []string { return []string{"prompt"} }

func (b *mockBackend) Complete(ctx context.Context, input map[string]string) (string, error) {
	b.svc.calls.Add(1)
	prompt := input["prompt"]

	b.svc.mu.RLock()
	delay := b.svc.delay
	failure := b.svc.failures[prompt]
	text, scripted := b.svc.responses[prompt]
	b.svc.mu.RUnlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if failure != nil {
		return "", failure
	}
	if scripted {
		return text, nil
	}

	words := strings.Fields(fmt.Sprintf("Hello! I received your prompt: %s", prompt))
	if b.maxTokens > 0 && len(words) > b.maxTokens {
		words = words[:b.maxTokens]
	}
	return strings.Join(words, " "), nil
}
