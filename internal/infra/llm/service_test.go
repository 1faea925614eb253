package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// ─── Mock Service ───────────────────────────────────────────────────────────

func TestMockService_Scripted(t *testing.T) {
	svc := NewMockService()
	svc.SetResponse("What is the capital of France?", "Paris")
	svc.SetFailure("What is the capital of Atlantis?", errors.New("no such country"))

	c, err := svc.GetClient("test-model", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"prompt"}, c.InputNames())

	results, err := c.GenerateBatchResults(context.Background(), map[string][]string{
		"prompt": {"What is the capital of France?", "What is the capital of Atlantis?", "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", results[0].Text)
	assert.ErrorIs(t, results[1].Err, domain.ErrGeneration)
	assert.Equal(t, "Hello! I received your prompt: hi", results[2].Text)
	assert.EqualValues(t, 3, svc.Calls())
}

func TestMockService_MaxTokens(t *testing.T) {
	c, err := NewMockService().GetClient("m", map[string]any{"max_tokens": 2})
	require.NoError(t, err)

	text, err := c.Generate(context.Background(), map[string]string{"prompt": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! I", text)
}

func TestMockService_DelayHonorsContext(t *testing.T) {
	svc := NewMockService()
	svc.SetDelay(time.Second)
	c, err := svc.GetClient("m", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, map[string]string{"prompt": "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockService_GetClientValidation(t *testing.T) {
	svc := NewMockService("known")
	tests := []struct {
		name   string
		model  string
		kwargs map[string]any
	}{
		{"empty model", "", nil},
		{"unknown model", "other", nil},
		{"unknown kwarg", "known", map[string]any{"frequency": 1}},
		{"bad temperature", "known", map[string]any{"temperature": "hot"}},
		{"temperature out of range", "known", map[string]any{"temperature": 3.5}},
		{"fractional max_tokens", "known", map[string]any{"max_tokens": 1.5}},
		{"bad stop", "known", map[string]any{"stop": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetClient(tt.model, tt.kwargs)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

// ─── Registry ───────────────────────────────────────────────────────────────

func TestRegistry_CachesClients(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(ProviderMock, NewMockService()))

	a, err := r.GetClient(ProviderMock, "m", map[string]any{"temperature": 0.5})
	require.NoError(t, err)
	b, err := r.GetClient(ProviderMock, "m", map[string]any{"temperature": 0.5})
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := r.GetClient(ProviderMock, "m", map[string]any{"temperature": 0.7})
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, r.CachedClients())
}

func TestRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Register(ProviderMock, NewMockService()))

	first, _ := r.GetClient(ProviderMock, "a", nil)
	_, _ = r.GetClient(ProviderMock, "b", nil)
	_, _ = r.GetClient(ProviderMock, "a", nil) // touch a
	_, _ = r.GetClient(ProviderMock, "c", nil) // evicts b

	assert.Equal(t, 2, r.CachedClients())
	again, _ := r.GetClient(ProviderMock, "a", nil)
	assert.Same(t, first, again)
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Register(ProviderMock, NewMockService()))

	assert.ErrorIs(t, r.Register(ProviderMock, NewMockService()), domain.ErrConfiguration)
	_, err := r.GetClient("nope", "m", nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = r.GetClient(ProviderMock, "", nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Zero(t, r.CachedClients(), "failed constructions are not cached")
	assert.Equal(t, []string{ProviderMock}, r.Providers())
}

func TestRegistry_Reap(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(ProviderMock, NewMockService()))
	_, err := r.GetClient(ProviderMock, "m", nil)
	require.NoError(t, err)

	r.reap(time.Now().Add(r.idleTimeout + time.Second))
	assert.Zero(t, r.CachedClients())
}

func TestRetryConfig_Delay(t *testing.T) {
	rc := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, rc.delay(1))
	assert.Equal(t, 20*time.Millisecond, rc.delay(2))
	assert.Equal(t, 40*time.Millisecond, rc.delay(3))
	assert.Equal(t, 50*time.Millisecond, rc.delay(4))
}
