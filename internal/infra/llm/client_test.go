package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// stubBackend answers from a function and counts calls.
type stubBackend struct {
	names []string
	fn    func(ctx context.Context, in map[string]string) (string, error)
	calls atomic.Int64
}

func (s *stubBackend) InputNames() []string { return s.names }

func (s *stubBackend) Complete(ctx context.Context, in map[string]string) (string, error) {
	s.calls.Add(1)
	return s.fn(ctx, in)
}

func echo(_ context.Context, in map[string]string) (string, error) {
	return "echo:" + in["prompt"], nil
}

func failOn(prompt string, err error) func(context.Context, map[string]string) (string, error) {
	return func(ctx context.Context, in map[string]string) (string, error) {
		if in["prompt"] == prompt {
			return "", err
		}
		return echo(ctx, in)
	}
}

func TestClient_Generate(t *testing.T) {
	c := NewClient("stub", &stubBackend{names: []string{"prompt"}, fn: echo})

	text, err := c.Generate(context.Background(), map[string]string{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", text)
}

func TestClient_GenerateValidatesBeforeCalling(t *testing.T) {
	b := &stubBackend{names: []string{"prompt"}, fn: echo}
	c := NewClient("stub", b)

	_, err := c.Generate(context.Background(), map[string]string{"question": "hi"})
	require.ErrorIs(t, err, domain.ErrInputValidation)

	_, err = c.GenerateBatch(context.Background(), map[string][]string{"prompt": {"a"}, "extra": {"b"}})
	require.ErrorIs(t, err, domain.ErrInputValidation)

	assert.Zero(t, b.calls.Load(), "backend must not be called for invalid input")
}

func TestClient_BatchLengthMismatch(t *testing.T) {
	b := &stubBackend{names: []string{"a", "b"}, fn: echo}
	c := NewClient("stub", b)

	_, err := c.GenerateBatchResults(context.Background(), map[string][]string{
		"a": {"1", "2"},
		"b": {"1"},
	})
	require.ErrorIs(t, err, domain.ErrInputValidation)
	assert.Zero(t, b.calls.Load())
}

func TestClient_GenerateBatchOrder(t *testing.T) {
	// Later items finish first; output must still follow input order.
	fn := func(ctx context.Context, in map[string]string) (string, error) {
		if in["prompt"] == "a" {
			time.Sleep(20 * time.Millisecond)
		}
		return echo(ctx, in)
	}
	c := NewClient("stub", &stubBackend{names: []string{"prompt"}, fn: fn})

	out, err := c.GenerateBatch(context.Background(), map[string][]string{"prompt": {"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo:a", "echo:b", "echo:c"}, out)
}

func TestClient_GenerateBatchFailFast(t *testing.T) {
	boom := errors.New("boom")
	c := NewClient("stub", &stubBackend{names: []string{"prompt"}, fn: failOn("b", boom)})

	out, err := c.GenerateBatch(context.Background(), map[string][]string{"prompt": {"a", "b", "c"}})
	require.Error(t, err)
	assert.Nil(t, out, "no partial result on failure")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, domain.ErrGeneration)

	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 1, ge.Index)
	assert.Equal(t, "stub", ge.Model)
}

func TestClient_GenerateBatchResultsCapturesErrors(t *testing.T) {
	boom := errors.New("boom")
	c := NewClient("stub", &stubBackend{names: []string{"prompt"}, fn: failOn("b", boom)})

	results, err := c.GenerateBatchResults(context.Background(), map[string][]string{"prompt": {"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "echo:a", results[0].Value())
	assert.ErrorIs(t, results[1].Err, boom)
	assert.IsType(t, &GenerationError{}, results[1].Value())
	assert.Equal(t, "echo:c", results[2].Text)
}

func TestClient_EmptyBatch(t *testing.T) {
	b := &stubBackend{names: []string{"prompt"}, fn: echo}
	c := NewClient("stub", b)

	results, err := c.GenerateBatchResults(context.Background(), map[string][]string{"prompt": {}})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, b.calls.Load())
}

func TestClient_ConcurrencyLimit(t *testing.T) {
	var inflight, peak atomic.Int64
	fn := func(ctx context.Context, in map[string]string) (string, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return echo(ctx, in)
	}
	c := NewClient("stub", &stubBackend{names: []string{"prompt"}, fn: fn}, WithMaxConcurrency(2))

	prompts := make([]string, 10)
	for i := range prompts {
		prompts[i] = "p"
	}
	_, err := c.GenerateBatch(context.Background(), map[string][]string{"prompt": prompts})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestClient_Async(t *testing.T) {
	c := NewClient("stub", &stubBackend{names: []string{"prompt"}, fn: echo})
	ctx := context.Background()

	single := c.GenerateAsync(ctx, map[string]string{"prompt": "x"})
	batch := c.GenerateBatchResultsAsync(ctx, map[string][]string{"prompt": {"y", "z"}})

	text, err := single.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:x", text)

	results, err := batch.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	select {
	case <-batch.Done():
	default:
		t.Fatal("Done() should be closed after Wait returns")
	}
}

func TestClient_AsyncInvalidInputFailsImmediately(t *testing.T) {
	b := &stubBackend{names: []string{"prompt"}, fn: echo}
	c := NewClient("stub", b)

	f := c.GenerateBatchAsync(context.Background(), map[string][]string{"nope": {"x"}})
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, domain.ErrInputValidation)
	assert.Zero(t, b.calls.Load())
}

func TestClient_CancelAbortsBackend(t *testing.T) {
	fn := func(ctx context.Context, _ map[string]string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	c := NewClient("stub", &stubBackend{names: []string{"prompt"}, fn: fn})

	ctx, cancel := context.WithCancel(context.Background())
	f := c.GenerateBatchResultsAsync(ctx, map[string][]string{"prompt": {"a", "b"}})
	cancel()

	results, err := f.Wait(context.Background())
	require.NoError(t, err)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}
