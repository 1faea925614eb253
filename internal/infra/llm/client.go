// Package llm provides the generation client abstraction used by the engine.
//
// A backend only has to implement Completer (one prompt in, one text out).
// NewClient lifts it into the full Client with the four call shapes the
// engine relies on: single sync, single async, batched sync and batched
// async, where batches come in a collect-or-raise and a collect-with-errors
// flavor.
package llm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/metrics"
)

// ─── Contracts ──────────────────────────────────────────────────────────────

// Completer is the narrow contract a backend implements.
type Completer interface {
	// InputNames lists the keys Complete expects.
	InputNames() []string

	// Complete generates text for one input. Implementations must be safe
	// for concurrent use.
	Complete(ctx context.Context, input map[string]string) (string, error)
}

// Client generates text for a specific backend and model. Clients hold no
// per-call state and may be shared across concurrent engine executions.
type Client interface {
	// Model returns the model name the client is bound to.
	Model() string

	// InputNames lists the keys every input mapping must contain.
	InputNames() []string

	// Generate runs one generation and blocks until it completes.
	Generate(ctx context.Context, input map[string]string) (string, error)

	// GenerateAsync starts one generation and returns immediately.
	GenerateAsync(ctx context.Context, input map[string]string) *Future[string]

	// GenerateBatch generates one text per item. The first failure cancels
	// outstanding items and is returned; no partial slice is returned.
	GenerateBatch(ctx context.Context, inputs map[string][]string) ([]string, error)

	// GenerateBatchResults attempts every item independently and returns one
	// Result per item in input order. The error is only non-nil when the
	// inputs themselves are invalid.
	GenerateBatchResults(ctx context.Context, inputs map[string][]string) ([]Result, error)

	// GenerateBatchAsync is the non-blocking form of GenerateBatch.
	GenerateBatchAsync(ctx context.Context, inputs map[string][]string) *Future[[]string]

	// GenerateBatchResultsAsync is the non-blocking form of GenerateBatchResults.
	GenerateBatchResultsAsync(ctx context.Context, inputs map[string][]string) *Future[[]Result]
}

// Result is the outcome of one batch item: text or a captured error.
type Result struct {
	Text string
	Err  error
}

// Value returns the text, or the error when the item failed.
func (r Result) Value() any {
	if r.Err != nil {
		return r.Err
	}
	return r.Text
}

// GenerationError describes a failed backend call. Index is -1 for single
// (non-batch) calls.
type GenerationError struct {
	Model string
	Index int
	Err   error
}

func (e *GenerationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("generate with %s: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("generate with %s, item %d: %v", e.Model, e.Index, e.Err)
}

// Unwrap exposes both the generation sentinel and the backend cause.
func (e *GenerationError) Unwrap() []error { return []error{domain.ErrGeneration, e.Err} }

// ─── Future ─────────────────────────────────────────────────────────────────

// Future is the pending result of an async call.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func goFuture[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

func failedFuture[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends. Cancelling ctx
// here only stops waiting; cancel the context passed to the async call to
// abort the backend work itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ─── Client ─────────────────────────────────────────────────────────────────

// ClientOption configures a client built by NewClient.
type ClientOption func(*client)

// WithMaxConcurrency bounds in-flight backend calls per batch.
// Values <= 0 mean unbounded.
func WithMaxConcurrency(n int) ClientOption {
	return func(c *client) {
		if n <= 0 {
			n = -1
		}
		c.limit = n
	}
}

type client struct {
	model   string
	backend Completer
	names   []string
	limit   int
}

// NewClient wraps a backend into a full Client bound to model.
func NewClient(model string, backend Completer, opts ...ClientOption) Client {
	c := &client{
		model:   model,
		backend: backend,
		names:   slices.Clone(backend.InputNames()),
		limit:   8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) Model() string        { return c.model }
func (c *client) InputNames() []string { return slices.Clone(c.names) }

func (c *client) Generate(ctx context.Context, input map[string]string) (string, error) {
	if err := c.checkKeys(slices.Collect(maps.Keys(input))); err != nil {
		return "", err
	}
	return c.complete(ctx, input, -1)
}

func (c *client) GenerateAsync(ctx context.Context, input map[string]string) *Future[string] {
	if err := c.checkKeys(slices.Collect(maps.Keys(input))); err != nil {
		return failedFuture[string](err)
	}
	return goFuture(ctx, func(ctx context.Context) (string, error) {
		return c.complete(ctx, input, -1)
	})
}

func (c *client) GenerateBatch(ctx context.Context, inputs map[string][]string) ([]string, error) {
	n, err := c.checkBatch(inputs)
	if err != nil {
		return nil, err
	}

	out := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i := range n {
		g.Go(func() error {
			text, err := c.complete(gctx, item(inputs, i), i)
			if err != nil {
				return err
			}
			out[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) GenerateBatchResults(ctx context.Context, inputs map[string][]string) ([]Result, error) {
	n, err := c.checkBatch(inputs)
	if err != nil {
		return nil, err
	}

	out := make([]Result, n)
	var g errgroup.Group
	g.SetLimit(c.limit)
	for i := range n {
		g.Go(func() error {
			text, err := c.complete(ctx, item(inputs, i), i)
			out[i] = Result{Text: text, Err: err}
			return nil
		})
	}
	_ = g.Wait() // errors are captured per item
	return out, nil
}

func (c *client) GenerateBatchAsync(ctx context.Context, inputs map[string][]string) *Future[[]string] {
	if _, err := c.checkBatch(inputs); err != nil {
		return failedFuture[[]string](err)
	}
	return goFuture(ctx, func(ctx context.Context) ([]string, error) {
		return c.GenerateBatch(ctx, inputs)
	})
}

func (c *client) GenerateBatchResultsAsync(ctx context.Context, inputs map[string][]string) *Future[[]Result] {
	if _, err := c.checkBatch(inputs); err != nil {
		return failedFuture[[]Result](err)
	}
	return goFuture(ctx, func(ctx context.Context) ([]Result, error) {
		return c.GenerateBatchResults(ctx, inputs)
	})
}

// complete runs one backend call with metrics and error wrapping.
func (c *client) complete(ctx context.Context, input map[string]string, index int) (string, error) {
	start := time.Now()
	text, err := c.backend.Complete(ctx, input)
	metrics.GenerationLatency.WithLabelValues(c.model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationRequests.WithLabelValues(c.model, "error").Inc()
		return "", &GenerationError{Model: c.model, Index: index, Err: err}
	}
	metrics.GenerationRequests.WithLabelValues(c.model, "ok").Inc()
	return text, nil
}

// checkKeys verifies that keys are exactly the client's input names.
func (c *client) checkKeys(keys []string) error {
	sort.Strings(keys)
	want := slices.Clone(c.names)
	sort.Strings(want)
	if !slices.Equal(keys, want) {
		return fmt.Errorf("%w: %s expects inputs [%s], got [%s]",
			domain.ErrInputValidation, c.model, strings.Join(want, ", "), strings.Join(keys, ", "))
	}
	return nil
}

// checkBatch validates a batch and returns its length.
func (c *client) checkBatch(inputs map[string][]string) (int, error) {
	if err := c.checkKeys(slices.Collect(maps.Keys(inputs))); err != nil {
		return 0, err
	}
	n := -1
	for _, name := range c.names {
		if n >= 0 && len(inputs[name]) != n {
			return 0, fmt.Errorf("%w: input %q has %d items, want %d",
				domain.ErrInputValidation, name, len(inputs[name]), n)
		}
		n = len(inputs[name])
	}
	return max(n, 0), nil
}

func item(inputs map[string][]string, i int) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		out[k] = v[i]
	}
	return out
}
