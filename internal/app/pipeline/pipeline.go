// Package pipeline is the streaming runtime around the engine: a source
// feeds control messages through a linear chain of stages into a sink.
// Each stage runs in its own goroutines, connected by bounded channels, so a
// slow stage applies backpressure upstream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/metrics"
	"github.com/tutu-network/tutuflow/internal/logging"
)

// ─── Contracts ──────────────────────────────────────────────────────────────

// Stage transforms one message into zero or more messages.
type Stage interface {
	Name() string
	Process(ctx context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error)
}

// Source produces messages until it is exhausted or ctx ends. Run must not
// close out; the pipeline does that when Run returns.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- *domain.ControlMessage) error
}

// Sink consumes the messages leaving the last stage.
type Sink interface {
	Name() string
	Write(ctx context.Context, msg *domain.ControlMessage) error
}

// ErrorSink receives messages dropped because a stage failed on them.
type ErrorSink interface {
	ReportError(ctx context.Context, stage string, msg *domain.ControlMessage, err error)
}

// StageFunc adapts a function into a named Stage.
func StageFunc(name string, fn func(ctx context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error)) Stage {
	return funcStage{name: name, fn: fn}
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error)
}

func (s funcStage) Name() string { return s.name }
func (s funcStage) Process(ctx context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error) {
	return s.fn(ctx, msg)
}

// ─── Pipeline ───────────────────────────────────────────────────────────────

// Stats counts messages over one Run.
type Stats struct {
	Written int64
	Dropped int64
}

// Pipeline wires a source, stages and a sink.
type Pipeline struct {
	source  Source
	stages  []Stage
	sink    Sink
	errs    ErrorSink
	buffer  int
	workers int
	log     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBuffer sets the capacity of the channels between stages.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithWorkers runs n goroutines per stage. With n > 1 message order across
// a stage is no longer preserved.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithErrorSink routes dropped messages to es. The default logs them.
func WithErrorSink(es ErrorSink) Option {
	return func(p *Pipeline) { p.errs = es }
}

// New builds a pipeline. Every stage name must be unique.
func New(source Source, stages []Stage, sink Sink, opts ...Option) (*Pipeline, error) {
	if source == nil || sink == nil {
		return nil, domain.Configf("pipeline needs a source and a sink")
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if seen[s.Name()] {
			return nil, domain.Configf("duplicate stage name %q", s.Name())
		}
		seen[s.Name()] = true
	}

	p := &Pipeline{
		source:  source,
		stages:  stages,
		sink:    sink,
		buffer:  16,
		workers: 1,
		log:     logging.New("pipeline"),
	}
	p.errs = LogErrorSink{Log: p.log}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run drives the pipeline until the source is exhausted and every message
// has reached the sink, or until a fatal error. Per-message errors go to the
// error sink; configuration-class errors stop the run.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	var written, dropped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)

	in := make(chan *domain.ControlMessage, p.buffer)
	g.Go(func() error {
		defer close(in)
		if err := p.source.Run(gctx, in); err != nil && gctx.Err() == nil {
			return fmt.Errorf("source %s: %w", p.source.Name(), err)
		}
		return nil
	})

	prev := in
	for _, st := range p.stages {
		out := make(chan *domain.ControlMessage, p.buffer)
		p.runStage(g, gctx, st, prev, out, &dropped)
		prev = out
	}

	last := prev
	g.Go(func() error {
		for msg := range last {
			if err := p.sink.Write(gctx, msg); err != nil {
				return fmt.Errorf("sink %s: %w", p.sink.Name(), err)
			}
			written.Add(1)
		}
		return nil
	})

	err := g.Wait()
	stats.Written, stats.Dropped = written.Load(), dropped.Load()
	p.log.Info("pipeline finished", "written", stats.Written, "dropped", stats.Dropped, "error", err)
	return stats, err
}

func (p *Pipeline) runStage(g *errgroup.Group, ctx context.Context, st Stage, in <-chan *domain.ControlMessage, out chan<- *domain.ControlMessage, dropped *atomic.Int64) {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for range p.workers {
		g.Go(func() error {
			defer wg.Done()
			for msg := range in {
				results, err := st.Process(ctx, msg)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if domain.IsFatal(err) {
						return fmt.Errorf("stage %s: %w", st.Name(), err)
					}
					dropped.Add(1)
					metrics.StageErrors.WithLabelValues(st.Name()).Inc()
					p.errs.ReportError(ctx, st.Name(), msg, err)
					continue
				}
				for _, r := range results {
					select {
					case out <- r:
						metrics.StageMessages.WithLabelValues(st.Name()).Inc()
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(out)
		return nil
	})
}

// ─── Error sinks ────────────────────────────────────────────────────────────

// LogErrorSink logs dropped messages.
type LogErrorSink struct {
	Log *slog.Logger
}

func (s LogErrorSink) ReportError(_ context.Context, stage string, msg *domain.ControlMessage, err error) {
	var nodeErr *domain.NodeError
	node := ""
	if errors.As(err, &nodeErr) {
		node = nodeErr.Node
	}
	s.Log.Warn("message dropped", "stage", stage, "node", node, "message", msg.ID(), "error", err)
}

// MultiErrorSink fans a report out to several sinks.
type MultiErrorSink []ErrorSink

func (m MultiErrorSink) ReportError(ctx context.Context, stage string, msg *domain.ControlMessage, err error) {
	for _, s := range m {
		s.ReportError(ctx, stage, msg, err)
	}
}
