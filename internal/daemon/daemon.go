package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tutu-network/tutuflow/internal/api"
	"github.com/tutu-network/tutuflow/internal/app/definition"
	"github.com/tutu-network/tutuflow/internal/app/engine"
	"github.com/tutu-network/tutuflow/internal/app/pipeline"
	"github.com/tutu-network/tutuflow/internal/health"
	"github.com/tutu-network/tutuflow/internal/infra/llm"
	"github.com/tutu-network/tutuflow/internal/infra/sqlite"
	"github.com/tutu-network/tutuflow/internal/logging"
)

// Daemon is the core TuTu Flow runtime. It wires together all services.
type Daemon struct {
	Config   Config
	DB       *sqlite.DB // nil when the store is disabled
	Registry *llm.Registry
	Queue    *pipeline.Queue
	Server   *api.Server
	Health   *health.Checker
	Pipeline *definition.Built // nil until LoadPipeline

	log       *slog.Logger
	logCloser io.Closer
	cancel    context.CancelFunc
}

// New creates and initializes a Daemon from the config file.
func New(version string) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, version)
}

// NewWithConfig creates a Daemon with the given configuration. The pipeline
// definition is not loaded; Serve loads it, or call LoadPipeline first.
func NewWithConfig(cfg Config, version string) (*Daemon, error) {
	closer, err := cfg.Logging.SetupLogging(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	d := &Daemon{Config: cfg, log: logging.New("daemon"), logCloser: closer}

	if cfg.Store.Enabled {
		dir := cfg.Store.Dir
		if dir == "" {
			dir = flowHome()
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		d.DB = db
	}

	reg, err := cfg.NewRegistry()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("services: %w", err)
	}
	d.Registry = reg

	d.Queue = pipeline.NewQueue(cfg.API.QueueSize, parseDuration(cfg.API.QueueTimeout, 5*time.Second))

	checks := []health.Check{health.QueueCheck(d.Queue), health.ProvidersCheck(reg)}
	if d.DB != nil {
		checks = append(checks, health.StoreCheck(d.DB))
	}
	if cfg.Pipeline.Output != "" {
		checks = append(checks, health.DirCheck("output_dir", filepath.Dir(cfg.Pipeline.Output)))
	}
	d.Health = health.NewChecker(health.DefaultInterval, checks...)

	srv := api.NewServer(version)
	srv.SetHealth(d.Health)
	srv.SetRegistry(reg)
	srv.SetIngest(d.Queue, api.IngestConfig{
		AcceptStatus: cfg.API.AcceptStatus,
		MaxPayload:   parseSize(cfg.API.MaxPayload),
	})
	if d.DB != nil {
		srv.SetStore(d.DB)
	}
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// LoadPipeline compiles the definition at path. Every engine run is
// recorded in the store when one is open.
func (d *Daemon) LoadPipeline(path string) error {
	def, err := definition.Load(path)
	if err != nil {
		return err
	}
	built, err := definition.Build(def, d.Registry, engine.WithObserver(d.recordExecution))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	d.Pipeline = built
	if d.DB != nil {
		if err := d.DB.SetMeta("definition", path); err != nil {
			d.log.Warn("store definition path", "error", err)
		}
	}
	d.log.Info("pipeline loaded", "name", built.Name, "stages", len(built.Stages), "nodes", len(built.Engine.Nodes()))
	return nil
}

func (d *Daemon) recordExecution(x engine.Execution) {
	if d.DB == nil {
		return
	}
	if err := d.DB.RecordExecution(context.Background(), x.Record(time.Now())); err != nil {
		d.log.Warn("record execution", "message", x.MessageID, "error", err)
	}
}

// NewPipeline wires the loaded stages between src and sink. Dropped
// messages are logged and, with a store, recorded.
func (d *Daemon) NewPipeline(src pipeline.Source, sink pipeline.Sink) (*pipeline.Pipeline, error) {
	if d.Pipeline == nil {
		return nil, errors.New("no pipeline loaded")
	}
	var errs pipeline.ErrorSink = pipeline.LogErrorSink{Log: logging.New("pipeline")}
	if d.DB != nil {
		errs = pipeline.MultiErrorSink{errs, d.DB}
	}
	return pipeline.New(src, d.Pipeline.Stages, sink,
		pipeline.WithBuffer(d.Config.Pipeline.Buffer),
		pipeline.WithWorkers(d.Config.Pipeline.Workers),
		pipeline.WithErrorSink(errs),
	)
}

// Serve starts the HTTP server and the ingest pipeline and blocks until
// shutdown. The pipeline ends when the ingest queue closes: on a signal,
// on ctx cancellation, or once api.stop_after records were ingested.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if d.Pipeline == nil {
		if err := d.LoadPipeline(d.Config.Pipeline.Definition); err != nil {
			return err
		}
	}

	out, closeOut, err := d.openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	p, err := d.NewPipeline(pipeline.NewQueueSource(d.Queue, d.Config.API.StopAfter), pipeline.NewJSONLinesSink(out))
	if err != nil {
		return err
	}

	go d.Registry.IdleReaper(ctx)
	go d.Health.Run(ctx)
	if retention := parseDuration(d.Config.Store.Retention, 0); d.DB != nil && retention > 0 {
		go d.pruneLoop(ctx, retention)
	}

	pipeDone := make(chan error, 1)
	pipeFinished := make(chan struct{})
	go func() {
		defer close(pipeFinished)
		_, err := p.Run(ctx)
		pipeDone <- err
	}()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown: stop ingesting, let queued payloads drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		case <-pipeFinished:
		}
		d.Queue.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("TuTu Flow serving on http://%s\n", addr)
	fmt.Printf("  Pipeline: %s (%d stages)\n", d.Pipeline.Name, len(d.Pipeline.Stages))
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		d.Queue.Close()
		cancel()
		<-pipeDone
		return err
	}

	select {
	case err := <-pipeDone:
		return err
	case <-time.After(30 * time.Second):
		cancel()
		return <-pipeDone
	}
}

func (d *Daemon) openOutput() (io.Writer, func(), error) {
	path := d.Config.Pipeline.Output
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (d *Daemon) pruneLoop(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := d.DB.PruneExecutions(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			d.log.Warn("prune executions", "error", err)
		} else if n > 0 {
			d.log.Info("pruned executions", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Queue != nil {
		d.Queue.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}
