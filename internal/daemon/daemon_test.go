package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/tutuflow/internal/app/pipeline"
	"github.com/tutu-network/tutuflow/internal/domain"
)

const echoYAML = `
name: echo
task:
  task_type: completion
  task_dict:
    input_keys: [country]
services:
  - name: default
    provider: mock
    model: echo
nodes:
  - name: extracter
    type: extracter
  - name: prompts
    type: prompt_template
    inputs: [/extracter]
    template: "Capital of {{ country }}?"
  - name: llm
    type: llm_generate
    inputs: [/prompts]
handlers:
  - inputs: [response=/llm]
stages:
  - type: deserialize
    batch_size: 1
  - type: engine
  - type: serialize
`

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(echoYAML), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Store.Dir = dir
	cfg.Pipeline.Definition = path
	cfg.Pipeline.Output = filepath.Join(dir, "out.jsonl")
	cfg.API.Port = 0
	cfg.Logging.Level = "error"
	return cfg
}

func TestNewWithConfig(t *testing.T) {
	d, err := NewWithConfig(testConfig(t), "test")
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if d.DB == nil {
		t.Fatal("DB = nil with the store enabled")
	}
	if d.Pipeline != nil {
		t.Error("Pipeline loaded before LoadPipeline")
	}
	if _, err := d.NewPipeline(pipeline.NewInMemorySource(), pipeline.NewInMemorySink()); err == nil {
		t.Error("NewPipeline() without a definition error = nil, want error")
	}
}

func TestNewWithConfig_StoreDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	d, err := NewWithConfig(cfg, "test")
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()
	if d.DB != nil {
		t.Error("DB opened with the store disabled")
	}
}

func TestDaemon_RecordsExecutions(t *testing.T) {
	cfg := testConfig(t)
	d, err := NewWithConfig(cfg, "test")
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if err := d.LoadPipeline(cfg.Pipeline.Definition); err != nil {
		t.Fatalf("LoadPipeline() error: %v", err)
	}
	if got, _ := d.DB.GetMeta("definition"); got != cfg.Pipeline.Definition {
		t.Errorf("meta definition = %q, want %q", got, cfg.Pipeline.Definition)
	}

	df := domain.FromRecords([]map[string]any{{"country": "France"}, {"country": "Spain"}})
	sink := pipeline.NewInMemorySink()
	p, err := d.NewPipeline(pipeline.NewInMemorySource(domain.NewControlMessage(df)), sink)
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Written != 2 {
		t.Errorf("Written = %d, want 2", stats.Written)
	}

	recs := sink.Records()
	if len(recs) != 2 || recs[0]["response"] != "Hello! I received your prompt: Capital of France?" {
		t.Errorf("records = %v, want echoed prompts", recs)
	}

	counts, err := d.DB.CountExecutions(context.Background())
	if err != nil {
		t.Fatalf("CountExecutions() error: %v", err)
	}
	if counts["ok"] != 2 {
		t.Errorf("counts = %v, want 2 ok", counts)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	d, err := NewWithConfig(cfg, "test")
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if !d.Queue.Closed() {
		t.Error("queue still open after shutdown")
	}
}

func TestServe_BadDefinition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Definition = filepath.Join(t.TempDir(), "missing.yaml")
	d, err := NewWithConfig(cfg, "test")
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if err := d.Serve(context.Background()); err == nil {
		t.Error("Serve() error = nil, want definition error")
	}
}
