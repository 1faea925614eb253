package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/tutuflow/internal/app/pipeline"
	"github.com/tutu-network/tutuflow/internal/infra/llm"
	"github.com/tutu-network/tutuflow/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found in statuses", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker_DefaultInterval(t *testing.T) {
	c := NewChecker(0)
	if c.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", c.interval, DefaultInterval)
	}
}

func TestChecker_AllHealthy(t *testing.T) {
	reg := llm.NewRegistry(1)
	if err := reg.Register(llm.ProviderMock, llm.NewMockService()); err != nil {
		t.Fatal(err)
	}
	c := NewChecker(time.Minute,
		StoreCheck(newTestDB(t)),
		QueueCheck(pipeline.NewQueue(1, time.Millisecond)),
		ProvidersCheck(reg),
		DirCheck("output_dir", t.TempDir()),
	)
	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 4 {
		t.Fatalf("Statuses() = %d, want 4", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(time.Minute, QueueCheck(closedQueue()))

	// Before any run, there are no statuses: IsHealthy returns true (vacuously)
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func closedQueue() *pipeline.Queue {
	q := pipeline.NewQueue(1, time.Millisecond)
	q.Close()
	return q
}

func TestQueueCheck_Closed(t *testing.T) {
	c := NewChecker(time.Minute, QueueCheck(closedQueue()))
	c.RunOnce(context.Background())

	if s := statusOf(t, c, "ingest_queue"); s.Healthy || s.Error == "" {
		t.Errorf("ingest_queue = %+v, want unhealthy with an error", s)
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() = true with a closed queue")
	}
}

func TestProvidersCheck_Empty(t *testing.T) {
	c := NewChecker(time.Minute, ProvidersCheck(llm.NewRegistry(1)))
	c.RunOnce(context.Background())

	if statusOf(t, c, "providers").Healthy {
		t.Error("providers should fail with an empty registry")
	}
}

func TestStoreCheck_Closed(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	db.Close()

	c := NewChecker(time.Minute, StoreCheck(db))
	c.RunOnce(context.Background())
	if statusOf(t, c, "store").Healthy {
		t.Error("store should fail after Close")
	}
}

func TestDirCheck_FileNotDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	os.WriteFile(path, []byte("not a dir"), 0644)

	c := NewChecker(time.Minute, DirCheck("output_dir", path))
	c.RunOnce(context.Background())

	if statusOf(t, c, "output_dir").Healthy {
		t.Error("output_dir should fail when path is a file")
	}
}

func TestDirCheck_RecoversMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	c := NewChecker(time.Minute, DirCheck("output_dir", dir))

	c.RunOnce(context.Background())
	if statusOf(t, c, "output_dir").Healthy {
		t.Fatal("output_dir should fail before recovery")
	}

	// Recovery created the directory; the next round passes.
	c.RunOnce(context.Background())
	if s := statusOf(t, c, "output_dir"); !s.Healthy {
		t.Errorf("output_dir after recovery: %s", s.Error)
	}
}

func TestChecker_FailingCheck(t *testing.T) {
	recovered := false
	c := NewChecker(time.Minute, Check{
		Name: "always_fail",
		CheckFn: func(ctx context.Context) error {
			return os.ErrPermission
		},
		RecoverFn: func(ctx context.Context) error {
			recovered = true
			return nil
		},
	})

	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if statuses[0].Healthy {
		t.Error("always_fail check should not be healthy")
	}
	if statuses[0].Error == "" {
		t.Error("error message should be populated")
	}
	if !recovered {
		t.Error("RecoverFn was not called")
	}
}

func TestChecker_StatusesCopy(t *testing.T) {
	c := NewChecker(time.Minute, DirCheck("dir", t.TempDir()))
	c.RunOnce(context.Background())

	s1 := c.Statuses()
	s2 := c.Statuses()

	// Verify it's a copy, not the same slice
	s1[0].Healthy = false
	if !s2[0].Healthy {
		t.Error("Statuses() should return a copy, not a reference")
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(time.Millisecond, DirCheck("dir", t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if len(c.Statuses()) != 1 {
		t.Errorf("Statuses() = %d, want 1", len(c.Statuses()))
	}
}
