package sqlite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/logging"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	ctx := context.Background()
	if err := db.RecordExecution(ctx, domain.ExecutionRecord{MessageID: "m1", Status: "ok"}); err != nil {
		t.Fatalf("RecordExecution() error: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db.Close()
	got, err := db.ListExecutions(ctx, domain.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions() error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1 after reopen", len(got))
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

// ─── Execution Log ──────────────────────────────────────────────────────────

func TestRecordExecution_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	in := domain.ExecutionRecord{
		MessageID:  "msg-1",
		TaskType:   domain.TaskCompletion,
		Status:     "error",
		Rows:       3,
		Outputs:    0,
		Nodes:      []string{"extracter", "prompts"},
		Error:      `node "llm": generation error`,
		Duration:   1500 * time.Millisecond,
		FinishedAt: at,
	}
	if err := db.RecordExecution(ctx, in); err != nil {
		t.Fatalf("RecordExecution() error: %v", err)
	}

	got, err := db.GetExecution(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetExecution() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetExecution() returned nil")
	}
	in.ID = got.ID
	if diff := cmp.Diff(in, *got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestGetExecution_NotFound(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetExecution(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetExecution() error: %v", err)
	}
	if got != nil {
		t.Errorf("GetExecution() = %+v, want nil", got)
	}
}

func TestListExecutions_FilterAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, status := range []string{"ok", "error", "ok", "ok"} {
		r := domain.ExecutionRecord{
			MessageID:  fmt.Sprintf("m%d", i),
			TaskType:   domain.TaskCompletion,
			Status:     status,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 3 {
			r.TaskType = "summarize"
		}
		if err := db.RecordExecution(ctx, r); err != nil {
			t.Fatalf("RecordExecution() error: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter domain.ExecutionFilter
		want   []string
	}{
		{"all", domain.ExecutionFilter{}, []string{"m3", "m2", "m1", "m0"}},
		{"status", domain.ExecutionFilter{Status: "ok"}, []string{"m3", "m2", "m0"}},
		{"task type", domain.ExecutionFilter{TaskType: domain.TaskCompletion, Status: "ok"}, []string{"m2", "m0"}},
		{"limit", domain.ExecutionFilter{Limit: 2}, []string{"m3", "m2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListExecutions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListExecutions() error: %v", err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.MessageID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}

	counts, err := db.CountExecutions(ctx)
	if err != nil {
		t.Fatalf("CountExecutions() error: %v", err)
	}
	if diff := cmp.Diff(map[string]int{"ok": 3, "error": 1}, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestPruneExecutions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	_ = db.RecordExecution(ctx, domain.ExecutionRecord{MessageID: "old", Status: "ok", FinishedAt: now.Add(-48 * time.Hour)})
	_ = db.RecordExecution(ctx, domain.ExecutionRecord{MessageID: "new", Status: "ok", FinishedAt: now})

	n, err := db.PruneExecutions(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneExecutions() error: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if got, _ := db.GetExecution(ctx, "old"); got != nil {
		t.Error("old execution survived pruning")
	}
}

// ─── Dropped Messages ───────────────────────────────────────────────────────

func TestReportError_RecordsNode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	df, _ := domain.NewDataFrame(map[string][]any{"a": {1, 2}})
	msg := domain.NewControlMessage(df)

	db.ReportError(ctx, "llm-engine", msg, &domain.NodeError{Node: "llm", Err: errors.New("backend down")})
	db.ReportError(ctx, "deserialize", msg, domain.Resolvef("no payload"))

	got, err := db.ListDropped(ctx, 0)
	if err != nil {
		t.Fatalf("ListDropped() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// newest first
	if got[1].Stage != "llm-engine" || got[1].Node != "llm" || got[1].Rows != 2 {
		t.Errorf("first drop = %+v", got[1])
	}
	if got[1].MessageID != msg.ID() {
		t.Errorf("MessageID = %q, want %q", got[1].MessageID, msg.ID())
	}
	if got[0].Node != "" {
		t.Errorf("Node = %q, want empty for a non-node error", got[0].Node)
	}
}

func TestReportError_LogsStoreFailure(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	logging.Init(slog.LevelWarn, "text", &buf)

	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	db.Close()

	df, _ := domain.NewDataFrame(map[string][]any{"a": {1}})
	msg := domain.NewControlMessage(df)
	db.ReportError(context.Background(), "serialize", msg, errors.New("bad row"))

	out := buf.String()
	for _, want := range []string{"record dropped message", "component=store", "stage=serialize", msg.ID()} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

// ─── Meta ───────────────────────────────────────────────────────────────────

func TestMeta(t *testing.T) {
	db := newTestDB(t)

	if v, err := db.GetMeta("definition"); err != nil || v != "" {
		t.Errorf("GetMeta(missing) = %q, %v", v, err)
	}
	if err := db.SetMeta("definition", "a.yaml"); err != nil {
		t.Fatalf("SetMeta() error: %v", err)
	}
	if err := db.SetMeta("definition", "b.yaml"); err != nil {
		t.Fatalf("SetMeta() error: %v", err)
	}
	if v, _ := db.GetMeta("definition"); v != "b.yaml" {
		t.Errorf("GetMeta() = %q, want b.yaml", v)
	}
}
