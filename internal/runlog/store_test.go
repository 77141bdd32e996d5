package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/spawnstep/internal/batch"
	"github.com/mattjoyce/spawnstep/internal/spawn"
	"github.com/mattjoyce/spawnstep/internal/storage"
)

func openStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestStoreRunLifecycle(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := context.Background()

	id, err := s.BeginRun(ctx, RunMeta{
		Command:        "jq",
		Args:           []string{"-c", "."},
		WorkingDir:     "/srv",
		StdoutFormat:   "json",
		ContinueOnFail: true,
		Fingerprint:    "blake3:abc",
		SubmittedBy:    "cli",
	})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusRunning || run.CompletedAt != nil || run.ItemCount != 0 {
		t.Fatalf("unexpected fresh run: %#v", run)
	}
	if len(run.Args) != 2 || run.Args[1] != "." || run.WorkingDir != "/srv" || !run.ContinueOnFail {
		t.Fatalf("meta not round-tripped: %#v", run.RunMeta)
	}

	rec := s.Recorder(id)
	if err := rec.ItemDone(ctx, batch.ItemRecord{
		Index:    0,
		Status:   batch.StatusSucceeded,
		Input:    map[string]any{"n": 1.0},
		Output:   map[string]any{"n": 2.0},
		Duration: 15 * time.Millisecond,
	}); err != nil {
		t.Fatalf("ItemDone 0: %v", err)
	}
	code := 3
	if err := rec.ItemDone(ctx, batch.ItemRecord{
		Index:    1,
		Status:   batch.StatusFailed,
		Kind:     spawn.KindNonZeroExit,
		Error:    "item 1: boom",
		ExitCode: &code,
		Stderr:   "boom",
		Input:    map[string]any{"n": 2.0},
	}); err != nil {
		t.Fatalf("ItemDone 1: %v", err)
	}

	if err := s.FinishRun(ctx, id, StatusPartial, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err = s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusPartial || run.CompletedAt == nil {
		t.Fatalf("run not finished: %#v", run)
	}
	if run.ItemCount != 2 || run.FailedCount != 1 {
		t.Fatalf("counters = %d/%d, want 2/1", run.ItemCount, run.FailedCount)
	}

	items, err := s.Items(ctx, id)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Index != 0 || items[0].Status != "succeeded" || items[0].Kind != "" || items[0].LastError != nil {
		t.Fatalf("unexpected item 0: %#v", items[0])
	}
	if items[0].Duration != 15*time.Millisecond {
		t.Errorf("duration = %v", items[0].Duration)
	}
	var out map[string]any
	if err := json.Unmarshal(items[0].Output, &out); err != nil || out["n"] != 2.0 {
		t.Fatalf("output = %s (%v)", items[0].Output, err)
	}

	failed := items[1]
	if failed.Kind != string(spawn.KindNonZeroExit) || failed.ExitCode == nil || *failed.ExitCode != 3 {
		t.Fatalf("unexpected failed item: %#v", failed)
	}
	if failed.Output != nil {
		t.Errorf("failed item should have no output, got %s", failed.Output)
	}
	if failed.Stderr == nil || *failed.Stderr != "boom" || failed.LastError == nil || *failed.LastError != "item 1: boom" {
		t.Fatalf("failure detail not stored: %#v", failed)
	}
}

func TestStoreTruncatesStderr(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := context.Background()

	id, err := s.BeginRun(ctx, RunMeta{Command: "x", SubmittedBy: "cli"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.RecordItem(ctx, id, batch.ItemRecord{
		Status: batch.StatusFailed,
		Kind:   spawn.KindSpawnFailure,
		Stderr: strings.Repeat("e", maxStderrBytes+100),
	}); err != nil {
		t.Fatalf("RecordItem: %v", err)
	}

	items, err := s.Items(ctx, id)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if got := len(*items[0].Stderr); got != maxStderrBytes {
		t.Fatalf("stored stderr = %d bytes, want %d", got, maxStderrBytes)
	}
}

func TestStoreUnknownRun(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := context.Background()

	if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun err = %v, want ErrRunNotFound", err)
	}
	if err := s.FinishRun(ctx, "nope", StatusSucceeded, nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("FinishRun err = %v, want ErrRunNotFound", err)
	}
	if err := s.RecordItem(ctx, "nope", batch.ItemRecord{Status: batch.StatusSucceeded}); err == nil {
		t.Fatal("RecordItem on unknown run should fail")
	}
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := context.Background()

	if _, err := s.BeginRun(ctx, RunMeta{SubmittedBy: "cli"}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := s.BeginRun(ctx, RunMeta{Command: "x"}); err == nil {
		t.Fatal("expected error for empty submitted_by")
	}

	id, err := s.BeginRun(ctx, RunMeta{Command: "x", SubmittedBy: "cli"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.FinishRun(ctx, id, StatusRunning, nil); err == nil {
		t.Fatal("running is not a terminal status")
	}
}

func TestStoreListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.BeginRun(ctx, RunMeta{Command: "x", SubmittedBy: "cli"})
		if err != nil {
			t.Fatalf("BeginRun %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Fatalf("order = [%s %s], want [%s %s]", runs[0].ID, runs[1].ID, ids[2], ids[1])
	}
}

func TestStorePrune(t *testing.T) {
	t.Parallel()

	s, db := openStore(t)
	ctx := context.Background()

	oldID, err := s.BeginRun(ctx, RunMeta{Command: "x", SubmittedBy: "cli"})
	if err != nil {
		t.Fatalf("BeginRun old: %v", err)
	}
	if err := s.RecordItem(ctx, oldID, batch.ItemRecord{Status: batch.StatusSucceeded}); err != nil {
		t.Fatalf("RecordItem: %v", err)
	}
	if err := s.FinishRun(ctx, oldID, StatusSucceeded, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	stale := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if _, err := db.Exec(`UPDATE run_log SET created_at = ? WHERE id = ?;`, stale, oldID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// Still running: never pruned regardless of age.
	liveID, err := s.BeginRun(ctx, RunMeta{Command: "x", SubmittedBy: "cli"})
	if err != nil {
		t.Fatalf("BeginRun live: %v", err)
	}
	if _, err := db.Exec(`UPDATE run_log SET created_at = ? WHERE id = ?;`, stale, liveID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d runs, want 1", n)
	}
	if _, err := s.GetRun(ctx, oldID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("old run still present: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM item_log WHERE run_id = ?;`, oldID).Scan(&count); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if count != 0 {
		t.Fatalf("items of pruned run remain: %d", count)
	}
	if _, err := s.GetRun(ctx, liveID); err != nil {
		t.Fatalf("live run pruned: %v", err)
	}

	if n, err := s.Prune(ctx, 0); err != nil || n != 0 {
		t.Fatalf("Prune(0) = %d, %v; want no-op", n, err)
	}
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		err    error
		failed int
		want   Status
	}{
		{nil, 0, StatusSucceeded},
		{nil, 2, StatusPartial},
		{errors.New("boom"), 0, StatusFailed},
		{errors.New("boom"), 1, StatusFailed},
	}
	for _, tt := range tests {
		if got := FinalStatus(tt.err, tt.failed); got != tt.want {
			t.Errorf("FinalStatus(%v, %d) = %s, want %s", tt.err, tt.failed, got, tt.want)
		}
	}
}
