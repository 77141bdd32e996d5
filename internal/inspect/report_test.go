package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/spawnstep/internal/batch"
	"github.com/mattjoyce/spawnstep/internal/runlog"
	"github.com/mattjoyce/spawnstep/internal/spawn"
	"github.com/mattjoyce/spawnstep/internal/storage"
)

func seedRun(t *testing.T) (*runlog.Store, string) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	store := runlog.New(db)
	runID, err := store.BeginRun(ctx, runlog.RunMeta{
		Command:        "./transform",
		Args:           []string{"--mode", "two words"},
		StdoutFormat:   "json",
		ContinueOnFail: true,
		Fingerprint:    "blake3:feedface0123456789abcdef",
		SubmittedBy:    "cli",
	})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	code := 2
	records := []batch.ItemRecord{
		{Index: 0, Status: batch.StatusSucceeded, Input: map[string]any{"name": "alpha"}, Output: map[string]any{"name": "ALPHA"}},
		{Index: 1, Status: batch.StatusFailed, Kind: spawn.KindNonZeroExit, Error: "item 1: rejected", ExitCode: &code,
			Stderr: "item rejected\n", Input: map[string]any{"name": "beta"}},
	}
	for _, rec := range records {
		if err := store.RecordItem(ctx, runID, rec); err != nil {
			t.Fatalf("RecordItem(%d): %v", rec.Index, err)
		}
	}
	if err := store.FinishRun(ctx, runID, runlog.StatusPartial, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	return store, runID
}

func TestBuildReportRendersItems(t *testing.T) {
	t.Parallel()

	store, runID := seedRun(t)

	report, err := BuildReport(context.Background(), store, runID, NewDefaultTheme())
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Run Report",
		runID,
		`./transform --mode "two words"`,
		"<inherited>",
		"blake3:feedface",
		"partial",
		"2 (1 failed)",
		"[0]",
		"[1]",
		"non_zero_exit",
		"exit_code : 2",
		"item rejected",
		`"name": "ALPHA"`,
		`"name": "beta"`,
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
	if !strings.HasSuffix(report, "\n") || strings.HasSuffix(report, "\n\n") {
		t.Errorf("report should end with exactly one newline")
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	store, runID := seedRun(t)

	raw, err := BuildJSONReport(context.Background(), store, runID)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("unmarshal report: %v\n%s", err, raw)
	}
	if report.RunID != runID || report.Status != "partial" || !report.ContinueOnFail {
		t.Fatalf("unexpected report header: %#v", report)
	}
	if len(report.Items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(report.Items))
	}
	if report.Items[0].Output == nil || report.Items[1].Output != nil {
		t.Errorf("only the succeeded item carries output")
	}
	if report.Items[1].ExitCode == nil || *report.Items[1].ExitCode != 2 || report.Items[1].Error != "item 1: rejected" {
		t.Errorf("unexpected failed item: %#v", report.Items[1])
	}
}

func TestBuildReportUnknownRun(t *testing.T) {
	t.Parallel()

	store, _ := seedRun(t)

	if _, err := BuildReport(context.Background(), store, "missing", NewDefaultTheme()); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if _, err := BuildJSONReport(context.Background(), store, "  "); err == nil {
		t.Fatal("expected error for blank run id")
	}
}

func TestBuildHistory(t *testing.T) {
	t.Parallel()

	store, runID := seedRun(t)
	runs, err := store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}

	out := BuildHistory(runs, NewDefaultTheme())
	for _, want := range []string{"RUN ID", runID, "partial", "1/2", "blake3:feedface0123", "./transform"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}

	if strings.Contains(out, "feedface0123456789abcdef") {
		t.Errorf("history should shorten fingerprints:\n%s", out)
	}

	if got := BuildHistory(nil, NewDefaultTheme()); !strings.Contains(got, "no runs recorded") {
		t.Errorf("empty history = %q", got)
	}
}

func TestBuildJSONHistory(t *testing.T) {
	t.Parallel()

	store, runID := seedRun(t)
	runs, err := store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}

	raw, err := BuildJSONHistory(runs)
	if err != nil {
		t.Fatalf("BuildJSONHistory: %v", err)
	}
	var summaries []RunSummary
	if err := json.Unmarshal([]byte(raw), &summaries); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(summaries) != 1 || summaries[0].RunID != runID || summaries[0].FailedCount != 1 {
		t.Fatalf("unexpected history: %+v", summaries)
	}

	empty, err := BuildJSONHistory(nil)
	if err != nil || strings.TrimSpace(empty) != "[]" {
		t.Fatalf("empty history = %q, %v", empty, err)
	}
}
