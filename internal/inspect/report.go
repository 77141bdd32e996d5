// Package inspect renders stored runs for humans and machines.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/spawnstep/internal/config"
	"github.com/mattjoyce/spawnstep/internal/runlog"
)

// RunSource is the read side of the run history.
type RunSource interface {
	GetRun(ctx context.Context, runID string) (*runlog.Run, error)
	Items(ctx context.Context, runID string) ([]runlog.ItemEntry, error)
}

// Report is the structured JSON representation of a run.
type Report struct {
	RunID          string       `json:"run_id"`
	Command        string       `json:"command"`
	Args           []string     `json:"args"`
	WorkingDir     string       `json:"working_dir,omitempty"`
	StdoutFormat   string       `json:"stdout_format"`
	ContinueOnFail bool         `json:"continue_on_fail"`
	Fingerprint    string       `json:"fingerprint"`
	SubmittedBy    string       `json:"submitted_by"`
	Status         string       `json:"status"`
	ItemCount      int          `json:"item_count"`
	FailedCount    int          `json:"failed_count"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	Items          []ItemReport `json:"items"`
}

// ItemReport is one item within a run report.
type ItemReport struct {
	Index      int             `json:"index"`
	Status     string          `json:"status"`
	Kind       string          `json:"kind,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, src RunSource, runID string, theme Theme) (string, error) {
	report, err := Gather(ctx, src, runID)
	if err != nil {
		return "", err
	}

	label := func(s string) string { return theme.Label.Render(fmt.Sprintf("%-12s:", s)) }

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", theme.Title.Render("Run Report"))
	fmt.Fprintf(&out, "%s %s\n", label("Run ID"), report.RunID)
	fmt.Fprintf(&out, "%s %s\n", label("Command"), formatCommand(report.Command, report.Args))
	fmt.Fprintf(&out, "%s %s\n", label("Working dir"), renderUnset(report.WorkingDir, "<inherited>"))
	fmt.Fprintf(&out, "%s %s\n", label("Format"), report.StdoutFormat)
	fmt.Fprintf(&out, "%s %t\n", label("Continue"), report.ContinueOnFail)
	fmt.Fprintf(&out, "%s %s\n", label("Fingerprint"), renderUnset(report.Fingerprint, "<none>"))
	fmt.Fprintf(&out, "%s %s\n", label("Source"), report.SubmittedBy)
	fmt.Fprintf(&out, "%s %s\n", label("Status"), theme.Status(report.Status))
	fmt.Fprintf(&out, "%s %d (%d failed)\n", label("Items"), report.ItemCount, report.FailedCount)
	fmt.Fprintf(&out, "%s %s\n", label("Started"), report.CreatedAt.Format(time.RFC3339))
	if report.CompletedAt != nil {
		fmt.Fprintf(&out, "%s %s (%s)\n", label("Completed"), report.CompletedAt.Format(time.RFC3339),
			report.CompletedAt.Sub(report.CreatedAt).Round(time.Millisecond))
	}
	if report.LastError != "" {
		fmt.Fprintf(&out, "%s %s\n", label("Error"), report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for _, item := range report.Items {
		fmt.Fprintf(&out, "%s %s %s\n",
			theme.Header.Render(fmt.Sprintf("[%d]", item.Index)),
			theme.Status(item.Status),
			theme.Dim.Render(fmt.Sprintf("%dms", item.DurationMs)))
		if item.Kind != "" {
			fmt.Fprintf(&out, "    kind      : %s\n", item.Kind)
		}
		if item.ExitCode != nil {
			fmt.Fprintf(&out, "    exit_code : %d\n", *item.ExitCode)
		}
		if item.Error != "" {
			writeBlock(&out, "error", item.Error)
		}
		if strings.TrimSpace(item.Stderr) != "" {
			writeBlock(&out, "stderr", item.Stderr)
		}
		writeBlock(&out, "input", prettyJSON(item.Input))
		if item.Output != nil {
			writeBlock(&out, "output", prettyJSON(item.Output))
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, src RunSource, runID string) (string, error) {
	report, err := Gather(ctx, src, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildHistory renders one line per run, newest first as given.
func BuildHistory(runs []*runlog.Run, theme Theme) string {
	if len(runs) == 0 {
		return theme.Dim.Render("no runs recorded") + "\n"
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", theme.Header.Render(fmt.Sprintf("%-36s  %-20s  %-9s  %-7s  %-19s  %s",
		"RUN ID", "STARTED", "STATUS", "ITEMS", "CONFIG", "COMMAND")))
	for _, run := range runs {
		// Pad before styling so ANSI codes don't break alignment.
		status := theme.Status(string(run.Status)) + strings.Repeat(" ", max(0, 9-len(run.Status)))
		fmt.Fprintf(&out, "%-36s  %-20s  %s  %-7s  %-19s  %s\n",
			run.ID,
			run.CreatedAt.Format(time.RFC3339),
			status,
			fmt.Sprintf("%d/%d", run.ItemCount-run.FailedCount, run.ItemCount),
			renderUnset(config.ShortFingerprint(run.Fingerprint), "-"),
			formatCommand(run.Command, run.Args))
	}
	return out.String()
}

// RunSummary is one run in the JSON history listing.
type RunSummary struct {
	RunID       string     `json:"run_id"`
	Command     string     `json:"command"`
	Args        []string   `json:"args"`
	Status      string     `json:"status"`
	ItemCount   int        `json:"item_count"`
	FailedCount int        `json:"failed_count"`
	SubmittedBy string     `json:"submitted_by"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BuildJSONHistory returns runs as a JSON array.
func BuildJSONHistory(runs []*runlog.Run) (string, error) {
	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		args := run.Args
		if args == nil {
			args = []string{}
		}
		summaries = append(summaries, RunSummary{
			RunID:       run.ID,
			Command:     run.Command,
			Args:        args,
			Status:      string(run.Status),
			ItemCount:   run.ItemCount,
			FailedCount: run.FailedCount,
			SubmittedBy: run.SubmittedBy,
			Fingerprint: run.Fingerprint,
			CreatedAt:   run.CreatedAt,
			CompletedAt: run.CompletedAt,
		})
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json history: %w", err)
	}
	return string(data), nil
}

// Gather loads a run and its items into a Report.
func Gather(ctx context.Context, src RunSource, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", runID, err)
	}
	entries, err := src.Items(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load items for run %q: %w", runID, err)
	}

	report := &Report{
		RunID:          run.ID,
		Command:        run.Command,
		Args:           run.Args,
		WorkingDir:     run.WorkingDir,
		StdoutFormat:   run.StdoutFormat,
		ContinueOnFail: run.ContinueOnFail,
		Fingerprint:    run.Fingerprint,
		SubmittedBy:    run.SubmittedBy,
		Status:         string(run.Status),
		ItemCount:      run.ItemCount,
		FailedCount:    run.FailedCount,
		CreatedAt:      run.CreatedAt,
		CompletedAt:    run.CompletedAt,
		Items:          make([]ItemReport, 0, len(entries)),
	}
	if report.Args == nil {
		report.Args = []string{}
	}
	if run.LastError != nil {
		report.LastError = *run.LastError
	}

	for _, e := range entries {
		item := ItemReport{
			Index:      e.Index,
			Status:     e.Status,
			Kind:       e.Kind,
			ExitCode:   e.ExitCode,
			DurationMs: e.Duration.Milliseconds(),
			Input:      e.Input,
			Output:     e.Output,
		}
		if e.LastError != nil {
			item.Error = *e.LastError
		}
		if e.Stderr != nil {
			item.Stderr = *e.Stderr
		}
		report.Items = append(report.Items, item)
	}

	return report, nil
}

func writeBlock(out *strings.Builder, name, body string) {
	fmt.Fprintf(out, "    %-10s:\n", name)
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		fmt.Fprintf(out, "      %s\n", line)
	}
}

func formatCommand(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		quoted = append(quoted, a)
	}
	return command + " " + strings.Join(quoted, " ")
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
