package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/spawnstep/internal/batch"
	"github.com/mattjoyce/spawnstep/internal/config"
	"github.com/mattjoyce/spawnstep/internal/log"
	"github.com/mattjoyce/spawnstep/internal/protocol"
	"github.com/mattjoyce/spawnstep/internal/runlog"
)

// RunStore is the write side of the run history.
type RunStore interface {
	BeginRun(ctx context.Context, meta runlog.RunMeta) (string, error)
	FinishRun(ctx context.Context, runID string, status runlog.Status, lastError *string) error
	Recorder(runID string) batch.Recorder
}

// Request is one batch to execute.
type Request struct {
	Step        config.StepConfig
	Items       []protocol.Item
	SubmittedBy string
}

// Result is the outcome of an Execute call.
type Result struct {
	// RunID is empty when history is disabled or could not be written.
	RunID  string
	Status runlog.Status
	Items  []protocol.Item
	Failed int
}

// Dispatcher runs batches one at a time.
type Dispatcher struct {
	runner batch.CommandRunner
	store  RunStore
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a Dispatcher. A nil store disables run history.
func New(runner batch.CommandRunner, store RunStore) *Dispatcher {
	return &Dispatcher{
		runner: runner,
		store:  store,
		logger: log.WithComponent("dispatch"),
	}
}

// Execute runs req.Step over req.Items. The returned error is the batch
// error (an attributed item failure or a cancellation); Result is non-nil
// whenever the batch started.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := config.ValidateStep(req.Step); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	runID := d.beginRun(ctx, req)
	logger := d.logger
	if runID != "" {
		logger = log.WithRun(runID)
	}
	logger.Info("executing batch",
		"command", req.Step.Command,
		"items", len(req.Items),
		"continue_on_fail", req.Step.ContinueOnFail,
	)

	opts := batch.Options{
		ContinueOnFail: req.Step.ContinueOnFail,
		Logger:         logger,
	}
	if runID != "" {
		opts.Recorder = d.store.Recorder(runID)
	}

	items, err := batch.New(d.runner, req.Step.StepConfig, opts).Process(ctx, req.Items)

	failed := countFailed(items)
	if err != nil {
		failed++
	}
	res := &Result{
		RunID:  runID,
		Status: runlog.FinalStatus(err, failed),
		Items:  items,
		Failed: failed,
	}

	d.finishRun(ctx, runID, res.Status, err)

	if err != nil {
		logger.Error("batch aborted", "status", res.Status, "completed", len(items), "error", err)
	} else {
		logger.Info("batch completed", "status", res.Status, "items", len(items), "failed", failed)
	}
	return res, err
}

func (d *Dispatcher) beginRun(ctx context.Context, req Request) string {
	if d.store == nil {
		return ""
	}

	fingerprint, err := config.Fingerprint(req.Step)
	if err != nil {
		d.logger.Warn("failed to fingerprint step", "error", err)
	}

	runID, err := d.store.BeginRun(ctx, runlog.RunMeta{
		Command:        req.Step.Command,
		Args:           req.Step.Args,
		WorkingDir:     req.Step.WorkingDir,
		StdoutFormat:   string(req.Step.StdoutFormat),
		ContinueOnFail: req.Step.ContinueOnFail,
		Fingerprint:    fingerprint,
		SubmittedBy:    submittedBy(req.SubmittedBy),
	})
	if err != nil {
		d.logger.Warn("failed to record run, continuing without history", "error", err)
		return ""
	}
	return runID
}

func (d *Dispatcher) finishRun(ctx context.Context, runID string, status runlog.Status, batchErr error) {
	if runID == "" {
		return
	}

	var lastError *string
	if batchErr != nil {
		msg := batchErr.Error()
		lastError = &msg
	}
	// A cancelled batch still gets its terminal status written.
	if err := d.store.FinishRun(context.WithoutCancel(ctx), runID, status, lastError); err != nil {
		d.logger.Error("failed to finish run", "run_id", runID, "error", err)
	}
}

func countFailed(items []protocol.Item) int {
	n := 0
	for _, item := range items {
		if item.Failed() {
			n++
		}
	}
	return n
}

func submittedBy(s string) string {
	if s == "" {
		return "cli"
	}
	return s
}
