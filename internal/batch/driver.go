// Package batch runs a step's command once per item of an ordered batch.
//
// Items are processed strictly in order, one child process at a time. A
// failing item either aborts the batch (default) or, with ContinueOnFail,
// is recorded on the item and the batch moves on.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/spawnstep/internal/log"
	"github.com/mattjoyce/spawnstep/internal/protocol"
	"github.com/mattjoyce/spawnstep/internal/spawn"
)

// maxRecordedStderr caps the stderr handed to a Recorder.
const maxRecordedStderr = 64 * 1024

// wrapField holds non-object results so item payloads stay objects.
const wrapField = "data"

// CommandRunner executes one invocation. *spawn.Runner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, inv spawn.Invocation, format protocol.StdoutFormat) (any, error)
}

// Options tune a Driver. The zero value aborts on the first failure.
type Options struct {
	ContinueOnFail bool

	// ConfigFor returns the step configuration for one item. Nil uses the
	// Driver's fixed configuration for every item.
	ConfigFor func(index int, item protocol.Item) spawn.StepConfig

	// BaseEnv is the inherited environment; nil reads os.Environ per item.
	BaseEnv []string

	Recorder Recorder
	Logger   *slog.Logger
}

// Driver iterates a batch through a CommandRunner.
type Driver struct {
	runner CommandRunner
	cfg    spawn.StepConfig
	opts   Options
	logger *slog.Logger
}

// New creates a Driver running cfg for every item.
func New(runner CommandRunner, cfg spawn.StepConfig, opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("batch")
	}
	return &Driver{
		runner: runner,
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Process runs every item in order and returns the resulting items.
//
// With ContinueOnFail every input item appears in the output, in order;
// failed items keep their original payload and carry the error. Otherwise
// the first failure stops the batch: the items completed before it are
// returned with the failure, annotated with the failing item's index.
func (d *Driver) Process(ctx context.Context, items []protocol.Item) ([]protocol.Item, error) {
	out := make([]protocol.Item, 0, len(items))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		itemLogger := log.WithItem(d.logger, i)
		cfg := d.cfg
		if d.opts.ConfigFor != nil {
			cfg = d.opts.ConfigFor(i, item)
		}

		start := time.Now()
		inv := spawn.Build(cfg, item.JSON, d.opts.BaseEnv)
		value, err := d.runner.Run(ctx, inv, cfg.StdoutFormat)
		elapsed := time.Since(start)

		index := i
		if err == nil {
			result := protocol.Item{JSON: asObject(value), PairedItem: &index}
			out = append(out, result)
			itemLogger.Debug("item succeeded", "duration_ms", elapsed.Milliseconds())
			d.record(ctx, itemLogger, ItemRecord{Index: i, Status: StatusSucceeded, Input: item.JSON, Output: result.JSON, Duration: elapsed})
			continue
		}

		err = spawn.WithItemIndex(err, i)
		d.record(ctx, itemLogger, failureRecord(i, item.JSON, err, elapsed))

		if !d.opts.ContinueOnFail {
			itemLogger.Error("item failed, aborting batch", "kind", spawn.KindOf(err), "error", err)
			return out, err
		}

		itemLogger.Warn("item failed, continuing", "kind", spawn.KindOf(err), "error", err)
		out = append(out, protocol.Item{
			JSON:       item.JSON,
			Error:      itemError(err),
			PairedItem: &index,
		})
	}

	return out, nil
}

func (d *Driver) record(ctx context.Context, logger *slog.Logger, rec ItemRecord) {
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.ItemDone(ctx, rec); err != nil {
		logger.Warn("failed to record item result", "error", err)
	}
}

// asObject keeps object results as-is and wraps any other JSON value.
func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{wrapField: v}
}

// itemError converts a failure into the record stored on the item.
func itemError(err error) *protocol.ItemError {
	ie := &protocol.ItemError{
		Kind:    string(spawn.KindOf(err)),
		Message: err.Error(),
	}
	if f, ok := spawn.AsFailure(err); ok {
		ie.Message = f.Message()
		ie.ItemIndex = f.ItemIndex
		ie.Stdout = string(f.Stdout)
		ie.Stderr = string(f.Stderr)
		ie.ExitCode = f.ExitCode
	}
	return ie
}

func failureRecord(index int, input map[string]any, err error, elapsed time.Duration) ItemRecord {
	rec := ItemRecord{
		Index:    index,
		Status:   StatusFailed,
		Kind:     spawn.KindOf(err),
		Error:    err.Error(),
		Input:    input,
		Duration: elapsed,
	}
	if f, ok := spawn.AsFailure(err); ok {
		rec.ExitCode = f.ExitCode
		rec.Stderr = truncate(string(f.Stderr), maxRecordedStderr)
	}
	return rec
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
