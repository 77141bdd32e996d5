package batch

import (
	"context"
	"time"

	"github.com/mattjoyce/spawnstep/internal/spawn"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/spawnstep/internal/batch Recorder

// Recorder receives the outcome of every processed item. Errors are logged
// and never fail the batch.
type Recorder interface {
	ItemDone(ctx context.Context, rec ItemRecord) error
}

// ItemStatus is the per-item outcome.
type ItemStatus string

const (
	StatusSucceeded ItemStatus = "succeeded"
	StatusFailed    ItemStatus = "failed"
)

// ItemRecord describes one processed item.
type ItemRecord struct {
	Index    int
	Status   ItemStatus
	Kind     spawn.Kind
	Error    string
	ExitCode *int
	Stderr   string
	Input    map[string]any
	Output   map[string]any
	Duration time.Duration
}
