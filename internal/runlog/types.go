package runlog

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusPartial: completed with continue_on_fail and at least one failed item.
	StatusPartial Status = "partial"
)

// RunMeta describes what a run executes.
type RunMeta struct {
	Command        string
	Args           []string
	WorkingDir     string
	StdoutFormat   string
	ContinueOnFail bool
	Fingerprint    string
	SubmittedBy    string
}

type Run struct {
	ID string
	RunMeta
	Status      Status
	ItemCount   int
	FailedCount int
	CreatedAt   time.Time
	CompletedAt *time.Time
	LastError   *string
}

// ItemEntry is one persisted item outcome.
type ItemEntry struct {
	RunID       string
	Index       int
	Status      string
	Kind        string
	ExitCode    *int
	Duration    time.Duration
	Input       json.RawMessage
	Output      json.RawMessage
	LastError   *string
	Stderr      *string
	CompletedAt time.Time
}

var ErrRunNotFound = errors.New("run not found")

// FinalStatus derives a run's terminal status from the batch outcome.
func FinalStatus(batchErr error, failedItems int) Status {
	switch {
	case batchErr != nil:
		return StatusFailed
	case failedItems > 0:
		return StatusPartial
	default:
		return StatusSucceeded
	}
}
