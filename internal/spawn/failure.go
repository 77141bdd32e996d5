package spawn

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies why an item's command did not produce a result.
type Kind string

const (
	// KindSpawnFailure: the process could not start or ended without an exit code.
	KindSpawnFailure Kind = "spawn_failure"
	// KindNonZeroExit: the process ran and exited with a non-zero status.
	KindNonZeroExit Kind = "non_zero_exit"
	// KindDecodeFailure: exit 0 but stdout did not match the declared format.
	KindDecodeFailure Kind = "decode_failure"
	// KindTimeout: the configured deadline passed or the run was cancelled.
	KindTimeout Kind = "timeout"
	// KindError covers errors that did not originate from a command execution.
	KindError Kind = "error"
)

// Failure is the error returned for every unsuccessful execution.
type Failure struct {
	Kind     Kind
	Err      error
	Stdout   []byte
	Stderr   []byte
	ExitCode *int
	Timeout  time.Duration

	// ItemIndex is the batch position of the failing item, set at most once.
	ItemIndex *int
}

// Message returns the failure text without positional context.
func (f *Failure) Message() string {
	switch f.Kind {
	case KindNonZeroExit:
		return fmt.Sprintf("[stdout] %s \n[stderr] %s", f.Stdout, f.Stderr)
	case KindSpawnFailure:
		if f.Err != nil {
			return fmt.Sprintf("failed to exec command: %v", f.Err)
		}
		return "failed to exec command"
	case KindDecodeFailure:
		return fmt.Sprintf("failed to decode stdout: %v", f.Err)
	case KindTimeout:
		if f.Timeout > 0 {
			return fmt.Sprintf("command timed out after %v", f.Timeout)
		}
		return fmt.Sprintf("command cancelled: %v", f.Err)
	default:
		if f.Err != nil {
			return f.Err.Error()
		}
		return string(f.Kind)
	}
}

func (f *Failure) Error() string {
	if f.ItemIndex != nil {
		return fmt.Sprintf("item %d: %s", *f.ItemIndex, f.Message())
	}
	return f.Message()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// WithItemIndex attaches a batch position to err. A Failure that already
// carries an index is returned untouched; one without gets it filled in;
// any other error is wrapped in a KindError Failure.
func WithItemIndex(err error, index int) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		if f.ItemIndex == nil {
			f.ItemIndex = &index
		}
		return err
	}
	return &Failure{Kind: KindError, Err: err, ItemIndex: &index}
}

// KindOf returns the Kind of err, or KindError for foreign errors.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindError
}

// AsFailure unwraps err into a *Failure.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}
