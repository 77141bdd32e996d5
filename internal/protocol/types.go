package protocol

import (
	"fmt"
	"strings"
)

// StdoutFormat selects how a child's stdout becomes a structured value.
type StdoutFormat string

const (
	FormatJSON  StdoutFormat = "json"
	FormatPlain StdoutFormat = "plain"
)

// PlainField is the key plain-format output is stored under.
const PlainField = "stdout"

// ParseStdoutFormat parses a format name case-insensitively. Empty means JSON.
func ParseStdoutFormat(s string) (StdoutFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "plain":
		return FormatPlain, nil
	default:
		return "", fmt.Errorf("invalid stdout format: %q (must be 'json' or 'plain')", s)
	}
}

// Item is one unit of a batch. JSON is the payload sent on stdin and replaced
// by the decoded stdout on success.
type Item struct {
	JSON       map[string]any `json:"json"`
	Error      *ItemError     `json:"error,omitempty"`
	PairedItem *int           `json:"paired_item,omitempty"`
}

// ItemError is the failure detail attached to an item when the batch
// continues past a failed command.
type ItemError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	ItemIndex *int   `json:"item_index,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// Failed reports whether the item carries an error.
func (i *Item) Failed() bool {
	return i.Error != nil
}
