package api

import (
	"encoding/json"

	"github.com/mattjoyce/spawnstep/internal/protocol"
)

// RunRequest is the JSON body for POST /run.
type RunRequest struct {
	// Items is an array of item envelopes or bare payload objects.
	Items json.RawMessage `json:"items"`
	// ContinueOnFail overrides the configured step when set.
	ContinueOnFail *bool `json:"continue_on_fail,omitempty"`
}

// RunResponse is returned by POST /run.
type RunResponse struct {
	RunID  string          `json:"run_id,omitempty"`
	Status string          `json:"status"`
	Items  []protocol.Item `json:"items"`
	Error  *FailureDetail  `json:"error,omitempty"`
}

// FailureDetail describes the item failure that aborted a batch.
type FailureDetail struct {
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	ItemIndex *int   `json:"item_index,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Command       string `json:"command"`
	History       bool   `json:"history"`
}
