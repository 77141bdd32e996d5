// Package dispatch executes a step over a batch and keeps its run history.
//
// A Dispatcher ties the batch driver to the run log: each Execute call opens
// a run, records every item as it completes and closes the run with its
// final status. Executions are serialized, so at most one child process is
// alive per Dispatcher.
//
// Final run status:
//   - every item succeeded → succeeded
//   - continue_on_fail and at least one item failed → partial
//   - an item failure aborted the batch, or the context was cancelled → failed
//
// History is best effort: when the run log cannot be written the batch still
// runs and the failure is logged.
package dispatch
