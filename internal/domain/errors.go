package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.
// Callers classify failures with errors.Is against these sentinels.

var (
	// Setup-time errors: bad DAG wiring, unknown models, duplicate names.
	// Always fatal, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrNoTaskHandler is returned when no registered handler matches the
	// task type of a message. It is configuration-class (it wraps
	// ErrConfiguration) but only fails the one execution.
	ErrNoTaskHandler = fmt.Errorf("%w: no task handler matches task type", ErrConfiguration)

	// Per-execution errors.
	ErrResolution    = errors.New("resolution error")
	ErrMissingTask   = errors.New("control message has no task")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrFormatting    = errors.New("template formatting error")

	// Generation errors.
	ErrGeneration      = errors.New("generation error")
	ErrInputValidation = errors.New("invalid generation input")

	// Pipeline errors.
	ErrQueueFull   = errors.New("ingest queue is full")
	ErrQueueClosed = errors.New("ingest queue is closed")
)

// NodeError reports which DAG node failed during an execution.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// ItemError pins a failure to one item of a batch.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// IsFatal reports whether err should stop a running pipeline instead of
// dropping the single message that produced it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) && !errors.Is(err, ErrNoTaskHandler)
}

// Configf builds a configuration error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Resolvef builds a resolution error.
func Resolvef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResolution, fmt.Sprintf(format, args...))
}

// Shapef builds a shape-mismatch error.
func Shapef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}
