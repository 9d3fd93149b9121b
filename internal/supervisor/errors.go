package supervisor

import (
	"fmt"
	"time"
)

// ProcessError reports a worker that failed to start, crashed, or exited
// non-zero.
type ProcessError struct {
	Agent    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %v", e.Agent, e.Err)
	}
	return fmt.Sprintf("agent %s: exit %d", e.Agent, e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// TimeoutError reports a worker that exceeded its invocation bound and was
// force-terminated.
type TimeoutError struct {
	Agent string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s: timed out after %s", e.Agent, e.Limit)
}

// ExtractionError reports output that could not be normalized at all
// (empty or whitespace-only). Unparsable-but-nonempty output is not an
// error: it becomes a degraded payload instead.
type ExtractionError struct {
	Agent  string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Reason)
}
