package engine

import (
	"fmt"
	"time"
)

// ProcessError reports that the engine process could not be started or waited on.
type ProcessError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("recognition engine %q failed: %v", e.Command, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ProcessTimeoutError reports that the engine was killed after exceeding its time budget.
type ProcessTimeoutError struct {
	Timeout time.Duration
	Stderr  string
}

func (e *ProcessTimeoutError) Error() string {
	return fmt.Sprintf("recognition engine timed out after %s", e.Timeout)
}

// EmptyOutputError reports that the engine exited without writing anything to stdout.
type EmptyOutputError struct {
	ExitCode int
	Stderr   string
}

func (e *EmptyOutputError) Error() string {
	return fmt.Sprintf("recognition engine produced no output (exit code %d)", e.ExitCode)
}

// MalformedOutputError reports engine output that does not hold a usable result.
// Raw is the full stdout, Candidate the extracted {...} span (empty if none was found).
type MalformedOutputError struct {
	Reason    string
	Raw       string
	Candidate string
	Err       error
}

func (e *MalformedOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed engine output: %s: %v", e.Reason, e.Err)
	}
	return "malformed engine output: " + e.Reason
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }
