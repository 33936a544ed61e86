package types

import (
	"errors"
	"fmt"
)

// Terminal invocation outcomes that are not ordinary exit codes.
var (
	// ErrTimeout marks an invocation killed for exceeding its wall-clock limit.
	ErrTimeout = errors.New("command timed out")

	// ErrCanceled marks an invocation terminated by user request.
	ErrCanceled = errors.New("command canceled")

	// ErrBusy is returned when a session already has an invocation in flight.
	ErrBusy = errors.New("a command is already running in this session")
)

// ValidationError reports a command the policy engine refused to run.
// It never indicates a system fault.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// InfraError reports that the execution environment itself is unavailable:
// runtime daemon down, image missing, container failed to start. It aborts
// only the current invocation and carries a remediation hint safe to show
// to the user.
type InfraError struct {
	Op   string
	Hint string
	Err  error
}

func (e *InfraError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Hint)
	}
	return e.Op
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// UserMessage returns the error text safe to stream to a client. The wrapped
// cause may contain host paths and is only ever logged server side.
func (e *InfraError) UserMessage() string {
	return e.Error()
}
