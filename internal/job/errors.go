package job

import (
	"errors"
	"fmt"
)

// ExecutionError wraps a failure raised while a service executed.
// Trace is the text persisted into state_msg.
type ExecutionError struct {
	Err       error
	Trace     string
	Permanent bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Services return it for failures
// that another attempt cannot fix, such as a rejected request.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Permanent
}

// formatTrace renders an error chain one cause per line, outermost first.
func formatTrace(err error) string {
	trace := fmt.Sprintf("%T: %v", err, err)
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		trace += fmt.Sprintf("\ncaused by %T: %v", cause, cause)
	}
	return trace
}
