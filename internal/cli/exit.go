package cli

import (
	"errors"
	"fmt"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // session could not be joined or was lost
	ExitCommandError = 2 // bad flags, unreadable state
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func wrapExit(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns ExitFailure for errors that are not an *ExitError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var e *ExitError
	if errors.As(err, &e) {
		return e.Code
	}
	return ExitFailure
}
