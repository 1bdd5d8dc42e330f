package cmd

import "fmt"

// exitCodeError carries the process exit code of a failed command.
type exitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *exitCodeError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{Code: code, Message: message, Err: err}
}
