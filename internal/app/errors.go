package app

import (
	"github.com/pkg/errors"
	"github.com/lzrescue/lzrescue/pkg/fec"
	"github.com/lzrescue/lzrescue/pkg/index"
)

// Exit codes of the tool.
const (
	ExitOK            = 0
	ExitEnvironmental = 1 // I/O errors, bad options
	ExitData          = 2 // corrupt or invalid input data
	ExitInternal      = 3 // invariant violation, the run was aborted
)

// ExitError carries the exit code a failure maps to.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func envErrf(format string, args ...interface{}) error {
	return &ExitError{Code: ExitEnvironmental, Err: errors.Errorf(format, args...)}
}

func envErr(err error, msg string) error {
	return &ExitError{Code: ExitEnvironmental, Err: errors.Wrap(err, msg)}
}

func dataErrf(format string, args ...interface{}) error {
	return &ExitError{Code: ExitData, Err: errors.Errorf(format, args...)}
}

func internalErrf(format string, args ...interface{}) error {
	return &ExitError{Code: ExitInternal, Err: errors.Errorf(format, args...)}
}

// ExitCode maps any error to the exit code convention.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var xe *ExitError
	if errors.As(err, &xe) {
		return xe.Code
	}
	var ie *index.Error
	if errors.As(err, &ie) {
		return ie.Retval
	}
	var fe *fec.Error
	if errors.As(err, &fe) {
		return fe.Retval
	}
	return ExitEnvironmental
}
