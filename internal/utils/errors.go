package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between logging and surfacing them.
type ErrorKind string

const (
	KindPersistence        ErrorKind = "persistence"
	KindRuntimeUnavailable ErrorKind = "runtime_unavailable"
	KindValidation         ErrorKind = "validation"
	KindRollbackStep       ErrorKind = "rollback_step"
)

// AppError wraps an operation, human-facing message, failure kind, and underlying error.
type AppError struct {
	Op   string
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op string, kind ErrorKind, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of the first AppError in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
