package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a run or a task failed.
type ErrorKind string

const (
	KindCatalogUnavailable   ErrorKind = "CatalogUnavailable"
	KindDownloadFailed       ErrorKind = "DownloadFailed"
	KindTransformFailed      ErrorKind = "TransformFailed"
	KindWriteFailed          ErrorKind = "WriteFailed"
	KindMetadataCommitFailed ErrorKind = "MetadataCommitFailed"
)

// ErrCatalogUnavailable is returned by a run whose catalog query failed. No tasks were dispatched.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// TaskError is a per-dataset failure tagged with its kind.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

// NewTaskError wraps err with the given kind.
func NewTaskError(kind ErrorKind, err error) *TaskError {
	return &TaskError{Kind: kind, Err: err}
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// KindOf extracts the error kind from err, or "" if it carries none.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrCatalogUnavailable) {
		return KindCatalogUnavailable
	}
	return ""
}
