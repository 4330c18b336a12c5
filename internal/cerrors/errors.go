// Package cerrors defines the engine's closed error-kind enum and the
// wrapping error type that carries structured context (input path,
// position) alongside a cause, plus the CLI exit-code mapping.
package cerrors

import (
	"errors"
	"fmt"
	"log/slog"
)

// Kind is the closed set of error categories the engine produces.
type Kind int

const (
	Io Kind = iota
	BadRecord
	SchemaConflict
	Encoding
	InvalidInput
	State
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case BadRecord:
		return "bad_record"
	case SchemaConflict:
		return "schema_conflict"
	case Encoding:
		return "encoding"
	case InvalidInput:
		return "invalid_input"
	case State:
		return "state"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ConcatError is the engine's error type: a kind, a message, an optional
// wrapped cause, and structured attributes for logging.
type ConcatError struct {
	Kind    Kind
	Message string
	Cause   error
	Attrs   []slog.Attr
}

func (e *ConcatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConcatError) Unwrap() error {
	return e.Cause
}

// New builds a ConcatError with no wrapped cause.
func New(kind Kind, message string, attrs ...slog.Attr) *ConcatError {
	return &ConcatError{Kind: kind, Message: message, Attrs: attrs}
}

// Wrap builds a ConcatError of the given kind around an existing error. If
// err is already a *ConcatError, kind replaces its kind, its attrs are kept
// ahead of attrs, its cause is carried over, and the messages are chained
// rather than the inner one being discarded.
func Wrap(kind Kind, err error, message string, attrs ...slog.Attr) *ConcatError {
	if err == nil {
		return New(kind, message, attrs...)
	}
	var inner *ConcatError
	if errors.As(err, &inner) {
		combined := append(append([]slog.Attr{}, inner.Attrs...), attrs...)
		return &ConcatError{
			Kind:    kind,
			Message: fmt.Sprintf("%s: %s", message, inner.Message),
			Cause:   inner.Cause,
			Attrs:   combined,
		}
	}
	return &ConcatError{Kind: kind, Message: message, Cause: err, Attrs: attrs}
}

// WithInput returns a copy of err's context annotated with input path and
// position, for errors raised while decoding a specific input.
func WithInput(err *ConcatError, path string, position int64) *ConcatError {
	attrs := append(append([]slog.Attr{}, err.Attrs...),
		slog.String("input_path", path),
		slog.Int64("position", position))
	return &ConcatError{Kind: err.Kind, Message: err.Message, Cause: err.Cause, Attrs: attrs}
}

// KindOf extracts the Kind of err if it is (or wraps) a *ConcatError,
// defaulting to Io for anything else since an unclassified failure is most
// often a filesystem or transport error.
func KindOf(err error) Kind {
	var ce *ConcatError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Io
}

// ExitCode maps err onto the process exit codes from the CLI contract.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case InvalidInput:
		return 1
	case BadRecord, SchemaConflict:
		return 2
	case Cancelled:
		return 130
	case Io, Encoding, State:
		return 3
	default:
		return 1
	}
}

// Log writes err to logger with its structured attrs alongside its
// message.
func Log(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	var ce *ConcatError
	if errors.As(err, &ce) {
		args := []any{slog.String("kind", ce.Kind.String())}
		if ce.Cause != nil {
			args = append(args, slog.String("cause", ce.Cause.Error()))
		}
		for _, a := range ce.Attrs {
			args = append(args, a)
		}
		logger.Error(ce.Message, args...)
		return
	}
	logger.Error(err.Error())
}
