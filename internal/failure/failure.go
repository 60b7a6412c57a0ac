// Package failure classifies pipeline errors into retryable and terminal kinds and
// produces messages that are safe to persist on a stage record.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	KindTemplate           Kind = "template"
	KindPrecondition       Kind = "precondition"
	KindTransient          Kind = "transient"
	KindResponseFormat     Kind = "response_format"
	KindValidationMismatch Kind = "validation_mismatch"
	KindInternal           Kind = "internal"
)

// internalMessage is persisted when an error carries no public message.
const internalMessage = "internal error while running stage"

// Error is a classified pipeline error. Msg is safe to show callers; the cause is
// only ever logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Truncated marks a response format error where the model stopped because it hit
	// its output limit. Such errors may be retried once.
	Truncated bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Template reports a missing template or unresolved placeholder.
func Template(cause error, format string, args ...any) error {
	return &Error{Kind: KindTemplate, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Precondition reports a missing upstream stage or structurally invalid input.
func Precondition(cause error, format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Transient reports throttling, timeouts or temporary unavailability of a service.
func Transient(cause error, format string, args ...any) error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ResponseFormat reports model output that could not be parsed into the stage schema.
func ResponseFormat(cause error, truncated bool, format string, args ...any) error {
	return &Error{Kind: KindResponseFormat, Msg: fmt.Sprintf(format, args...), Err: cause, Truncated: truncated}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// Is reports whether err is classified as kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether err may succeed on a later attempt. Truncated response
// format errors are retryable; callers bound them to a single extra attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindTransient:
			return true
		case KindResponseFormat:
			return fe.Truncated
		default:
			return false
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Public returns the caller-safe message for err. Unclassified errors never leak their text.
func Public(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "stage execution timed out"
	}
	return internalMessage
}
