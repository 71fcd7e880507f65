// Package fault defines the error taxonomy shared by the browser, page,
// engine and control layers.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind string

const (
	KindSessionStart   Kind = "session_start"
	KindNavigation     Kind = "navigation"
	KindExtraction     Kind = "extraction"
	KindInteraction    Kind = "interaction"
	KindAlreadyRunning Kind = "already_running"
	KindRunInProgress  Kind = "run_in_progress"
	KindSessionLost    Kind = "session_lost"
	KindPolicy         Kind = "policy"
	KindManualTimeout  Kind = "manual_timeout"
	KindCancelled      Kind = "cancelled"
	KindUnknown        Kind = "unknown"
)

// Sentinels usable with errors.Is.
var (
	ErrSessionStart   = &Error{Kind: KindSessionStart}
	ErrNavigation     = &Error{Kind: KindNavigation}
	ErrExtraction     = &Error{Kind: KindExtraction}
	ErrInteraction    = &Error{Kind: KindInteraction}
	ErrAlreadyRunning = &Error{Kind: KindAlreadyRunning}
	ErrRunInProgress  = &Error{Kind: KindRunInProgress}
	ErrSessionLost    = &Error{Kind: KindSessionLost}
	ErrPolicy         = &Error{Kind: KindPolicy}
	ErrManualTimeout  = &Error{Kind: KindManualTimeout}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

// Error is a classified failure. Transient errors may be retried by the
// caller within its retry budget.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Transient bool
}

// New returns a non transient error of kind k.
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(k Kind, op string, format string, args ...any) *Error {
	return New(k, op, fmt.Errorf(format, args...))
}

// Transient returns a retryable error of kind k.
func Transient(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err, Transient: true}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a retryable *Error.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}

// Detail returns the human readable part of err without the kind prefix.
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		switch {
		case fe.Op != "" && fe.Err != nil:
			return fmt.Sprintf("%s: %v", fe.Op, fe.Err)
		case fe.Err != nil:
			return fe.Err.Error()
		default:
			return fe.Op
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
