package api

import (
	"errors"
	"fmt"
)

// FailureClass separates expected domain failures from unexpected ones.
type FailureClass string

const (
	ClassApplication FailureClass = "application"
	ClassInternal    FailureClass = "internal"
)

// Well-known failure kinds.
const (
	KindSignalTimeout   = "signal-timeout"
	KindUnexpected      = "unexpected-error"
	KindPanic           = "panic"
	KindPredicatePanic  = "predicate-panic"
	KindNondeterminism  = "nondeterminism"
	KindSignalHandler   = "signal-handler"
	KindCanceled        = "canceled"
	KindInvalidArgument = "invalid-argument"
)

// Failure is a terminal failure descriptor. It is returned from Program
// code to fail an execution deliberately, and is what callers receive when
// an execution ends in StatusFailed or StatusCanceled.
type Failure struct {
	Kind    string
	Message string
	Class   FailureClass
}

// NewFailure returns an application-class failure with the given message
// and kind.
func NewFailure(message, kind string) *Failure {
	return &Failure{Kind: kind, Message: message, Class: ClassApplication}
}

// NewInternalFailure returns an internal-class failure.
func NewInternalFailure(kind string, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...), Class: ClassInternal}
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Kind == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// AsFailure extracts a *Failure from err if one is present in its chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f, true
	}
	return nil, false
}

// FailureFromError converts an error returned by Program code into a
// terminal failure. A *Failure in the chain is kept as is; anything else is
// an unexpected internal failure.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := AsFailure(err); ok {
		cp := *f
		if cp.Class == "" {
			cp.Class = ClassApplication
		}
		return &cp
	}
	return NewInternalFailure(KindUnexpected, "%v", err)
}

// IsTimeoutFailure reports whether err carries a signal-timeout failure.
func IsTimeoutFailure(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == KindSignalTimeout
}
