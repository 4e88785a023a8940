package oauth

import (
	"errors"
	"fmt"
)

// Authorization flow failure kinds. Match them with errors.Is against a *FlowError.
var (
	// ErrStateMismatch is a callback whose state does not match the request.
	// It is treated as a forgery attempt and aborts the flow.
	ErrStateMismatch = errors.New("authorization callback state mismatch")
	ErrDenied        = errors.New("authorization denied")
	ErrTimedOut      = errors.New("timed out waiting for authorization callback")
	ErrListenerBind  = errors.New("failed to start callback listener")
	ErrFlowCanceled  = errors.New("authorization flow canceled")
)

// FlowError describes why an authorization flow did not produce a code.
type FlowError struct {
	Kind   error
	Reason string
	Err    error
}

func (e *FlowError) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FlowError) Is(target error) bool {
	return target == e.Kind
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func flowErrorf(kind error, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
