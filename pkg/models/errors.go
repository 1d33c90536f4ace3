package models

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes egress errors for propagation and transport mapping
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindDuplicateID
	KindConfiguration
	KindDelivery      // transient, retried inside the output adapter
	KindFatalDelivery // auth/permission failures, never retried
	KindInvalidState
	KindResourceExhausted
	KindSourceNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDuplicateID:
		return "duplicate_id"
	case KindConfiguration:
		return "configuration"
	case KindDelivery:
		return "delivery"
	case KindFatalDelivery:
		return "fatal_delivery"
	case KindInvalidState:
		return "invalid_state"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindSourceNotFound:
		return "source_not_found"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is matching. Any *EgressError of the same kind matches.
var (
	ErrInternal          = &EgressError{Kind: KindInternal}
	ErrValidation        = &EgressError{Kind: KindValidation}
	ErrNotFound          = &EgressError{Kind: KindNotFound}
	ErrDuplicateID       = &EgressError{Kind: KindDuplicateID}
	ErrConfiguration     = &EgressError{Kind: KindConfiguration}
	ErrDelivery          = &EgressError{Kind: KindDelivery}
	ErrFatalDelivery     = &EgressError{Kind: KindFatalDelivery}
	ErrInvalidState      = &EgressError{Kind: KindInvalidState}
	ErrResourceExhausted = &EgressError{Kind: KindResourceExhausted}
	ErrSourceNotFound    = &EgressError{Kind: KindSourceNotFound}
)

// EgressError wraps errors with a kind and the operation that produced them
type EgressError struct {
	Kind    ErrorKind
	Op      string // "validate", "open", "write", "finalize", "update_stream", ...
	Message string
	Err     error
}

// Error implements error interface
func (e *EgressError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *EgressError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EgressError of the same kind
func (e *EgressError) Is(target error) bool {
	t, ok := target.(*EgressError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a new egress error
func NewError(kind ErrorKind, op, message string, err error) *EgressError {
	return &EgressError{Kind: kind, Op: op, Message: message, Err: err}
}

// Errorf creates an egress error with a formatted message and no cause
func Errorf(kind ErrorKind, op, format string, args ...interface{}) *EgressError {
	return &EgressError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first EgressError in err's chain, or KindInternal
func KindOf(err error) ErrorKind {
	var ee *EgressError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a transient delivery failure
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindDelivery
}
