package types

import (
	"errors"
	"fmt"
)

// RejectionKind classifies why a query was refused.
type RejectionKind string

const (
	SyntaxError         RejectionKind = "SyntaxError"
	DisallowedStatement RejectionKind = "DisallowedStatement"
	UnknownTable        RejectionKind = "UnknownTable"
	UnknownColumn       RejectionKind = "UnknownColumn"
	AmbiguousReference  RejectionKind = "AmbiguousReference"
	DisallowedFunction  RejectionKind = "DisallowedFunction"
	InvalidFilter       RejectionKind = "InvalidFilter"
	InvalidTimeRange    RejectionKind = "InvalidTimeRange"
	InvalidSort         RejectionKind = "InvalidSort"
	InvalidPagination   RejectionKind = "InvalidPagination"
	InvalidOptions      RejectionKind = "InvalidOptions"
)

// Rejection is returned for every input the compiler refuses. Message is safe
// to show to the end user; it never contains hidden catalog entries.
type Rejection struct {
	Kind    RejectionKind
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Reject builds a Rejection with a formatted message.
func Reject(kind RejectionKind, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsRejection reports whether err is a Rejection of the given kind.
func IsRejection(err error, kind RejectionKind) bool {
	r, ok := AsRejection(err)
	return ok && r.Kind == kind
}

// ExecutionError wraps a failure reported by the query store.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return "ExecutionError: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }
