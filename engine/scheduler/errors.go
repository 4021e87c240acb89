package scheduler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a terminal execution error
type ErrorKind string

const (
	KindInvalidGraph   ErrorKind = "InvalidGraph"
	KindHandlerError   ErrorKind = "HandlerError"
	KindDeadlock       ErrorKind = "Deadlock"
	KindTimeout        ErrorKind = "Timeout"
	KindCancelled      ErrorKind = "Cancelled"
	KindSubscriberLost ErrorKind = "SubscriberLost"
)

// Error is the engine's terminal error: the kind, the node responsible when
// one is, and the underlying cause.
type Error struct {
	Kind   ErrorKind
	NodeID string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.NodeID != "" && e.Err != nil:
		return fmt.Sprintf("%s: node %q: %v", e.Kind, e.NodeID, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %q", e.Kind, e.NodeID)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an engine error, or "" for anything else
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
