package delivery

import (
	"context"
	"errors"
	"net"
	"os"
)

// Class labels why a send did not succeed.
type Class string

const (
	ClassNone      Class = "none"
	ClassMalformed Class = "malformed"
	ClassTransient Class = "transient"
	ClassConnect   Class = "connect"
	ClassAuth      Class = "auth"
	ClassTimeout   Class = "timeout"
)

// Retryable reports whether another attempt on a fresh connection may succeed.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassConnect
}

// Outcome is the result of one delivery attempt cycle.
type Outcome struct {
	Delivered bool
	Class     Class
	Attempts  int
	Err       error
}

type stage int

const (
	stageDial stage = iota
	stageAuth
	stageSend
)

var stageNames = map[stage]string{
	stageDial: "connect",
	stageAuth: "auth",
	stageSend: "send",
}

// stageError records which step of an attempt failed.
type stageError struct {
	stage stage
	err   error
}

func (e *stageError) Error() string {
	return stageNames[e.stage] + ": " + e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

func failAt(s stage, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: s, err: err}
}

// classify maps an attempt error to its class. Timeouts win over the failing stage.
func classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if isTimeout(err) {
		return ClassTimeout
	}
	var se *stageError
	if errors.As(err, &se) {
		switch se.stage {
		case stageAuth:
			return ClassAuth
		case stageDial:
			return ClassConnect
		}
	}
	return ClassTransient
}

// isTimeout treats cancellation like an expired deadline: both end the cycle at once.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
