package aitalk

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProtocolViolation marks adapter-detected contract breaches between
	// the engine's callbacks and the jobs the adapter tracks.
	ErrProtocolViolation = errors.New("aitalk protocol violation")
	// ErrTimeout is returned when a job's completion gate is not signalled in time.
	ErrTimeout = errors.New("aitalk job timed out")
	// ErrGateConsumed is returned by a second Wait on the same gate.
	ErrGateConsumed = errors.New("completion gate already awaited")
	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("aitalk client closed")
)

// EngineError carries a non-success result code from a native call unchanged.
type EngineError struct {
	Op   string
	Code ResultCode
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("aitalk %s: %s (%d)", e.Op, e.Code, int32(e.Code))
}

// Is matches both another *EngineError with the same code and a bare ResultCode.
func (e *EngineError) Is(target error) bool {
	switch t := target.(type) {
	case ResultCode:
		return e.Code == t
	case *EngineError:
		return e.Code == t.Code
	}
	return false
}

// check converts a result code into an error. Positive codes are accepted.
func check(op string, code ResultCode) error {
	if code.IsError() {
		return &EngineError{Op: op, Code: code}
	}
	return nil
}

// ProtocolError describes a specific protocol violation.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrProtocolViolation, e.Op, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

func protocolErrorf(op, format string, args ...any) error {
	return &ProtocolError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// TimeoutError reports which job never reached end of stream.
type TimeoutError struct {
	Kind  JobKind
	JobID int32
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("aitalk %s job %d: no end of stream after %s", e.Kind, e.JobID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
