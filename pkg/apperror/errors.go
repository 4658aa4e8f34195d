// Package apperror defines the orchestrator's error taxonomy.
//
// It mirrors go-coffee's pkg/errors package (AppError with a typed Code,
// wrapped cause, stack capture and context) but narrows the taxonomy to the
// six classes the evaluation core actually raises: validation, transient,
// timeout, protocol, capacity and fatal errors.
package apperror

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Type classifies an AppError for logging, metrics and retry decisions.
type Type string

const (
	// Validation covers malformed input: unknown agent type, out-of-range score, missing fields.
	Validation Type = "validation"
	// Transient covers recoverable conditions: agent temporarily unavailable, external bridge unreachable.
	Transient Type = "transient"
	// Timeout covers deadlines exceeded while waiting on evaluators.
	Timeout Type = "timeout"
	// Protocol covers duplicate evaluations, illegal stage transitions, unknown message types.
	Protocol Type = "protocol"
	// Capacity covers bounded-resource exhaustion: a full message queue.
	Capacity Type = "capacity"
	// Fatal covers aggregation/decision exceptions and broken invariants.
	Fatal Type = "fatal"
)

// AppError is the error value every package in this module returns.
type AppError struct {
	Err       error
	Message   string
	Code      string
	Type      Type
	Stack     string
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is compares two AppErrors by Type and Code, matching a sentinel regardless
// of the dynamic Message/Context carried by a particular occurrence.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext attaches a key/value pair of diagnostic context.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a fresh AppError of the given type and code.
func New(typ Type, code, message string) *AppError {
	return &AppError{
		Type:      typ,
		Code:      code,
		Message:   message,
		Stack:     stack(),
		Timestamp: time.Now(),
	}
}

// Wrap attaches message/type/code context to an existing error.
func Wrap(err error, typ Type, code, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Err:       err,
		Type:      typ,
		Code:      code,
		Message:   message,
		Stack:     stack(),
		Timestamp: time.Now(),
	}
}

func stack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "apperror/errors.go") {
			fmt.Fprintf(&b, "%s:%d %s\n", filepath.Base(frame.File), frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// Sentinel constructors used throughout the domain packages. Each call site
// wraps these with .WithContext(...) for the specific offending id.

func DuplicateAgent(id string) *AppError {
	return New(Protocol, "duplicate_agent", fmt.Sprintf("agent %q already registered", id))
}

func NotFound(kind, id string) *AppError {
	return New(Protocol, "not_found", fmt.Sprintf("%s %q not found", kind, id))
}

func QueueFull(size int) *AppError {
	return New(Capacity, "queue_full", fmt.Sprintf("message queue at capacity (%d)", size))
}

func IllegalTransition(from, to string) *AppError {
	return New(Protocol, "illegal_transition", fmt.Sprintf("illegal status transition %s -> %s", from, to))
}

func DuplicateEvaluation(grantID int64, agentType string) *AppError {
	return New(Protocol, "duplicate_evaluation", fmt.Sprintf("evaluation already recorded for grant %d agent %s", grantID, agentType))
}

func Validate(message string) *AppError {
	return New(Validation, "invalid_input", message)
}

func TimedOut(message string) *AppError {
	return New(Timeout, "deadline_exceeded", message)
}

// IsType reports whether err is an *AppError of the given Type.
func IsType(err error, typ Type) bool {
	var ae *AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Type == typ
}
