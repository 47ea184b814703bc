package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies every caller-visible failure. The set is fixed; anything
// an executor returns that does not carry a Kind is folded into
// KindExecutionStep.
type Kind string

const (
	KindAdmissionRejected Kind = "admission_rejected"
	KindBrowserLaunch     Kind = "browser_launch_error"
	KindNavigation        Kind = "navigation_error"
	KindExecutionStep     Kind = "execution_step_error"
	KindTimeout           Kind = "timeout"
	KindSolverLogic       Kind = "solver_logic_error"
)

// Retryable reports whether a failure of this kind may be retried against a
// fresh slot and session. Only transient launch failures qualify; timeouts
// and semantic solver failures never do.
func (k Kind) Retryable() bool {
	return k == KindBrowserLaunch
}

// Error is the typed failure carried through the engine. Step names the
// automation step that failed, when known.
type Error struct {
	Kind   Kind
	Detail string
	Step   string
	Err    error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s at step %q: %s", e.Kind, e.Step, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error wrapping cause (which may be nil).
func NewError(kind Kind, step string, cause error) *Error {
	detail := string(kind)
	if cause != nil {
		detail = cause.Error()
	}
	return &Error{Kind: kind, Detail: detail, Step: step, Err: cause}
}

// KindOf extracts the taxonomy kind from err. Deadline expiry maps to
// KindTimeout, everything untyped to KindExecutionStep.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindExecutionStep
}

// Status is the terminal state of a request.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusTimeout  Status = "timeout"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Outcome is the single terminal result published for a request. Exactly one
// Outcome is returned per Submit call, annotated with the number of attempts
// that were made.
type Outcome struct {
	RequestID string         `json:"request_id"`
	Status    Status         `json:"status"`
	Kind      Kind           `json:"kind,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Attempts  int            `json:"attempts"`
	Duration  time.Duration  `json:"duration"`
}

// OK reports whether the task completed successfully.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }
