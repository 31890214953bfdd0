// Package gqlerr is the internal error envelope (spec.md §7 "Error handling
// design"): every error surfaced in a response's top-level `errors` array,
// from request parsing down to a single subgraph field failure, is one of
// these — never a bare Go error unwound through a panic.
package gqlerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of spec.md §7's enumerated error kinds, carried as
// `extensions.code` in the serialised response.
type Code string

const (
	CodeRequestError            Code = "REQUEST_ERROR"
	CodeValidationError         Code = "VALIDATION_ERROR"
	CodeOperationPlanningError  Code = "OPERATION_PLANNING_ERROR"
	CodeSubgraphRequestError    Code = "SUBGRAPH_REQUEST_ERROR"
	CodeSubgraphInvalidResponse Code = "SUBGRAPH_INVALID_RESPONSE_ERROR"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeHookError               Code = "HOOK_ERROR"
)

// Location is a 1-based line/column into the client's operation document,
// matching the GraphQL-over-HTTP response spec's `errors[].locations`.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is the plain struct spec.md §7 asks for: no captured-stack variant
// by default (the wrapped-for-debugging case lives in `WithStack` below,
// used only at the panic-recovery boundary).
type Error struct {
	Message    string         `json:"message"`
	Code       Code           `json:"-"`
	Path       []any          `json:"path,omitempty"`
	Locations  []Location     `json:"locations,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// New builds an Error with Code folded into Extensions, as the wire shape
// requires (`extensions.code`).
func New(code Code, path []any, format string, args ...any) *Error {
	return &Error{
		Message:    fmt.Sprintf(format, args...),
		Code:       code,
		Path:       path,
		Extensions: map[string]any{"code": string(code)},
	}
}

// WithStack wraps err with a captured stack trace for operator debugging at
// the one place spec.md's panic-recovery boundary needs it (a recovered
// panic inside a partition task, internal/execute) — github.com/pkg/errors,
// the teacher's own stack-trace wrapper, not a hand-rolled runtime/debug.Stack
// call.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// Recovered turns a recovered panic value into a SUBGRAPH_REQUEST_ERROR-coded Error
// carrying a stack trace, so a single partition's panic degrades to null
// propagation instead of taking the whole request down (spec.md §7 policy
// "a single subgraph failure never fails the whole request").
func Recovered(path []any, r any) *Error {
	wrapped := WithStack(fmt.Errorf("panic: %v", r))
	e := New(CodeSubgraphRequestError, path, "internal error: %v", r)
	e.Extensions["stack"] = fmt.Sprintf("%+v", wrapped)
	return e
}

// List is a convenience collector for the response errors array; callers
// append to it directly (it is a plain slice, not a sync type — one per
// request/response stage, not shared across goroutines).
type List []*Error

func (l *List) Add(e *Error) { *l = append(*l, e) }

func (l List) HasErrors() bool { return len(l) > 0 }
