package operation

import (
	"fmt"

	"go.uber.org/multierr"
)

// Kind classifies a diagnostic the way spec.md §7 classifies request-level
// failures: request (parse/selection), validation (bind/variable/limit),
// each carrying enough to surface as a 4xx `errors`-only response.
type Kind uint8

const (
	KindRequestError Kind = iota
	KindValidationError
	KindVariableError
)

type Diagnostic struct {
	Kind    Kind
	Message string
	Pos     *Position
	// Site names the schema directive site this diagnostic concerns, where
	// applicable (spec.md §4.B "and, where applicable, the schema directive
	// site").
	Site string
}

func (d Diagnostic) Error() string {
	if d.Pos != nil {
		return fmt.Sprintf("%d:%d: %s", d.Pos.Line, d.Pos.Column, d.Message)
	}
	return d.Message
}

// Report accumulates every diagnostic produced while parsing, binding, and
// coercing an operation — mirroring the teacher's operationreport.Report
// (errors collect across the whole walk rather than failing on the first
// one), aggregated with go.uber.org/multierr so callers that want a single
// `error` value (e.g. to propagate through a context-carrying call chain)
// can still get one.
type Report struct {
	diagnostics []Diagnostic
}

func (r *Report) Add(d Diagnostic) { r.diagnostics = append(r.diagnostics, d) }

func (r *Report) AddRequestError(pos *Position, format string, args ...any) {
	r.Add(Diagnostic{Kind: KindRequestError, Message: fmt.Sprintf(format, args...), Pos: pos})
}

func (r *Report) AddValidationError(pos *Position, site string, format string, args ...any) {
	r.Add(Diagnostic{Kind: KindValidationError, Message: fmt.Sprintf(format, args...), Pos: pos, Site: site})
}

func (r *Report) AddVariableError(format string, args ...any) {
	r.Add(Diagnostic{Kind: KindVariableError, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) HasErrors() bool { return len(r.diagnostics) > 0 }

func (r *Report) Diagnostics() []Diagnostic { return r.diagnostics }

// Err folds every diagnostic into one multierr-joined error, or nil if the
// report is clean.
func (r *Report) Err() error {
	if !r.HasErrors() {
		return nil
	}
	var err error
	for _, d := range r.diagnostics {
		err = multierr.Append(err, d)
	}
	return err
}
