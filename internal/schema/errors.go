package schema

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
)

// BuildError is a structured build failure naming the offending site's
// source span (spec.md §4.A "Failure semantics").
type BuildError struct {
	Message string
	Site    string // e.g. "User.name" or the subgraph/type name
	Pos     *ast.Position
}

func (e *BuildError) Error() string {
	if e.Pos != nil {
		return fmt.Sprintf("%s:%d: %s (%s)", e.Pos.Src.Name, e.Pos.Line, e.Message, e.Site)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Site)
}

func buildErrorf(site string, pos *ast.Position, format string, args ...any) *BuildError {
	return &BuildError{Message: fmt.Sprintf(format, args...), Site: site, Pos: pos}
}
