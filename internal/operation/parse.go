package operation

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/grafbase/gwcore/internal/schema"
)

// parseDocument parses operation document bytes into a gqlparser AST,
// reusing the same dependency the teacher requires directly rather than a
// hand-rolled lexer (spec.md §4.B item 1 "Parse").
func parseDocument(src string) (*ast.QueryDocument, *Report) {
	report := &Report{}
	doc, err := parser.ParseQuery(&ast.Source{Input: src, Name: "operation.graphql"})
	if err != nil {
		report.AddRequestError(positionFrom(err), "%s", err.Message)
		return nil, report
	}
	return doc, report
}

func positionFrom(err *gqlerror.Error) *Position {
	if len(err.Locations) == 0 {
		return nil
	}
	loc := err.Locations[0]
	return &Position{Line: loc.Line, Column: loc.Column}
}

// selectOperation picks the single operation to execute, per spec.md §4.B
// item 2: if the document has more than one operation, operationName must
// resolve exactly one.
func selectOperation(doc *ast.QueryDocument, operationName string, report *Report) *ast.OperationDefinition {
	operationName = strings.TrimSpace(operationName)

	if len(doc.Operations) == 0 {
		report.AddRequestError(nil, "document contains no operations")
		return nil
	}

	if operationName == "" {
		if len(doc.Operations) > 1 {
			report.AddRequestError(nil, "operation name is required when the document contains multiple operations")
			return nil
		}
		return doc.Operations[0]
	}

	var match *ast.OperationDefinition
	count := 0
	for _, op := range doc.Operations {
		if op.Name == operationName {
			match = op
			count++
		}
	}
	switch count {
	case 0:
		report.AddRequestError(nil, "no operation found with name %q", operationName)
		return nil
	case 1:
		return match
	default:
		report.AddRequestError(nil, "ambiguous operation name %q", operationName)
		return nil
	}
}

func operationKindFromAST(op ast.Operation) schema.OperationKind {
	switch op {
	case ast.Mutation:
		return schema.OperationMutation
	case ast.Subscription:
		return schema.OperationSubscription
	default:
		return schema.OperationQuery
	}
}
