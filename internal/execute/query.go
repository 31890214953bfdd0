package execute

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/schema"
)

// renderRootQuery renders the GraphQL document a root partition sends to
// its subgraph: the operation's own root fields, restricted to the ones
// this partition owns, with every argument inlined as a literal (variables
// are resolved against the runtime Variables vector once, here, rather
// than forwarded as a second `variables` payload — a deliberate
// simplification over re-deriving a minimal variable set per subgraph
// request; see DESIGN.md).
func renderRootQuery(s *schema.Schema, op *operation.BoundOperation, vars operation.Variables, opType schema.OperationKind, fields []operation.BoundFieldId) string {
	var b strings.Builder
	b.WriteString(opKeyword(opType))
	b.WriteString(" { ")
	for _, fid := range fields {
		renderField(&b, s, op, vars, fid)
		b.WriteString(" ")
	}
	b.WriteString("}")
	return b.String()
}

// renderEntitiesQuery renders `query($representations:[_Any!]!){ _entities(...) { ... on T { fields } } }`
// for an entity-key jump partition, per spec.md §6 "Subgraph transport":
// "the body uses the standard federation form".
func renderEntitiesQuery(s *schema.Schema, op *operation.BoundOperation, vars operation.Variables, entityType schema.TypeDefinitionId, fields []operation.BoundFieldId) string {
	var b strings.Builder
	fmt.Fprintf(&b, "query($representations:[_Any!]!){ _entities(representations:$representations){ __typename ... on %s { ", s.Name(s.Type(entityType).Name))
	for _, fid := range fields {
		renderField(&b, s, op, vars, fid)
		b.WriteString(" ")
	}
	b.WriteString("} } }")
	return b.String()
}

func opKeyword(k schema.OperationKind) string {
	switch k {
	case schema.OperationMutation:
		return "mutation"
	case schema.OperationSubscription:
		return "subscription"
	default:
		return "query"
	}
}

func renderField(b *strings.Builder, s *schema.Schema, op *operation.BoundOperation, vars operation.Variables, fid operation.BoundFieldId) {
	f := op.Field(fid)
	if f.Kind == operation.BoundFieldTypeName {
		b.WriteString("__typename ")
		return
	}
	name := s.Name(s.Field(f.DefinitionId).Name)
	alias := op.ResponseKeys.Lookup(f.Edge.Key)
	if alias != name {
		fmt.Fprintf(b, "%s: %s", alias, name)
	} else {
		b.WriteString(name)
	}
	if len(f.Arguments) > 0 {
		b.WriteString("(")
		for i, arg := range f.Arguments {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%s: %s", s.Name(arg.Name), renderArgumentValue(s, op, vars, arg.Value))
		}
		b.WriteString(")")
	}
	if f.SelectionSet != nil {
		b.WriteString(" { ")
		set := op.SelectionSet(*f.SelectionSet)
		for _, child := range set.Fields {
			renderField(b, s, op, vars, child)
			b.WriteString(" ")
		}
		b.WriteString("}")
	}
}

func renderArgumentValue(s *schema.Schema, op *operation.BoundOperation, vars operation.Variables, id operation.QueryInputValueId) string {
	v := op.InputValue(id)
	switch v.Kind {
	case operation.QueryInputNull:
		return "null"
	case operation.QueryInputBool:
		return strconv.FormatBool(v.Bool)
	case operation.QueryInputInt:
		return strconv.FormatInt(v.Int, 10)
	case operation.QueryInputFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case operation.QueryInputString:
		return strconv.Quote(v.String)
	case operation.QueryInputEnum:
		return s.Name(v.Enum)
	case operation.QueryInputList:
		var parts []string
		for _, el := range v.List {
			parts = append(parts, renderArgumentValue(s, op, vars, el))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case operation.QueryInputObject:
		var parts []string
		for _, f := range v.Object {
			parts = append(parts, fmt.Sprintf("%s: %s", s.Name(f.Name), renderArgumentValue(s, op, vars, f.Value)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case operation.QueryInputVariable:
		slot := vars.Get(v.Variable)
		if slot.State == operation.VariableUndefined {
			return "null"
		}
		return renderArgumentValue(s, op, vars, slot.Value)
	default:
		return "null"
	}
}
