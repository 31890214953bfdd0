package schema

import "github.com/grafbase/gwcore/internal/ids"

// InputValueKind tags a literal default value attached to an
// InputValueDefinition or an InputObject field.
type InputValueKind uint8

const (
	InputValueNull InputValueKind = iota
	InputValueBool
	InputValueInt
	InputValueFloat
	InputValueString
	InputValueEnum
	InputValueList
	InputValueObject
)

// InputValue is a small immutable literal tree, used only for schema-side
// default values. Request-side literals and variable references live in
// operation.QueryInputValue, which is a superset (it also allows
// variable-reference nodes that never make sense in a schema default).
type InputValue struct {
	Kind InputValueKind

	Bool   bool
	Int    int64
	Float  float64
	String string
	Enum   ids.StringId

	List   []InputValue
	Object []ObjectField
}

type ObjectField struct {
	Name  ids.StringId
	Value InputValue
}

// FieldSet is a parsed `@requires`/`@provides`/`@key` field-set: a small
// tree of (field, nested field-set) pairs, e.g. `id shipping{weight}`.
type FieldSet struct {
	Selections []FieldSetSelection
}

type FieldSetSelection struct {
	Field  FieldDefinitionId
	Nested FieldSet
}

func (fs FieldSet) IsEmpty() bool { return len(fs.Selections) == 0 }

// Leaves returns every field reachable from the set, depth-first, used by
// the binder/solver to enumerate the concrete leaves a `@requires` clause
// demands.
func (fs FieldSet) Leaves() []FieldDefinitionId {
	var out []FieldDefinitionId
	var walk func(FieldSet)
	walk = func(s FieldSet) {
		for _, sel := range s.Selections {
			if sel.Nested.IsEmpty() {
				out = append(out, sel.Field)
			} else {
				walk(sel.Nested)
			}
		}
	}
	walk(fs)
	return out
}
