// Package operation parses and binds a client GraphQL operation against a
// schema.Schema, producing the BoundOperation IR described in spec.md §3
// and §4.B.
package operation

import (
	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/schema"
)

type (
	BoundFieldId        = ids.Id[BoundField]
	BoundSelectionSetId = ids.Id[BoundSelectionSet]
	VariableDefId       = ids.Id[BoundVariableDefinition]
	QueryInputValueId   = ids.Id[QueryInputValue]
	ResponseKey         = ids.StringId
)

// ResponseEdgeKind distinguishes a user-facing response position from an
// extra key the solver injected to satisfy a `@requires` (spec.md §3
// "ResponseEdge").
type ResponseEdgeKind uint8

const (
	ResponseEdgeKey ResponseEdgeKind = iota
	ResponseEdgeExtra
)

// ResponseEdge uniquely identifies a field's position in the response.
type ResponseEdge struct {
	Kind ResponseEdgeKind
	Key  ResponseKey
	// SourcePosition orders user-facing keys by where they appeared in the
	// request document, so ResponseKeys round-trips declaration order.
	SourcePosition int
}

// BoundFieldKind tags the BoundField sum type.
type BoundFieldKind uint8

const (
	BoundFieldTypeName BoundFieldKind = iota
	BoundFieldQuery
	BoundFieldExtra
)

// BoundField is `{ TypeName | Query { definition_id, arguments,
// response_key, selection_set_id? } | Extra { definition_id, arguments } }`
// per spec.md §3.
type BoundField struct {
	Kind BoundFieldKind

	DefinitionId schema.FieldDefinitionId
	Arguments    []BoundArgument
	Edge         ResponseEdge
	SelectionSet *BoundSelectionSetId // nil for leaves

	// Only meaningful for Kind == BoundFieldTypeName: the concrete type
	// that __typename resolves to at this position.
	TypeNameOf schema.TypeDefinitionId

	// HasTypeCondition / TypeCondition record the narrowest fragment type
	// condition this field was selected under, when that differs from the
	// enclosing BoundSelectionSet's own TypeCondition — the binder flattens
	// fragment spreads into their enclosing selection set (see bind.go),
	// and this is what lets a later plan/shape pass still tell which
	// concrete types a field applies to.
	HasTypeCondition bool
	TypeCondition    schema.TypeDefinitionId

	// Deferred / Label record a `@defer` on the fragment spread or inline
	// fragment this field was reached through (SPEC_FULL.md supplemented
	// feature "incremental delivery"); once set it is inherited by every
	// field nested underneath, the same way GraphQL's own `@defer` payload
	// boundary works. HasLabel distinguishes an explicit `label:` argument
	// from an unlabelled defer.
	Deferred bool
	HasLabel bool
	Label    string
}

type BoundArgument struct {
	Name  ids.StringId
	Value QueryInputValueId
}

// BoundSelectionSet is an ordered list of BoundFieldIds.
type BoundSelectionSet struct {
	Fields []BoundFieldId
	// TypeCondition narrows the parent type this selection set applies to
	// (inline/named fragments are expanded away by the binder — see
	// bind.go — but the narrowing they express is preserved here so the
	// solver and executor can still special-case polymorphic selections).
	TypeCondition schema.TypeDefinitionId
}

type BoundVariableDefinition struct {
	Name         ids.StringId
	Type         schema.TypeDefinitionId
	Wrapping     schema.Wrapping
	DefaultValue *QueryInputValueId
	Pos          Position
}

// QueryInputValueKind extends schema.InputValueKind with a variable
// reference, the one literal shape that never makes sense in a schema
// default (spec.md §3 "QueryInputValues").
type QueryInputValueKind uint8

const (
	QueryInputNull QueryInputValueKind = iota
	QueryInputBool
	QueryInputInt
	QueryInputFloat
	QueryInputString
	QueryInputEnum
	QueryInputList
	QueryInputObject
	QueryInputVariable
)

type QueryInputValue struct {
	Kind QueryInputValueKind

	Bool   bool
	Int    int64
	Float  float64
	String string
	Enum   ids.StringId

	List   []QueryInputValueId
	Object []QueryObjectField

	Variable VariableDefId
}

type QueryObjectField struct {
	Name  ids.StringId
	Value QueryInputValueId
}

// Position is a lightweight source span (line/col), enough to report bind
// errors without depending on gqlparser's ast.Position outside this package.
type Position struct {
	Line   int
	Column int
}

// BoundOperation is the binder's output: the fully resolved operation IR
// plus the ResponseKeys interning table used to order fields by source
// position (spec.md §4.B "Output").
type BoundOperation struct {
	Schema *schema.Schema

	OperationType schema.OperationKind
	RootType      schema.TypeDefinitionId
	Name          string

	Fields        ids.Arena[BoundField]
	SelectionSets ids.Arena[BoundSelectionSet]
	InputValues   ids.Arena[QueryInputValue]
	VariableDefs  ids.Arena[BoundVariableDefinition]

	RootSelectionSet BoundSelectionSetId

	ResponseKeys *ids.Interner
}

func (o *BoundOperation) Field(id BoundFieldId) BoundField { return o.Fields.Get(id) }
func (o *BoundOperation) SelectionSet(id BoundSelectionSetId) BoundSelectionSet {
	return o.SelectionSets.Get(id)
}
func (o *BoundOperation) InputValue(id QueryInputValueId) QueryInputValue {
	return o.InputValues.Get(id)
}
func (o *BoundOperation) VariableDef(id VariableDefId) BoundVariableDefinition {
	return o.VariableDefs.Get(id)
}

// VariableState tags one slot of the runtime Variables vector.
type VariableState uint8

const (
	VariableUndefined VariableState = iota
	VariableProvided
	VariableDefaultValue
)

type VariableSlot struct {
	State VariableState
	Value QueryInputValueId // meaningful when State != VariableUndefined
}

// Variables is the runtime, per-request vector indexed by VariableDefId
// (spec.md §3 "Variables (runtime)").
type Variables struct {
	Slots []VariableSlot
}

func (v Variables) Get(id VariableDefId) VariableSlot { return v.Slots[id] }
