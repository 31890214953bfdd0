package operation

import (
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/require"

	"github.com/grafbase/gwcore/internal/schema"
)

const testSDL = `
schema { query: Query mutation: Mutation }

type Query {
  node(id: ID!): Node
  search(filter: SearchFilter, limit: Int = 10): [SearchResult!]!
}

type Mutation {
  createWidget(input: CreateWidgetInput!): Widget!
}

interface Node {
  id: ID!
}

type Widget implements Node {
  id: ID!
  name: String!
  color: Color!
  tags: [String!]
}

type Gadget implements Node {
  id: ID!
  weight: Float!
}

union SearchResult = Widget | Gadget

enum Color {
  RED
  GREEN
  BLUE
}

input SearchFilter {
  text: String
  color: Color
}

input CreateWidgetInput {
  name: String!
  color: Color = RED
}
`

func mustBuildSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Build(testSDL, abstractlogger.Noop{})
	require.NoError(t, err)
	return s
}

func TestBindSimpleQuery(t *testing.T) {
	s := mustBuildSchema(t)

	op, report := Bind(s, `query Get($id: ID!) { node(id: $id) { id __typename ... on Widget { name color } } }`, "")
	require.False(t, report.HasErrors(), report.Diagnostics())
	require.Equal(t, schema.OperationQuery, op.OperationType)

	root := op.SelectionSet(op.RootSelectionSet)
	require.Len(t, root.Fields, 1)

	nodeField := op.Field(root.Fields[0])
	require.Equal(t, BoundFieldQuery, nodeField.Kind)
	require.NotNil(t, nodeField.SelectionSet)

	inner := op.SelectionSet(*nodeField.SelectionSet)
	// id, __typename, name, color — the inline fragment is flattened.
	require.Len(t, inner.Fields, 4)
}

func TestBindUnknownFieldIsBindError(t *testing.T) {
	s := mustBuildSchema(t)
	_, report := Bind(s, `{ node(id: "1") { bogus } }`, "")
	require.True(t, report.HasErrors())
}

func TestBindUnusedVariableIsError(t *testing.T) {
	s := mustBuildSchema(t)
	_, report := Bind(s, `query Get($id: ID!, $unused: String) { node(id: $id) { id } }`, "")
	require.True(t, report.HasErrors())
}

func TestBindRequiresOperationNameWhenAmbiguous(t *testing.T) {
	s := mustBuildSchema(t)
	_, report := Bind(s, `
		query One { node(id: "1") { id } }
		query Two { node(id: "2") { id } }
	`, "")
	require.True(t, report.HasErrors())
}

func TestBindLeafCannotHaveSelectionSet(t *testing.T) {
	s := mustBuildSchema(t)
	_, report := Bind(s, `{ node(id: "1") { id { x } } }`, "")
	require.True(t, report.HasErrors())
}

func TestBindFragmentTypeConditionMustOverlap(t *testing.T) {
	s := mustBuildSchema(t)
	_, report := Bind(s, `{ node(id: "1") { ... on Gadget { ... on Widget { name } } } }`, "")
	require.True(t, report.HasErrors())
}

func TestCoerceVariablesAndDefaults(t *testing.T) {
	s := mustBuildSchema(t)
	op, report := Bind(s, `query Get($id: ID!) { node(id: $id) { id } }`, "")
	require.False(t, report.HasErrors())

	vars, cr := Coerce(op, map[string]any{"id": "abc"})
	require.False(t, cr.HasErrors())
	slot := vars.Get(0)
	require.Equal(t, VariableProvided, slot.State)
	val := op.InputValue(slot.Value)
	require.Equal(t, QueryInputString, val.Kind)
	require.Equal(t, "abc", val.String)
}

func TestCoerceMissingRequiredVariableIsError(t *testing.T) {
	s := mustBuildSchema(t)
	op, report := Bind(s, `query Get($id: ID!) { node(id: $id) { id } }`, "")
	require.False(t, report.HasErrors())

	_, cr := Coerce(op, map[string]any{})
	require.True(t, cr.HasErrors())
}

func TestCoerceInputObjectWithDefaultAndEnum(t *testing.T) {
	s := mustBuildSchema(t)
	op, report := Bind(s, `mutation Create($input: CreateWidgetInput!) { createWidget(input: $input) { id } }`, "")
	require.False(t, report.HasErrors())

	vars, cr := Coerce(op, map[string]any{"input": map[string]any{"name": "thingamajig"}})
	require.False(t, cr.HasErrors(), cr.Diagnostics())
	slot := vars.Get(0)
	require.Equal(t, VariableProvided, slot.State)
	obj := op.InputValue(slot.Value)
	require.Equal(t, QueryInputObject, obj.Kind)
	require.Len(t, obj.Object, 2) // name provided, color defaulted
}

func TestBindDeferOnInlineFragmentMarksNestedFieldsOnly(t *testing.T) {
	s := mustBuildSchema(t)
	op, report := Bind(s, `query Get($id: ID!) {
		node(id: $id) {
			id
			... on Widget @defer(label: "widgetDetails") {
				name
				color
			}
		}
	}`, "")
	require.False(t, report.HasErrors(), report.Diagnostics())

	root := op.SelectionSet(op.RootSelectionSet)
	nodeField := op.Field(root.Fields[0])
	inner := op.SelectionSet(*nodeField.SelectionSet)

	byKey := map[string]BoundField{}
	for _, fid := range inner.Fields {
		f := op.Field(fid)
		byKey[op.ResponseKeys.Lookup(f.Edge.Key)] = f
	}

	require.False(t, byKey["id"].Deferred)
	require.True(t, byKey["name"].Deferred)
	require.True(t, byKey["name"].HasLabel)
	require.Equal(t, "widgetDetails", byKey["name"].Label)
	require.True(t, byKey["color"].Deferred)
}

func TestBindDeferInheritsThroughNestedFragmentSpread(t *testing.T) {
	s := mustBuildSchema(t)
	op, report := Bind(s, `
		query Get($id: ID!) {
			node(id: $id) {
				... on Widget @defer {
					...widgetFields
				}
			}
		}
		fragment widgetFields on Widget {
			name
		}
	`, "")
	require.False(t, report.HasErrors(), report.Diagnostics())

	root := op.SelectionSet(op.RootSelectionSet)
	nodeField := op.Field(root.Fields[0])
	inner := op.SelectionSet(*nodeField.SelectionSet)
	require.Len(t, inner.Fields, 1)

	nameField := op.Field(inner.Fields[0])
	require.True(t, nameField.Deferred)
	require.False(t, nameField.HasLabel)
}

func TestBindDeferIfFalseLiteralDoesNotDefer(t *testing.T) {
	s := mustBuildSchema(t)
	op, report := Bind(s, `query Get($id: ID!) {
		node(id: $id) {
			... on Widget @defer(if: false) {
				name
			}
		}
	}`, "")
	require.False(t, report.HasErrors(), report.Diagnostics())

	root := op.SelectionSet(op.RootSelectionSet)
	nodeField := op.Field(root.Fields[0])
	inner := op.SelectionSet(*nodeField.SelectionSet)
	require.False(t, op.Field(inner.Fields[0]).Deferred)
}

func TestCoerceUnknownInputFieldIsError(t *testing.T) {
	s := mustBuildSchema(t)
	op, report := Bind(s, `mutation Create($input: CreateWidgetInput!) { createWidget(input: $input) { id } }`, "")
	require.False(t, report.HasErrors())

	_, cr := Coerce(op, map[string]any{"input": map[string]any{"name": "x", "bogus": 1}})
	require.True(t, cr.HasErrors())
}
