package steiner

import (
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/require"

	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/schema"
	"github.com/grafbase/gwcore/internal/solve"
)

const federatedSDL = `
directive @join__graph(name: String!, url: String!, subscriptionUrl: String) on ENUM_VALUE
directive @join__type(graph: join__Graph!, key: String, extension: Boolean, resolvable: Boolean) repeatable on OBJECT | INTERFACE
directive @join__field(graph: join__Graph, requires: String, provides: String) repeatable on FIELD_DEFINITION
directive @join__implements(graph: join__Graph!, interface: String!) repeatable on OBJECT | INTERFACE
directive @join__unionMember(graph: join__Graph!, member: String!) repeatable on UNION
directive @join__enumValue(graph: join__Graph!) repeatable on ENUM_VALUE
directive @authorized(fields: join__FieldSet) on FIELD_DEFINITION

scalar join__FieldSet

enum join__Graph {
  A @join__graph(name: "a", url: "http://a")
  B @join__graph(name: "b", url: "http://b")
}

schema { query: Query }

type Query @join__type(graph: A) {
  me: User @join__field(graph: A)
  product: Product @join__field(graph: A)
}

type User @join__type(graph: A, key: "id") @join__type(graph: B, key: "id") {
  id: ID! @join__field(graph: A) @join__field(graph: B)
  name: String @join__field(graph: B)
}

type Product @join__type(graph: A, key: "id") @join__type(graph: B, key: "id") {
  id: ID! @join__field(graph: A) @join__field(graph: B)
  weight: Float @join__field(graph: A)
  shipping: String @join__field(graph: B, requires: "weight")
  secret: String @join__field(graph: B) @authorized(fields: "weight")
}
`

func buildAndSolve(t *testing.T, query string) (*solve.Graph, Solution) {
	t.Helper()
	s, err := schema.Build(federatedSDL, abstractlogger.Noop{})
	require.NoError(t, err)

	op, report := operation.Bind(s, query, "")
	require.False(t, report.HasErrors(), report.Diagnostics())

	g, err := solve.Build(s, op)
	require.NoError(t, err)

	sol, err := Solve(g, solve.Terminals(g))
	require.NoError(t, err)
	return g, sol
}

func TestSolveConnectsAllTerminals(t *testing.T) {
	g, sol := buildAndSolve(t, `{ me { id name } }`)

	require.True(t, sol.Includes(g.Root))
	for _, term := range solve.Terminals(g) {
		require.True(t, sol.Includes(term), "terminal %v must be connected", term)
	}
}

func TestSolvePullsRequiresLeafIntoSolution(t *testing.T) {
	g, sol := buildAndSolve(t, `{ product { shipping } }`)

	// `weight` is synthesized by internal/solve to satisfy @requires; its
	// QueryField node must end up included even though it started out of
	// the original terminal set.
	var requiredLeaf solve.NodeId
	found := false
	for _, e := range g.Edges {
		if e.Kind == solve.EdgeRequiredBySubgraph {
			requiredLeaf = e.To
			found = true
		}
	}
	require.True(t, found)
	require.True(t, sol.Includes(requiredLeaf))
}

// TestSolvePullsAuthorizedLeafIntoSolution is TestSolvePullsRequiresLeafIntoSolution's
// counterpart for a supergraph-level (not subgraph-level) obligation: `secret`
// carries `@authorized(fields: "weight")`, producing an EdgeRequiredBySupergraph
// rather than EdgeRequiredBySubgraph, which the fixpoint loop must honor just
// the same.
func TestSolvePullsAuthorizedLeafIntoSolution(t *testing.T) {
	g, sol := buildAndSolve(t, `{ product { secret } }`)

	var requiredLeaf solve.NodeId
	found := false
	for _, e := range g.Edges {
		if e.Kind == solve.EdgeRequiredBySupergraph {
			requiredLeaf = e.To
			found = true
		}
	}
	require.True(t, found)
	require.True(t, sol.Includes(requiredLeaf))
}

func TestSolveIsDeterministic(t *testing.T) {
	s, err := schema.Build(federatedSDL, abstractlogger.Noop{})
	require.NoError(t, err)
	op, report := operation.Bind(s, `{ me { id name } }`, "")
	require.False(t, report.HasErrors())
	g, err := solve.Build(s, op)
	require.NoError(t, err)

	sol1, err := Solve(g, solve.Terminals(g))
	require.NoError(t, err)
	sol2, err := Solve(g, solve.Terminals(g))
	require.NoError(t, err)

	require.Equal(t, len(sol1.Nodes), len(sol2.Nodes))
	for id := range sol1.Nodes {
		require.True(t, sol2.Includes(id))
	}
}
