package plan

import (
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/require"

	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/schema"
	"github.com/grafbase/gwcore/internal/solve"
	"github.com/grafbase/gwcore/internal/solve/steiner"
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

schema { query: Query mutation: Mutation }

type Query @join__type(graph: A) {
  me: User @join__field(graph: A)
  product: Product @join__field(graph: A)
}

type Mutation @join__type(graph: A) {
  createX(name: String): User @join__field(graph: A)
  createY(name: String): User @join__field(graph: A)
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

func buildPlan(t *testing.T, query string) (*schema.Schema, *operation.BoundOperation, *Plan) {
	t.Helper()
	s, err := schema.Build(federatedSDL, abstractlogger.Noop{})
	require.NoError(t, err)

	op, report := operation.Bind(s, query, "")
	require.False(t, report.HasErrors(), report.Diagnostics())

	g, err := solve.Build(s, op)
	require.NoError(t, err)

	sol, err := steiner.Solve(g, solve.Terminals(g))
	require.NoError(t, err)

	p, err := Build(s, op, g, sol)
	require.NoError(t, err)
	return s, op, p
}

func TestPlanTwoSubgraphJoinProducesTwoPartitions(t *testing.T) {
	_, _, p := buildPlan(t, `{ me { id name } }`)

	require.GreaterOrEqual(t, len(p.Partitions), 2)

	order, err := p.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, len(p.Partitions))
}

func TestPlanRequiresCrossPartitionDependency(t *testing.T) {
	_, _, p := buildPlan(t, `{ product { shipping } }`)

	// The partition resolving `shipping` on B must depend on the partition
	// that resolved `weight` on A (spec.md §8 scenario 5).
	var bIdx, aIdx = -1, -1
	for i, part := range p.Partitions {
		if !part.IsRoot {
			bIdx = i
		} else {
			aIdx = i
		}
	}
	require.NotEqual(t, -1, bIdx)
	require.NotEqual(t, -1, aIdx)
	require.Contains(t, p.DependsOn(bIdx), aIdx)
}

// TestPlanPopulatesAuthorizedResponseModifier covers spec.md §4.E "Response
// modifiers": a field carrying `@authorized(fields:)` must surface as a
// ModifierResponseStage entry on the partition that resolves it, not sit as
// a silently-empty Partition.Modifiers.
func TestPlanPopulatesAuthorizedResponseModifier(t *testing.T) {
	_, _, p := buildPlan(t, `{ product { secret } }`)

	found := false
	for _, part := range p.Partitions {
		for _, m := range part.Modifiers {
			if m.Stage == ModifierResponseStage && m.Name == "authorized" {
				found = true
			}
		}
	}
	require.True(t, found)
}

// TestPlanDeferSplitsPartitionFromNonDeferredSibling covers SPEC_FULL.md
// §4.E "`@defer` partition boundaries": `me` and `product` each resolve
// off their own root resolver on A (internal/solve keys root resolvers per
// root field), so they are separate partitions either way. The deferred
// `product` fragment must come out as exactly one partition marked Deferred
// with its label, and every non-deferred root partition must stay unmarked.
func TestPlanDeferSplitsPartitionFromNonDeferredSibling(t *testing.T) {
	_, _, p := buildPlan(t, `{ me { id } ... on Query @defer(label: "slow") { product { weight } } }`)

	var deferred, plain []Partition
	for _, part := range p.Partitions {
		if part.Deferred {
			deferred = append(deferred, part)
		} else if part.IsRoot {
			plain = append(plain, part)
		}
	}
	require.Len(t, deferred, 1)
	require.True(t, deferred[0].HasDeferLabel)
	require.Equal(t, "slow", deferred[0].DeferLabel)
	require.NotEmpty(t, plain)
	for _, part := range plain {
		require.False(t, part.Deferred)
	}
}

func TestPlanMutationRootOrderFollowsDeclaration(t *testing.T) {
	_, _, p := buildPlan(t, `mutation { a: createX(name: "x") { id } b: createY(name: "y") { id } }`)

	var orders []int
	for _, part := range p.Partitions {
		if part.RootOrder >= 0 {
			orders = append(orders, part.RootOrder)
		}
	}
	require.NotEmpty(t, orders)
	for i, o := range orders {
		require.Equal(t, i, o)
	}
}
