package execute

import (
	"context"
	"net/http"
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/require"

	"github.com/grafbase/gwcore/internal/cache"
	"github.com/grafbase/gwcore/internal/gqlerr"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/plan"
	"github.com/grafbase/gwcore/internal/ratelimit"
	"github.com/grafbase/gwcore/internal/response"
	"github.com/grafbase/gwcore/internal/schema"
	"github.com/grafbase/gwcore/internal/solve"
	"github.com/grafbase/gwcore/internal/solve/steiner"
	"github.com/grafbase/gwcore/internal/testutil/httpmock"
)

const executorTestSDL = `
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
  name: String @join__field(graph: B) @authorized(fields: "id")
}

type Product @join__type(graph: A, key: "id") @join__type(graph: B, key: "id") {
  id: ID! @join__field(graph: A) @join__field(graph: B)
  weight: Float @join__field(graph: A)
  shipping: String @join__field(graph: B, requires: "weight")
}
`

func buildTestPlan(t *testing.T, query string) (*schema.Schema, *operation.BoundOperation, operation.Variables, *plan.Plan) {
	t.Helper()
	s, err := schema.Build(executorTestSDL, abstractlogger.Noop{})
	require.NoError(t, err)

	op, report := operation.Bind(s, query, "")
	require.False(t, report.HasErrors(), report.Diagnostics())

	vars, vreport := operation.Coerce(op, nil)
	require.False(t, vreport.HasErrors(), vreport.Diagnostics())

	g, err := solve.Build(s, op)
	require.NoError(t, err)

	sol, err := steiner.Solve(g, solve.Terminals(g))
	require.NoError(t, err)

	p, err := plan.Build(s, op, g, sol)
	require.NoError(t, err)
	return s, op, vars, p
}

func newTestExecutor(router *httpmock.Router) *Executor {
	return NewExecutor(nil, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))
}

func TestExecutorMergesRootAndEntityPartitions(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id name } }`)

	router := httpmock.NewRouter()
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"me":{"id":"1"}}}`})
	router.Enqueue("http://b", httpmock.Response{Status: 200, Body: `{"data":{"_entities":[{"name":"Ada"}]}}`})

	entityCache, err := cache.NewEntityCache(16)
	require.NoError(t, err)

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, entityCache, ratelimit.NewBucket(1_000_000, 0))

	store, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.False(t, errs.HasErrors(), errs)
	require.True(t, store.Data)

	root := store.Value(store.Root)
	require.Equal(t, 1, len(store.Object(root.Object).Fields))
}

func TestExecutorAuthorizationHookDeniesFieldAndNullsIt(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id name } }`)

	found := false
	for _, part := range p.Partitions {
		for _, m := range part.Modifiers {
			if m.Stage == plan.ModifierResponseStage && m.Name == "authorized" {
				found = true
			}
		}
	}
	require.True(t, found, "expected User.name's @authorized(fields: \"id\") to produce a response modifier")

	router := httpmock.NewRouter()
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"me":{"id":"1"}}}`})
	router.Enqueue("http://b", httpmock.Response{Status: 200, Body: `{"data":{"_entities":[{"name":"Ada"}]}}`})

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))
	exec.AuthHook = func(ctx context.Context, store *response.Store, fieldName string, parentObj response.ObjectId) bool {
		if fieldName != "name" {
			return true
		}
		// The hook can see the sibling @authorized(fields:) demanded —
		// here id, merged in by the time this runs.
		idKey, ok := store.Strings.TryLookup("id")
		require.True(t, ok)
		_, hasID := store.FieldByKey(store.Object(parentObj), idKey)
		require.True(t, hasID)
		return false
	}

	store, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.True(t, errs.HasErrors())
	denied := false
	for _, e := range errs {
		if e.Code == gqlerr.CodeUnauthorized {
			denied = true
		}
	}
	require.True(t, denied, "expected an UNAUTHORIZED error, got %v", errs)

	root := store.Value(store.Root)
	meKey, ok := store.Strings.TryLookup("me")
	require.True(t, ok)
	meId, ok := store.FieldByKey(store.Object(root.Object), meKey)
	require.True(t, ok)
	me := store.Value(meId)
	nameKey, ok := store.Strings.TryLookup("name")
	require.True(t, ok)
	nameId, ok := store.FieldByKey(store.Object(me.Object), nameKey)
	require.True(t, ok)
	require.Equal(t, response.ValueNull, store.Value(nameId).Kind)
}

func TestExecutorSubgraphErrorDoesNotAbortRequest(t *testing.T) {
	_, op, vars, p := buildTestPlan(t, `{ me { id name } }`)

	router := httpmock.NewRouter()
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":null,"errors":[{"message":"boom"}]}`})
	router.Enqueue("http://b", httpmock.Response{Status: 200, Body: `{"data":{"_entities":[]}}`})

	s, _ := schema.Build(executorTestSDL, abstractlogger.Noop{})
	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	_, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.True(t, errs.HasErrors())
}

func TestExecutorMutationRootOrderIsSequential(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `mutation { a: createX(name: "x") { id } b: createY(name: "y") { id } }`)

	router := httpmock.NewRouter()
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"a":{"id":"1"}}}`})
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"b":{"id":"2"}}}`})

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	store, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.False(t, errs.HasErrors(), errs)
	require.Equal(t, 2, router.Count("http://a"))

	root := store.Value(store.Root)
	require.Equal(t, 2, len(store.Object(root.Object).Fields))
}

func TestExecutorRetriesTransientSubgraphFailureWithinBudget(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id } }`)

	router := httpmock.NewRouter()
	router.Enqueue("http://a", httpmock.Response{Status: 503, Body: `{"errors":[{"message":"unavailable"}]}`})
	router.Enqueue("http://a", httpmock.Response{Status: 503, Body: `{"errors":[{"message":"unavailable"}]}`})
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"me":{"id":"1"}}}`})

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	store, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.False(t, errs.HasErrors(), errs)
	require.True(t, store.Data)
	require.Equal(t, 3, router.Count("http://a")) // two retries observed; the default budget starts with 10 credits

	root := store.Value(store.Root)
	require.Equal(t, 1, len(store.Object(root.Object).Fields))
}

func TestExecutorRetryBudgetExhaustionSurfacesLastError(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id } }`)

	router := httpmock.NewRouter()
	router.SetFallback(httpmock.Response{Status: 503, Body: `{"errors":[{"message":"unavailable"}]}`})

	// A budget with no starting credits and no replenishment never grants a
	// retry, so the very first failure is final.
	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))
	exec.retryBudgets[p.Partitions[0].Subgraph] = ratelimit.NewRetryBudget(0, 0, false)

	_, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.True(t, errs.HasErrors())
	require.Equal(t, 1, router.Count("http://a"))
}

func TestExecutorNullPropagatesToNearestNullableAncestor(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id } }`)

	router := httpmock.NewRouter()
	// User.id is non-null, but Query.me is nullable: a null id bubbles one
	// level and is absorbed there, nulling `me` rather than all of `data`.
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"me":{"id":null}}}`})

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	store, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.True(t, errs.HasErrors())
	found := false
	for _, e := range errs {
		if e.Code == gqlerr.CodeSubgraphInvalidResponse {
			found = true
		}
	}
	require.True(t, found, "expected a SUBGRAPH_INVALID_RESPONSE_ERROR, got %v", errs)
	require.True(t, store.Data)

	root := store.Value(store.Root)
	meKey, ok := store.Strings.TryLookup("me")
	require.True(t, ok)
	meId, ok := store.FieldByKey(store.Object(root.Object), meKey)
	require.True(t, ok)
	me := store.Value(meId)
	require.Equal(t, response.ValueNull, me.Kind)
}

func TestExecutorGlobalRateLimitRejectsRequest(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id } }`)

	router := httpmock.NewRouter()
	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(0, 0))

	_, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.True(t, errs.HasErrors())
	require.Empty(t, router.Requests)
}
