package execute

import (
	"context"
	"net/http"
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/require"

	"github.com/grafbase/gwcore/internal/ratelimit"
	"github.com/grafbase/gwcore/internal/testutil/httpmock"
)

// TestExecutorExecuteIncrementalStreamsDeferredEntityPartition covers
// SPEC_FULL.md §4.F "Incremental delivery execution": `User.name` (an
// `_entities` lookup on subgraph B) is deferred while `User.id` (resolved
// directly on subgraph A) is not, so the initial Store must come back
// without `name` at all, and the deferred payload must arrive afterward on
// its own channel, positioned at `me` with the label it was given.
func TestExecutorExecuteIncrementalStreamsDeferredEntityPartition(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id ... on User @defer(label: "nameLabel") { name } } }`)

	deferredFound := false
	for _, part := range p.Partitions {
		if part.Deferred {
			deferredFound = true
		}
	}
	require.True(t, deferredFound, "expected one partition marked Deferred")

	router := httpmock.NewRouter()
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"me":{"id":"1"}}}`})
	router.Enqueue("http://b", httpmock.Response{Status: 200, Body: `{"data":{"_entities":[{"name":"Ada"}]}}`})

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	store, errs, incoming := exec.ExecuteIncremental(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.False(t, errs.HasErrors(), errs)
	require.True(t, store.Data)

	root := store.Value(store.Root)
	meKey, ok := store.Strings.TryLookup("me")
	require.True(t, ok)
	meId, ok := store.FieldByKey(store.Object(root.Object), meKey)
	require.True(t, ok)
	me := store.Value(meId)
	if nameKey, hasNameKey := store.Strings.TryLookup("name"); hasNameKey {
		_, hasName := store.FieldByKey(store.Object(me.Object), nameKey)
		require.False(t, hasName, "initial response must not carry the deferred field yet")
	}

	var payloads []IncrementalPayload
	for pay := range incoming {
		payloads = append(payloads, pay)
	}
	require.Len(t, payloads, 1)

	pay := payloads[0]
	require.False(t, pay.Unrepresentable)
	require.False(t, pay.DataNull)
	require.True(t, pay.HasLabel)
	require.Equal(t, "nameLabel", pay.Label)
	require.Len(t, pay.Path, 1)
	require.Equal(t, "me", store.Strings.Lookup(pay.Path[0]))

	nameObj := store.Object(pay.Data)
	require.Len(t, nameObj.Fields, 1)
	require.Equal(t, "name", store.Strings.Lookup(nameObj.Fields[0].Key))
}

// TestExecutorExecuteIncrementalDeferredRootPartitionMergesAtRoot covers the
// root-partition flavour of incremental delivery: a `@defer`-marked Query
// root field resolves to its own IncrementalPayload with no Path (it merges
// at the response root), while its non-deferred sibling is already present
// in the initial Store.
func TestExecutorExecuteIncrementalDeferredRootPartitionMergesAtRoot(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id } ... on Query @defer(label: "productLabel") { product { weight } } }`)

	// me and product each get their own root resolver on A, so they run as
	// two concurrent requests to the same URL — enqueue the same (superset)
	// body for both so whichever request lands first, each partition still
	// finds its own key.
	router := httpmock.NewRouter()
	combined := httpmock.Response{Status: 200, Body: `{"data":{"me":{"id":"1"},"product":{"weight":2.5}}}`}
	router.Enqueue("http://a", combined)
	router.Enqueue("http://a", combined)

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	store, errs, incoming := exec.ExecuteIncremental(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.False(t, errs.HasErrors(), errs)
	require.True(t, store.Data)

	root := store.Value(store.Root)
	_, hasProduct := store.Strings.TryLookup("product")
	if hasProduct {
		productKey, _ := store.Strings.TryLookup("product")
		_, found := store.FieldByKey(store.Object(root.Object), productKey)
		require.False(t, found, "initial response must not carry the deferred root field yet")
	}

	var payloads []IncrementalPayload
	for pay := range incoming {
		payloads = append(payloads, pay)
	}
	require.Len(t, payloads, 1)

	pay := payloads[0]
	require.False(t, pay.Unrepresentable)
	require.False(t, pay.DataNull)
	require.True(t, pay.HasLabel)
	require.Equal(t, "productLabel", pay.Label)
	require.Empty(t, pay.Path)

	productObj := store.Object(pay.Data)
	require.Len(t, productObj.Fields, 1)
	require.Equal(t, "product", store.Strings.Lookup(productObj.Fields[0].Key))
}
