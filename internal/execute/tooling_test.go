package execute

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/jensneuse/abstractlogger"
	"github.com/kylelemons/godebug/pretty"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	"github.com/wundergraph/astjson"
	"go.uber.org/goleak"

	"github.com/grafbase/gwcore/internal/ratelimit"
	"github.com/grafbase/gwcore/internal/testutil/httpmock"
)

// TestMain verifies Execute never leaves a partition goroutine running past
// its errgroup.Wait — a leaked goroutine here would mean a subgraph fetch is
// still in flight after a request is supposed to be done (spec.md §5
// "Cancellation").
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestRenderRootQueryMatchesGoldenFixture pins the exact subgraph query text
// the executor sends, the same way the teacher pins planner output: a text
// fixture under testdata/, updated only intentionally via `go test -update`.
func TestRenderRootQueryMatchesGoldenFixture(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id } }`)
	query := renderRootQuery(s, op, vars, op.OperationType, p.Partitions[0].RootFields)

	g := goldie.New(t)
	g.Assert(t, "root_query_me_id", []byte(query))
}

// TestExecutorMergedResponseMatchesPatchedFixture builds the expected merged
// JSON by patching a base fixture with sjson (rather than hand-writing the
// merged literal twice) and diffs the executor's actual serialized output
// against it with both go-cmp (structural) and godebug/pretty (textual) —
// the same double coverage the teacher favors for test-failure output.
func TestExecutorMergedResponseMatchesPatchedFixture(t *testing.T) {
	s, op, vars, p := buildTestPlan(t, `{ me { id name } }`)

	router := httpmock.NewRouter()
	router.Enqueue("http://a", httpmock.Response{Status: 200, Body: `{"data":{"me":{"id":"1"}}}`})
	router.Enqueue("http://b", httpmock.Response{Status: 200, Body: `{"data":{"_entities":[{"name":"Ada"}]}}`})

	exec := NewExecutor(s, router.Client(), abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	store, errs := exec.Execute(context.Background(), p, op, vars, RequestContext{Header: http.Header{}})
	require.False(t, errs.HasErrors(), errs)

	a := &astjson.Arena{}
	actual := store.Serialize(a, store.Root).String()

	wantJSON, err := sjson.Set(`{"id":"1"}`, "name", "Ada")
	require.NoError(t, err)

	var want, got map[string]any
	require.NoError(t, json.Unmarshal([]byte(wantJSON), &want))

	var actualWrapper map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(actual), &actualWrapper))
	got = actualWrapper["me"]

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged response mismatch (-want +got):\n%s\nactual raw dump:\n%s", diff, spew.Sdump(got))
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("merged response mismatch (pretty):\n%s", diff)
	}
}
