package execute

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/require"

	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/plan"
	"github.com/grafbase/gwcore/internal/ratelimit"
	"github.com/grafbase/gwcore/internal/schema"
	"github.com/grafbase/gwcore/internal/solve"
	"github.com/grafbase/gwcore/internal/solve/steiner"
	"github.com/grafbase/gwcore/internal/testutil/wsmock"
)

const subscriptionSDLTemplate = `
directive @join__graph(name: String!, url: String!, subscriptionUrl: String) on ENUM_VALUE
directive @join__type(graph: join__Graph!, key: String, extension: Boolean, resolvable: Boolean) repeatable on OBJECT | INTERFACE
directive @join__field(graph: join__Graph, requires: String, provides: String) repeatable on FIELD_DEFINITION

scalar join__FieldSet

enum join__Graph {
  A @join__graph(name: "a", url: "http://a", subscriptionUrl: "%s")
}

schema { query: Query subscription: Subscription }

type Query @join__type(graph: A) {
  noop: String @join__field(graph: A)
}

type Subscription @join__type(graph: A) {
  priceChanged: Price @join__field(graph: A)
}

type Price @join__type(graph: A) {
  amount: Int @join__field(graph: A)
}
`

func TestSubscribeStreamsOneEventPerMessage(t *testing.T) {
	server := wsmock.NewServer()
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL(), "http")
	sdl := fmt.Sprintf(subscriptionSDLTemplate, wsURL)

	s, err := schema.Build(sdl, abstractlogger.Noop{})
	require.NoError(t, err)

	op, report := operation.Bind(s, `subscription { priceChanged { amount } }`, "")
	require.False(t, report.HasErrors(), report.Diagnostics())

	vars, vreport := operation.Coerce(op, nil)
	require.False(t, vreport.HasErrors(), vreport.Diagnostics())

	g, err := solve.Build(s, op)
	require.NoError(t, err)
	sol, err := steiner.Solve(g, solve.Terminals(g))
	require.NoError(t, err)
	p, err := plan.Build(s, op, g, sol)
	require.NoError(t, err)

	exec := NewExecutor(s, http.DefaultClient, abstractlogger.Noop{}, nil, ratelimit.NewBucket(1_000_000, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Subscribe's initial websocket.Dial performs the HTTP upgrade
	// synchronously, so by the time it returns the mock server already has
	// a connection to read from — only the connection_init/subscribe
	// exchange and later frames happen concurrently with the read below.
	events, err := exec.Subscribe(ctx, p, op, vars, RequestContext{Header: http.Header{}})
	require.NoError(t, err)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		msg, err := server.ReadMessage()
		require.NoError(t, err)
		require.Contains(t, msg, "connection_init")
		require.NoError(t, server.SendMessage(`{"type":"connection_ack"}`))

		msg, err = server.ReadMessage()
		require.NoError(t, err)
		require.Contains(t, msg, "subscribe")
		require.NoError(t, server.SendMessage(`{"type":"next","id":"1","payload":{"data":{"priceChanged":{"amount":1}}}}`))
		require.NoError(t, server.SendMessage(`{"type":"next","id":"1","payload":{"data":{"priceChanged":{"amount":2}}}}`))
		require.NoError(t, server.SendMessage(`{"type":"complete","id":"1"}`))
	}()

	var amounts []int64
	for ev := range events {
		if ev.Done {
			break
		}
		require.False(t, ev.Errs.HasErrors(), ev.Errs)
		root := ev.Store.Value(ev.Store.Root)

		priceKey, ok := ev.Store.Strings.TryLookup("priceChanged")
		require.True(t, ok)
		priceField, ok := ev.Store.FieldByKey(ev.Store.Object(root.Object), priceKey)
		require.True(t, ok)

		amountKey, ok := ev.Store.Strings.TryLookup("amount")
		require.True(t, ok)
		amountField, ok := ev.Store.FieldByKey(ev.Store.Object(ev.Store.Value(priceField).Object), amountKey)
		require.True(t, ok)

		amounts = append(amounts, ev.Store.Value(amountField).Int)
	}

	require.Equal(t, []int64{1, 2}, amounts)

	<-serverDone
}
