// Subscription execution: dial a subscription subgraph, speak the
// graphql-transport-ws subprotocol (or consume an SSE event stream), and
// ingest each `next` payload into a fresh, single-message response.Store —
// spec.md §3's Store is scoped "to one request or one subscription
// message", so unlike a query/mutation's one-shot Execute, a subscription
// produces a channel of Stores, one per upstream event.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/r3labs/sse/v2"

	"github.com/grafbase/gwcore/internal/gqlerr"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/plan"
	"github.com/grafbase/gwcore/internal/response"
	"github.com/grafbase/gwcore/internal/schema"
)

// SubscriptionEvent is one message pushed to a subscription caller: either a
// freshly ingested Store (a `next` payload) or a terminal error.
type SubscriptionEvent struct {
	Store *response.Store
	Errs  gqlerr.List
	Done  bool
}

const graphqlTransportWSSubprotocol = "graphql-transport-ws"

// wsMessage mirrors the graphql-transport-ws envelope
// (https://github.com/enisdenjo/graphql-ws/blob/master/PROTOCOL.md): every
// frame is `{type, id, payload}`, payload shape depending on type.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Subscribe opens a subscription against p's single root partition (a
// subscription operation resolves through exactly one subgraph; spec.md's
// federation model does not split a subscription's root selection across
// subgraphs) and returns a channel of SubscriptionEvents, one per upstream
// message. The channel is closed when the subgraph sends `complete`, the
// connection drops, or ctx is cancelled.
func (e *Executor) Subscribe(ctx context.Context, p *plan.Plan, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) (<-chan SubscriptionEvent, error) {
	if len(p.Partitions) == 0 {
		return nil, fmt.Errorf("subscribe: plan has no partitions")
	}
	part := p.Partitions[0]
	sg := e.Schema.Subgraph(part.Subgraph)

	query := renderRootQuery(e.Schema, op, vars, schema.OperationSubscription, part.RootFields)

	if sg.WebsocketURL != "" {
		return e.subscribeWS(ctx, part, sg, op, query, rc)
	}
	return e.subscribeSSE(ctx, part, sg, op, query, rc)
}

func (e *Executor) subscribeWS(ctx context.Context, part plan.Partition, sg schema.Subgraph, op *operation.BoundOperation, query string, rc RequestContext) (<-chan SubscriptionEvent, error) {
	conn, _, err := websocket.Dial(ctx, sg.WebsocketURL, &websocket.DialOptions{
		Subprotocols: []string{graphqlTransportWSSubprotocol},
		HTTPHeader:   ApplyHeaderRules(e.Schema, sg, rc),
	})
	if err != nil {
		return nil, fmt.Errorf("dialing subscription subgraph %q: %w", e.Schema.Name(sg.Name), err)
	}

	out := make(chan SubscriptionEvent, 1)

	init := wsMessage{Type: "connection_init"}
	if err := writeWSJSON(ctx, conn, init); err != nil {
		conn.Close(websocket.StatusInternalError, "connection_init failed")
		return nil, fmt.Errorf("subscription connection_init: %w", err)
	}

	subPayload, err := json.Marshal(subscribePayload{Query: query})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encoding subscribe payload")
		return nil, err
	}
	subscribe := wsMessage{Type: "subscribe", ID: "1", Payload: subPayload}

	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")

		// The first frame back must be connection_ack before a subscribe
		// request is sent — per the graphql-transport-ws handshake.
		var ack wsMessage
		if err := readWSJSON(ctx, conn, &ack); err != nil {
			out <- SubscriptionEvent{Errs: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subscription handshake: %v", err)}, Done: true}
			return
		}
		if ack.Type != "connection_ack" {
			out <- SubscriptionEvent{Errs: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subscription handshake: expected connection_ack, got %q", ack.Type)}, Done: true}
			return
		}
		if err := writeWSJSON(ctx, conn, subscribe); err != nil {
			out <- SubscriptionEvent{Errs: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subscription subscribe: %v", err)}, Done: true}
			return
		}

		for {
			var msg wsMessage
			if err := readWSJSON(ctx, conn, &msg); err != nil {
				out <- SubscriptionEvent{Errs: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subscription read: %v", err)}, Done: true}
				return
			}
			switch msg.Type {
			case "next":
				ev := e.ingestSubscriptionPayload(part, op, msg.Payload)
				out <- ev
			case "error":
				out <- SubscriptionEvent{Errs: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q: %s", e.Schema.Name(sg.Name), string(msg.Payload))}}
			case "complete":
				out <- SubscriptionEvent{Done: true}
				return
			}
		}
	}()

	return out, nil
}

func (e *Executor) subscribeSSE(ctx context.Context, part plan.Partition, sg schema.Subgraph, op *operation.BoundOperation, query string, rc RequestContext) (<-chan SubscriptionEvent, error) {
	endpoint := sg.URL + "?" + url.Values{"query": {query}}.Encode()
	client := sse.NewClient(endpoint)
	client.Headers = map[string]string{}
	for k, vs := range ApplyHeaderRules(e.Schema, sg, rc) {
		if len(vs) > 0 {
			client.Headers[k] = vs[0]
		}
	}

	out := make(chan SubscriptionEvent, 1)
	go func() {
		defer close(out)
		err := client.SubscribeWithContext(ctx, "", func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			ev := e.ingestSubscriptionPayload(part, op, msg.Data)
			out <- ev
		})
		if err != nil && ctx.Err() == nil {
			out <- SubscriptionEvent{Errs: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q SSE stream: %v", e.Schema.Name(sg.Name), err)}}
		}
		out <- SubscriptionEvent{Done: true}
	}()
	return out, nil
}

// ingestSubscriptionPayload builds a fresh Store for one upstream event
// (spec.md §3: a Store is scoped to one message, never shared across
// events) and ingests the event's data into it.
func (e *Executor) ingestSubscriptionPayload(part plan.Partition, op *operation.BoundOperation, raw []byte) SubscriptionEvent {
	tl := peekTopLevel(raw)

	store := response.NewStore(op.ResponseKeys)
	var errs gqlerr.List
	if tl.HasErrors {
		errs = append(errs, gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subscription event carried errors: %s", string(tl.ErrorsRaw)))
	}
	if !tl.HasData {
		return SubscriptionEvent{Store: store, Errs: errs}
	}

	var nullErrs gqlerr.List
	obj, err := ingestObject(store, e.Schema, op, part.Shape, tl.DataRaw, &nullErrs)
	if rn, ok := err.(*requiredNullError); ok {
		// A single subscription event is its own whole response (spec.md
		// §3): a non-null field resolving to null bubbling past the event's
		// own root shape nulls this event's data entirely, same as a root
		// partition's data doing so in Execute.
		errs = append(errs, gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, rn.path, "subscription event: non-null field %q resolved to null", rn.fieldName))
		store.Root = store.NewScalarValue(response.Value{Kind: response.ValueNull})
		store.Data = true
		return SubscriptionEvent{Store: store, Errs: errs}
	}
	if err != nil {
		errs = append(errs, gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, nil, "ingesting subscription event: %v", err))
		return SubscriptionEvent{Store: store, Errs: errs}
	}
	errs = append(errs, nullErrs...)
	store.Root = store.NewObjectValue(obj, op.RootType, 0)
	store.Data = true
	return SubscriptionEvent{Store: store, Errs: errs}
}

func writeWSJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readWSJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, b, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
