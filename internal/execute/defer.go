package execute

import (
	"context"

	"github.com/buger/jsonparser"
	"github.com/tidwall/gjson"
	"github.com/wundergraph/astjson"
	"golang.org/x/sync/errgroup"

	"github.com/grafbase/gwcore/internal/gqlerr"
	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/plan"
	"github.com/grafbase/gwcore/internal/response"
	"github.com/grafbase/gwcore/internal/schema"
)

// IncrementalPayload is one `@defer` incremental payload (SPEC_FULL.md's
// supplemented "incremental delivery" feature): Path names where Data folds
// into the client's accumulated response via response.Store's
// MergeIncrementalPayload — empty for a deferred root-operation field, since
// that folds directly at the response root. Unrepresentable marks a payload
// this implementation could not position at all (see valuePathToKeyPath);
// its Errors should still reach the client even though Data is meaningless.
type IncrementalPayload struct {
	Path            []ids.StringId
	Label           string
	HasLabel        bool
	Data            response.ObjectId
	DataNull        bool
	Unrepresentable bool
	Errors          gqlerr.List
}

// ExecuteIncremental is Execute's streaming counterpart: it schedules every
// partition exactly as Execute does, but a plan.Partition.Deferred partition
// never merges into the shared response tree. Every non-deferred partition
// (plus whatever mutation RootOrder demands) is awaited before the initial
// Store is finalized and returned, matching the incremental-delivery
// contract that the initial payload never waits on a deferred fragment.
// Deferred partitions keep running concurrently and arrive on the returned
// channel as they complete; the channel closes once every partition
// (deferred or not) has finished.
func (e *Executor) ExecuteIncremental(ctx context.Context, p *plan.Plan, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) (*response.Store, gqlerr.List, <-chan IncrementalPayload) {
	st := &execState{store: response.NewStore(op.ResponseKeys)}

	n := len(p.Partitions)
	done := make([]chan struct{}, n)
	for i := range done {
		done[i] = make(chan struct{})
	}
	extraDeps := rootOrderDeps(p.Partitions)

	out := make(chan IncrementalPayload)
	var initialIdx []int
	for i, part := range p.Partitions {
		if !part.Deferred {
			initialIdx = append(initialIdx, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.Partitions {
		i := i
		waits := append(append([]int{}, p.DependsOn(i)...), extraDeps[i]...)
		g.Go(func() error {
			for _, w := range waits {
				select {
				case <-done[w]:
				case <-gctx.Done():
					close(done[i])
					return nil
				}
			}
			defer close(done[i])
			part := p.Partitions[i]
			if part.Deferred {
				e.runDeferredPartition(gctx, st, part, op, vars, rc, out)
				return nil
			}
			e.runPartition(gctx, st, part, op, vars, rc)
			return nil
		})
	}

	for _, i := range initialIdx {
		<-done[i]
	}

	switch {
	case st.dataNull:
		st.store.Root = st.store.NewScalarValue(response.Value{Kind: response.ValueNull})
		st.store.Data = true
	case st.hasRoot:
		st.store.Root = st.store.NewObjectValue(st.rootObj, e.rootTypeOf(op), 0)
		st.store.Data = true
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()

	return st.store, st.errs, out
}

// runDeferredPartition fetches and ingests part without ever touching
// st.rootObj/st.dataNull/st.errs — those belong to the partitions
// ExecuteIncremental's initial pass waits on, and a deferred partition must
// never race or interfere with that finalization. It only reads st.store
// (for value/string interning) and, for an `_entities` partition, the
// already-finalized st.rootObj to locate entity refs.
func (e *Executor) runDeferredPartition(ctx context.Context, st *execState, part plan.Partition, op *operation.BoundOperation, vars operation.Variables, rc RequestContext, out chan<- IncrementalPayload) {
	defer func() {
		if r := recover(); r != nil {
			out <- IncrementalPayload{Label: part.DeferLabel, HasLabel: part.HasDeferLabel, DataNull: true, Errors: gqlerr.List{gqlerr.Recovered(nil, r)}}
		}
	}()

	sg := e.Schema.Subgraph(part.Subgraph)
	if part.IsRoot {
		out <- e.runDeferredRootPartition(ctx, st.store, part, sg, op, vars, rc)
		return
	}
	for _, pay := range e.runDeferredEntityPartitions(ctx, st, part, sg, op, vars, rc) {
		out <- pay
	}
}

func (e *Executor) runDeferredRootPartition(ctx context.Context, store *response.Store, part plan.Partition, sg schema.Subgraph, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) IncrementalPayload {
	pay := IncrementalPayload{Label: part.DeferLabel, HasLabel: part.HasDeferLabel}

	query := renderRootQuery(e.Schema, op, vars, op.OperationType, part.RootFields)
	a := &astjson.Arena{}
	body := a.NewObject()
	body.Set("query", a.NewString(query))

	isMutation := op.OperationType == schema.OperationMutation
	respBody, err := e.fetch(ctx, part.Subgraph, sg, rc, []byte(body.String()), isMutation)
	if err != nil {
		pay.DataNull = true
		pay.Errors.Add(gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q: %v", e.Schema.Name(sg.Name), err))
		return pay
	}

	tl := peekTopLevel(respBody)
	if tl.HasErrors {
		gjson.ParseBytes(tl.ErrorsRaw).ForEach(func(_, v gjson.Result) bool {
			pay.Errors.Add(gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q: %s", e.Schema.Name(sg.Name), v.Get("message").String()))
			return true
		})
	}
	if !tl.HasData {
		pay.DataNull = true
		return pay
	}

	var nullErrs gqlerr.List
	obj, ierr := ingestObject(store, e.Schema, op, part.Shape, tl.DataRaw, &nullErrs)
	if rn, ok := ierr.(*requiredNullError); ok {
		pay.DataNull = true
		pay.Errors.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, rn.path, "subgraph %q returned null for non-null field %q", e.Schema.Name(sg.Name), rn.fieldName))
		return pay
	}
	if ierr != nil {
		pay.DataNull = true
		pay.Errors.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, nil, "subgraph %q: %v", e.Schema.Name(sg.Name), ierr))
		return pay
	}
	pay.Errors = append(pay.Errors, nullErrs...)
	pay.Data = obj
	return pay
}

// runDeferredEntityPartitions batches part's representations into one
// `_entities` call exactly like runEntityPartition, but returns one
// IncrementalPayload per entity ref instead of splicing results into
// st.rootObj. A ref whose position can't be expressed as a key-only path
// (valuePathToKeyPath fails — it sits beneath a list) is reported as an
// Unrepresentable payload rather than silently dropped or resolved inline.
func (e *Executor) runDeferredEntityPartitions(ctx context.Context, st *execState, part plan.Partition, sg schema.Subgraph, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) []IncrementalPayload {
	st.mu.Lock()
	refs := collectEntityRefs(st.store, part.EntityType, st.rootObj)
	st.mu.Unlock()
	if len(refs) == 0 {
		return nil
	}

	a := &astjson.Arena{}
	reps := a.NewArray()
	var validRefs []entityRef
	var keyPaths [][]ids.StringId
	var out []IncrementalPayload

	st.mu.Lock()
	for _, ref := range refs {
		kp, ok := valuePathToKeyPath(st.store, st.rootObj, ref.Path)
		if !ok {
			out = append(out, IncrementalPayload{
				Label: part.DeferLabel, HasLabel: part.HasDeferLabel, Unrepresentable: true,
				Errors: gqlerr.List{gqlerr.New(gqlerr.CodeOperationPlanningError, nil, "@defer: entity reached through a list position cannot be streamed as its own incremental payload")},
			})
			continue
		}
		repr, err := buildRepresentation(a, st.store, e.Schema, part.Subgraph, part.EntityType, ref)
		if err != nil {
			out = append(out, IncrementalPayload{
				Label: part.DeferLabel, HasLabel: part.HasDeferLabel, Unrepresentable: true,
				Errors: gqlerr.List{gqlerr.New(gqlerr.CodeOperationPlanningError, nil, "entity lookup %q: %v", e.Schema.Name(sg.Name), err)},
			})
			continue
		}
		reps.SetArrayItem(len(validRefs), repr)
		validRefs = append(validRefs, ref)
		keyPaths = append(keyPaths, kp)
	}
	store := st.store
	st.mu.Unlock()
	if len(validRefs) == 0 {
		return out
	}

	query := renderEntitiesQuery(e.Schema, op, vars, part.EntityType, part.RootFields)
	body := a.NewObject()
	body.Set("query", a.NewString(query))
	variables := a.NewObject()
	variables.Set("representations", reps)
	body.Set("variables", variables)

	respBody, err := e.fetch(ctx, part.Subgraph, sg, rc, []byte(body.String()), false)
	if err != nil {
		return append(out, IncrementalPayload{
			Label: part.DeferLabel, HasLabel: part.HasDeferLabel, DataNull: true,
			Errors: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q _entities: %v", e.Schema.Name(sg.Name), err)},
		})
	}

	tl := peekTopLevel(respBody)
	var subErrs gqlerr.List
	if tl.HasErrors {
		gjson.ParseBytes(tl.ErrorsRaw).ForEach(func(_, v gjson.Result) bool {
			subErrs.Add(gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q: %s", e.Schema.Name(sg.Name), v.Get("message").String()))
			return true
		})
	}
	if !tl.HasData {
		return append(out, IncrementalPayload{Label: part.DeferLabel, HasLabel: part.HasDeferLabel, DataNull: true, Errors: subErrs})
	}

	idx := 0
	var rewriteErr error
	_, err = jsonparser.ArrayEach(tl.DataRaw, func(raw []byte, dataType jsonparser.ValueType, offset int, arrErr error) {
		if rewriteErr != nil || idx >= len(validRefs) {
			return
		}
		if arrErr != nil {
			rewriteErr = arrErr
			return
		}
		kp := keyPaths[idx]
		idx++
		if dataType == jsonparser.Null {
			return
		}
		var nullErrs gqlerr.List
		obj, ierr := ingestObject(store, e.Schema, op, part.Shape, raw, &nullErrs)
		if rn, ok := ierr.(*requiredNullError); ok {
			out = append(out, IncrementalPayload{
				Path: kp, Label: part.DeferLabel, HasLabel: part.HasDeferLabel, DataNull: true,
				Errors: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, rn.path, "subgraph %q returned null for non-null field %q", e.Schema.Name(sg.Name), rn.fieldName)},
			})
			return
		}
		if ierr != nil {
			rewriteErr = ierr
			return
		}
		out = append(out, IncrementalPayload{Path: kp, Label: part.DeferLabel, HasLabel: part.HasDeferLabel, Data: obj, Errors: nullErrs})
	}, "_entities")
	if err != nil {
		out = append(out, IncrementalPayload{
			Label: part.DeferLabel, HasLabel: part.HasDeferLabel,
			Errors: gqlerr.List{gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, nil, "subgraph %q _entities: %v", e.Schema.Name(sg.Name), err)},
		})
	}
	if len(subErrs) > 0 && len(out) > 0 {
		out[0].Errors = append(out[0].Errors, subErrs...)
	}
	return out
}

// valuePathToKeyPath converts a root-to-entity ValueId path (entityRef.Path,
// built by collectEntityRefs) into the object-key-only path
// response.Store.MergeIncrementalPayload understands. It fails (ok=false)
// the moment the path crosses a list: a list has no key, only an index, and
// MergeIncrementalPayload's path is keys-only (see response.go), so a
// deferred field nested beneath a list position cannot be positioned this
// way in this implementation.
func valuePathToKeyPath(store *response.Store, root response.ObjectId, path []response.ValueId) ([]ids.StringId, bool) {
	keys := make([]ids.StringId, 0, len(path))
	cur := root
	for _, id := range path {
		obj := store.Object(cur)
		var key ids.StringId
		found := false
		for _, f := range obj.Fields {
			if f.Value == id {
				key, found = f.Key, true
				break
			}
		}
		if !found {
			return nil, false
		}
		v := store.Value(id)
		if v.Kind == response.ValueList {
			return nil, false
		}
		keys = append(keys, key)
		if v.Kind == response.ValueObject {
			cur = v.Object
		}
	}
	return keys, true
}
