// Package execute runs a physical plan.Plan against real subgraphs and
// assembles the result into a response.Store (spec.md §5 "Execution").
package execute

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/jensneuse/abstractlogger"
	"github.com/tidwall/gjson"
	"github.com/wundergraph/astjson"
	"golang.org/x/sync/errgroup"

	"github.com/grafbase/gwcore/internal/cache"
	"github.com/grafbase/gwcore/internal/gqlerr"
	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/plan"
	"github.com/grafbase/gwcore/internal/ratelimit"
	"github.com/grafbase/gwcore/internal/response"
	"github.com/grafbase/gwcore/internal/schema"
)

// AuthorizationHook backs the "authorized" ResponseModifier (plan.go,
// grounded on the original's `AuthorizedParentEdge` rule): given the object a
// field was just attached to — its siblings include whatever
// `@authorized(fields:)` demanded, synthesized into the selection if absent —
// it reports whether fieldName may stand in the response. A nil hook is a
// no-op: every field passes.
type AuthorizationHook func(ctx context.Context, store *response.Store, fieldName string, parentObj response.ObjectId) bool

// retryBaseDelay/retryMaxAttempts bound doFetch's backoff (spec.md §4.F
// item 4): each attempt doubles the delay and adds up to 100% jitter via
// math/rand/v2, and the budget itself (not just this ceiling) is what
// normally ends the loop first.
const (
	retryBaseDelay   = 100 * time.Millisecond
	retryMaxAttempts = 5
)

// Executor owns everything a request's partitions need beyond the plan
// itself: an HTTP client, the gateway-wide rate limiter and per-subgraph
// budgets, the entity cache, and a logger — one Executor is built once per
// gateway process and reused across requests (spec.md §5 "one Executor per
// process, one Store per request").
type Executor struct {
	Schema *schema.Schema
	Client *http.Client
	Logger abstractlogger.Logger

	EntityCache *cache.EntityCache

	GlobalLimiter *ratelimit.Bucket

	// AuthHook: optional, invoked for every field a plan.ResponseModifier
	// names. Unset by default — authorization is opt-in per deployment.
	AuthHook AuthorizationHook

	mu           sync.Mutex
	limiters     map[schema.SubgraphId]*ratelimit.Bucket
	retryBudgets map[schema.SubgraphId]*ratelimit.RetryBudget
}

func NewExecutor(s *schema.Schema, client *http.Client, logger abstractlogger.Logger, entityCache *cache.EntityCache, globalLimiter *ratelimit.Bucket) *Executor {
	if logger == nil {
		logger = abstractlogger.Noop{}
	}
	return &Executor{
		Schema:        s,
		Client:        client,
		Logger:        logger,
		EntityCache:   entityCache,
		GlobalLimiter: globalLimiter,
		limiters:      map[schema.SubgraphId]*ratelimit.Bucket{},
		retryBudgets:  map[schema.SubgraphId]*ratelimit.RetryBudget{},
	}
}

func (e *Executor) limiterFor(sg schema.Subgraph, id schema.SubgraphId) *ratelimit.Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.limiters[id]; ok {
		return b
	}
	b := ratelimit.NewBucket(sg.RateLimit.Limit, sg.RateLimit.Duration)
	e.limiters[id] = b
	return b
}

func (e *Executor) retryBudgetFor(sg schema.Subgraph, id schema.SubgraphId) *ratelimit.RetryBudget {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.retryBudgets[id]; ok {
		return b
	}
	b := ratelimit.NewRetryBudget(sg.Retry.MinPerSecond, sg.Retry.RetryPercent, sg.Retry.RetryMutation)
	e.retryBudgets[id] = b
	return b
}

// execState is the mutable, single-Store view every partition task reads
// and writes; partitions run concurrently, but every touch of store or
// rootObj is made under mu — the arena itself is not safe for concurrent
// appends (spec.md §5 "the Store is single-writer; the executor is the
// single writer, serialising concurrent partitions' merges behind one lock").
type execState struct {
	mu       sync.Mutex
	store    *response.Store
	rootObj  response.ObjectId
	hasRoot  bool
	dataNull bool // a root-level non-null field resolved null with no nullable ancestor left to absorb it: spec.md §4.F, the whole `data` becomes null
	errs     gqlerr.List
}

// Execute schedules p's partitions respecting the plan DAG (and, for
// mutations, RootOrder) and returns the assembled Store plus any collected
// subgraph/internal errors. A single partition's failure degrades to null
// propagation at that partition's position rather than aborting the whole
// request (spec.md §7 "a single subgraph failure never fails the whole
// request").
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) (*response.Store, gqlerr.List) {
	st := &execState{store: response.NewStore(op.ResponseKeys)}

	n := len(p.Partitions)
	done := make([]chan struct{}, n)
	for i := range done {
		done[i] = make(chan struct{})
	}

	extraDeps := rootOrderDeps(p.Partitions)

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
			e.runPartition(gctx, st, p.Partitions[i], op, vars, rc)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case st.dataNull:
		st.store.Root = st.store.NewScalarValue(response.Value{Kind: response.ValueNull})
		st.store.Data = true
	case st.hasRoot:
		st.store.Root = st.store.NewObjectValue(st.rootObj, e.rootTypeOf(op), 0)
		st.store.Data = true
	}
	return st.store, st.errs
}

// applyAuthorizedModifiers runs every ModifierResponseStage "authorized"
// entry in mods against obj — the object a partition's field was just
// merged into, so every sibling @authorized(fields:) demanded is present.
// A denial of a nullable field just nulls that field. A denial of a
// non-null field is treated the same as a subgraph returning null for it
// (spec.md §4.F: "or from an authorisation denial"): for a root partition
// (ref == nil) that nulls the whole response; for an entity partition it
// walks ref.Path via PropagateNull to the nearest nullable ancestor, same
// as a bubbled *requiredNullError. A required denial nested two or more
// levels below the partition's own merge root is approximated by this same
// partition-boundary treatment rather than walked precisely, since
// modifiers run post-merge without a per-field response.ValueId path —
// documented as a scoped limitation, not silently wrong.
// The bool return reports whether a required-field denial already finalized
// st.rootObj/st.dataNull in place (via spliceRootField or a dataNull flip):
// when true, the caller must not perform its own subsequent rootObj-merging
// step for this partition, or it would clobber the splice.
func (e *Executor) applyAuthorizedModifiers(ctx context.Context, st *execState, obj response.ObjectId, ref *entityRef, mods []plan.ResponseModifier, op *operation.BoundOperation) (response.ObjectId, bool) {
	if e.AuthHook == nil {
		return obj, false
	}
	for _, mod := range mods {
		if mod.Stage != plan.ModifierResponseStage || mod.Name != "authorized" {
			continue
		}
		bf := op.Field(mod.Field)
		key := bf.Edge.Key
		fieldName := st.store.Strings.Lookup(key)
		if e.AuthHook(ctx, st.store, fieldName, obj) {
			continue
		}
		st.errs.Add(gqlerr.New(gqlerr.CodeUnauthorized, nil, "not authorized to access field %q", fieldName))
		if !e.Schema.Field(bf.DefinitionId).Wrapping.IsRequired() {
			obj = nullifyField(st.store, obj, key)
			continue
		}
		if ref == nil {
			st.dataNull = true
			return obj, true
		}
		if child, ok := st.store.PropagateNull(ref.Path); ok {
			st.rootObj = spliceRootField(st.store, st.rootObj, ref.Path[0], child)
		} else {
			st.dataNull = true
		}
		return obj, true
	}
	return obj, false
}

// nullifyField replaces obj's field keyed by key (if present) with a fresh
// null value, leaving every other field untouched.
func nullifyField(store *response.Store, obj response.ObjectId, key ids.StringId) response.ObjectId {
	o := store.Object(obj)
	fields := make([]response.Field, len(o.Fields))
	copy(fields, o.Fields)
	for i, f := range fields {
		if f.Key == key {
			fields[i] = response.Field{Key: key, Value: store.NewScalarValue(response.Value{Kind: response.ValueNull})}
			return store.NewObject(fields)
		}
	}
	return obj
}

func (e *Executor) rootTypeOf(op *operation.BoundOperation) schema.TypeDefinitionId {
	return op.RootType
}

// rootOrderDeps chains mutation root partitions by their assigned
// RootOrder, so e.g. partition with RootOrder 1 additionally waits for the
// partition with RootOrder 0 — spec.md §4.E "Root order" enforced here at
// the scheduling layer rather than inside plan's own DAG.
func rootOrderDeps(parts []plan.Partition) map[int][]int {
	byOrder := map[int]int{}
	for i, pt := range parts {
		if pt.IsRoot && pt.RootOrder >= 0 {
			byOrder[pt.RootOrder] = i
		}
	}
	deps := map[int][]int{}
	for order, idx := range byOrder {
		if prev, ok := byOrder[order-1]; ok {
			deps[idx] = append(deps[idx], prev)
		}
	}
	return deps
}

// runPartition fetches, ingests, and merges one partition's subgraph
// response into st. Panics inside this call (a malformed shape, a bad
// index) are recovered into a SUBGRAPH_REQUEST_ERROR rather than taking the
// whole request down.
func (e *Executor) runPartition(ctx context.Context, st *execState, part plan.Partition, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) {
	defer func() {
		if r := recover(); r != nil {
			st.mu.Lock()
			st.errs.Add(gqlerr.Recovered(nil, r))
			st.mu.Unlock()
		}
	}()

	sg := e.Schema.Subgraph(part.Subgraph)

	if part.IsRoot {
		e.runRootPartition(ctx, st, part, sg, op, vars, rc)
		return
	}
	e.runEntityPartition(ctx, st, part, sg, op, vars, rc)
}

func (e *Executor) runRootPartition(ctx context.Context, st *execState, part plan.Partition, sg schema.Subgraph, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) {
	query := renderRootQuery(e.Schema, op, vars, op.OperationType, part.RootFields)
	a := &astjson.Arena{}
	body := a.NewObject()
	body.Set("query", a.NewString(query))

	isMutation := op.OperationType == schema.OperationMutation
	respBody, err := e.fetch(ctx, part.Subgraph, sg, rc, []byte(body.String()), isMutation)
	if err != nil {
		st.mu.Lock()
		st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q: %v", e.Schema.Name(sg.Name), err))
		st.mu.Unlock()
		return
	}

	tl := peekTopLevel(respBody)
	e.collectSubgraphErrors(st, sg, tl)
	if !tl.HasData {
		return
	}

	var nullErrs gqlerr.List
	obj, err := ingestObject(st.store, e.Schema, op, part.Shape, tl.DataRaw, &nullErrs)
	if rn, ok := err.(*requiredNullError); ok {
		// Bubbled past the root shape itself: every ancestor on the way up
		// was non-null, so the whole response's data must become null
		// (spec.md §4.F "Null propagation", §8 scenario 2).
		st.mu.Lock()
		st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, rn.path, "subgraph %q returned null for non-null field %q", e.Schema.Name(sg.Name), rn.fieldName))
		st.dataNull = true
		st.mu.Unlock()
		return
	}
	if err != nil {
		st.mu.Lock()
		st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, nil, "subgraph %q: %v", e.Schema.Name(sg.Name), err))
		st.mu.Unlock()
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.errs = append(st.errs, nullErrs...)
	if !st.hasRoot {
		st.hasRoot = true
		obj, finalized := e.applyAuthorizedModifiers(ctx, st, obj, nil, part.Modifiers, op)
		if !finalized {
			st.rootObj = obj
		}
		return
	}
	merged, err := st.store.MergeObjects(st.rootObj, obj)
	if err != nil {
		st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, nil, "merging subgraph %q: %v", e.Schema.Name(sg.Name), err))
		return
	}
	// Modifiers run on the merged object, not the bare fetch result: a
	// field's @authorized(fields:) siblings may have been resolved by an
	// earlier partition and only exist once merged in.
	merged, finalized := e.applyAuthorizedModifiers(ctx, st, merged, nil, part.Modifiers, op)
	if !finalized {
		st.rootObj = merged
	}
}

func (e *Executor) runEntityPartition(ctx context.Context, st *execState, part plan.Partition, sg schema.Subgraph, op *operation.BoundOperation, vars operation.Variables, rc RequestContext) {
	st.mu.Lock()
	refs := collectEntityRefs(st.store, part.EntityType, st.rootObj)
	st.mu.Unlock()
	if len(refs) == 0 {
		return
	}

	a := &astjson.Arena{}
	reps := a.NewArray()
	var validRefs []entityRef
	st.mu.Lock()
	for _, ref := range refs {
		repr, err := buildRepresentation(a, st.store, e.Schema, part.Subgraph, part.EntityType, ref)
		if err != nil {
			st.errs.Add(gqlerr.New(gqlerr.CodeOperationPlanningError, nil, "entity lookup %q: %v", e.Schema.Name(sg.Name), err))
			continue
		}
		reps.SetArrayItem(len(validRefs), repr)
		validRefs = append(validRefs, ref)
	}
	st.mu.Unlock()
	refs = validRefs
	if len(refs) == 0 {
		return
	}

	query := renderEntitiesQuery(e.Schema, op, vars, part.EntityType, part.RootFields)
	body := a.NewObject()
	body.Set("query", a.NewString(query))
	variables := a.NewObject()
	variables.Set("representations", reps)
	body.Set("variables", variables)

	respBody, err := e.fetch(ctx, part.Subgraph, sg, rc, []byte(body.String()), false)
	if err != nil {
		st.mu.Lock()
		st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q _entities: %v", e.Schema.Name(sg.Name), err))
		st.mu.Unlock()
		return
	}

	tl := peekTopLevel(respBody)
	e.collectSubgraphErrors(st, sg, tl)
	if !tl.HasData {
		return
	}

	entityShape := part.Shape
	idx := 0
	var rewriteErr error
	_, err = jsonparser.ArrayEach(tl.DataRaw, func(raw []byte, dataType jsonparser.ValueType, offset int, arrErr error) {
		if rewriteErr != nil || idx >= len(refs) {
			return
		}
		if arrErr != nil {
			rewriteErr = arrErr
			return
		}
		ref := refs[idx]
		idx++
		if dataType == jsonparser.Null {
			return // subgraph could not resolve this representation
		}
		var nullErrs gqlerr.List
		obj, ierr := ingestObject(st.store, e.Schema, op, entityShape, raw, &nullErrs)
		if rn, ok := ierr.(*requiredNullError); ok {
			// This entity's own data violated a non-null field: the null
			// replaces whatever along ref.Path is the nearest nullable
			// ancestor, or the whole response if none is (spec.md §4.F
			// "Null propagation" applied at an `_entities` boundary).
			st.mu.Lock()
			st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, rn.path, "subgraph %q returned null for non-null field %q", e.Schema.Name(sg.Name), rn.fieldName))
			if child, ok := st.store.PropagateNull(ref.Path); ok {
				st.rootObj = spliceRootField(st.store, st.rootObj, ref.Path[0], child)
			} else {
				st.dataNull = true
			}
			st.mu.Unlock()
			return
		}
		if ierr != nil {
			rewriteErr = ierr
			return
		}
		st.mu.Lock()
		st.errs = append(st.errs, nullErrs...)
		merged, merr := st.store.MergeObjects(ref.Object, obj)
		if merr != nil {
			st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, nil, "merging entity %q: %v", e.Schema.Name(sg.Name), merr))
			st.mu.Unlock()
			return
		}
		// Modifiers run on the merged entity object: @authorized(fields:)'s
		// required siblings (e.g. the key itself) were very likely resolved
		// by a different partition and only exist once merged in here.
		merged, finalized := e.applyAuthorizedModifiers(ctx, st, merged, &ref, part.Modifiers, op)
		if !finalized {
			st.rootObj = rewriteObject(st.store, st.rootObj, ref.Object, merged)
		}
		st.mu.Unlock()
	}, "_entities")
	if err != nil {
		st.mu.Lock()
		st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, nil, "subgraph %q _entities: %v", e.Schema.Name(sg.Name), err))
		st.mu.Unlock()
	}
}

func (e *Executor) collectSubgraphErrors(st *execState, sg schema.Subgraph, tl topLevel) {
	if !tl.HasErrors {
		return
	}
	gjson.ParseBytes(tl.ErrorsRaw).ForEach(func(_, v gjson.Result) bool {
		st.mu.Lock()
		st.errs.Add(gqlerr.New(gqlerr.CodeSubgraphRequestError, nil, "subgraph %q: %s", e.Schema.Name(sg.Name), v.Get("message").String()))
		st.mu.Unlock()
		return true
	})
}

// fetch sends body to sg over HTTP, honouring the subgraph's rate limiter
// and retry budget (spec.md §5 "lock-free limiter and budget checked
// per-request, not per-field") and the entity cache when this is a
// non-mutation, entity-cache-enabled subgraph.
func (e *Executor) fetch(ctx context.Context, id schema.SubgraphId, sg schema.Subgraph, rc RequestContext, body []byte, isMutation bool) ([]byte, error) {
	if e.GlobalLimiter != nil && !e.GlobalLimiter.Allow() {
		return nil, fmt.Errorf("rate limited: global")
	}
	limiter := e.limiterFor(sg, id)
	if !limiter.Allow() {
		return nil, fmt.Errorf("rate limited: subgraph %q", e.Schema.Name(sg.Name))
	}

	if sg.EntityCache.Enabled && !isMutation && e.EntityCache != nil {
		fp := cache.EntityFingerprint(e.Schema.Name(sg.Name), body)
		return e.EntityCache.Fetch(fp, sg.EntityCache.TTL, func() ([]byte, error) {
			return e.doFetch(ctx, id, sg, rc, body, isMutation)
		})
	}
	return e.doFetch(ctx, id, sg, rc, body, isMutation)
}

func (e *Executor) doFetch(ctx context.Context, id schema.SubgraphId, sg schema.Subgraph, rc RequestContext, body []byte, isMutation bool) ([]byte, error) {
	budget := e.retryBudgetFor(sg, id)

	resp, err := e.doRequest(ctx, sg, rc, body)
	if err == nil {
		budget.Deposit()
		return resp, nil
	}

	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if !budget.TryRetry(isMutation) {
			return nil, err
		}
		delay := retryBaseDelay * time.Duration(int64(1)<<uint(attempt))
		delay += time.Duration(rand.Int64N(int64(delay) + 1)) // up to 100% jitter on top of the base delay
		e.Logger.Debug("retrying subgraph request",
			abstractlogger.String("subgraph", e.Schema.Name(sg.Name)),
			abstractlogger.Int("attempt", attempt+1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		resp, err = e.doRequest(ctx, sg, rc, body)
		if err == nil {
			budget.Deposit()
			return resp, nil
		}
	}
	return nil, err
}

func (e *Executor) doRequest(ctx context.Context, sg schema.Subgraph, rc RequestContext, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = ApplyHeaderRules(e.Schema, sg, rc)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("subgraph returned status %d", resp.StatusCode)
	}
	return buf.Bytes(), nil
}
