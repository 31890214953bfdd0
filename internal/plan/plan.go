// Package plan derives the physical execution plan from a solved query
// solution space (spec.md §4.E): per-subgraph query partitions, their
// dependency DAG, response shapes, and modifier hooks.
package plan

import (
	"fmt"
	"sort"

	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/schema"
	"github.com/grafbase/gwcore/internal/solve"
	"github.com/grafbase/gwcore/internal/solve/steiner"
	"github.com/grafbase/gwcore/internal/unionfind"
)

// PlanningError is spec.md §4.E's `OperationPlanningError`: a plan that
// cannot cover every required leaf fails before any subgraph is contacted.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string { return "operation planning error: " + e.Reason }

type PartitionId = ids.Id[Partition]

// Partition is one subgraph request: a maximal connected region of included
// ProvidableField nodes sharing a single resolver (spec.md §4.E).
type Partition struct {
	Subgraph schema.SubgraphId
	// IsRoot: resolved as a root-operation selection, not an _entities(...)
	// lookup. EntityType is meaningless when IsRoot.
	IsRoot     bool
	EntityType schema.TypeDefinitionId

	// RootFields: the BoundFieldIds this partition is responsible for
	// resolving directly (root operation fields, or the entity's own
	// selected fields for an _entities partition).
	RootFields []operation.BoundFieldId

	Shape     ObjectShape
	Modifiers []ResponseModifier

	// Deferred / HasDeferLabel / DeferLabel mark a partition whose fields
	// were all reached through a `@defer` fragment (SPEC_FULL.md
	// "incremental delivery"): the executor resolves every non-deferred
	// partition first, then runs deferred partitions afterward and streams
	// each as its own incremental payload instead of folding it into the
	// initial response.
	Deferred      bool
	HasDeferLabel bool
	DeferLabel    string

	// RootOrder: for mutation root partitions only, the sequential
	// execution order (spec.md §4.E "Root order"); -1 for every other
	// partition (queries/subscriptions run concurrently, non-root
	// partitions are ordered only by the DAG).
	RootOrder int
}

type ObjectShapeKind uint8

const (
	ShapeConcrete ObjectShapeKind = iota
	ShapePolymorphic
)

// ObjectShape is spec.md §4.E's response-shape union: `ConcreteObjectShape`
// when every object at this position has the same type, `PolymorphicObjectShape`
// when the selection set narrows by concrete type (an interface/union field).
type ObjectShape struct {
	Kind        ObjectShapeKind
	Concrete    ConcreteObjectShape
	Polymorphic PolymorphicObjectShape
}

type ConcreteObjectShape struct {
	Type   schema.TypeDefinitionId
	Fields []ShapeField
}

type PolymorphicObjectShape struct {
	ByType map[schema.TypeDefinitionId]ConcreteObjectShape
}

// ShapeField keyed by ResponseKey drives the streaming deserialiser and
// subsequent merges (spec.md §4.E "Response shapes").
type ShapeField struct {
	Key    operation.ResponseKey
	Field  operation.BoundFieldId
	Nested *ObjectShape // nil for leaves and __typename
}

type ModifierStage uint8

const (
	ModifierQueryStage ModifierStage = iota
	ModifierResponseStage
)

// ResponseModifier attaches at (object-set, field) granularity (the
// original's `response_modifier.rs`, supplemented per SPEC_FULL.md §9):
// authorisation and similar hooks evaluated either before a dependent
// partition starts (query-stage) or after response ingestion (response-stage).
type ResponseModifier struct {
	Stage ModifierStage
	Field operation.BoundFieldId
	Name  string
}

// Plan is the solver's subtree turned into an executable DAG of partitions.
type Plan struct {
	Partitions []Partition

	// dependsOn[i] lists the partition indices i must wait for; dependents
	// is the reverse adjacency, kept alongside for the executor's
	// "schedule a partition once all its parents finish" walk.
	dependsOn  [][]int
	dependents [][]int
}

func (p *Plan) DependsOn(i int) []int  { return p.dependsOn[i] }
func (p *Plan) Dependents(i int) []int { return p.dependents[i] }

// TopologicalOrder returns a valid schedule of partition indices — spec.md
// §8 "the plan DAG is acyclic; a topological order exists and is computed".
func (p *Plan) TopologicalOrder() ([]int, error) {
	n := len(p.Partitions)
	indeg := make([]int, n)
	for i := range p.dependsOn {
		indeg[i] = len(p.dependsOn[i])
	}
	var queue []int
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue)

	var order []int
	for len(queue) > 0 {
		n0 := queue[0]
		queue = queue[1:]
		order = append(order, n0)
		next := append([]int(nil), p.dependents[n0]...)
		sort.Ints(next)
		for _, d := range next {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
				sort.Ints(queue)
			}
		}
	}
	if len(order) != n {
		return nil, fmt.Errorf("plan: dependency cycle detected (%d of %d partitions scheduled)", len(order), n)
	}
	return order, nil
}

// Build derives a Plan from a solved solution space. g and sol come from
// internal/solve and internal/solve/steiner; op is the bound operation the
// solution space was built from.
func Build(s *schema.Schema, op *operation.BoundOperation, g *solve.Graph, sol steiner.Solution) (*Plan, error) {
	b := &builder{schema: s, op: op, g: g, sol: sol}
	return b.build()
}

type builder struct {
	schema *schema.Schema
	op     *operation.BoundOperation
	g      *solve.Graph
	sol    steiner.Solution
}

func (b *builder) build() (*Plan, error) {
	providables := b.includedProvidables()
	if len(providables) == 0 {
		return nil, &PlanningError{Reason: "solution contains no providable realisations"}
	}

	uf := unionfind.New(len(providables))
	idx := make(map[solve.NodeId]int, len(providables))
	for i, id := range providables {
		idx[id] = i
	}
	resolverOwner := map[solve.NodeId]solve.NodeId{} // providable -> ViaResolver

	for _, id := range providables {
		resolverOwner[id] = b.g.Node(id).ViaResolver
	}

	// deferSignature of a providable is its own field's `@defer` state
	// (SPEC_FULL.md "incremental delivery"): two providables that would
	// otherwise continue the same subgraph request never union into one
	// partition when one is deferred and the other isn't, or when they carry
	// different labels, so a deferred fragment always becomes its own
	// request even when it shares a resolver with non-deferred siblings.
	deferSig := make([]deferSignature, len(providables))
	for i, id := range providables {
		deferSig[i] = b.deferSignatureOf(id)
	}

	// Direct ProvidableField -> ProvidableField CanProvide edges are the
	// same-subgraph-continuation edges internal/solve emits; they are the
	// "maximal connected region sharing a single resolver" relation.
	for _, e := range b.sol.Edges {
		if e.Kind != solve.EdgeCanProvide {
			continue
		}
		if b.g.Node(e.From).Kind != solve.NodeProvidableField || b.g.Node(e.To).Kind != solve.NodeProvidableField {
			continue
		}
		fi, fok := idx[e.From]
		ti, tok := idx[e.To]
		if fok && tok && deferSig[fi] == deferSig[ti] {
			uf.Union(fi, ti)
		}
	}
	// Nodes sharing the same ViaResolver are, by construction, always
	// reachable from one another through such continuation edges, but union
	// them directly too — cheap, and robust if a future resolver-sharing
	// rule stops being purely tree-shaped. Keyed by (resolver, deferSig) so
	// this doesn't undo the defer-boundary split above.
	type resolverGroupKey struct {
		resolver solve.NodeId
		defer_   deferSignature
	}
	byResolver := map[resolverGroupKey][]int{}
	for i, id := range providables {
		r := resolverOwner[id]
		k := resolverGroupKey{resolver: r, defer_: deferSig[i]}
		byResolver[k] = append(byResolver[k], i)
	}
	for _, members := range byResolver {
		for i := 1; i < len(members); i++ {
			uf.Union(members[0], members[i])
		}
	}

	groups := uf.Groups()
	groupRoots := make([]int, 0, len(groups))
	for root := range groups {
		groupRoots = append(groupRoots, root)
	}
	sort.Ints(groupRoots)

	partitionOfGroup := map[int]int{}
	resolverToPartition := map[solve.NodeId]int{}
	queryFieldProvider := map[solve.NodeId]solve.NodeId{}

	var partitions []Partition
	for _, root := range groupRoots {
		members := groups[root]
		sort.Ints(members)
		first := providables[members[0]]
		resolverNode := resolverOwner[first]
		resolver := b.g.Node(resolverNode)

		var rootFields []operation.BoundFieldId
		for _, m := range members {
			pid := providables[m]
			for _, e := range b.g.Out(pid) {
				if e.Kind != solve.EdgeProvides {
					continue
				}
				if !b.sol.Includes(e.To) {
					continue
				}
				qf := b.g.Node(e.To)
				rootFields = append(rootFields, qf.Field)
				queryFieldProvider[e.To] = pid
			}
		}
		sort.Slice(rootFields, func(i, j int) bool { return rootFields[i] < rootFields[j] })

		sig := deferSig[members[0]]

		pIdx := len(partitions)
		partitions = append(partitions, Partition{
			Subgraph:      resolver.Subgraph,
			IsRoot:        resolver.IsRootResolver,
			EntityType:    resolver.EntityType,
			RootFields:    rootFields,
			Deferred:      sig.active,
			HasDeferLabel: sig.hasLabel,
			DeferLabel:    sig.label,
			RootOrder:     -1,
		})
		partitionOfGroup[root] = pIdx
		resolverToPartition[resolverNode] = pIdx
	}

	n := len(partitions)
	dependsOnSet := make([]map[int]bool, n)
	for i := range dependsOnSet {
		dependsOnSet[i] = map[int]bool{}
	}

	addDep := func(dependent, dependency int) {
		if dependent == dependency {
			return
		}
		dependsOnSet[dependent][dependency] = true
	}

	// CreateChildResolver edges from a ProvidableField (never Root) cross a
	// partition boundary: the spawning partition must run first.
	for _, e := range b.sol.Edges {
		if e.Kind != solve.EdgeCreateChildResolver {
			continue
		}
		if b.g.Node(e.From).Kind != solve.NodeProvidableField {
			continue
		}
		fromGroup, ok := idx[e.From]
		if !ok {
			continue
		}
		fromPartition := partitionOfGroup[uf.Find(fromGroup)]
		childPartition, ok := resolverToPartition[e.To]
		if !ok {
			continue
		}
		addDep(childPartition, fromPartition)
	}

	// @requires: a providable's RequiredBySubgraph leaves must be resolved
	// by whichever partition actually provides them, which may be a
	// different (earlier) partition than the requiring field's own.
	for _, id := range providables {
		for _, e := range b.g.Out(id) {
			if e.Kind != solve.EdgeRequiredBySubgraph {
				continue
			}
			if !b.sol.Includes(e.To) {
				continue
			}
			providerNode, ok := queryFieldProvider[e.To]
			if !ok {
				continue
			}
			fromGroup := idx[id]
			requiringPartition := partitionOfGroup[uf.Find(fromGroup)]
			providingGroup, ok := idx[providerNode]
			if !ok {
				continue
			}
			providingPartition := partitionOfGroup[uf.Find(providingGroup)]
			addDep(requiringPartition, providingPartition)
		}
	}

	dependsOn := make([][]int, n)
	dependents := make([][]int, n)
	for i, set := range dependsOnSet {
		for dep := range set {
			dependsOn[i] = append(dependsOn[i], dep)
			dependents[dep] = append(dependents[dep], i)
		}
		sort.Ints(dependsOn[i])
	}
	for i := range dependents {
		sort.Ints(dependents[i])
	}

	for i := range partitions {
		partitions[i].Shape = b.buildShape(partitions[i].RootFields)
		partitions[i].Modifiers = b.collectAuthorizedModifiers(partitions[i].Shape)
	}

	assignRootOrder(partitions, dependsOn, b.op)

	return &Plan{Partitions: partitions, dependsOn: dependsOn, dependents: dependents}, nil
}

// assignRootOrder implements spec.md §4.E "Root order": for mutations,
// root-level partitions (no dependencies, i.e. spawned directly from Root)
// execute in the declaration order of the root fields they own; every other
// partition keeps RootOrder == -1 and runs as soon as its DAG parents allow.
func assignRootOrder(partitions []Partition, dependsOn [][]int, op *operation.BoundOperation) {
	if op.OperationType != schema.OperationMutation {
		return
	}
	type rootCandidate struct {
		idx int
		pos int
	}
	var roots []rootCandidate
	for i, p := range partitions {
		if len(dependsOn[i]) != 0 || !p.IsRoot || len(p.RootFields) == 0 {
			continue
		}
		first := op.Field(p.RootFields[0])
		roots = append(roots, rootCandidate{idx: i, pos: first.Edge.SourcePosition})
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].pos < roots[j].pos })
	for order, rc := range roots {
		partitions[rc.idx].RootOrder = order
	}
}

// deferSignature is the `@defer` state a ProvidableField's own query field
// carries — two providables only continue the same partition when their
// signatures are equal (see build()'s union-find gating).
type deferSignature struct {
	active   bool
	hasLabel bool
	label    string
}

// deferSignatureOf reads pid's provided query field's defer state directly
// off the bound operation IR (bind.go already resolved inheritance from any
// enclosing fragment). A providable with no EdgeProvides target (shouldn't
// happen for an included node, but build() doesn't assume it can't) signs as
// non-deferred.
func (b *builder) deferSignatureOf(pid solve.NodeId) deferSignature {
	for _, e := range b.g.Out(pid) {
		if e.Kind != solve.EdgeProvides {
			continue
		}
		qf := b.g.Node(e.To)
		f := b.op.Field(qf.Field)
		return deferSignature{active: f.Deferred, hasLabel: f.HasLabel, label: f.Label}
	}
	return deferSignature{}
}

// includedProvidables lists every ProvidableField node the solution
// includes, in ascending id order for determinism.
func (b *builder) includedProvidables() []solve.NodeId {
	var out []solve.NodeId
	for id := range b.sol.Nodes {
		if b.g.Node(id).Kind == solve.NodeProvidableField {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// buildShape computes the response shape for a flat list of root fields a
// partition owns, walking the bound operation IR directly rather than the
// solver graph (shape is purely a function of the IR's selection tree).
func (b *builder) buildShape(fields []operation.BoundFieldId) ObjectShape {
	set := operation.BoundSelectionSet{Fields: fields}
	return b.shapeForSelectionSet(set, 0)
}

func (b *builder) shapeForSelectionSet(set operation.BoundSelectionSet, parentType schema.TypeDefinitionId) ObjectShape {
	byType := map[schema.TypeDefinitionId][]operation.BoundFieldId{}
	var common []operation.BoundFieldId
	polymorphic := false

	for _, fid := range set.Fields {
		f := b.op.Field(fid)
		if f.HasTypeCondition {
			polymorphic = true
			byType[f.TypeCondition] = append(byType[f.TypeCondition], fid)
		} else {
			common = append(common, fid)
		}
	}

	if !polymorphic {
		return ObjectShape{Kind: ShapeConcrete, Concrete: ConcreteObjectShape{
			Type:   parentType,
			Fields: b.shapeFields(common),
		}}
	}

	byTypeShapes := map[schema.TypeDefinitionId]ConcreteObjectShape{}
	for t, fs := range byType {
		byTypeShapes[t] = ConcreteObjectShape{Type: t, Fields: b.shapeFields(append(append([]operation.BoundFieldId{}, common...), fs...))}
	}
	return ObjectShape{Kind: ShapePolymorphic, Polymorphic: PolymorphicObjectShape{ByType: byTypeShapes}}
}

// collectAuthorizedModifiers walks a partition's response shape for any field
// whose definition carries `@authorized(fields:)`, emitting one
// ModifierResponseStage ResponseModifier per such field — run after this
// partition's response is ingested, since siblingOrSynthesize already
// guaranteed the fields it requires are selected in the same shape
// (spec.md §4.C "authorisation hook demanding parent fields").
func (b *builder) collectAuthorizedModifiers(shape ObjectShape) []ResponseModifier {
	var mods []ResponseModifier
	var walkFields func(fields []ShapeField)
	walkFields = func(fields []ShapeField) {
		for _, sf := range fields {
			f := b.op.Field(sf.Field)
			if !b.schema.Field(f.DefinitionId).AuthorizedRequires.IsEmpty() {
				mods = append(mods, ResponseModifier{Stage: ModifierResponseStage, Field: sf.Field, Name: "authorized"})
			}
			if sf.Nested != nil {
				walkShape(*sf.Nested, walkFields)
			}
		}
	}
	walkShape(shape, walkFields)
	return mods
}

// walkShape visits every ConcreteObjectShape's field list reachable from
// shape, polymorphic branches included.
func walkShape(shape ObjectShape, visit func(fields []ShapeField)) {
	switch shape.Kind {
	case ShapeConcrete:
		visit(shape.Concrete.Fields)
	case ShapePolymorphic:
		for _, cs := range shape.Polymorphic.ByType {
			visit(cs.Fields)
		}
	}
}

func (b *builder) shapeFields(fieldIds []operation.BoundFieldId) []ShapeField {
	sort.Slice(fieldIds, func(i, j int) bool {
		return b.op.Field(fieldIds[i]).Edge.SourcePosition < b.op.Field(fieldIds[j]).Edge.SourcePosition
	})
	out := make([]ShapeField, 0, len(fieldIds))
	for _, fid := range fieldIds {
		f := b.op.Field(fid)
		sf := ShapeField{Key: f.Edge.Key, Field: fid}
		if f.SelectionSet != nil {
			nestedType := b.schema.Field(f.DefinitionId).Output
			inner := b.op.SelectionSet(*f.SelectionSet)
			shape := b.shapeForSelectionSet(inner, nestedType)
			sf.Nested = &shape
		}
		out = append(out, sf)
	}
	return out
}
