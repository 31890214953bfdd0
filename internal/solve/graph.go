// Package solve builds the query solution-space graph described in
// spec.md §4.C: a directed graph connecting the virtual Root to every
// QueryField the client asked for, through candidate Resolver and
// ProvidableField nodes, ready for internal/solve/steiner to pick a
// minimum-cost covering subgraph.
package solve

import (
	"fmt"

	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/schema"
)

type NodeId = ids.Id[Node]

type NodeKind uint8

const (
	NodeRoot NodeKind = iota
	NodeQueryField
	NodeResolver
	NodeProvidableField
	NodeTypename
)

// FieldFlags tags a QueryField node per spec.md §4.C's invariant: "Every
// QueryField for a leaf required by the user is marked LEAF_NODE |
// INDISPENSABLE."
type FieldFlags uint8

const (
	FlagLeaf FieldFlags = 1 << iota
	FlagIndispensable
)

// Node is the solution-space graph's tagged-union node type — only the
// fields relevant to Kind are populated, the same discriminated-payload
// style internal/schema uses for TypeDefinition.
type Node struct {
	Kind NodeKind

	// NodeQueryField: the field this node represents, real (user-selected)
	// or synthesized by a @requires walk (Kind == operation.BoundFieldExtra).
	Field operation.BoundFieldId
	Flags FieldFlags

	// NodeResolver: which subgraph, and (for an entity-key jump) which
	// entity type is being entered. EntityType == 0 with IsRootResolver
	// true means "resolving a root operation field", not "entering
	// TypeDefinitionId(0) as an entity".
	Subgraph       schema.SubgraphId
	EntityType     schema.TypeDefinitionId
	IsRootResolver bool

	// NodeProvidableField: which QueryField node this realises, and via
	// which Resolver node.
	Provides    NodeId
	ViaResolver NodeId

	// NodeTypename: the composite type this __typename projection serves.
	TypenameOf schema.TypeDefinitionId
}

type EdgeKind uint8

const (
	EdgeCreateChildResolver EdgeKind = iota
	EdgeCanProvide
	EdgeProvides
	EdgeProvidesTypename
	EdgeField
	EdgeHasChildResolver
	EdgeRequiredBySubgraph
	EdgeRequiredBySupergraph
)

type Edge struct {
	From, To NodeId
	Kind     EdgeKind
}

// Graph is the solution space: nodes plus deduplicated, labelled edges.
type Graph struct {
	Root  NodeId
	Nodes ids.Arena[Node]
	Edges []Edge

	out map[NodeId][]int // edge indices leaving a node, for the solver's shortest-path walk
}

func (g *Graph) Node(id NodeId) Node { return g.Nodes.Get(id) }

func (g *Graph) Out(id NodeId) []Edge {
	idxs := g.out[id]
	out := make([]Edge, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, g.Edges[i])
	}
	return out
}

func (g *Graph) addEdge(from, to NodeId, kind EdgeKind) {
	for _, i := range g.out[from] {
		e := g.Edges[i]
		if e.To == to && e.Kind == kind {
			return // edge multiplicity is bounded and deduplicated (§4.C invariant)
		}
	}
	idx := len(g.Edges)
	g.Edges = append(g.Edges, Edge{From: from, To: to, Kind: kind})
	g.out[from] = append(g.out[from], idx)
}

type resolverKey struct {
	sg         schema.SubgraphId
	entityType schema.TypeDefinitionId
	root       bool
	// rootField distinguishes one root-level resolver per root field, even
	// when two root fields share a subgraph: a mutation's root fields must
	// become distinct partitions so the executor can serialise their starts
	// (spec.md §4.F "Mutations serialise root-partition starts"; §8 scenario
	// 6). It is the zero BoundFieldId for every non-root resolverKey.
	rootField operation.BoundFieldId
}

type providableKey struct {
	field    operation.BoundFieldId
	resolver NodeId
}

type builder struct {
	schema *schema.Schema
	op     *operation.BoundOperation
	g      *Graph

	queryFieldNode map[operation.BoundFieldId]NodeId
	resolverNode   map[resolverKey]NodeId
	providableNode map[providableKey]NodeId
	typenameNode   map[schema.TypeDefinitionId]NodeId

	// siblingByDef, keyed per selection set, lets a @requires walk find (or
	// register) the QueryField node for a sibling field by definition id,
	// reusing the user's own selection when it already asked for the same
	// field instead of creating a duplicate.
	siblingByDef map[operation.BoundSelectionSetId]map[schema.FieldDefinitionId]operation.BoundFieldId
}

// Build walks op's bound selection tree and constructs the solution-space
// graph per spec.md §4.C's construction rules.
func Build(s *schema.Schema, op *operation.BoundOperation) (*Graph, error) {
	b := &builder{
		schema:         s,
		op:             op,
		g:              &Graph{out: map[NodeId][]int{}},
		queryFieldNode: map[operation.BoundFieldId]NodeId{},
		resolverNode:   map[resolverKey]NodeId{},
		providableNode: map[providableKey]NodeId{},
		typenameNode:   map[schema.TypeDefinitionId]NodeId{},
		siblingByDef:   map[operation.BoundSelectionSetId]map[schema.FieldDefinitionId]operation.BoundFieldId{},
	}
	b.g.Root = b.g.Nodes.Append(Node{Kind: NodeRoot})

	if err := b.walkRoot(); err != nil {
		return nil, err
	}
	return b.g, nil
}

func (b *builder) walkRoot() error {
	return b.walkSelectionSetFrom(b.g.Root, 0, b.op.RootType, b.op.RootSelectionSet, true)
}

// walkSelectionSetFrom processes one selection set. parentProvidable is
// either the virtual Root (for root fields) or a ProvidableField node;
// currentResolver is the Resolver node presently resolving parentType (the
// zero value when atRoot, since Root has no single subgraph) — a field can
// be checked for "same-subgraph continuation" against it before resorting
// to an entity-key jump.
func (b *builder) walkSelectionSetFrom(parentProvidable, currentResolver NodeId, parentType schema.TypeDefinitionId, setId operation.BoundSelectionSetId, atRoot bool) error {
	set := b.op.SelectionSet(setId)
	b.registerSiblings(setId, set)

	// Index the live selection set rather than ranging over the copy above:
	// attachField's @requires/@authorized walks can append synthesized Extra
	// fields to this same set, and those need attaching too.
	for i := 0; i < len(b.op.SelectionSet(setId).Fields); i++ {
		fid := b.op.SelectionSet(setId).Fields[i]
		field := b.op.Field(fid)
		switch field.Kind {
		case operation.BoundFieldTypeName:
			b.attachTypename(parentProvidable, fid, field.TypeNameOf, atRoot)
		case operation.BoundFieldQuery, operation.BoundFieldExtra:
			if err := b.attachField(parentProvidable, currentResolver, parentType, setId, fid, atRoot); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) registerSiblings(setId operation.BoundSelectionSetId, set operation.BoundSelectionSet) {
	if _, ok := b.siblingByDef[setId]; ok {
		return
	}
	m := map[schema.FieldDefinitionId]operation.BoundFieldId{}
	for _, fid := range set.Fields {
		field := b.op.Field(fid)
		if field.Kind == operation.BoundFieldQuery || field.Kind == operation.BoundFieldExtra {
			m[field.DefinitionId] = fid
		}
	}
	b.siblingByDef[setId] = m
}

func (b *builder) attachTypename(parentProvidable NodeId, fieldId operation.BoundFieldId, typeId schema.TypeDefinitionId, atRoot bool) {
	qNode := b.getOrCreateQueryFieldNode(fieldId, true, true)
	if atRoot {
		b.g.addEdge(b.g.Root, qNode, EdgeField)
		return
	}
	tNode, ok := b.typenameNode[typeId]
	if !ok {
		tNode = b.g.Nodes.Append(Node{Kind: NodeTypename, TypenameOf: typeId})
		b.typenameNode[typeId] = tNode
	}
	b.g.addEdge(parentProvidable, tNode, EdgeProvidesTypename)
	b.g.addEdge(tNode, qNode, EdgeProvides)
}

func (b *builder) attachField(parentProvidable, currentResolver NodeId, parentType schema.TypeDefinitionId, setId operation.BoundSelectionSetId, fieldId operation.BoundFieldId, atRoot bool) error {
	field := b.op.Field(fieldId)
	fieldDef := b.schema.Field(field.DefinitionId)
	isLeaf := field.SelectionSet == nil
	indispensable := isLeaf && field.Kind == operation.BoundFieldQuery
	qNode := b.getOrCreateQueryFieldNode(fieldId, isLeaf, indispensable)

	resolved := false

	// sameSubgraph: the field continues on the resolver already resolving
	// its parent — "CanProvide edges from the parent ProvidableField to
	// realisations reachable through the parent's resolver" (§4.C), so no
	// new Resolver node is created, just a new ProvidableField.
	sameSubgraph := func(resNode NodeId) error {
		provNode, created := b.getOrCreateProvidable(qNode, resNode)
		if created {
			b.g.addEdge(parentProvidable, provNode, EdgeCanProvide)
			b.g.addEdge(resNode, provNode, EdgeCanProvide)
			b.g.addEdge(provNode, qNode, EdgeProvides)
		}
		resolved = true
		if err := b.queueRequires(provNode, parentType, setId, fieldDef, b.g.Node(resNode).Subgraph); err != nil {
			return err
		}
		if !isLeaf {
			return b.walkSelectionSetFrom(provNode, resNode, fieldDef.Output, *field.SelectionSet, false)
		}
		return nil
	}

	// jump: crossing into a different subgraph via an entity key —
	// CreateChildResolver from the parent ProvidableField (or Root) to a
	// fresh Resolver node, which then CanProvide the realisation.
	jump := func(rk resolverKey) error {
		resNode, created := b.getOrCreateResolver(rk)
		b.g.addEdge(parentProvidable, resNode, EdgeCreateChildResolver)
		if !created {
			b.g.addEdge(parentProvidable, resNode, EdgeHasChildResolver)
		}
		provNode, provCreated := b.getOrCreateProvidable(qNode, resNode)
		if provCreated {
			b.g.addEdge(resNode, provNode, EdgeCanProvide)
			b.g.addEdge(provNode, qNode, EdgeProvides)
		}
		resolved = true
		if err := b.queueRequires(provNode, parentType, setId, fieldDef, rk.sg); err != nil {
			return err
		}
		if !isLeaf {
			return b.walkSelectionSetFrom(provNode, resNode, fieldDef.Output, *field.SelectionSet, false)
		}
		return nil
	}

	if atRoot {
		for _, sg := range fieldDef.ResolverIds {
			if err := jump(resolverKey{sg: sg, root: true, rootField: fieldId}); err != nil {
				return err
			}
		}
	} else {
		current := b.g.Node(currentResolver)
		if containsSubgraph(fieldDef.ResolverIds, current.Subgraph) {
			if err := sameSubgraph(currentResolver); err != nil {
				return err
			}
		}
		for _, sg := range fieldDef.ResolverIds {
			if sg == current.Subgraph {
				continue
			}
			if _, ok := b.schema.EntityKey(parentType, sg); !ok {
				continue
			}
			if err := jump(resolverKey{sg: sg, entityType: parentType}); err != nil {
				return err
			}
		}
	}

	if !resolved {
		return fmt.Errorf("no subgraph can resolve field %q", b.schema.Name(fieldDef.Name))
	}
	if err := b.queueAuthorizedRequires(qNode, parentType, setId, fieldDef); err != nil {
		return err
	}
	return nil
}

// queueAuthorizedRequires adds RequiredBySupergraph edges from a field's own
// QueryField node to whatever leaf fields its `@authorized(fields:)` demands
// — a supergraph-level policy requirement (spec.md §4.C), not tied to any
// one subgraph's resolution of the field, so unlike queueRequires this hangs
// off qNode rather than a particular ProvidableField.
func (b *builder) queueAuthorizedRequires(qNode NodeId, parentType schema.TypeDefinitionId, setId operation.BoundSelectionSetId, fieldDef schema.FieldDefinition) error {
	fs := fieldDef.AuthorizedRequires
	if fs.IsEmpty() {
		return nil
	}
	for _, leafDefId := range fs.Leaves() {
		leafFieldId, err := b.siblingOrSynthesize(setId, leafDefId)
		if err != nil {
			return err
		}
		leafNode := b.getOrCreateQueryFieldNode(leafFieldId, true, false)
		b.g.addEdge(qNode, leafNode, EdgeRequiredBySupergraph)
	}
	return nil
}

// queueRequires adds RequiredBySubgraph edges from provNode to whatever
// leaf fields fieldDef's @requires on sg demands, synthesizing extra
// BoundFields (Kind == BoundFieldExtra) for any leaf not already present
// among parentType's siblings in setId (spec.md §4.C: "possibly creating
// extra QueryField nodes not present in the user selection").
func (b *builder) queueRequires(provNode NodeId, parentType schema.TypeDefinitionId, setId operation.BoundSelectionSetId, fieldDef schema.FieldDefinition, sg schema.SubgraphId) error {
	fs, ok := fieldDef.RequiresRecords[sg]
	if !ok || fs.IsEmpty() {
		return nil
	}
	for _, leafDefId := range fs.Leaves() {
		leafFieldId, err := b.siblingOrSynthesize(setId, leafDefId)
		if err != nil {
			return err
		}
		leafNode := b.getOrCreateQueryFieldNode(leafFieldId, true, false)
		b.g.addEdge(provNode, leafNode, EdgeRequiredBySubgraph)
	}
	return nil
}

func (b *builder) siblingOrSynthesize(setId operation.BoundSelectionSetId, defId schema.FieldDefinitionId) (operation.BoundFieldId, error) {
	siblings := b.siblingByDef[setId]
	if fid, ok := siblings[defId]; ok {
		return fid, nil
	}

	fid := b.op.Fields.Append(operation.BoundField{
		Kind:         operation.BoundFieldExtra,
		DefinitionId: defId,
		Edge:         operation.ResponseEdge{Kind: operation.ResponseEdgeExtra},
	})
	siblings[defId] = fid

	set := b.op.SelectionSets.GetPtr(setId)
	set.Fields = append(set.Fields, fid)
	return fid, nil
}

func (b *builder) getOrCreateQueryFieldNode(fieldId operation.BoundFieldId, leaf, indispensable bool) NodeId {
	if id, ok := b.queryFieldNode[fieldId]; ok {
		node := b.g.Nodes.GetPtr(id)
		if leaf {
			node.Flags |= FlagLeaf
		}
		if indispensable {
			node.Flags |= FlagIndispensable
		}
		return id
	}
	var flags FieldFlags
	if leaf {
		flags |= FlagLeaf
	}
	if indispensable {
		flags |= FlagIndispensable
	}
	id := b.g.Nodes.Append(Node{Kind: NodeQueryField, Field: fieldId, Flags: flags})
	b.queryFieldNode[fieldId] = id
	return id
}

func (b *builder) getOrCreateResolver(rk resolverKey) (NodeId, bool) {
	if id, ok := b.resolverNode[rk]; ok {
		return id, false
	}
	id := b.g.Nodes.Append(Node{
		Kind:           NodeResolver,
		Subgraph:       rk.sg,
		EntityType:     rk.entityType,
		IsRootResolver: rk.root,
	})
	b.resolverNode[rk] = id
	return id, true
}

func (b *builder) getOrCreateProvidable(field, resolver NodeId) (NodeId, bool) {
	key := providableKey{field: b.g.Nodes.Get(field).Field, resolver: resolver}
	if id, ok := b.providableNode[key]; ok {
		return id, false
	}
	id := b.g.Nodes.Append(Node{Kind: NodeProvidableField, Provides: field, ViaResolver: resolver})
	b.providableNode[key] = id
	return id, true
}

func containsSubgraph(ids []schema.SubgraphId, sg schema.SubgraphId) bool {
	for _, id := range ids {
		if id == sg {
			return true
		}
	}
	return false
}

// Terminals returns every QueryField node flagged LEAF_NODE | INDISPENSABLE
// — the terminal set the Steiner solver must connect Root to.
func Terminals(g *Graph) []NodeId {
	var out []NodeId
	for i := 0; i < g.Nodes.Len(); i++ {
		id := NodeId(i)
		n := g.Node(id)
		if n.Kind == NodeQueryField && n.Flags&FlagLeaf != 0 && n.Flags&FlagIndispensable != 0 {
			out = append(out, id)
		}
	}
	return out
}
