// Package schema builds and serves the immutable, arena-backed supergraph
// model described in spec.md §3 and §4.A.
//
// A Schema is built once per process (or once per contract derivation) and
// shared by reference across every request; nothing in this package mutates
// after Build/ApplyContract returns.
package schema

import "github.com/grafbase/gwcore/internal/ids"

// Schema is the composed supergraph: every definition, field, argument,
// enum value, subgraph and directive reachable from the SDL, flattened into
// dense arenas and cross-referenced by id.
type Schema struct {
	Strings *ids.Interner

	types      ids.Arena[TypeDefinition]
	fields     ids.Arena[FieldDefinition]
	arguments  ids.Arena[InputValueDefinition]
	enumValues ids.Arena[EnumValueDefinition]
	subgraphs  ids.Arena[Subgraph]
	headerRules ids.Arena[HeaderRule]
	directiveSites ids.Arena[DirectiveList]

	byName map[ids.StringId]TypeDefinitionId

	queryType        TypeDefinitionId
	mutationType     *TypeDefinitionId
	subscriptionType *TypeDefinitionId
}

func newSchema() *Schema {
	return &Schema{
		Strings: ids.NewInterner(),
		byName:  make(map[ids.StringId]TypeDefinitionId),
	}
}

// DefinitionByName resolves a type by name, hashed through the interner —
// name lookup never walks the arena linearly.
func (s *Schema) DefinitionByName(name string) (TypeDefinitionId, bool) {
	sid, ok := s.Strings.TryLookup(name)
	if !ok {
		return 0, false
	}
	id, ok := s.byName[sid]
	return id, ok
}

func (s *Schema) Type(id TypeDefinitionId) TypeDefinition   { return s.types.Get(id) }
func (s *Schema) Field(id FieldDefinitionId) FieldDefinition { return s.fields.Get(id) }
func (s *Schema) Argument(id ArgumentId) InputValueDefinition {
	return s.arguments.Get(id)
}
func (s *Schema) EnumValue(id EnumValueId) EnumValueDefinition {
	return s.enumValues.Get(id)
}
func (s *Schema) Subgraph(id SubgraphId) Subgraph { return s.subgraphs.Get(id) }
func (s *Schema) HeaderRule(id HeaderRuleId) HeaderRule { return s.headerRules.Get(id) }

func (s *Schema) Name(id ids.StringId) string { return s.Strings.Lookup(id) }

func (s *Schema) QueryType() TypeDefinitionId { return s.queryType }
func (s *Schema) MutationType() (TypeDefinitionId, bool) {
	if s.mutationType == nil {
		return 0, false
	}
	return *s.mutationType, true
}
func (s *Schema) SubscriptionType() (TypeDefinitionId, bool) {
	if s.subscriptionType == nil {
		return 0, false
	}
	return *s.subscriptionType, true
}

func (s *Schema) Subgraphs() []Subgraph { return s.subgraphs.All() }

// EntityKey reports the `@join__type(key:)` field-set sg uses to resolve t
// as an entity via `_entities`, if it declares one.
func (s *Schema) EntityKey(t TypeDefinitionId, sg SubgraphId) (FieldSet, bool) {
	fs, ok := s.types.Get(t).EntityKeys[sg]
	return fs, ok
}

// Directives resolves a directive site to its attached directives; sites
// with no directives simply have an empty DirectiveList (every directive
// site id is always valid — §4.A "Directive iteration by site id").
func (s *Schema) Directives(site DirectiveSiteId) []Directive {
	return s.directiveSites.Get(site).Directives
}

// FieldsOf returns the field id range for an Object/Interface type,
// enforcing invariant 1 implicitly: the range is the only place field ids
// for that type are read from.
func (s *Schema) FieldsOf(t TypeDefinitionId) ids.IdRange[FieldDefinition] {
	return s.types.Get(t).Fields
}

// InterfaceHasImplementor does a sorted binary search over PossibleTypes,
// per invariant 3 ("union member lists and interface implementer lists are
// sorted by id; binary search is sound").
func (s *Schema) InterfaceHasImplementor(iface, object TypeDefinitionId) bool {
	possible := s.types.Get(iface).PossibleTypes
	lo, hi := 0, len(possible)
	for lo < hi {
		mid := (lo + hi) / 2
		if possible[mid] < object {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(possible) && possible[lo] == object
}

func (s *Schema) UnionHasMember(union, object TypeDefinitionId) bool {
	members := s.types.Get(union).UnionMembers
	lo, hi := 0, len(members)
	for lo < hi {
		mid := (lo + hi) / 2
		if members[mid] < object {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(members) && members[lo] == object
}

// Walker is a cheap (schema, id) handle exposing typed accessors without
// copying the underlying entity — the teacher's "walker view" pattern
// (astvisitor-style: a struct of (*Document, ref) rather than a deep clone).
type Walker[T any] struct {
	Schema *Schema
	Id     ids.Id[T]
}

func WalkType(s *Schema, id TypeDefinitionId) TypeWalker {
	return TypeWalker{Walker[TypeDefinition]{Schema: s, Id: id}}
}

type TypeWalker struct{ Walker[TypeDefinition] }

func (w TypeWalker) Def() TypeDefinition { return w.Schema.Type(w.Id) }
func (w TypeWalker) Name() string        { return w.Schema.Name(w.Def().Name) }
func (w TypeWalker) Kind() TypeKind      { return w.Def().Kind }

func (w TypeWalker) Fields() []FieldWalker {
	rng := w.Def().Fields
	out := make([]FieldWalker, 0, rng.Len())
	for _, id := range rng.All() {
		out = append(out, WalkField(w.Schema, id))
	}
	return out
}

func (w TypeWalker) FieldByName(name string) (FieldWalker, bool) {
	for _, f := range w.Fields() {
		if f.Name() == name {
			return f, true
		}
	}
	return FieldWalker{}, false
}

func (w TypeWalker) IsComposite() bool {
	switch w.Kind() {
	case TypeKindObject, TypeKindInterface, TypeKindUnion:
		return true
	default:
		return false
	}
}

func (w TypeWalker) IsLeaf() bool {
	switch w.Kind() {
	case TypeKindScalar, TypeKindEnum:
		return true
	default:
		return false
	}
}

func WalkField(s *Schema, id FieldDefinitionId) FieldWalker {
	return FieldWalker{Walker[FieldDefinition]{Schema: s, Id: id}}
}

type FieldWalker struct{ Walker[FieldDefinition] }

func (w FieldWalker) Def() FieldDefinition { return w.Schema.Field(w.Id) }
func (w FieldWalker) Name() string         { return w.Schema.Name(w.Def().Name) }
func (w FieldWalker) OutputType() TypeWalker {
	return WalkType(w.Schema, w.Def().Output)
}
func (w FieldWalker) ResolvableBy(sg SubgraphId) bool {
	for _, r := range w.Def().ResolverIds {
		if r == sg {
			return true
		}
	}
	return false
}
