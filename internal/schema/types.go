package schema

import (
	"time"

	"github.com/grafbase/gwcore/internal/ids"
)

// Typed ids for every schema arena. Kept distinct (rather than one shared
// "EntityId") so a FieldDefinitionId can never be passed where an
// ObjectDefinitionId is expected — the type system does invariant checking
// the runtime otherwise would have to.
type (
	TypeDefinitionId    = ids.Id[TypeDefinition]
	FieldDefinitionId   = ids.Id[FieldDefinition]
	ArgumentId          = ids.Id[InputValueDefinition]
	EnumValueId         = ids.Id[EnumValueDefinition]
	SubgraphId          = ids.Id[Subgraph]
	DirectiveSiteId     = ids.Id[DirectiveList]
	TypeSystemDirective = ids.Id[Directive]
	HeaderRuleId        = ids.Id[HeaderRule]
)

// TypeKind tags the TypeDefinition sum type. Behaviour keyed on TypeKind
// dispatches through an exhaustive switch (see Walker methods), never
// through interface dynamic dispatch, per the "tagged variants" design note.
type TypeKind uint8

const (
	TypeKindScalar TypeKind = iota
	TypeKindObject
	TypeKindInterface
	TypeKindUnion
	TypeKindEnum
	TypeKindInputObject
)

// TypeDefinition is the arena-allocated, immutable-after-build representation
// of a schema type. Only the fields relevant to Kind are populated; this
// mirrors the teacher's ast.Node tagged-union style (a Kind discriminant
// plus per-kind payload) rather than an interface-per-kind hierarchy.
type TypeDefinition struct {
	Kind TypeKind
	Name ids.StringId

	// Object | Interface
	Fields ids.IdRange[FieldDefinition]

	// Interface only: possible implementing object ids, sorted for binary
	// search (invariant 3).
	PossibleTypes []TypeDefinitionId

	// Union only: sorted member object ids (invariant 3).
	UnionMembers []TypeDefinitionId

	// Enum only.
	EnumValues ids.IdRange[EnumValueDefinition]

	// InputObject only: reuses InputValueDefinition, the same shape a field
	// argument has (name, type, wrapping, default).
	InputFields ids.IdRange[InputValueDefinition]

	// Object | Interface, entities only: the `@join__type(key: "...")`
	// field-set each subgraph uses to look the type up via `_entities`.
	// Absence of a subgraph from this map means that subgraph cannot
	// resolve this type as an entity (internal/solve's resolver-jump rule).
	EntityKeys map[SubgraphId]FieldSet

	Directives DirectiveSiteId
}

type EnumValueDefinition struct {
	Name       ids.StringId
	Directives DirectiveSiteId
}

// Wrapping packs nullable/list layers into a fixed-width value, decoded
// deterministically (invariant 4). Layout, innermost to outermost:
//
//	bits 0-4:  list nesting depth (0 = plain named type)
//	bit  5:    innermost type is non-null
//	bits 6-31: per-level "this list layer is non-null", bit (6+level)
type Wrapping uint32

const (
	wrappingDepthMask     Wrapping = 0b11111
	wrappingInnerReqBit            = 5
	wrappingListReqBase            = 6
	maxWrappingListLevels          = 32 - wrappingListReqBase
)

func NewWrapping(innerRequired bool, listLevelRequired []bool) Wrapping {
	if len(listLevelRequired) > maxWrappingListLevels {
		panic("wrapping: too many list levels to pack")
	}
	var w Wrapping
	w |= Wrapping(len(listLevelRequired)) & wrappingDepthMask
	if innerRequired {
		w |= 1 << wrappingInnerReqBit
	}
	for level, req := range listLevelRequired {
		if req {
			w |= 1 << uint(wrappingListReqBase+level)
		}
	}
	return w
}

func (w Wrapping) Depth() int { return int(w & wrappingDepthMask) }

func (w Wrapping) IsList() bool { return w.Depth() > 0 }

// IsRequired reports whether the outermost layer is non-null: the outermost
// list layer if this is a list, otherwise the inner scalar/object type.
func (w Wrapping) IsRequired() bool {
	if d := w.Depth(); d > 0 {
		return w.ListLevelRequired(d - 1)
	}
	return w.InnerIsRequired()
}

func (w Wrapping) InnerIsRequired() bool {
	return w&(1<<wrappingInnerReqBit) != 0
}

func (w Wrapping) ListLevelRequired(level int) bool {
	if level < 0 || level >= w.Depth() {
		return false
	}
	return w&(1<<uint(wrappingListReqBase+level)) != 0
}

// Unwrap strips the outermost list layer, giving the wrapping of one
// element of a list-typed position — used when ingesting a list's elements
// into the response store, each of which carries the inner type's wrapping.
func (w Wrapping) Unwrap() Wrapping {
	d := w.Depth()
	if d == 0 {
		return w
	}
	var levels []bool
	for level := 0; level < d-1; level++ {
		levels = append(levels, w.ListLevelRequired(level))
	}
	return NewWrapping(w.InnerIsRequired(), levels)
}

// FieldDefinition is the one entity most of the gateway's decisions key off:
// which subgraphs can resolve it, what they require and provide.
type FieldDefinition struct {
	Parent   TypeDefinitionId
	Name     ids.StringId
	Output   TypeDefinitionId
	Wrapping Wrapping

	Arguments ids.IdRange[InputValueDefinition]

	// ResolverIds: which subgraph endpoints can resolve this field at all.
	ResolverIds []SubgraphId

	// RequiresRecords/ProvidesRecords: per-subgraph field-set requirements
	// and coverage, keyed by SubgraphId. A FieldSet is itself a small arena
	// of (FieldDefinitionId, nested FieldSet) pairs — see inputvalue.go.
	RequiresRecords map[SubgraphId]FieldSet
	ProvidesRecords map[SubgraphId]FieldSet

	// AuthorizedRequires: the field-set parsed off a `@authorized(fields:)`
	// directive, naming sibling fields of this field's *parent* type that a
	// supergraph-level authorization hook needs in hand before it can
	// decide whether this field may be returned (spec.md §4.C "a
	// supergraph-level policy requirement ... demanding parent fields").
	// Empty when the field carries no `@authorized(fields:)` directive.
	AuthorizedRequires FieldSet

	Directives DirectiveSiteId
}

type InputValueDefinition struct {
	Name         ids.StringId
	Type         TypeDefinitionId
	Wrapping     Wrapping
	DefaultValue *InputValue
	Directives   DirectiveSiteId
}

// SubgraphKind distinguishes a real GraphQL-over-HTTP endpoint from a
// virtual/extension source (§4.A "Subgraph").
type SubgraphKind uint8

const (
	SubgraphKindGraphQL SubgraphKind = iota
	SubgraphKindVirtual
)

type RetryConfig struct {
	MinPerSecond  float64
	TTL           time.Duration
	RetryPercent  float64
	RetryMutation bool
}

type EntityCacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

type RateLimitConfig struct {
	Limit    int
	Duration time.Duration
}

type Subgraph struct {
	Kind SubgraphKind
	Name ids.StringId

	URL            string
	WebsocketURL   string
	HeaderRuleIds  []HeaderRuleId
	Timeout        time.Duration
	Retry          RetryConfig
	EntityCache    EntityCacheConfig
	RateLimit      RateLimitConfig
}

// HeaderRuleKind tags the HeaderRule sum type (§6 header_rules).
type HeaderRuleKind uint8

const (
	HeaderRuleForward HeaderRuleKind = iota
	HeaderRuleInsert
	HeaderRuleRemove
	HeaderRuleRenameDuplicate
)

type HeaderRule struct {
	Kind    HeaderRuleKind
	Name    string // literal name or pattern
	Default string
	Rename  string
	Value   string // Insert: literal or {{ .request.header.X }} template
}

// DirectiveList is what a DirectiveSiteId resolves to: any id that can bear
// directives (§4.A "Directive sites").
type DirectiveList struct {
	Directives []Directive
}

type DirectiveKind uint8

const (
	DirectiveDeprecated DirectiveKind = iota
	DirectiveCost
	DirectiveListSize
	DirectiveExtension
	// DirectiveOneOf marks an input object type as `@oneOf` (supplemented
	// from original_source/ — the distilled spec is silent on it): exactly
	// one field may be set, and that field must be non-null.
	DirectiveOneOf
)

type Directive struct {
	Kind DirectiveKind

	DeprecatedReason string

	CostWeight int

	ListSizeAssumedSize    *int
	ListSizeSlicingArgs    []string
	ListSizeSizedFields    []string
	ListSizeRequireOneSlice bool

	ExtensionName string
	ExtensionArgs map[string]InputValue
}
