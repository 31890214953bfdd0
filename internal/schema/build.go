package schema

import (
	"sort"
	"strconv"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Build consumes a composed federation supergraph SDL (join directives
// already applied by the external composition step — out of scope per
// spec.md §1 Non-goals) and produces the arena Schema.
//
// Parsing itself is delegated to vektah/gqlparser — the same dependency the
// teacher's execution and examples/federation modules require directly —
// rather than hand-rolling a GraphQL lexer; gqlparser.LoadSchema already
// merges the built-in scalar/introspection prelude the teacher's own
// asttransform.MergeDefinitionWithBaseSchema otherwise does by hand.
func Build(sdl string, logger abstractlogger.Logger) (*Schema, error) {
	if logger == nil {
		logger = abstractlogger.Noop{}
	}

	doc, err := gqlparser.LoadSchema(&ast.Source{Name: "supergraph.graphql", Input: sdl})
	if err != nil {
		return nil, buildErrorf("supergraph", nil, "%s", err.Error())
	}

	b := &builder{schema: newSchema(), doc: doc, subgraphByName: map[string]SubgraphId{}}

	if err := b.buildSubgraphs(); err != nil {
		return nil, err
	}
	if err := b.reserveTypes(); err != nil {
		return nil, err
	}
	if err := b.fillTypes(); err != nil {
		return nil, err
	}
	if err := b.resolveRoots(); err != nil {
		return nil, err
	}

	logger.Debug("schema build complete",
		abstractlogger.Int("types", b.schema.types.Len()),
		abstractlogger.Int("fields", b.schema.fields.Len()),
		abstractlogger.Int("subgraphs", b.schema.subgraphs.Len()),
	)

	return b.schema, nil
}

type builder struct {
	schema         *Schema
	doc            *ast.Schema
	subgraphByName map[string]SubgraphId
}

// buildSubgraphs reads the join__Graph enum, one value per subgraph, each
// carrying a @join__graph(name:, url:, subscriptionUrl:) directive.
func (b *builder) buildSubgraphs() error {
	graphEnum, ok := b.doc.Types["join__Graph"]
	if !ok {
		// Single-subgraph or non-federated schema: nothing to do, every
		// field is implicitly resolvable locally.
		return nil
	}

	names := make([]string, 0, len(graphEnum.EnumValues))
	byName := map[string]*ast.EnumValueDefinition{}
	for _, v := range graphEnum.EnumValues {
		names = append(names, v.Name)
		byName[v.Name] = v
	}
	sort.Strings(names)

	for _, enumValueName := range names {
		v := byName[enumValueName]
		dir := v.Directives.ForName("join__graph")
		if dir == nil {
			continue
		}
		name := directiveArgString(dir, "name", enumValueName)
		url := directiveArgString(dir, "url", "")
		wsURL := directiveArgString(dir, "subscriptionUrl", "")

		sg := Subgraph{
			Kind:         SubgraphKindGraphQL,
			Name:         b.schema.Strings.Intern(name),
			URL:          url,
			WebsocketURL: wsURL,
			Timeout:      30 * time.Second,
			Retry:        RetryConfig{MinPerSecond: 10, TTL: time.Minute, RetryPercent: 0.1},
		}
		id := b.schema.subgraphs.Append(sg)
		b.subgraphByName[name] = id
	}
	return nil
}

// reserveTypes assigns a TypeDefinitionId to every named type up front so
// later passes can resolve forward references (a field's output type may be
// declared after the field itself in source order).
func (b *builder) reserveTypes() error {
	names := sortedTypeNames(b.doc)
	for _, name := range names {
		def := b.doc.Types[name]
		kind, ok := mapKind(def.Kind)
		if !ok {
			continue // directive-only or unsupported definition kind
		}
		id := b.schema.types.Append(TypeDefinition{Kind: kind, Name: b.schema.Strings.Intern(name)})
		b.schema.byName[b.schema.Strings.Intern(name)] = id
	}
	return nil
}

func (b *builder) fillTypes() error {
	names := sortedTypeNames(b.doc)
	for _, name := range names {
		def := b.doc.Types[name]
		typeId, ok := b.schema.DefinitionByName(name)
		if !ok {
			continue
		}
		site := b.buildDirectiveSite(def.Directives)
		t := b.schema.types.GetPtr(typeId)
		t.Directives = site

		switch def.Kind {
		case ast.Object, ast.Interface:
			if err := b.fillFields(typeId, def); err != nil {
				return err
			}
		case ast.Union:
			members := make([]TypeDefinitionId, 0, len(def.Types))
			for _, m := range def.Types {
				mid, ok := b.schema.DefinitionByName(m)
				if !ok {
					return buildErrorf(name, def.Position, "union member %q is undefined", m)
				}
				members = append(members, mid)
			}
			sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
			t := b.schema.types.GetPtr(typeId)
			t.UnionMembers = members
		case ast.Enum:
			start := b.schema.enumValues.NextId()
			for _, v := range def.EnumValues {
				b.schema.enumValues.Append(EnumValueDefinition{
					Name:       b.schema.Strings.Intern(v.Name),
					Directives: b.buildDirectiveSite(v.Directives),
				})
			}
			t := b.schema.types.GetPtr(typeId)
			t.EnumValues = b.schema.enumValues.RangeFrom(start)
		case ast.InputObject:
			start := b.schema.arguments.NextId()
			for _, f := range def.Fields {
				wrapping, err := wrappingFromType(f.Type)
				if err != nil {
					return buildErrorf(name+"."+f.Name, f.Position, "%s", err.Error())
				}
				fieldTypeId, ok := b.schema.DefinitionByName(f.Type.Name())
				if !ok {
					return buildErrorf(name+"."+f.Name, f.Position, "input field has undefined type %q", f.Type.Name())
				}
				var defaultValue *InputValue
				if f.DefaultValue != nil {
					v := literalToInputValue(f.DefaultValue, b.schema)
					defaultValue = &v
				}
				b.schema.arguments.Append(InputValueDefinition{
					Name:         b.schema.Strings.Intern(f.Name),
					Type:         fieldTypeId,
					Wrapping:     wrapping,
					DefaultValue: defaultValue,
					Directives:   b.buildDirectiveSite(f.Directives),
				})
			}
			t := b.schema.types.GetPtr(typeId)
			t.InputFields = b.schema.arguments.RangeFrom(start)
		}
	}

	// Second pass: interface possible-implementor lists, which need every
	// object's interface list resolved first.
	for _, name := range names {
		def := b.doc.Types[name]
		if def.Kind != ast.Object {
			continue
		}
		objectId, ok := b.schema.DefinitionByName(name)
		if !ok {
			continue
		}
		for _, ifaceName := range def.Interfaces {
			ifaceId, ok := b.schema.DefinitionByName(ifaceName)
			if !ok {
				return buildErrorf(name, def.Position, "implements undefined interface %q", ifaceName)
			}
			iface := b.schema.types.GetPtr(ifaceId)
			iface.PossibleTypes = append(iface.PossibleTypes, objectId)
		}
	}
	for _, t := range b.schema.types.All() {
		sort.Slice(t.PossibleTypes, func(i, j int) bool { return t.PossibleTypes[i] < t.PossibleTypes[j] })
	}
	return nil
}

func (b *builder) fillFields(parentId TypeDefinitionId, def *ast.Definition) error {
	start := b.schema.fields.NextId()

	typeGraphs := b.joinTypeGraphs(def)

	entityKeys, err := b.buildEntityKeys(parentId, def)
	if err != nil {
		return err
	}
	b.schema.types.GetPtr(parentId).EntityKeys = entityKeys

	for _, f := range def.Fields {
		if isIntrospectionField(f.Name) {
			continue
		}
		outputName := f.Type.Name()
		outputId, ok := b.schema.DefinitionByName(outputName)
		if !ok {
			return buildErrorf(def.Name+"."+f.Name, f.Position, "field has undefined output type %q", outputName)
		}

		argStart := b.schema.arguments.NextId()
		for _, a := range f.Arguments {
			argWrapping, err := wrappingFromType(a.Type)
			if err != nil {
				return buildErrorf(def.Name+"."+f.Name+"."+a.Name, a.Position, "%s", err.Error())
			}
			argTypeId, ok := b.schema.DefinitionByName(a.Type.Name())
			if !ok {
				return buildErrorf(def.Name+"."+f.Name+"."+a.Name, a.Position, "argument has undefined type %q", a.Type.Name())
			}
			var def *InputValue
			if a.DefaultValue != nil {
				v := literalToInputValue(a.DefaultValue, b.schema)
				def = &v
			}
			b.schema.arguments.Append(InputValueDefinition{
				Name:         b.schema.Strings.Intern(a.Name),
				Type:         argTypeId,
				Wrapping:     argWrapping,
				DefaultValue: def,
				Directives:   b.buildDirectiveSite(a.Directives),
			})
		}
		argRange := b.schema.arguments.RangeFrom(argStart)

		fieldWrapping, err := wrappingFromType(f.Type)
		if err != nil {
			return buildErrorf(def.Name+"."+f.Name, f.Position, "%s", err.Error())
		}

		fd := FieldDefinition{
			Parent:          parentId,
			Name:            b.schema.Strings.Intern(f.Name),
			Output:          outputId,
			Wrapping:        fieldWrapping,
			Arguments:       argRange,
			RequiresRecords: map[SubgraphId]FieldSet{},
			ProvidesRecords: map[SubgraphId]FieldSet{},
			Directives:      b.buildDirectiveSite(f.Directives),
		}

		resolvers, requires, provides, err := b.joinFieldInfo(parentId, f, typeGraphs)
		if err != nil {
			return err
		}
		fd.ResolverIds = resolvers
		fd.RequiresRecords = requires
		fd.ProvidesRecords = provides

		if authDir := f.Directives.ForName("authorized"); authDir != nil {
			if fields := directiveArgString(authDir, "fields", ""); fields != "" {
				fs, err := parseFieldSet(fields, parentId, b.resolveFieldOnParent)
				if err != nil {
					return buildErrorf(def.Name+"."+f.Name, f.Position, "invalid @authorized(fields:): %s", err.Error())
				}
				fd.AuthorizedRequires = fs
			}
		}

		b.schema.fields.Append(fd)
	}

	t := b.schema.types.GetPtr(parentId)
	t.Fields = b.schema.fields.RangeFrom(start)
	return nil
}

// joinFieldInfo resolves which subgraphs can serve f, plus any @requires /
// @provides field-sets declared per subgraph, from repeatable
// @join__field(graph:, requires:, provides:) directives. A field with no
// @join__field directives at all is resolvable by every graph declared on
// the parent type's @join__type directives (the common case for fields that
// don't cross subgraph boundaries).
func (b *builder) joinFieldInfo(parentId TypeDefinitionId, f *ast.FieldDefinition, typeGraphs []SubgraphId) ([]SubgraphId, map[SubgraphId]FieldSet, map[SubgraphId]FieldSet, error) {
	resolveOnParent := b.resolveFieldOnParent

	requires := map[SubgraphId]FieldSet{}
	provides := map[SubgraphId]FieldSet{}
	var resolvers []SubgraphId

	fieldDirs := f.Directives.ForNames("join__field")
	if len(fieldDirs) == 0 {
		return typeGraphs, requires, provides, nil
	}

	outputTypeName := f.Type.Name()
	outputTypeId, _ := b.schema.DefinitionByName(outputTypeName)

	for _, d := range fieldDirs {
		graphName := directiveArgEnum(d, "graph")
		sgId, ok := b.subgraphByName[graphName]
		if !ok {
			continue
		}
		resolvers = append(resolvers, sgId)

		// @requires names sibling fields of the field's *parent* type.
		if req := directiveArgString(d, "requires", ""); req != "" {
			fs, err := parseFieldSet(req, parentId, resolveOnParent)
			if err != nil {
				return nil, nil, nil, buildErrorf(f.Name, f.Position, "invalid @join__field(requires:): %s", err.Error())
			}
			requires[sgId] = fs
		}
		// @provides names fields of the field's own *output* type.
		if prov := directiveArgString(d, "provides", ""); prov != "" && outputTypeId != 0 {
			fs, err := parseFieldSet(prov, outputTypeId, resolveOnParent)
			if err != nil {
				return nil, nil, nil, buildErrorf(f.Name, f.Position, "invalid @join__field(provides:): %s", err.Error())
			}
			provides[sgId] = fs
		}
	}
	return resolvers, requires, provides, nil
}

// resolveFieldOnParent looks a field up by name on parent, the resolver
// function parseFieldSet needs to turn a field-set string into ids.
func (b *builder) resolveFieldOnParent(parent TypeDefinitionId, name string) (FieldDefinitionId, TypeDefinitionId, bool) {
	w := WalkType(b.schema, parent)
	fw, ok := w.FieldByName(name)
	if !ok {
		return 0, 0, false
	}
	return fw.Id, fw.Def().Output, true
}

// buildEntityKeys reads the repeatable @join__type(graph:, key: "...")
// directives' key argument into a per-subgraph FieldSet, resolved against
// the type's own fields (spec.md §3 invariant 2: requires/provides only
// reference fields reachable from the declaring type).
func (b *builder) buildEntityKeys(typeId TypeDefinitionId, def *ast.Definition) (map[SubgraphId]FieldSet, error) {
	keys := map[SubgraphId]FieldSet{}
	for _, d := range def.Directives.ForNames("join__type") {
		graphName := directiveArgEnum(d, "graph")
		sgId, ok := b.subgraphByName[graphName]
		if !ok {
			continue
		}
		keyStr := directiveArgString(d, "key", "")
		if keyStr == "" {
			continue
		}
		fs, err := parseFieldSet(keyStr, typeId, b.resolveFieldOnParent)
		if err != nil {
			return nil, buildErrorf(def.Name, def.Position, "invalid @join__type(key:): %s", err.Error())
		}
		keys[sgId] = fs
	}
	return keys, nil
}

// joinTypeGraphs reads the repeatable @join__type(graph: ...) directives on
// a type definition, returning the set of subgraphs that declare it.
func (b *builder) joinTypeGraphs(def *ast.Definition) []SubgraphId {
	dirs := def.Directives.ForNames("join__type")
	if len(dirs) == 0 {
		return nil
	}
	var out []SubgraphId
	for _, d := range dirs {
		graphName := directiveArgEnum(d, "graph")
		if sgId, ok := b.subgraphByName[graphName]; ok {
			out = append(out, sgId)
		}
	}
	return out
}

func sortedTypeNames(doc *ast.Schema) []string {
	names := make([]string, 0, len(doc.Types))
	for name, def := range doc.Types {
		if def.BuiltIn {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mapKind(k ast.DefinitionKind) (TypeKind, bool) {
	switch k {
	case ast.Scalar:
		return TypeKindScalar, true
	case ast.Object:
		return TypeKindObject, true
	case ast.Interface:
		return TypeKindInterface, true
	case ast.Union:
		return TypeKindUnion, true
	case ast.Enum:
		return TypeKindEnum, true
	case ast.InputObject:
		return TypeKindInputObject, true
	default:
		return 0, false
	}
}

func isIntrospectionField(name string) bool {
	return name == "__typename" || name == "__schema" || name == "__type"
}

func wrappingFromType(t *ast.Type) (Wrapping, error) {
	// Walk from the named-type core outward, collecting list-nullability.
	var levels []bool
	cur := t
	innerRequired := false
	first := true
	for cur != nil {
		if cur.NamedType != "" {
			innerRequired = cur.NonNull
			break
		}
		if first {
			first = false
		}
		levels = append(levels, cur.NonNull)
		cur = cur.Elem
	}
	// levels were collected outermost-first; Wrapping wants innermost-first.
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	return NewWrapping(innerRequired, levels), nil
}

func literalToInputValue(v *ast.Value, s *Schema) InputValue {
	switch v.Kind {
	case ast.NullValue:
		return InputValue{Kind: InputValueNull}
	case ast.BooleanValue:
		return InputValue{Kind: InputValueBool, Bool: v.Raw == "true"}
	case ast.IntValue:
		n, _ := strconv.ParseInt(v.Raw, 10, 64)
		return InputValue{Kind: InputValueInt, Int: n}
	case ast.FloatValue:
		f, _ := strconv.ParseFloat(v.Raw, 64)
		return InputValue{Kind: InputValueFloat, Float: f}
	case ast.StringValue, ast.BlockValue:
		return InputValue{Kind: InputValueString, String: v.Raw}
	case ast.EnumValue:
		return InputValue{Kind: InputValueEnum, Enum: s.Strings.Intern(v.Raw)}
	case ast.ListValue:
		items := make([]InputValue, 0, len(v.Children))
		for _, c := range v.Children {
			items = append(items, literalToInputValue(c.Value, s))
		}
		return InputValue{Kind: InputValueList, List: items}
	case ast.ObjectValue:
		fields := make([]ObjectField, 0, len(v.Children))
		for _, c := range v.Children {
			fields = append(fields, ObjectField{Name: s.Strings.Intern(c.Name), Value: literalToInputValue(c.Value, s)})
		}
		return InputValue{Kind: InputValueObject, Object: fields}
	default:
		return InputValue{Kind: InputValueNull}
	}
}

func (b *builder) resolveRoots() error {
	if id, ok := b.schema.DefinitionByName("Query"); ok {
		b.schema.queryType = id
	} else {
		return buildErrorf("supergraph", nil, "schema has no Query root type")
	}
	if id, ok := b.schema.DefinitionByName("Mutation"); ok {
		b.schema.mutationType = &id
	}
	if id, ok := b.schema.DefinitionByName("Subscription"); ok {
		b.schema.subscriptionType = &id
	}
	return nil
}

// buildDirectiveSite converts the AST directives attached to one definition
// into a DirectiveList arena entry, returning its id. Every definition gets
// its own site — even an empty one — so DirectiveSiteId(0) is never an
// accidental alias for "has directives I forgot to set" (schema.go's
// "every directive site id is always valid" invariant).
func (b *builder) buildDirectiveSite(dirs ast.DirectiveList) DirectiveSiteId {
	list := DirectiveList{}
	for _, d := range dirs {
		switch d.Name {
		case "deprecated":
			list.Directives = append(list.Directives, Directive{
				Kind:             DirectiveDeprecated,
				DeprecatedReason: directiveArgString(d, "reason", "No longer supported"),
			})
		case "cost":
			weight := 0
			if a := d.Arguments.ForName("weight"); a != nil && a.Value != nil {
				if n, err := strconv.Atoi(a.Value.Raw); err == nil {
					weight = n
				}
			}
			list.Directives = append(list.Directives, Directive{Kind: DirectiveCost, CostWeight: weight})
		case "listSize":
			list.Directives = append(list.Directives, Directive{
				Kind:                    DirectiveListSize,
				ListSizeAssumedSize:     directiveArgIntPtr(d, "assumedSize"),
				ListSizeSlicingArgs:     directiveArgStringList(d, "slicingArguments"),
				ListSizeSizedFields:     directiveArgStringList(d, "sizedFields"),
				ListSizeRequireOneSlice: directiveArgBool(d, "requireOneSlicingArgument", true),
			})
		case "oneOf":
			list.Directives = append(list.Directives, Directive{Kind: DirectiveOneOf})
		case "join__graph", "join__type", "join__field", "join__implements", "join__unionMember", "join__enumValue":
			// Composition-time bookkeeping already consumed elsewhere
			// (buildSubgraphs, joinTypeGraphs, joinFieldInfo) — not a
			// directive a contract policy or resolver ever inspects again.
		case "authorized":
			// Parsed into FieldDefinition.AuthorizedRequires above, where
			// the field's parent type id is in scope for field-set
			// resolution; buildDirectiveSite has no such context.
		default:
			args := make(map[string]InputValue, len(d.Arguments))
			for _, a := range d.Arguments {
				args[a.Name] = literalToInputValue(a.Value, b.schema)
			}
			list.Directives = append(list.Directives, Directive{
				Kind:          DirectiveExtension,
				ExtensionName: d.Name,
				ExtensionArgs: args,
			})
		}
	}
	return b.schema.directiveSites.Append(list)
}

func directiveArgIntPtr(d *ast.Directive, name string) *int {
	a := d.Arguments.ForName(name)
	if a == nil || a.Value == nil {
		return nil
	}
	n, err := strconv.Atoi(a.Value.Raw)
	if err != nil {
		return nil
	}
	return &n
}

func directiveArgBool(d *ast.Directive, name string, fallback bool) bool {
	a := d.Arguments.ForName(name)
	if a == nil || a.Value == nil {
		return fallback
	}
	return a.Value.Raw == "true"
}

func directiveArgStringList(d *ast.Directive, name string) []string {
	a := d.Arguments.ForName(name)
	if a == nil || a.Value == nil || a.Value.Kind != ast.ListValue {
		return nil
	}
	out := make([]string, 0, len(a.Value.Children))
	for _, c := range a.Value.Children {
		out = append(out, c.Value.Raw)
	}
	return out
}

func directiveArgString(d *ast.Directive, name, fallback string) string {
	if d == nil {
		return fallback
	}
	a := d.Arguments.ForName(name)
	if a == nil || a.Value == nil {
		return fallback
	}
	return a.Value.Raw
}

func directiveArgEnum(d *ast.Directive, name string) string {
	return directiveArgString(d, name, "")
}
