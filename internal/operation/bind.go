package operation

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/schema"
)

// Bind parses and binds a client operation against s, producing the
// BoundOperation IR (spec.md §4.B). Every diagnostic — parse errors, bind
// errors, unused-variable errors — accumulates in the returned Report rather
// than failing fast, matching the teacher's operationreport style; callers
// check report.HasErrors() before touching the returned operation (which is
// nil whenever the report has errors).
func Bind(s *schema.Schema, source string, operationName string) (*BoundOperation, *Report) {
	doc, report := parseDocument(source)
	if report.HasErrors() {
		return nil, report
	}

	astOp := selectOperation(doc, operationName, report)
	if report.HasErrors() {
		return nil, report
	}

	kind := operationKindFromAST(astOp.Operation)
	rootType, ok := s.RootType(kind)
	if !ok {
		report.AddRequestError(nil, "schema declares no root type for %s operations", kind)
		return nil, report
	}

	op := &BoundOperation{
		Schema:        s,
		OperationType: kind,
		RootType:      rootType,
		Name:          astOp.Name,
		ResponseKeys:  ids.NewInterner(),
	}

	b := &binder{
		schema:         s,
		doc:            doc,
		op:             op,
		report:         report,
		variableByName: map[string]VariableDefId{},
		used:           map[VariableDefId]bool{},
		spreading:      map[string]bool{},
		nextSourcePos:  0,
	}

	b.bindVariableDefinitions(astOp.VariableDefinitions)

	root, ok := b.bindSelectionSetInto(rootType, astOp.SelectionSet, false, 0, deferState{})
	if !ok {
		return nil, report
	}
	op.RootSelectionSet = root

	for name, id := range b.variableByName {
		if !b.used[id] {
			report.AddVariableError("variable %q is declared but never used", name)
		}
	}

	if report.HasErrors() {
		return nil, report
	}
	return op, report
}

type binder struct {
	schema *schema.Schema
	doc    *ast.QueryDocument
	op     *BoundOperation
	report *Report

	variableByName map[string]VariableDefId
	used           map[VariableDefId]bool

	// spreading guards named-fragment recursion (a cycle is a bind error,
	// not a stack overflow).
	spreading map[string]bool

	nextSourcePos int
}

func (b *binder) bindVariableDefinitions(defs ast.VariableDefinitionList) {
	for _, d := range defs {
		typeId, wrapping, err := resolveASTType(b.schema, d.Type)
		if err != nil {
			b.report.AddValidationError(posFrom(d.Position), "$"+d.Variable, "%s", err.Error())
			continue
		}

		var defaultValue *QueryInputValueId
		if d.DefaultValue != nil {
			v, err := b.bindValue(d.DefaultValue)
			if err != nil {
				b.report.AddValidationError(posFrom(d.Position), "$"+d.Variable, "invalid default value: %s", err.Error())
			} else {
				defaultValue = &v
			}
		}

		id := b.op.VariableDefs.Append(BoundVariableDefinition{
			Name:         b.schema.Strings.Intern(d.Variable),
			Type:         typeId,
			Wrapping:     wrapping,
			DefaultValue: defaultValue,
			Pos:          posFromValue(posFrom(d.Position)),
		})
		if _, dup := b.variableByName[d.Variable]; dup {
			b.report.AddValidationError(posFrom(d.Position), "$"+d.Variable, "variable %q is declared more than once", d.Variable)
			continue
		}
		b.variableByName[d.Variable] = id
	}
}

// deferState tracks an enclosing `@defer` while binding flattens fragment
// spreads/inline fragments into their parent selection set: once Active,
// every field nested underneath inherits it (a defer boundary cannot be
// undone by a nested non-deferred fragment), the same way GraphQL's own
// incremental-delivery payloads nest.
type deferState struct {
	Active   bool
	HasLabel bool
	Label    string
}

// bindSelectionSetInto binds one selection set against parentType,
// flattening fragment spreads and inline fragments into a single field list
// (spec.md §4.B item 3: "Inline and named fragments are expanded"), carrying
// forward whatever `@defer` state the caller has already entered.
func (b *binder) bindSelectionSetInto(parentType schema.TypeDefinitionId, set ast.SelectionSet, hasCondition bool, condition schema.TypeDefinitionId, defer_ deferState) (BoundSelectionSetId, bool) {
	startId := b.op.Fields.NextId()
	ok := b.bindSelectionsInto(parentType, set, hasCondition, condition, defer_)
	fields := make([]BoundFieldId, 0, int(b.op.Fields.NextId()-startId))
	for i := startId; i < b.op.Fields.NextId(); i++ {
		fields = append(fields, i)
	}
	id := b.op.SelectionSets.Append(BoundSelectionSet{Fields: fields, TypeCondition: parentType})
	return id, ok
}

// deferDirective reads `@defer(label: String, if: Boolean)` off a fragment
// spread or inline fragment, combining it with the state already inherited
// from an enclosing fragment. `if` is only honoured when given as a literal
// (a variable-driven `if` conservatively keeps the enclosing defer active,
// the safe side — SPEC_FULL.md scopes variable-driven `@defer(if:)` out).
func deferDirective(dirs ast.DirectiveList, inherited deferState) deferState {
	d := dirs.ForName("defer")
	if d == nil {
		return inherited
	}
	active := true
	if ifArg := d.Arguments.ForName("if"); ifArg != nil && ifArg.Value.Kind == ast.BooleanValue {
		active = ifArg.Value.Raw == "true"
	}
	if !active {
		return inherited
	}
	out := deferState{Active: true, HasLabel: inherited.HasLabel, Label: inherited.Label}
	if labelArg := d.Arguments.ForName("label"); labelArg != nil && labelArg.Value.Kind == ast.StringValue {
		out.HasLabel = true
		out.Label = labelArg.Value.Raw
	}
	return out
}

// bindSelectionsInto appends bound fields for set directly into b.op.Fields,
// recursing into fragment spreads/inline fragments in place rather than
// creating a nested BoundSelectionSet for them — they share the caller's
// selection set, narrowed per-field by condition when it differs from
// parentType.
func (b *binder) bindSelectionsInto(parentType schema.TypeDefinitionId, set ast.SelectionSet, hasCondition bool, condition schema.TypeDefinitionId, defer_ deferState) bool {
	ok := true
	for _, sel := range set {
		switch v := sel.(type) {
		case *ast.Field:
			if !b.bindField(parentType, v, hasCondition, condition, defer_) {
				ok = false
			}
		case *ast.InlineFragment:
			condType := parentType
			hasCond := hasCondition
			cond := condition
			if v.TypeCondition != "" {
				tid, found := b.schema.DefinitionByName(v.TypeCondition)
				if !found {
					b.report.AddValidationError(posFrom(v.Position), v.TypeCondition, "unknown fragment type condition %q", v.TypeCondition)
					ok = false
					continue
				}
				if err := b.checkTypeCondition(parentType, tid); err != nil {
					b.report.AddValidationError(posFrom(v.Position), v.TypeCondition, "%s", err.Error())
					ok = false
					continue
				}
				condType = tid
				hasCond = true
				cond = tid
			}
			childDefer := deferDirective(v.Directives, defer_)
			if !b.bindSelectionsInto(condType, v.SelectionSet, hasCond, cond, childDefer) {
				ok = false
			}
		case *ast.FragmentSpread:
			frag := b.doc.Fragments.ForName(v.Name)
			if frag == nil {
				b.report.AddValidationError(posFrom(v.Position), v.Name, "unknown fragment %q", v.Name)
				ok = false
				continue
			}
			if b.spreading[v.Name] {
				b.report.AddValidationError(posFrom(v.Position), v.Name, "fragment %q spreads itself", v.Name)
				ok = false
				continue
			}
			tid, found := b.schema.DefinitionByName(frag.TypeCondition)
			if !found {
				b.report.AddValidationError(posFrom(frag.Position), frag.TypeCondition, "unknown fragment type condition %q", frag.TypeCondition)
				ok = false
				continue
			}
			if err := b.checkTypeCondition(parentType, tid); err != nil {
				b.report.AddValidationError(posFrom(frag.Position), frag.TypeCondition, "%s", err.Error())
				ok = false
				continue
			}
			childDefer := deferDirective(v.Directives, defer_)
			b.spreading[v.Name] = true
			if !b.bindSelectionsInto(tid, frag.SelectionSet, true, tid, childDefer) {
				ok = false
			}
			delete(b.spreading, v.Name)
		}
	}
	return ok
}

// checkTypeCondition enforces spec.md §4.B's "a type-condition on a
// non-composite type is a bind error", plus the GraphQL overlap rule: the
// condition must be the parent type itself, a possible type of an
// abstract parent, or an abstract type that the parent (if concrete) or an
// overlapping set of possible types (if both abstract) could satisfy.
func (b *binder) checkTypeCondition(parent, condition schema.TypeDefinitionId) error {
	condWalker := schema.WalkType(b.schema, condition)
	if !condWalker.IsComposite() {
		return fmt.Errorf("fragment type condition %q is not a composite type", condWalker.Name())
	}
	if condition == parent {
		return nil
	}

	parentWalker := schema.WalkType(b.schema, parent)
	switch parentWalker.Kind() {
	case schema.TypeKindInterface:
		if condWalker.Kind() == schema.TypeKindObject && b.schema.InterfaceHasImplementor(parent, condition) {
			return nil
		}
		if condWalker.Kind() == schema.TypeKindInterface {
			// Both interfaces: permissive — overlap is checked again once
			// concrete types are known, at plan time.
			return nil
		}
	case schema.TypeKindUnion:
		if condWalker.Kind() == schema.TypeKindObject && b.schema.UnionHasMember(parent, condition) {
			return nil
		}
	case schema.TypeKindObject:
		if condWalker.Kind() == schema.TypeKindInterface && b.schema.InterfaceHasImplementor(condition, parent) {
			return nil
		}
	}
	return fmt.Errorf("fragment type condition %q cannot ever apply to type %q", condWalker.Name(), parentWalker.Name())
}

func (b *binder) bindField(parentType schema.TypeDefinitionId, f *ast.Field, hasCondition bool, condition schema.TypeDefinitionId, defer_ deferState) bool {
	edge := b.responseEdge(f)

	if f.Name == "__typename" {
		b.op.Fields.Append(BoundField{
			Kind:             BoundFieldTypeName,
			Edge:             edge,
			TypeNameOf:       parentType,
			HasTypeCondition: hasCondition,
			TypeCondition:    condition,
			Deferred:         defer_.Active,
			HasLabel:         defer_.HasLabel,
			Label:            defer_.Label,
		})
		return true
	}

	typeWalker := schema.WalkType(b.schema, parentType)
	fw, found := typeWalker.FieldByName(f.Name)
	if !found {
		b.report.AddValidationError(posFrom(f.Position), typeWalker.Name()+"."+f.Name, "unknown field %q on type %q", f.Name, typeWalker.Name())
		return false
	}

	args, ok := b.bindArguments(fw, f)
	if !ok {
		return false
	}

	outputWalker := fw.OutputType()
	var selId *BoundSelectionSetId
	switch {
	case outputWalker.IsComposite():
		if len(f.SelectionSet) == 0 {
			b.report.AddValidationError(posFrom(f.Position), typeWalker.Name()+"."+f.Name, "field %q of type %q must have a selection set", f.Name, outputWalker.Name())
			return false
		}
		id, bound := b.bindSelectionSetInto(fw.Def().Output, f.SelectionSet, false, 0, defer_)
		if !bound {
			return false
		}
		selId = &id
	default:
		if len(f.SelectionSet) != 0 {
			b.report.AddValidationError(posFrom(f.Position), typeWalker.Name()+"."+f.Name, "field %q of leaf type %q cannot have a selection set", f.Name, outputWalker.Name())
			return false
		}
	}

	b.op.Fields.Append(BoundField{
		Kind:             BoundFieldQuery,
		DefinitionId:     fw.Id,
		Arguments:        args,
		Edge:             edge,
		SelectionSet:     selId,
		HasTypeCondition: hasCondition,
		TypeCondition:    condition,
		Deferred:         defer_.Active,
		HasLabel:         defer_.HasLabel,
		Label:            defer_.Label,
	})
	return true
}

func (b *binder) bindArguments(fw schema.FieldWalker, f *ast.Field) ([]BoundArgument, bool) {
	def := fw.Def()
	seen := map[string]bool{}
	var bound []BoundArgument
	ok := true

	for _, a := range f.Arguments {
		if seen[a.Name] {
			b.report.AddValidationError(posFrom(a.Position), fw.Name(), "argument %q is provided more than once", a.Name)
			ok = false
			continue
		}
		seen[a.Name] = true

		var argDef *schema.InputValueDefinition
		for _, aid := range def.Arguments.All() {
			candidate := b.schema.Argument(aid)
			if b.schema.Name(candidate.Name) == a.Name {
				d := candidate
				argDef = &d
				break
			}
		}
		if argDef == nil {
			b.report.AddValidationError(posFrom(a.Position), fw.Name(), "unknown argument %q on field %q", a.Name, fw.Name())
			ok = false
			continue
		}

		v, err := b.bindValue(a.Value)
		if err != nil {
			b.report.AddValidationError(posFrom(a.Position), fw.Name(), "argument %q: %s", a.Name, err.Error())
			ok = false
			continue
		}
		bound = append(bound, BoundArgument{Name: b.schema.Strings.Intern(a.Name), Value: v})
	}

	for _, aid := range def.Arguments.All() {
		argDef := b.schema.Argument(aid)
		name := b.schema.Name(argDef.Name)
		if seen[name] {
			continue
		}
		if argDef.Wrapping.IsRequired() && argDef.DefaultValue == nil {
			b.report.AddValidationError(nil, fw.Name(), "missing required argument %q on field %q", name, fw.Name())
			ok = false
		}
	}

	return bound, ok
}

// bindValue converts a literal/variable AST value into the query's
// QueryInputValue arena, resolving Variable references against already-bound
// variable definitions (spec.md §4.B item 3: "invalid variable types... are
// bind errors").
func (b *binder) bindValue(v *ast.Value) (QueryInputValueId, error) {
	switch v.Kind {
	case ast.Variable:
		varId, ok := b.variableByName[v.Raw]
		if !ok {
			return 0, fmt.Errorf("undeclared variable $%s", v.Raw)
		}
		b.used[varId] = true
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputVariable, Variable: varId}), nil
	case ast.NullValue:
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputNull}), nil
	case ast.BooleanValue:
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputBool, Bool: v.Raw == "true"}), nil
	case ast.IntValue:
		var n int64
		if _, err := fmt.Sscanf(v.Raw, "%d", &n); err != nil {
			return 0, fmt.Errorf("invalid int literal %q", v.Raw)
		}
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputInt, Int: n}), nil
	case ast.FloatValue:
		var f float64
		if _, err := fmt.Sscanf(v.Raw, "%g", &f); err != nil {
			return 0, fmt.Errorf("invalid float literal %q", v.Raw)
		}
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputFloat, Float: f}), nil
	case ast.StringValue, ast.BlockValue:
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputString, String: v.Raw}), nil
	case ast.EnumValue:
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputEnum, Enum: b.schema.Strings.Intern(v.Raw)}), nil
	case ast.ListValue:
		items := make([]QueryInputValueId, 0, len(v.Children))
		for _, c := range v.Children {
			item, err := b.bindValue(c.Value)
			if err != nil {
				return 0, err
			}
			items = append(items, item)
		}
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputList, List: items}), nil
	case ast.ObjectValue:
		fields := make([]QueryObjectField, 0, len(v.Children))
		for _, c := range v.Children {
			val, err := b.bindValue(c.Value)
			if err != nil {
				return 0, err
			}
			fields = append(fields, QueryObjectField{Name: b.schema.Strings.Intern(c.Name), Value: val})
		}
		return b.op.InputValues.Append(QueryInputValue{Kind: QueryInputObject, Object: fields}), nil
	default:
		return 0, fmt.Errorf("unsupported value kind %v", v.Kind)
	}
}

// responseEdge assigns the field's response-facing key (alias, or name when
// unaliased) and records its source order so ResponseKeys round-trips
// declaration order (spec.md §3 "ResponseEdge").
func (b *binder) responseEdge(f *ast.Field) ResponseEdge {
	key := f.Alias
	if key == "" {
		key = f.Name
	}
	pos := b.nextSourcePos
	b.nextSourcePos++
	return ResponseEdge{
		Kind:           ResponseEdgeKey,
		Key:            b.op.ResponseKeys.Intern(key),
		SourcePosition: pos,
	}
}

// resolveASTType mirrors schema's own wrappingFromType (unexported there)
// for the variable-definition type syntax, which is identical *ast.Type
// grammar.
func resolveASTType(s *schema.Schema, t *ast.Type) (schema.TypeDefinitionId, schema.Wrapping, error) {
	var levels []bool
	cur := t
	innerRequired := false
	for cur != nil {
		if cur.NamedType != "" {
			innerRequired = cur.NonNull
			break
		}
		levels = append(levels, cur.NonNull)
		cur = cur.Elem
	}
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	typeId, ok := s.DefinitionByName(t.Name())
	if !ok {
		return 0, 0, fmt.Errorf("undefined type %q", t.Name())
	}
	return typeId, schema.NewWrapping(innerRequired, levels), nil
}

func posFrom(p *ast.Position) *Position {
	if p == nil {
		return nil
	}
	return &Position{Line: p.Line, Column: p.Column}
}

func posFromValue(p *Position) Position {
	if p == nil {
		return Position{}
	}
	return *p
}
