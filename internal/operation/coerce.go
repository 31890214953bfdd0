package operation

import (
	"fmt"

	"github.com/grafbase/gwcore/internal/schema"
)

// Coerce converts the raw, JSON-decoded `variables` object of a request into
// the operation's runtime Variables vector, validating each value against
// its declared type (spec.md §4.B item 4 "Coerce variables"). raw is
// whatever encoding/json produced for a `map[string]any` — maps become
// map[string]any, arrays []any, numbers float64, per the standard decoder.
func Coerce(op *BoundOperation, raw map[string]any) (Variables, *Report) {
	report := &Report{}
	vars := Variables{Slots: make([]VariableSlot, op.VariableDefs.Len())}

	for i := 0; i < op.VariableDefs.Len(); i++ {
		id := VariableDefId(i)
		def := op.VariableDef(id)
		name := op.Schema.Name(def.Name)

		value, present := raw[name]
		switch {
		case present:
			valueId, err := coerceValue(op, value, def.Type, def.Wrapping, def.Wrapping.Depth())
			if err != nil {
				report.AddVariableError("variable $%s: %s", name, err.Error())
				continue
			}
			vars.Slots[id] = VariableSlot{State: VariableProvided, Value: valueId}
		case def.DefaultValue != nil:
			vars.Slots[id] = VariableSlot{State: VariableDefaultValue, Value: *def.DefaultValue}
		case def.Wrapping.IsRequired():
			report.AddVariableError("variable $%s of required type was not provided", name)
		default:
			vars.Slots[id] = VariableSlot{State: VariableUndefined}
		}
	}

	return vars, report
}

// coerceValue walks wrapping's list layers outside-in (depth counts
// remaining list levels) before coercing the scalar/enum/input-object leaf.
func coerceValue(op *BoundOperation, value any, typeId schema.TypeDefinitionId, wrapping schema.Wrapping, depth int) (QueryInputValueId, error) {
	if depth > 0 {
		if value == nil {
			if wrapping.ListLevelRequired(depth - 1) {
				return 0, fmt.Errorf("list is non-null at this level")
			}
			return op.InputValues.Append(QueryInputValue{Kind: QueryInputNull}), nil
		}
		items, ok := value.([]any)
		if !ok {
			// GraphQL allows a single value to coerce into a one-element
			// list at any depth.
			items = []any{value}
		}
		out := make([]QueryInputValueId, 0, len(items))
		for _, item := range items {
			id, err := coerceValue(op, item, typeId, wrapping, depth-1)
			if err != nil {
				return 0, err
			}
			out = append(out, id)
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputList, List: out}), nil
	}

	if value == nil {
		if wrapping.InnerIsRequired() {
			return 0, fmt.Errorf("value is required but null was given")
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputNull}), nil
	}

	typeWalker := schema.WalkType(op.Schema, typeId)
	switch typeWalker.Kind() {
	case schema.TypeKindScalar:
		return coerceScalar(op, value, typeWalker.Name())
	case schema.TypeKindEnum:
		return coerceEnum(op, value, typeWalker)
	case schema.TypeKindInputObject:
		return coerceInputObject(op, value, typeWalker)
	default:
		return 0, fmt.Errorf("type %q cannot be used as an input", typeWalker.Name())
	}
}

func coerceScalar(op *BoundOperation, value any, name string) (QueryInputValueId, error) {
	switch name {
	case "Int":
		n, ok := asInt64(value)
		if !ok {
			return 0, fmt.Errorf("expected Int, got %T", value)
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputInt, Int: n}), nil
	case "Float":
		f, ok := asFloat64(value)
		if !ok {
			return 0, fmt.Errorf("expected Float, got %T", value)
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputFloat, Float: f}), nil
	case "Boolean":
		bv, ok := value.(bool)
		if !ok {
			return 0, fmt.Errorf("expected Boolean, got %T", value)
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputBool, Bool: bv}), nil
	case "String":
		sv, ok := value.(string)
		if !ok {
			return 0, fmt.Errorf("expected String, got %T", value)
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputString, String: sv}), nil
	case "ID":
		switch v := value.(type) {
		case string:
			return op.InputValues.Append(QueryInputValue{Kind: QueryInputString, String: v}), nil
		default:
			if n, ok := asInt64(v); ok {
				return op.InputValues.Append(QueryInputValue{Kind: QueryInputString, String: fmt.Sprintf("%d", n)}), nil
			}
			return 0, fmt.Errorf("expected ID, got %T", value)
		}
	default:
		// Opaque custom scalar (e.g. JSON, DateTime as a string): pass the
		// decoded JSON value through structurally, unvalidated.
		return jsonToInputValue(op, value)
	}
}

func coerceEnum(op *BoundOperation, value any, tw schema.TypeWalker) (QueryInputValueId, error) {
	sv, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("expected enum value for %q, got %T", tw.Name(), value)
	}
	for _, id := range tw.Def().EnumValues.All() {
		ev := tw.Schema.EnumValue(id)
		if tw.Schema.Name(ev.Name) == sv {
			return op.InputValues.Append(QueryInputValue{Kind: QueryInputEnum, Enum: ev.Name}), nil
		}
	}
	return 0, fmt.Errorf("%q is not a valid value for enum %q", sv, tw.Name())
}

func coerceInputObject(op *BoundOperation, value any, tw schema.TypeWalker) (QueryInputValueId, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("expected an input object for %q, got %T", tw.Name(), value)
	}

	isOneOf := false
	for _, d := range tw.Schema.Directives(tw.Def().Directives) {
		if d.Kind == schema.DirectiveOneOf {
			isOneOf = true
		}
	}
	if isOneOf {
		set := 0
		for _, v := range obj {
			if v != nil {
				set++
			}
		}
		if set != 1 {
			return 0, fmt.Errorf("oneOf input %q must have exactly one non-null field set, got %d", tw.Name(), set)
		}
	}

	fieldIds := tw.Def().InputFields.All()
	known := make(map[string]bool, len(fieldIds))
	var fields []QueryObjectField
	for _, fid := range fieldIds {
		fd := tw.Schema.Argument(fid)
		name := tw.Schema.Name(fd.Name)
		known[name] = true

		raw, present := obj[name]
		switch {
		case present:
			id, err := coerceValue(op, raw, fd.Type, fd.Wrapping, fd.Wrapping.Depth())
			if err != nil {
				return 0, fmt.Errorf("field %q: %w", name, err)
			}
			fields = append(fields, QueryObjectField{Name: fd.Name, Value: id})
		case fd.DefaultValue != nil:
			fields = append(fields, QueryObjectField{Name: fd.Name, Value: schemaDefaultToQueryInput(op, *fd.DefaultValue)})
		case fd.Wrapping.IsRequired():
			return 0, fmt.Errorf("missing required field %q", name)
		}
	}
	for name := range obj {
		if !known[name] {
			return 0, fmt.Errorf("unknown field %q on input type %q", name, tw.Name())
		}
	}

	return op.InputValues.Append(QueryInputValue{Kind: QueryInputObject, Object: fields}), nil
}

// schemaDefaultToQueryInput lifts a schema-side default literal (InputValue)
// into the operation's QueryInputValue arena, so downstream code only ever
// deals with one literal representation once binding/coercion is done.
func schemaDefaultToQueryInput(op *BoundOperation, v schema.InputValue) QueryInputValueId {
	switch v.Kind {
	case schema.InputValueNull:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputNull})
	case schema.InputValueBool:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputBool, Bool: v.Bool})
	case schema.InputValueInt:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputInt, Int: v.Int})
	case schema.InputValueFloat:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputFloat, Float: v.Float})
	case schema.InputValueString:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputString, String: v.String})
	case schema.InputValueEnum:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputEnum, Enum: v.Enum})
	case schema.InputValueList:
		items := make([]QueryInputValueId, 0, len(v.List))
		for _, item := range v.List {
			items = append(items, schemaDefaultToQueryInput(op, item))
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputList, List: items})
	case schema.InputValueObject:
		fields := make([]QueryObjectField, 0, len(v.Object))
		for _, f := range v.Object {
			fields = append(fields, QueryObjectField{Name: f.Name, Value: schemaDefaultToQueryInput(op, f.Value)})
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputObject, Object: fields})
	default:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputNull})
	}
}

// jsonToInputValue structurally lifts an arbitrary decoded JSON value
// (string/float64/bool/nil/[]any/map[string]any) into a QueryInputValue
// tree, for opaque custom scalars that accept any JSON shape.
func jsonToInputValue(op *BoundOperation, value any) (QueryInputValueId, error) {
	switch v := value.(type) {
	case nil:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputNull}), nil
	case bool:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputBool, Bool: v}), nil
	case string:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputString, String: v}), nil
	case float64:
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputFloat, Float: v}), nil
	case []any:
		items := make([]QueryInputValueId, 0, len(v))
		for _, item := range v {
			id, err := jsonToInputValue(op, item)
			if err != nil {
				return 0, err
			}
			items = append(items, id)
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputList, List: items}), nil
	case map[string]any:
		fields := make([]QueryObjectField, 0, len(v))
		for key, val := range v {
			id, err := jsonToInputValue(op, val)
			if err != nil {
				return 0, err
			}
			fields = append(fields, QueryObjectField{Name: op.Schema.Strings.Intern(key), Value: id})
		}
		return op.InputValues.Append(QueryInputValue{Kind: QueryInputObject, Object: fields}), nil
	default:
		return 0, fmt.Errorf("unsupported JSON value of type %T", value)
	}
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
