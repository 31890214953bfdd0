package execute

import (
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/tidwall/gjson"

	"github.com/grafbase/gwcore/internal/gqlerr"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/plan"
	"github.com/grafbase/gwcore/internal/response"
	"github.com/grafbase/gwcore/internal/schema"
)

// requiredNullError is ingestValue/ingestObject/ingestList's internal
// signal for spec.md §4.F "Null propagation": a non-null position resolved
// to JSON null, and the null must bubble to the nearest nullable ancestor
// (or the whole partition, if none is nullable). path accumulates response
// path segments (field-name strings, list-index ints) innermost-first as
// the error unwinds through the recursive ingest calls; fieldName is the
// name of the field where the violation actually originated, kept for the
// error message once the bubble is finally absorbed.
type requiredNullError struct {
	path      []any
	fieldName string
}

func (e *requiredNullError) Error() string {
	return fmt.Sprintf("non-null field %q resolved to null", e.fieldName)
}

func (e *requiredNullError) prepend(seg any) *requiredNullError {
	return &requiredNullError{path: append([]any{seg}, e.path...), fieldName: e.fieldName}
}

// peekTopLevel is spec.md/SPEC_FULL.md's "fast top-level inspection": before
// committing to full streaming ingestion, look at just `data`/`errors` with
// gjson to decide whether this body is a root-object response or an
// `_entities` array, and whether there is anything to ingest at all.
type topLevel struct {
	HasData   bool
	DataRaw   []byte
	HasErrors bool
	ErrorsRaw []byte
}

func peekTopLevel(body []byte) topLevel {
	var tl topLevel
	data := gjson.GetBytes(body, "data")
	if data.Exists() {
		tl.HasData = true
		tl.DataRaw = []byte(data.Raw)
	}
	errs := gjson.GetBytes(body, "errors")
	if errs.Exists() {
		tl.HasErrors = true
		tl.ErrorsRaw = []byte(errs.Raw)
	}
	return tl
}

// ingestObject decodes raw (a JSON object) directly into the Response
// Store according to shape, a "seeded visitor": jsonparser walks the bytes
// once, and each key it finds is looked up against the shape instead of
// being accumulated into an intermediate map[string]any (spec.md §4.F
// "Streaming response ingestion").
func ingestObject(store *response.Store, s *schema.Schema, op *operation.BoundOperation, shape plan.ObjectShape, raw []byte, nullErrs *gqlerr.List) (response.ObjectId, error) {
	concrete := shape.Concrete
	if shape.Kind == plan.ShapePolymorphic {
		typeName, _ := jsonparser.GetString(raw, "__typename")
		if tid, ok := s.DefinitionByName(typeName); ok {
			if candidate, ok := shape.Polymorphic.ByType[tid]; ok {
				concrete = candidate
			}
		}
	}

	byKey := make(map[string]plan.ShapeField, len(concrete.Fields))
	for _, f := range concrete.Fields {
		byKey[store.Strings.Lookup(f.Key)] = f
	}

	var fields []response.Field
	var ingestErr error
	_ = jsonparser.ObjectEach(raw, func(key, value []byte, dataType jsonparser.ValueType, offset int) error {
		if ingestErr != nil {
			return nil
		}
		sf, ok := byKey[string(key)]
		if !ok {
			return nil // field not in this shape (e.g. __typename already consumed above, or a subgraph extra)
		}
		var fieldType schema.TypeDefinitionId
		var wrapping schema.Wrapping
		if bf := op.Field(sf.Field); bf.Kind != operation.BoundFieldTypeName {
			fd := s.Field(bf.DefinitionId)
			fieldType, wrapping = fd.Output, fd.Wrapping
		}
		v, err := ingestValue(store, s, op, sf, fieldType, wrapping, value, dataType, string(key), nullErrs)
		if err != nil {
			ingestErr = err // a *requiredNullError here bubbles as-is: this whole object violated a non-null field, so it is the enclosing position's problem to absorb, not this object's
			return nil
		}
		fields = append(fields, response.Field{Key: sf.Key, Value: v})
		return nil
	})
	if ingestErr != nil {
		return 0, ingestErr
	}
	return store.NewObject(fields), nil
}

// ingestValue decodes one JSON value at a response position whose declared
// type/wrapping are fieldType/wrapping (the *element* wrapping if this call
// is reached from inside a list — see ingestList's use of Wrapping.Unwrap).
// seg is the path segment identifying this exact position to its immediate
// parent: the field name for an object field, the index for a list
// element — used only to build a *requiredNullError's path if this
// position, or something beneath it, ends up null against a non-null type.
func ingestValue(store *response.Store, s *schema.Schema, op *operation.BoundOperation, sf plan.ShapeField, fieldType schema.TypeDefinitionId, wrapping schema.Wrapping, raw []byte, dataType jsonparser.ValueType, seg any, nullErrs *gqlerr.List) (response.ValueId, error) {
	switch dataType {
	case jsonparser.Null:
		if wrapping.IsRequired() {
			name := fmt.Sprint(seg)
			return 0, &requiredNullError{path: []any{seg}, fieldName: name}
		}
		return store.NewScalarValue(response.Value{Kind: response.ValueNull}), nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(raw)
		if err != nil {
			return 0, fmt.Errorf("ingest: field %v: %w", sf.Field, err)
		}
		return store.NewScalarValue(response.Value{Kind: response.ValueBool, Bool: b}), nil
	case jsonparser.Number:
		if i, err := jsonparser.ParseInt(raw); err == nil {
			return store.NewScalarValue(response.Value{Kind: response.ValueInt, Int: i}), nil
		}
		f, err := jsonparser.ParseFloat(raw)
		if err != nil {
			return 0, fmt.Errorf("ingest: field %v: %w", sf.Field, err)
		}
		return store.NewScalarValue(response.Value{Kind: response.ValueFloat, Float: f}), nil
	case jsonparser.String:
		str, err := jsonparser.ParseString(raw)
		if err != nil {
			return 0, fmt.Errorf("ingest: field %v: %w", sf.Field, err)
		}
		return store.NewScalarValue(response.Value{Kind: response.ValueString, String: str}), nil
	case jsonparser.Object:
		if sf.Nested == nil {
			return 0, fmt.Errorf("ingest: field %v: unexpected object, shape has no nested fields", sf.Field)
		}
		obj, err := ingestObject(store, s, op, *sf.Nested, raw, nullErrs)
		if rn, ok := err.(*requiredNullError); ok {
			return absorbOrBubble(store, wrapping, rn, seg, nullErrs)
		}
		if err != nil {
			return 0, err
		}
		return store.NewObjectValue(obj, fieldType, wrapping), nil
	case jsonparser.Array:
		v, err := ingestList(store, s, op, sf, fieldType, wrapping, raw, nullErrs)
		if rn, ok := err.(*requiredNullError); ok {
			return absorbOrBubble(store, wrapping, rn, seg, nullErrs)
		}
		if err != nil {
			return 0, err
		}
		return v, nil
	default:
		return 0, fmt.Errorf("ingest: field %v: unsupported JSON type %v", sf.Field, dataType)
	}
}

// absorbOrBubble is the null-propagation boundary check shared by
// ingestValue's Object and Array cases (spec.md §4.F "Null propagation"):
// rn bubbled up from one level deeper, carrying the path below this
// position. This position's own wrapping decides whether the null stops
// here (emit the one SUBGRAPH_INVALID_RESPONSE_ERROR and return a plain
// null value) or keeps bubbling to the caller.
func absorbOrBubble(store *response.Store, wrapping schema.Wrapping, rn *requiredNullError, seg any, nullErrs *gqlerr.List) (response.ValueId, error) {
	rn = rn.prepend(seg)
	if wrapping.IsRequired() {
		return 0, rn
	}
	nullErrs.Add(gqlerr.New(gqlerr.CodeSubgraphInvalidResponse, rn.path, "subgraph returned null for non-null field %q", rn.fieldName))
	return store.NewScalarValue(response.Value{Kind: response.ValueNull}), nil
}

func ingestList(store *response.Store, s *schema.Schema, op *operation.BoundOperation, sf plan.ShapeField, fieldType schema.TypeDefinitionId, wrapping schema.Wrapping, raw []byte, nullErrs *gqlerr.List) (response.ValueId, error) {
	elemWrapping := wrapping.Unwrap()
	start := -1
	n := 0
	var arrErr error
	_, err := jsonparser.ArrayEach(raw, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		if err != nil || arrErr != nil {
			arrErr = err
			return
		}
		v, ierr := ingestValue(store, s, op, sf, fieldType, elemWrapping, value, dataType, n, nullErrs)
		if ierr != nil {
			arrErr = ierr // a *requiredNullError here already reflects elemWrapping's own non-null check; the whole list bubbles, to be absorbed (or not) by the list field's own wrapping one level up
			return
		}
		if start == -1 {
			start = v.Int()
		}
		n++
	})
	if err != nil {
		return 0, fmt.Errorf("ingest: field %v: %w", sf.Field, err)
	}
	if arrErr != nil {
		return 0, arrErr
	}
	if start == -1 {
		start = 0 // empty list: ListStart is never dereferenced when ListLen == 0
	}
	return store.NewListValue(response.ValueId(start), n, fieldType, wrapping), nil
}
