// Package response is the Response Store (spec.md §3 "Response entities",
// §4.F "Response merging" / "Null propagation" / "Defer"): a streaming,
// deferrable, partial-failure-aware value store scoped to one request or
// one subscription message.
package response

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/wundergraph/astjson"

	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/schema"
)

type (
	ObjectId = ids.Id[Object]
	ValueId  = ids.Id[Value]
	ListId   = ids.Id[Value] // a ListId indexes into Store.values too; the
	// range it names is contiguous, matching ResponseList's "contiguous
	// range of ResponseValue" definition in spec.md §3.
)

type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueList
	ValueObject
	ValueInaccessible
	ValueInline // opaque already-serialised JSON (astjson.Value), e.g. a scalar passthrough
)

// Value is spec.md §3's tagged-union ResponseValue.
type Value struct {
	Kind ValueKind

	Bool   bool
	Int    int64
	Float  float64
	String string

	// ValueList: contiguous range into Store.values.
	ListStart, ListLen int

	Object ObjectId

	// ValueInaccessible wraps a value a contract hid post-hoc.
	Inaccessible ValueId

	Inline *astjson.Value

	// Type/Wrapping let null propagation (Store.PropagateNull) decide
	// whether reaching this position with null requires walking further up.
	Type     schema.TypeDefinitionId
	Wrapping schema.Wrapping
}

// Field is one (key, value) pair of an Object, kept in an object's own
// sorted slice rather than a map — spec.md §3 "fields_sorted_by_key:
// [(ResponseKey, ResponseValue)]", and §8 "resulting
// ResponseObject.fields_sorted_by_key is strictly sorted by key".
type Field struct {
	Key   ids.StringId
	Value ValueId
}

type Object struct {
	Fields []Field
}

// Ref is spec.md §3's ResponseObjectRef: `{ ObjectId, path, definition_id }`,
// used by modifiers and plan dependents to locate parents.
type Ref struct {
	Object     ObjectId
	Path       []ValueId
	Definition schema.FieldDefinitionId
}

// Error is the internal error envelope (spec.md §7 / §9): a plain struct
// with an explicit path, never an unwind.
type Error struct {
	Message    string
	Code       string
	Path       []string
	Extensions map[string]any
}

// Store is one request's (or one subscription message's) response arena:
// single-writer, owned by the task building it (spec.md §5 "Locking").
type Store struct {
	Strings *ids.Interner

	objects ids.Arena[Object]
	values  ids.Arena[Value]

	Root  ValueId
	Data  bool // whether Root has ever been assigned (distinguishes "no data yet" from "data: null")
	Errors []Error
}

func NewStore(strings *ids.Interner) *Store {
	return &Store{Strings: strings}
}

func (s *Store) NewObject(fields []Field) ObjectId {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
	return s.objects.Append(Object{Fields: fields})
}

func (s *Store) NewScalarValue(v Value) ValueId { return s.values.Append(v) }

func (s *Store) NewObjectValue(obj ObjectId, t schema.TypeDefinitionId, w schema.Wrapping) ValueId {
	return s.values.Append(Value{Kind: ValueObject, Object: obj, Type: t, Wrapping: w})
}

// NewListValue appends a contiguous run of already-built element ids — the
// elements must have been appended to this store's value arena
// consecutively (the common case: building a list bottom-up, element by
// element, immediately before calling NewListValue).
func (s *Store) NewListValue(start ValueId, length int, t schema.TypeDefinitionId, w schema.Wrapping) ValueId {
	return s.values.Append(Value{Kind: ValueList, ListStart: int(start), ListLen: length, Type: t, Wrapping: w})
}

func (s *Store) Object(id ObjectId) Object { return s.objects.Get(id) }
func (s *Store) Value(id ValueId) Value    { return s.values.Get(id) }

func (s *Store) ListElements(v Value) []ValueId {
	out := make([]ValueId, v.ListLen)
	for i := 0; i < v.ListLen; i++ {
		out[i] = ValueId(v.ListStart + i)
	}
	return out
}

// FieldByKey binary-searches an object's sorted fields (invariant: always
// sorted, enforced by NewObject and MergeObjects).
func (s *Store) FieldByKey(obj Object, key ids.StringId) (ValueId, bool) {
	lo, hi := 0, len(obj.Fields)
	for lo < hi {
		mid := (lo + hi) / 2
		if obj.Fields[mid].Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(obj.Fields) && obj.Fields[lo].Key == key {
		return obj.Fields[lo].Value, true
	}
	return 0, false
}

// MergeObjects merges b's fields into a's, key by key, on sorted keys
// (spec.md §4.F "Response merging"). Equal keys recursively merge (objects
// into objects, lists element-wise at equal length); a shape mismatch is an
// internal error surfaced as a subgraph-response validation failure, never
// a panic.
func (s *Store) MergeObjects(a, b ObjectId) (ObjectId, error) {
	oa, ob := s.objects.Get(a), s.objects.Get(b)
	merged := make([]Field, 0, len(oa.Fields)+len(ob.Fields))

	i, j := 0, 0
	for i < len(oa.Fields) || j < len(ob.Fields) {
		switch {
		case j >= len(ob.Fields) || (i < len(oa.Fields) && oa.Fields[i].Key < ob.Fields[j].Key):
			merged = append(merged, oa.Fields[i])
			i++
		case i >= len(oa.Fields) || ob.Fields[j].Key < oa.Fields[i].Key:
			merged = append(merged, ob.Fields[j])
			j++
		default:
			mv, err := s.mergeValues(oa.Fields[i].Value, ob.Fields[j].Value)
			if err != nil {
				return 0, fmt.Errorf("merging field %q: %w", s.Strings.Lookup(oa.Fields[i].Key), err)
			}
			merged = append(merged, Field{Key: oa.Fields[i].Key, Value: mv})
			i++
			j++
		}
	}
	return s.objects.Append(Object{Fields: merged}), nil
}

func (s *Store) mergeValues(a, b ValueId) (ValueId, error) {
	va, vb := s.values.Get(a), s.values.Get(b)

	if va.Kind == ValueNull {
		return b, nil
	}
	if vb.Kind == ValueNull {
		return a, nil
	}
	if va.Kind != vb.Kind {
		return 0, fmt.Errorf("shape mismatch: %v vs %v", va.Kind, vb.Kind)
	}

	switch va.Kind {
	case ValueObject:
		mo, err := s.MergeObjects(va.Object, vb.Object)
		if err != nil {
			return 0, err
		}
		return s.values.Append(Value{Kind: ValueObject, Object: mo, Type: va.Type, Wrapping: va.Wrapping}), nil
	case ValueList:
		if va.ListLen != vb.ListLen {
			return 0, fmt.Errorf("shape mismatch: list length %d vs %d", va.ListLen, vb.ListLen)
		}
		elems := s.ListElements(va)
		belems := s.ListElements(vb)
		start := s.values.NextId()
		for i := range elems {
			mv, err := s.mergeValues(elems[i], belems[i])
			if err != nil {
				return 0, err
			}
			s.values.Append(s.values.Get(mv))
		}
		return s.values.Append(Value{Kind: ValueList, ListStart: int(start), ListLen: va.ListLen, Type: va.Type, Wrapping: va.Wrapping}), nil
	default:
		return a, nil // scalars: last writer for an identical key is a no-op in practice (subgraphs agree on leaves)
	}
}

// PropagateNull walks path (root-to-leaf ValueIds, as carried by a Ref)
// nulling parents until it reaches a nullable boundary or the root (spec.md
// §4.F "Null propagation"). It rebuilds only the ancestor spine from the
// absorbing position back up to path[0] — the arena is append-only, so
// every rebuilt level is a fresh Object/Value, but anything off-spine
// (siblings never touched by the walk) is untouched.
//
// It returns the value to splice in place of path[0] within path[0]'s own
// parent, and whether that splice is still meaningful: false means even
// path[0] was non-null, so the null propagated past the whole path and the
// caller's own root (not just one of its fields) must become null.
func (s *Store) PropagateNull(path []ValueId) (ValueId, bool) {
	if len(path) == 0 {
		return s.values.Append(Value{Kind: ValueNull}), false
	}

	absorbAt := -1
	for i := len(path) - 1; i >= 0; i-- {
		if !s.values.Get(path[i]).Wrapping.IsRequired() {
			absorbAt = i
			break
		}
	}
	if absorbAt == -1 {
		return s.values.Append(Value{Kind: ValueNull}), false
	}

	child := s.values.Append(Value{Kind: ValueNull})
	for i := absorbAt - 1; i >= 0; i-- {
		parent := s.values.Get(path[i])
		switch parent.Kind {
		case ValueObject:
			obj := s.objects.Get(parent.Object)
			fields := make([]Field, len(obj.Fields))
			copy(fields, obj.Fields)
			for j, f := range fields {
				if f.Value == path[i+1] {
					fields[j] = Field{Key: f.Key, Value: child}
					break
				}
			}
			newObj := s.objects.Append(Object{Fields: fields})
			child = s.values.Append(Value{Kind: ValueObject, Object: newObj, Type: parent.Type, Wrapping: parent.Wrapping})
		case ValueList:
			elems := s.ListElements(parent)
			start := s.values.NextId()
			for _, el := range elems {
				if el == path[i+1] {
					s.values.Append(s.values.Get(child))
				} else {
					s.values.Append(s.values.Get(el))
				}
			}
			child = s.values.Append(Value{Kind: ValueList, ListStart: int(start), ListLen: len(elems), Type: parent.Type, Wrapping: parent.Wrapping})
		default:
			// path is built by walking Object/List nesting only; a scalar
			// ancestor would mean path was constructed incorrectly.
		}
	}
	return child, true
}

// MergeIncrementalPayload folds a `@defer` incremental payload `{path, data}`
// into the client's accumulated view (spec.md §4.F "Defer"), reusing the
// same key-sorted-merge primitive MergeObjects uses — per SPEC_FULL.md's
// supplemented feature #4, incremental-merge and cache-merge share this one
// routine.
func (s *Store) MergeIncrementalPayload(root ObjectId, path []ids.StringId, data ObjectId) (ObjectId, error) {
	if len(path) == 0 {
		return s.MergeObjects(root, data)
	}
	obj := s.objects.Get(root)
	key := path[0]
	idx := -1
	for i, f := range obj.Fields {
		if f.Key == key {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, fmt.Errorf("merge_incremental_payload: path key %q not found", s.Strings.Lookup(key))
	}
	child := s.values.Get(obj.Fields[idx].Value)
	if child.Kind != ValueObject {
		return 0, fmt.Errorf("merge_incremental_payload: path key %q is not an object", s.Strings.Lookup(key))
	}
	mergedChild, err := s.MergeIncrementalPayload(child.Object, path[1:], data)
	if err != nil {
		return 0, err
	}
	newFields := append([]Field(nil), obj.Fields...)
	newFields[idx] = Field{Key: key, Value: s.values.Append(Value{Kind: ValueObject, Object: mergedChild, Type: child.Type, Wrapping: child.Wrapping})}
	return s.objects.Append(Object{Fields: newFields}), nil
}

// Serialize renders a value to an astjson tree (spec.md §2 "Serialiser"):
// the mutable JSON AST the executor already builds subgraph request bodies
// with (SPEC_FULL.md §4.F "Subgraph HTTP"), reused here for the response
// side of the same value model.
func (s *Store) Serialize(a *astjson.Arena, id ValueId) *astjson.Value {
	v := s.values.Get(id)
	switch v.Kind {
	case ValueNull, ValueInaccessible:
		return a.NewNull()
	case ValueBool:
		if v.Bool {
			return a.NewTrue()
		}
		return a.NewFalse()
	case ValueInt:
		// astjson.Arena.NewNumberString keeps the exact literal instead of
		// round-tripping through float64 — the reason this module uses
		// astjson over plain encoding/json in the first place (large Int/ID
		// values losing precision is a recurring federation bug class).
		return a.NewNumberString(strconv.FormatInt(v.Int, 10))
	case ValueFloat:
		return a.NewNumberFloat64(v.Float)
	case ValueString:
		return a.NewString(v.String)
	case ValueInline:
		return v.Inline
	case ValueList:
		arr := a.NewArray()
		for i, elem := range s.ListElements(v) {
			arr.SetArrayItem(i, s.Serialize(a, elem))
		}
		return arr
	case ValueObject:
		obj := a.NewObject()
		o := s.objects.Get(v.Object)
		for _, f := range o.Fields {
			obj.Set(s.Strings.Lookup(f.Key), s.Serialize(a, f.Value))
		}
		return obj
	default:
		return a.NewNull()
	}
}
