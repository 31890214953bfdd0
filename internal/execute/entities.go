package execute

import (
	"fmt"

	"github.com/wundergraph/astjson"

	"github.com/grafbase/gwcore/internal/response"
	"github.com/grafbase/gwcore/internal/schema"
)

// entityRef locates one already-ingested object of a given entity type
// somewhere in the tree built so far — spec.md §3's ResponseObjectRef: the
// merge step (rewriteObject) still rewrites by object identity, but Path
// is load-bearing too, for runEntityPartition's null propagation when the
// `_entities` subgraph violates a non-null key field (response.Store's
// PropagateNull walks exactly this root-to-leaf ValueId chain).
type entityRef struct {
	Object response.ObjectId
	Path   []response.ValueId
}

// collectEntityRefs walks obj looking for every nested object whose
// declared type is entityType — each is a boundary the dependent partition
// must resolve via `_entities` (spec.md §4.F "Entity representation
// batching", SPEC_FULL.md supplemented feature #3: every ref found for the
// same (subgraph, entityType) partition is sent as one batched call).
func collectEntityRefs(store *response.Store, entityType schema.TypeDefinitionId, root response.ObjectId) []entityRef {
	var out []entityRef
	var walkValue func(id response.ValueId, path []response.ValueId)
	walkObject := func(id response.ObjectId, path []response.ValueId) {
		obj := store.Object(id)
		for _, f := range obj.Fields {
			walkValue(f.Value, appendValuePath(path, f.Value))
		}
	}
	walkValue = func(id response.ValueId, path []response.ValueId) {
		v := store.Value(id)
		switch v.Kind {
		case response.ValueObject:
			if v.Type == entityType {
				out = append(out, entityRef{Object: v.Object, Path: path})
			}
			walkObject(v.Object, path)
		case response.ValueList:
			for _, el := range store.ListElements(v) {
				walkValue(el, appendValuePath(path, el))
			}
		}
	}
	walkObject(root, nil)
	return out
}

// appendValuePath grows path by one element without risking the classic
// append-reuses-capacity aliasing bug across sibling branches of the walk
// above (a sibling's append could otherwise silently overwrite an id a
// previously-stored entityRef.Path still points at).
func appendValuePath(path []response.ValueId, id response.ValueId) []response.ValueId {
	out := make([]response.ValueId, len(path)+1)
	copy(out, path)
	out[len(path)] = id
	return out
}

// buildRepresentation renders one `_Any` representation object for ref,
// reading ref's key fields out of the already-ingested object and the
// entity's `@join__type(key:)` field-set, as an astjson value tree (the
// teacher's chosen JSON AST for exactly this — see DESIGN.md/internal/response).
func buildRepresentation(a *astjson.Arena, store *response.Store, s *schema.Schema, sg schema.SubgraphId, entityType schema.TypeDefinitionId, ref entityRef) (*astjson.Value, error) {
	keys, ok := s.EntityKey(entityType, sg)
	if !ok {
		return nil, fmt.Errorf("entities: subgraph has no @key for %s", s.Name(s.Type(entityType).Name))
	}

	repr := a.NewObject()
	repr.Set("__typename", a.NewString(s.Name(s.Type(entityType).Name)))

	obj := store.Object(ref.Object)
	for _, sel := range keys.Selections {
		fieldName := s.Name(s.Field(sel.Field).Name)
		keyId, ok := store.Strings.TryLookup(fieldName)
		if !ok {
			return nil, fmt.Errorf("entities: key field %q not interned in response", fieldName)
		}
		valueId, ok := store.FieldByKey(obj, keyId)
		if !ok {
			return nil, fmt.Errorf("entities: representation missing key field %q", fieldName)
		}
		repr.Set(fieldName, store.Serialize(a, valueId))
	}
	return repr, nil
}

// spliceRootField replaces the top-level field of root whose value is old
// with new, without touching any other field — the counterpart rewriteObject
// would be too broad for: PropagateNull already rebuilds every ancestor
// between the absorption point and path[0], so only path[0]'s own slot in
// root needs to move.
func spliceRootField(store *response.Store, root response.ObjectId, old, new response.ValueId) response.ObjectId {
	obj := store.Object(root)
	fields := make([]response.Field, len(obj.Fields))
	copy(fields, obj.Fields)
	for i, f := range fields {
		if f.Value == old {
			fields[i] = response.Field{Key: f.Key, Value: new}
			return store.NewObject(fields)
		}
	}
	return root
}

// rewriteObject rebuilds only the ancestor spine from root down to every
// object whose id is `old`, replacing it with `new` — the append-only
// arena's analogue of an in-place patch (spec.md's arenas never mutate a
// slot once appended).
func rewriteObject(store *response.Store, root response.ObjectId, old, new response.ObjectId) response.ObjectId {
	if root == old {
		return new
	}
	obj := store.Object(root)
	changed := false
	fields := make([]response.Field, len(obj.Fields))
	for i, f := range obj.Fields {
		nv, didChange := rewriteValue(store, f.Value, old, new)
		fields[i] = response.Field{Key: f.Key, Value: nv}
		changed = changed || didChange
	}
	if !changed {
		return root
	}
	return store.NewObject(fields)
}

func rewriteValue(store *response.Store, id response.ValueId, old, new response.ObjectId) (response.ValueId, bool) {
	v := store.Value(id)
	switch v.Kind {
	case response.ValueObject:
		rewritten := rewriteObject(store, v.Object, old, new)
		if rewritten == v.Object {
			return id, false
		}
		return store.NewObjectValue(rewritten, v.Type, v.Wrapping), true
	case response.ValueList:
		elems := store.ListElements(v)
		changed := false
		newElems := make([]response.ValueId, len(elems))
		for i, el := range elems {
			nv, didChange := rewriteValue(store, el, old, new)
			newElems[i] = nv
			changed = changed || didChange
		}
		if !changed {
			return id, false
		}
		start := response.ValueId(0)
		for i, nv := range newElems {
			appended := store.NewScalarValue(store.Value(nv))
			if i == 0 {
				start = appended
			}
		}
		return store.NewListValue(start, len(newElems), v.Type, v.Wrapping), true
	default:
		return id, false
	}
}
