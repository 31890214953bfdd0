package execute

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wundergraph/astjson"

	"github.com/grafbase/gwcore/internal/ids"
	"github.com/grafbase/gwcore/internal/response"
)

func TestCollectEntityRefsAndBuildRepresentation(t *testing.T) {
	s, _, _, p := buildTestPlan(t, `{ me { id name } }`)

	entityType, ok := s.DefinitionByName("User")
	require.True(t, ok)

	subgraphB := -1
	for i, part := range p.Partitions {
		if !part.IsRoot {
			subgraphB = i
		}
	}
	require.NotEqual(t, -1, subgraphB)
	part := p.Partitions[subgraphB]

	interner := ids.NewInterner()
	store := response.NewStore(interner)

	idKey := interner.Intern("id")
	idValue := store.NewScalarValue(response.Value{Kind: response.ValueString, String: "42"})
	userObj := store.NewObject([]response.Field{{Key: idKey, Value: idValue}})
	userValue := store.NewObjectValue(userObj, entityType, 0)

	meKey := interner.Intern("me")
	rootObj := store.NewObject([]response.Field{{Key: meKey, Value: userValue}})

	refs := collectEntityRefs(store, entityType, rootObj)
	require.Len(t, refs, 1)
	require.Equal(t, userObj, refs[0].Object)

	a := &astjson.Arena{}
	repr, err := buildRepresentation(a, store, s, part.Subgraph, entityType, refs[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"__typename":"User","id":"42"}`, repr.String())
}

func TestCollectEntityRefsIgnoresOtherTypes(t *testing.T) {
	s, _, _, _ := buildTestPlan(t, `{ me { id name } }`)
	userType, _ := s.DefinitionByName("User")
	productType, _ := s.DefinitionByName("Product")

	interner := ids.NewInterner()
	store := response.NewStore(interner)

	idKey := interner.Intern("id")
	idValue := store.NewScalarValue(response.Value{Kind: response.ValueString, String: "1"})
	prodObj := store.NewObject([]response.Field{{Key: idKey, Value: idValue}})
	prodValue := store.NewObjectValue(prodObj, productType, 0)

	rootKey := interner.Intern("product")
	rootObj := store.NewObject([]response.Field{{Key: rootKey, Value: prodValue}})

	require.Empty(t, collectEntityRefs(store, userType, rootObj))
}

func TestRewriteObjectReplacesNestedEntity(t *testing.T) {
	interner := ids.NewInterner()
	store := response.NewStore(interner)

	nameKey := interner.Intern("name")
	oldNameValue := store.NewScalarValue(response.Value{Kind: response.ValueNull})
	oldUserObj := store.NewObject([]response.Field{{Key: nameKey, Value: oldNameValue}})
	oldUserValue := store.NewObjectValue(oldUserObj, 0, 0)

	meKey := interner.Intern("me")
	rootObj := store.NewObject([]response.Field{{Key: meKey, Value: oldUserValue}})

	newNameValue := store.NewScalarValue(response.Value{Kind: response.ValueString, String: "Ada"})
	newUserObj := store.NewObject([]response.Field{{Key: nameKey, Value: newNameValue}})

	newRoot := rewriteObject(store, rootObj, oldUserObj, newUserObj)
	require.NotEqual(t, rootObj, newRoot)

	meValue, ok := store.FieldByKey(store.Object(newRoot), meKey)
	require.True(t, ok)
	meObj := store.Value(meValue).Object
	require.Equal(t, newUserObj, meObj)
}
