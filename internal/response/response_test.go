package response

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wundergraph/astjson"

	"github.com/grafbase/gwcore/internal/ids"
)

func TestMergeObjectsKeepsSortedDisjointKeys(t *testing.T) {
	in := ids.NewInterner()
	s := NewStore(in)

	idKey := in.Intern("id")
	nameKey := in.Intern("name")

	a := s.NewObject([]Field{{Key: idKey, Value: s.NewScalarValue(Value{Kind: ValueString, String: "1"})}})
	b := s.NewObject([]Field{{Key: nameKey, Value: s.NewScalarValue(Value{Kind: ValueString, String: "ada"})}})

	merged, err := s.MergeObjects(a, b)
	require.NoError(t, err)

	obj := s.Object(merged)
	require.Len(t, obj.Fields, 2)
	require.Equal(t, idKey, obj.Fields[0].Key)
	require.Equal(t, nameKey, obj.Fields[1].Key)
}

func TestMergeObjectsMergesOverlappingObjectField(t *testing.T) {
	in := ids.NewInterner()
	s := NewStore(in)

	userKey := in.Intern("user")
	idKey := in.Intern("id")
	nameKey := in.Intern("name")

	userA := s.NewObject([]Field{{Key: idKey, Value: s.NewScalarValue(Value{Kind: ValueString, String: "1"})}})
	a := s.NewObject([]Field{{Key: userKey, Value: s.NewObjectValue(userA, 0, 0)}})

	userB := s.NewObject([]Field{{Key: nameKey, Value: s.NewScalarValue(Value{Kind: ValueString, String: "ada"})}})
	b := s.NewObject([]Field{{Key: userKey, Value: s.NewObjectValue(userB, 0, 0)}})

	merged, err := s.MergeObjects(a, b)
	require.NoError(t, err)

	obj := s.Object(merged)
	require.Len(t, obj.Fields, 1)

	userVal := s.Value(obj.Fields[0].Value)
	require.Equal(t, ValueObject, userVal.Kind)

	userObj := s.Object(userVal.Object)
	require.Len(t, userObj.Fields, 2)
}

func TestMergeObjectsRejectsShapeMismatch(t *testing.T) {
	in := ids.NewInterner()
	s := NewStore(in)
	key := in.Intern("x")

	a := s.NewObject([]Field{{Key: key, Value: s.NewScalarValue(Value{Kind: ValueString, String: "s"})}})
	b := s.NewObject([]Field{{Key: key, Value: s.NewScalarValue(Value{Kind: ValueInt, Int: 1})}})

	_, err := s.MergeObjects(a, b)
	require.Error(t, err)
}

func TestFieldByKeyBinarySearch(t *testing.T) {
	in := ids.NewInterner()
	s := NewStore(in)

	keys := []ids.StringId{in.Intern("a"), in.Intern("b"), in.Intern("c")}
	fields := make([]Field, len(keys))
	for i, k := range keys {
		fields[i] = Field{Key: k, Value: s.NewScalarValue(Value{Kind: ValueInt, Int: int64(i)})}
	}
	obj := s.NewObject(fields)
	o := s.Object(obj)

	for i, k := range keys {
		v, ok := s.FieldByKey(o, k)
		require.True(t, ok)
		require.Equal(t, int64(i), s.Value(v).Int)
	}

	_, ok := s.FieldByKey(o, in.Intern("missing"))
	require.False(t, ok)
}

func TestMergeIncrementalPayloadFoldsAtPath(t *testing.T) {
	in := ids.NewInterner()
	s := NewStore(in)

	meKey := in.Intern("me")
	idKey := in.Intern("id")
	nameKey := in.Intern("name")

	me := s.NewObject([]Field{{Key: idKey, Value: s.NewScalarValue(Value{Kind: ValueString, String: "1"})}})
	root := s.NewObject([]Field{{Key: meKey, Value: s.NewObjectValue(me, 0, 0)}})

	incremental := s.NewObject([]Field{{Key: nameKey, Value: s.NewScalarValue(Value{Kind: ValueString, String: "ada"})}})

	merged, err := s.MergeIncrementalPayload(root, []ids.StringId{meKey}, incremental)
	require.NoError(t, err)

	obj := s.Object(merged)
	meVal := s.Value(obj.Fields[0].Value)
	meObj := s.Object(meVal.Object)
	require.Len(t, meObj.Fields, 2)
}

func TestSerializeProducesEquivalentJSON(t *testing.T) {
	in := ids.NewInterner()
	s := NewStore(in)

	idKey := in.Intern("id")
	tagsKey := in.Intern("tags")

	tag0 := s.NewScalarValue(Value{Kind: ValueString, String: "x"})
	s.NewScalarValue(Value{Kind: ValueString, String: "y"})
	list := s.NewListValue(tag0, 2, 0, 0)

	obj := s.NewObject([]Field{
		{Key: idKey, Value: s.NewScalarValue(Value{Kind: ValueInt, Int: 42})},
		{Key: tagsKey, Value: list},
	})

	a := &astjson.Arena{}
	v := s.Serialize(a, s.NewObjectValue(obj, 0, 0))

	require.JSONEq(t, `{"id":42,"tags":["x","y"]}`, v.String())
}

func TestSerializeNullValue(t *testing.T) {
	in := ids.NewInterner()
	s := NewStore(in)

	a := &astjson.Arena{}
	v := s.Serialize(a, s.NewScalarValue(Value{Kind: ValueNull}))
	require.Equal(t, "null", v.String())
}
