package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("x")
	var _ Value = Int(1)
	var _ Value = Bool(true)
	var _ Value = Array{Int(1)}
	var _ Value = Object{"k": String("v")}
}

func TestObjectSortedKeysASCII(t *testing.T) {
	obj := Object{"a": Int(1), "A": Int(2), "aa": Int(3), "Aa": Int(4)}
	assert.Equal(t, []string{"A", "Aa", "a", "aa"}, obj.SortedKeys())
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue([]byte(`{"sku":"A-1","qty":3,"active":true,"tags":["x"],"note":null}`))
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok)
	assert.Equal(t, String("A-1"), obj["sku"])
	assert.Equal(t, Int(3), obj["qty"])
	assert.Equal(t, Bool(true), obj["active"])
	assert.Equal(t, Array{String("x")}, obj["tags"])
	assert.Equal(t, Null{}, obj["note"])
}

func TestParseValueRejectsFloats(t *testing.T) {
	for _, in := range []string{`1.5`, `{"price":4.50}`, `[1e3]`} {
		_, err := ParseValue([]byte(in))
		require.Error(t, err, in)
		assert.Contains(t, err.Error(), "float")
	}
}

func TestParseValueRejectsOverflow(t *testing.T) {
	_, err := ParseValue([]byte(`99999999999999999999`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "int64")
}

func TestObjectJSONRoundTripIsCanonical(t *testing.T) {
	obj := Object{"z": Int(1), "a": Object{"y": Bool(false), "b": Null{}}}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":null,"y":false},"z":1}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(obj, back))
}

func TestObjectUnmarshalRejectsNonObject(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`[1,2]`), &obj)
	assert.Error(t, err)
}

func TestObjectClone_IsDeep(t *testing.T) {
	orig := Object{"meta": Object{"k": String("v")}, "list": Array{Int(1)}}
	clone := orig.Clone()

	clone["meta"].(Object)["k"] = String("changed")
	clone["list"].(Array)[0] = Int(9)

	assert.Equal(t, String("v"), orig["meta"].(Object)["k"])
	assert.Equal(t, Int(1), orig["list"].(Array)[0])
}

func TestObjectGetters(t *testing.T) {
	obj := Object{"name": String("Tea"), "qty": Int(4), "flag": Bool(true)}

	assert.Equal(t, "Tea", obj.GetString("name"))
	assert.Equal(t, "", obj.GetString("qty"))

	n, ok := obj.GetInt("qty")
	assert.True(t, ok)
	assert.Equal(t, int64(4), n)

	_, ok = obj.GetInt("flag")
	assert.False(t, ok)
}

func TestToGoFromGo(t *testing.T) {
	obj := Object{"a": Array{Int(1), Null{}}, "b": String("x")}
	plain := ToGo(obj)

	assert.Equal(t, map[string]any{"a": []any{int64(1), nil}, "b": "x"}, plain)

	back, err := FromGo(plain)
	require.NoError(t, err)
	assert.True(t, Equal(obj, back))
}
