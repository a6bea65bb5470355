package bytetrace

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X      int    `json:"x"`
	Y      int    `json:"y,omitempty"`
	Label  string `json:"-"`
	hidden string
}

type node struct {
	Name string
	Next *node
}

type traced struct {
	secret string
}

func (t traced) TraceValue() any {
	return map[string]string{"view": t.secret}
}

type failingMarshaler struct{}

func (failingMarshaler) MarshalJSON() ([]byte, error) {
	return nil, errors.New("cannot marshal")
}

func TestSerialize(t *testing.T) {
	t.Parallel()

	s := &Serializer{MaxSequence: DefaultMaxSequence, MaxDepth: DefaultMaxDepth}
	str := "pointer"
	tests := []struct {
		name   string
		value  any
		expect string
	}{
		{"nil", nil, "null"},
		{"int", 42, "42"},
		{"negative", int64(-7), "-7"},
		{"uint", uint8(9), "9"},
		{"float", 1.5, "1.5"},
		{"float32", float32(0.1), "0.1"},
		{"nan", math.NaN(), `"NaN"`},
		{"inf", math.Inf(-1), `"-Inf"`},
		{"bool", true, "true"},
		{"string", `say "hi"`, `"say \"hi\""`},
		{"string_pointer", &str, `"pointer"`},
		{"nil_slice", []int(nil), "null"},
		{"slice", []int{1, 2, 3}, "[1,2,3]"},
		{"array", [2]string{"a", "b"}, `["a","b"]`},
		{"map_sorted", map[string]int{"b": 2, "a": 1}, `{"a":1,"b":2}`},
		{"int_keys", map[int]bool{10: true, 2: false}, `{"10":true,"2":false}`},
		{"struct_tags", point{X: 1, Label: "skip", hidden: "h"}, `{"x":1,"y":0,"hidden":"h"}`},
		{"type_ref", TypeRef("com.acme.Order"), `"com.acme.Order"`},
		{"reflect_type", reflect.TypeFor[point](), `"bytetrace.point"`},
		{"class", &Class{Name: "com/acme/Order"}, `"com.acme.Order"`},
		{"traceable", traced{secret: "s"}, `{"view":"s"}`},
		{"object", &Object{Class: "demo/Helper", Fields: map[string]any{"v": int64(3)}}, `{"v":3}`},
		{"marshaler", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), `"2024-01-02T03:04:05Z"`},
		{"raw_json", json.RawMessage(`{ "a" : 1 }`), `{"a":1}`},
		{"error", errors.New("boom"), `"boom"`},
		{"complex", complex(1, 2), `"(1+2i)"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, s.Serialize(tt.value))
		})
	}
}

func TestSerializeBounds(t *testing.T) {
	t.Parallel()

	s := &Serializer{MaxSequence: DefaultMaxSequence, MaxDepth: 4}

	t.Run("sequence_capped", func(t *testing.T) {
		values := make([]int, 1000)
		for i := range values {
			values[i] = i
		}
		var decoded []any
		require.NoError(t, json.Unmarshal([]byte(s.Serialize(values)), &decoded))
		require.Len(t, decoded, DefaultMaxSequence+1)
		assert.InDelta(t, 31.0, decoded[DefaultMaxSequence-1], 0.0)
		assert.Equal(t, SequenceMarker, decoded[DefaultMaxSequence])
	})
	t.Run("exact_cap_not_marked", func(t *testing.T) {
		values := make([]int, DefaultMaxSequence)
		assert.NotContains(t, s.Serialize(values), SequenceMarker)
	})
	t.Run("zero_cap", func(t *testing.T) {
		zero := &Serializer{MaxSequence: 0, MaxDepth: 4}
		assert.Equal(t, `["..."]`, zero.Serialize([]int{1}))
	})
	t.Run("cycle_falls_back", func(t *testing.T) {
		n := &node{Name: "a"}
		n.Next = n
		out := s.Serialize(n)
		assert.True(t, strings.HasPrefix(out, `"*bytetrace.node@`), out)
	})
	t.Run("map_cycle_falls_back", func(t *testing.T) {
		m := map[string]any{}
		m["self"] = m
		out := s.Serialize(m)
		assert.True(t, strings.HasPrefix(out, `"map[string]interface {}@`), out)
	})
	t.Run("shared_not_cycle", func(t *testing.T) {
		shared := &node{Name: "s"}
		out := s.Serialize([]*node{shared, shared})
		assert.Equal(t, `[{"Name":"s","Next":null},{"Name":"s","Next":null}]`, out)
	})
	t.Run("depth_falls_back", func(t *testing.T) {
		deep := []any{[]any{[]any{[]any{[]any{[]any{1}}}}}}
		out := s.Serialize(deep)
		assert.True(t, strings.HasPrefix(out, `"[]interface {}@`), out)
	})
	t.Run("marshal_error_falls_back", func(t *testing.T) {
		assert.Equal(t, `"bytetrace.failingMarshaler"`, s.Serialize(failingMarshaler{}))
	})
	t.Run("func_value", func(t *testing.T) {
		out := s.Serialize(func() {})
		assert.True(t, strings.HasPrefix(out, `"func()@`), out)
	})
}

func TestSerializeMap(t *testing.T) {
	t.Parallel()

	s := &Serializer{MaxSequence: 2, MaxDepth: DefaultMaxDepth}
	n := &node{Name: "loop"}
	n.Next = n
	out := s.SerializeMap(map[string]any{
		"z":    []int{1, 2, 3},
		"a":    "text",
		"loop": n,
	})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "text", decoded["a"])
	assert.Equal(t, []any{1.0, 2.0, SequenceMarker}, decoded["z"])
	assert.IsType(t, "", decoded["loop"])
	assert.True(t, strings.HasPrefix(out, `{"a":"text","loop":`))

	assert.Equal(t, "{}", s.SerializeMap(nil))
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "null", plainText(nil))
	assert.Equal(t, "12", plainText(12))
	assert.Equal(t, "bytetrace.point", plainText(point{}))
	assert.True(t, strings.HasPrefix(plainText(&point{}), "*bytetrace.point@"))
}
