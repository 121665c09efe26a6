package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpFromWire(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want Op
	}{
		{"implicit replace", map[string]any{"p": "/x", "v": 1}, Op{Op: OpReplace, Path: "/x", Value: 1}},
		{"add", map[string]any{"p": "/x", "v": 1, "o": "a"}, Op{Op: OpAdd, Path: "/x", Value: 1}},
		{"remove", map[string]any{"p": "/x", "o": "r"}, Op{Op: OpRemove, Path: "/x"}},
		{"legacy delete", map[string]any{"p": "/x", "o": "d"}, Op{Op: OpRemove, Path: "/x"}},
		{"test", map[string]any{"p": "/x", "v": 1, "o": "t"}, Op{Op: OpTest, Path: "/x", Value: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := OpFromWire(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := OpFromWire(map[string]any{"v": 1})
	assert.Error(t, err, "missing path")
	_, err = OpFromWire(map[string]any{"p": "/x", "o": "z"})
	assert.Error(t, err, "unknown code")
}

func TestWireFormRoundTrip(t *testing.T) {
	for _, op := range []Op{
		{Op: OpReplace, Path: "/a/b", Value: "v"},
		{Op: OpAdd, Path: "/a", Value: 3},
		{Op: OpRemove, Path: "/a"},
		{Op: OpTest, Path: "/a", Value: false},
	} {
		back, err := OpFromWire(op.WireForm())
		require.NoError(t, err)
		assert.Equal(t, op, back)
	}
}

func TestWireFormKeepsFalsyValues(t *testing.T) {
	m := Op{Op: OpReplace, Path: "/flag", Value: false}.WireForm()
	v, ok := m["v"]
	require.True(t, ok, "a false value must still ride the wire")
	assert.Equal(t, false, v)
}

func TestApplyOp(t *testing.T) {
	doc := []byte(`{"entities":{}}`)

	out, err := ApplyOp(doc, Op{Op: OpAdd, Path: "/entities/e1", Value: map[string]any{"hp": 5}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":{"e1":{"hp":5}}}`, string(out))

	out, err = ApplyOp(out, Op{Op: OpReplace, Path: "/entities/e1/hp", Value: 6})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":{"e1":{"hp":6}}}`, string(out))

	out, err = ApplyOp(out, Op{Op: OpRemove, Path: "/entities/e1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":{}}`, string(out))
}

func TestApplyOpLenient(t *testing.T) {
	doc := []byte(`{}`)

	// Adds create intermediate containers.
	out, err := ApplyOp(doc, Op{Op: OpAdd, Path: "/a/b/c", Value: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":{"c":1}}}`, string(out))

	// Removing something already gone is not an error.
	out, err = ApplyOp(out, Op{Op: OpRemove, Path: "/nope"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":{"c":1}}}`, string(out))
}

func TestApplyOpFailureIsIsolated(t *testing.T) {
	doc := []byte(`{"x":1}`)
	_, err := ApplyOp(doc, Op{Op: OpTest, Path: "/x", Value: 2})
	require.Error(t, err)
	// The input document is untouched on failure.
	assert.JSONEq(t, `{"x":1}`, string(doc))
}
