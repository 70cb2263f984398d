package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_ResolveFromRootFrame(t *testing.T) {
	s := NewScope(map[string]interface{}{"name": "alice"})

	v, ok := s.Resolve(RootFrame, "inputs.name")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	_, ok = s.Resolve(RootFrame, "inputs.missing")
	assert.False(t, ok)
}

func TestScope_ChildFrameFallsBackToParent(t *testing.T) {
	s := NewScope(map[string]interface{}{"x": 1})
	child := s.NewChildFrame(RootFrame, map[string]interface{}{"y": 2})

	v, ok := s.Resolve(child, "inputs.x")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = s.Resolve(child, "y")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestScope_WriteDoesNotCrossIntoParent(t *testing.T) {
	s := NewScope(nil)
	child := s.NewChildFrame(RootFrame, nil)

	require.NoError(t, s.WriteNodeOutput(child, "step1", map[string]interface{}{"ok": true}))

	_, ok := s.Resolve(child, "nodes.step1.output.ok")
	assert.True(t, ok)

	_, ok = s.Resolve(RootFrame, "nodes.step1.output.ok")
	assert.False(t, ok, "a write in a child frame must not leak into its parent")
}

func TestScope_WriteNestedPathCreatesIntermediateMaps(t *testing.T) {
	s := NewScope(nil)
	require.NoError(t, s.Write(RootFrame, "a.b.c", "leaf"))

	v, ok := s.Resolve(RootFrame, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, "leaf", v)
}

func TestScope_WriteLoopResultPreservesInputOrderUnderConcurrency(t *testing.T) {
	s := NewScope(nil)
	require.NoError(t, s.WriteLoopResult(RootFrame, "loop1", 2, 3, "third"))
	require.NoError(t, s.WriteLoopResult(RootFrame, "loop1", 0, 3, "first"))
	require.NoError(t, s.WriteLoopResult(RootFrame, "loop1", 1, 3, "second"))

	v, ok := s.Resolve(RootFrame, "loops.loop1.results")
	require.True(t, ok)
	results, ok := v.([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"first", "second", "third"}, results)
}

func TestScope_WriteLoopResultRejectsOutOfRangeIndex(t *testing.T) {
	s := NewScope(nil)
	err := s.WriteLoopResult(RootFrame, "loop1", 5, 3, "oops")
	assert.Error(t, err)
}

func TestScope_SnapshotIsADeepCopy(t *testing.T) {
	s := NewScope(map[string]interface{}{"nested": map[string]interface{}{"n": 1}})
	snap := s.Snapshot(RootFrame)

	inputs := snap["inputs"].(map[string]interface{})
	nested := inputs["nested"].(map[string]interface{})
	nested["n"] = 999

	v, ok := s.Resolve(RootFrame, "inputs.nested.n")
	require.True(t, ok)
	assert.Equal(t, 1, v, "mutating a snapshot must not affect the live scope")
}

func TestScope_ResolveArrayIndex(t *testing.T) {
	s := NewScope(map[string]interface{}{
		"items": []interface{}{"a", "b", "c"},
	})

	v, ok := s.Resolve(RootFrame, "inputs.items[1]")
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = s.Resolve(RootFrame, "inputs.items[9]")
	assert.False(t, ok)
}
