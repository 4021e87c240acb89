package state

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	inputs := map[string]interface{}{"topic": "orders", "limit": 5.0}
	snap := New(inputs)

	assert.Empty(t, snap.NodeOutputs)
	assert.Empty(t, snap.WorkflowVariables)
	assert.Equal(t, "orders", snap.Inputs["topic"])
	assert.Equal(t, 0, snap.Metadata.NodeCount)
	assert.Equal(t, int64(0), snap.Metadata.TotalSizeBytes)
	assert.False(t, snap.Metadata.CreatedAt.IsZero())

	// the snapshot owns its input map
	inputs["topic"] = "mutated"
	assert.Equal(t, "orders", snap.Inputs["topic"])
}

func TestStoreNodeOutput_Immutable(t *testing.T) {
	base := New(nil)
	outA := map[string]interface{}{"value": 1.0}

	s1 := base.StoreNodeOutput("A", outA)
	require.NotSame(t, base, s1)
	assert.Empty(t, base.NodeOutputs, "parent snapshot must not change")
	assert.Equal(t, outA, s1.NodeOutputs["A"])
	assert.Equal(t, 1, s1.Metadata.NodeCount)

	s2 := s1.StoreNodeOutput("B", map[string]interface{}{"value": 2.0})
	assert.Len(t, s1.NodeOutputs, 1, "intermediate snapshot must not change")
	assert.Len(t, s2.NodeOutputs, 2)

	// unchanged outputs are shared by reference, not copied
	p1 := reflect.ValueOf(s1.NodeOutputs["A"]).Pointer()
	p2 := reflect.ValueOf(s2.NodeOutputs["A"]).Pointer()
	assert.Equal(t, p1, p2, "unchanged node output should be the same map")
}

func TestStoreNodeOutput_SizeIsCumulative(t *testing.T) {
	snap := New(nil)
	s1 := snap.StoreNodeOutput("A", map[string]interface{}{"payload": "0123456789"})
	after1 := s1.Metadata.TotalSizeBytes
	require.Greater(t, after1, int64(0))

	// overwriting with a smaller payload still grows the counter
	s2 := s1.StoreNodeOutput("A", map[string]interface{}{"p": "x"})
	assert.Greater(t, s2.Metadata.TotalSizeBytes, after1)
	assert.Equal(t, 1, s2.Metadata.NodeCount)
}

func TestExecutionContext_Precedence(t *testing.T) {
	snap := New(map[string]interface{}{"name": "from-input", "region": "eu"})
	snap = snap.StoreNodeOutput("name", map[string]interface{}{"inner": true})
	snap = snap.StoreNodeOutput("fetch", map[string]interface{}{"status": 200.0})
	snap = snap.SetVariable("name", "from-variable")

	ctx := snap.ExecutionContext()
	assert.Equal(t, "from-variable", ctx["name"], "variables win over inputs and outputs")
	assert.Equal(t, "eu", ctx["region"])
	assert.Equal(t, map[string]interface{}{"status": 200.0}, ctx["fetch"])
}

func TestBuildFinalOutputs(t *testing.T) {
	snap := New(nil)
	snap = snap.StoreNodeOutput("out1", map[string]interface{}{"a": 1.0, "shared": "first"})
	snap = snap.StoreNodeOutput("out2", map[string]interface{}{"b": 2.0, "shared": "second"})

	final := snap.BuildFinalOutputs([]string{"out1", "out2", "never-ran"})
	assert.Equal(t, 1.0, final["a"])
	assert.Equal(t, 2.0, final["b"])
	assert.Equal(t, "second", final["shared"], "later output nodes win collisions")

	empty := snap.BuildFinalOutputs(nil)
	require.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestClone_IsDeep(t *testing.T) {
	snap := New(nil).StoreNodeOutput("A", map[string]interface{}{
		"nested": map[string]interface{}{"count": 1.0},
		"items":  []interface{}{"x", "y"},
	})

	clone := snap.Clone()
	clone.NodeOutputs["A"]["nested"].(map[string]interface{})["count"] = 99.0
	clone.NodeOutputs["A"]["items"].([]interface{})[0] = "mutated"

	orig := snap.NodeOutputs["A"]
	assert.Equal(t, 1.0, orig["nested"].(map[string]interface{})["count"])
	assert.Equal(t, "x", orig["items"].([]interface{})[0])
}

func TestEqual(t *testing.T) {
	a := New(map[string]interface{}{"x": 1.0}).StoreNodeOutput("A", map[string]interface{}{"v": true})
	b := New(map[string]interface{}{"x": 1.0}).StoreNodeOutput("A", map[string]interface{}{"v": true})

	assert.True(t, a.Equal(b), "same content should be equal regardless of metadata")

	c := b.SetVariable("flag", "on")
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}
