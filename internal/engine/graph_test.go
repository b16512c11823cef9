package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

func linearChain() *schema.ChainGraph {
	return &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "a", Type: schema.NodeTypeAgent, Ref: "agent-1"},
			{ID: "b", Type: schema.NodeTypeCondition, Expression: "x > 0"},
			{ID: "c", Type: schema.NodeTypeTool, Ref: "echo"},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}
}

func TestBuildGraph_Linear(t *testing.T) {
	g, err := BuildGraph(linearChain())
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 3)
	assert.Len(t, g.Edges, 2)
	assert.Equal(t, []string{"a"}, g.Roots)
	require.Len(t, g.Incoming["b"], 1)
	assert.Equal(t, "e1", g.Incoming["b"][0].ID)
	require.Len(t, g.Outgoing["b"], 1)
	assert.Equal(t, "e2", g.Outgoing["b"][0].ID)
	assert.Empty(t, g.Outgoing["c"])
}

func TestBuildGraph_MultipleRootsSorted(t *testing.T) {
	def := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "z", Type: schema.NodeTypeTool, Ref: "t"},
			{ID: "a", Type: schema.NodeTypeTool, Ref: "t"},
			{ID: "sink", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "z", Target: "sink"},
			{ID: "e2", Source: "a", Target: "sink"},
		},
	}
	g, err := BuildGraph(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, g.Roots)
}

func TestBuildGraph_NilAndEmpty(t *testing.T) {
	_, err := BuildGraph(nil)
	require.Error(t, err)

	_, err = BuildGraph(&schema.ChainGraph{})
	require.Error(t, err)
	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, cfErr.Code)
}

func TestBuildGraph_DuplicateNodeID(t *testing.T) {
	def := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "a", Type: schema.NodeTypeStart},
			{ID: "a", Type: schema.NodeTypeEnd},
		},
	}
	_, err := BuildGraph(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node ID")
}

func TestBuildGraph_MissingRef(t *testing.T) {
	def := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{{ID: "a", Type: schema.NodeTypeTool}},
	}
	_, err := BuildGraph(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ref")
}

func TestBuildGraph_ConditionNeedsExpression(t *testing.T) {
	def := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{{ID: "a", Type: schema.NodeTypeCondition}},
	}
	_, err := BuildGraph(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no expression")
}

func TestBuildGraph_UnknownEdgeEndpoint(t *testing.T) {
	def := linearChain()
	def.Edges = append(def.Edges, schema.EdgeDefinition{ID: "e3", Source: "c", Target: "ghost"})
	_, err := BuildGraph(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestBuildGraph_SelfLoop(t *testing.T) {
	def := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{{ID: "a", Type: schema.NodeTypeTool, Ref: "t"}},
		Edges: []schema.EdgeDefinition{{ID: "e1", Source: "a", Target: "a"}},
	}
	_, err := BuildGraph(def)
	require.Error(t, err)
	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, cfErr.Code)
}

func TestBuildGraph_Cycle(t *testing.T) {
	def := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "a", Type: schema.NodeTypeTool, Ref: "t"},
			{ID: "b", Type: schema.NodeTypeTool, Ref: "t"},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e0", Source: "start", Target: "a"},
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}
	_, err := BuildGraph(def)
	require.Error(t, err)
	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, cfErr.Code)
}

func TestBuildGraph_AllNodesGated(t *testing.T) {
	// Two nodes forming a pure cycle with no roots at all.
	def := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "a", Type: schema.NodeTypeTool, Ref: "t"},
			{ID: "b", Type: schema.NodeTypeTool, Ref: "t"},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}
	_, err := BuildGraph(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry")
}
