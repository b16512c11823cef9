package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/chainflow/pkg/schema"
)

func testGraph() *schema.ChainGraph {
	return &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "fetch", Type: schema.NodeTypeTool, Ref: "http.get"},
			{ID: "check", Type: schema.NodeTypeCondition, Expression: "status == 200"},
			{ID: "summarize", Type: schema.NodeTypeAgent, Ref: "summarizer"},
		},
		Edges: []schema.EdgeDefinition{
			{ID: "e1", Source: "start", Target: "fetch"},
			{ID: "e2", Source: "fetch", Target: "check"},
			{ID: "e3", Source: "check", Target: "summarize", Label: "ok"},
		},
	}
}

func TestRenderMermaid_Structure(t *testing.T) {
	out := RenderMermaid(testGraph(), Overlay{})

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `start(("start"))`)
	assert.Contains(t, out, `fetch["fetch: http.get"]`)
	assert.Contains(t, out, `check{"check"}`)
	assert.Contains(t, out, `summarize[["summarize: summarizer"]]`)
	assert.Contains(t, out, "start --> fetch")
	assert.Contains(t, out, "check -->|ok| summarize")

	// No overlay, no status classes.
	assert.NotContains(t, out, "classDef")
}

func TestRenderMermaid_StatusOverlay(t *testing.T) {
	out := RenderMermaid(testGraph(), Overlay{
		NodeStatuses: map[string]schema.NodeStatus{
			"start":     schema.NodeStatusCompleted,
			"fetch":     schema.NodeStatusFailed,
			"summarize": schema.NodeStatusSkipped,
		},
		EdgeStatuses: map[string]schema.EdgeStatus{
			"e3": schema.EdgeStatusDropped,
		},
	})

	assert.Contains(t, out, "class start completed")
	assert.Contains(t, out, "class fetch failed")
	assert.Contains(t, out, "class summarize skipped")

	// Dropped edges render dashed.
	assert.Contains(t, out, "check -.->|ok| summarize")
}

func TestRenderMermaid_SanitizesIDs(t *testing.T) {
	graph := &schema.ChainGraph{
		Nodes: []schema.NodeDefinition{
			{ID: "fetch-data.v2", Type: schema.NodeTypeTool, Ref: "http.get"},
		},
	}
	out := RenderMermaid(graph, Overlay{})
	assert.Contains(t, out, `fetch_data_v2["fetch-data.v2: http.get"]`)
}

func TestRenderMermaid_GuardConditionAsLabel(t *testing.T) {
	graph := testGraph()
	graph.Edges[1].Condition = "vars.retries < 3"

	out := RenderMermaid(graph, Overlay{})
	assert.Contains(t, out, "fetch -->|vars.retries < 3| check")
}
