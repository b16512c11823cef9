package engine

import (
	"sort"

	"github.com/rendis/chainflow/pkg/schema"
)

// Graph is the in-memory directed-graph representation of a chain, built
// from a ChainGraph and used by the engine to compute frontiers. The graph
// is read-only once built.
type Graph struct {
	Nodes    map[string]*schema.NodeDefinition
	Edges    map[string]*schema.EdgeDefinition
	Incoming map[string][]*schema.EdgeDefinition // target node ID -> gating edges
	Outgoing map[string][]*schema.EdgeDefinition // source node ID -> outgoing edges
	Roots    []string                            // nodes with no incoming edge, sorted
}

// validNodeTypes is the set of recognized node types.
var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeAgent:     true,
	schema.NodeTypeTool:      true,
	schema.NodeTypeCondition: true,
	schema.NodeTypeStart:     true,
	schema.NodeTypeEnd:       true,
}

// BuildGraph parses a ChainGraph into an executable Graph. It validates node
// and edge identity, checks every edge's endpoints, and rejects cycles via
// Kahn's algorithm. Chains are validated again at save time; this check is
// the engine's last line of defense before stepping.
func BuildGraph(def *schema.ChainGraph) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain graph is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Edges:    make(map[string]*schema.EdgeDefinition, len(def.Edges)),
		Incoming: make(map[string][]*schema.EdgeDefinition),
		Outgoing: make(map[string][]*schema.EdgeDefinition),
	}

	// First pass: register nodes, check duplicates and type-specific shape.
	for i := range def.Nodes {
		node := &def.Nodes[i]

		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if !validNodeTypes[node.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type: %s", node.ID, node.Type)
		}

		switch node.Type {
		case schema.NodeTypeAgent, schema.NodeTypeTool:
			if node.Ref == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s node %s has no ref", node.Type, node.ID)
			}
		case schema.NodeTypeCondition:
			if node.Expression == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition node %s has no expression", node.ID)
			}
		}

		g.Nodes[node.ID] = node
	}

	// Second pass: register edges, validate endpoints.
	for i := range def.Edges {
		edge := &def.Edges[i]

		if edge.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d has empty ID", i)
		}
		if _, exists := g.Edges[edge.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge ID: %s", edge.ID)
		}
		if _, ok := g.Nodes[edge.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s has unknown source node: %s", edge.ID, edge.Source)
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s has unknown target node: %s", edge.ID, edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "edge %s is a self-loop on node %s", edge.ID, edge.Source)
		}

		g.Edges[edge.ID] = edge
		g.Incoming[edge.Target] = append(g.Incoming[edge.Target], edge)
		g.Outgoing[edge.Source] = append(g.Outgoing[edge.Source], edge)
	}

	// Kahn's algorithm: cycle detection over node in-degrees.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Incoming[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	if len(g.Roots) == 0 {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "chain has no entry nodes; every node has an incoming edge")
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++

		for _, edge := range g.Outgoing[node] {
			inDegree[edge.Target]--
			if inDegree[edge.Target] == 0 {
				queue = append(queue, edge.Target)
			}
		}
	}

	if visited != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "chain contains a cycle")
	}

	return g, nil
}
