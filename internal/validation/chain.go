package validation

import (
	"fmt"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeAgent:     true,
	schema.NodeTypeTool:      true,
	schema.NodeTypeCondition: true,
	schema.NodeTypeStart:     true,
	schema.NodeTypeEnd:       true,
}

var validBackoffs = map[string]bool{
	"": true, "none": true, "constant": true, "linear": true, "exponential": true,
}

// ValidateChain runs every structural and semantic check on a chain
// definition: node and edge shape, reference existence, duration syntax,
// acyclicity, and reachability.
func ValidateChain(def *schema.ChainGraph, refs RefResolver) *Result {
	result := &Result{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "chain definition is nil")
		return result
	}
	if len(def.Nodes) == 0 {
		result.AddError("/nodes", schema.ErrCodeValidation, "chain has no nodes")
		return result
	}

	if def.Timeout != "" {
		if _, err := time.ParseDuration(def.Timeout); err != nil {
			result.AddError("/timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid chain timeout %q", def.Timeout))
		}
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		validateNode(&def.Nodes[i], i, nodeIDs, refs, result)
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	for i := range def.Edges {
		validateEdge(&def.Edges[i], i, nodeIDs, edgeIDs, result)
	}

	// Graph-level checks only make sense once the pieces are sound.
	if result.Valid() {
		checkGraph(def, result)
	}
	return result
}

func validateNode(node *schema.NodeDefinition, index int, nodeIDs map[string]bool, refs RefResolver, result *Result) {
	path := fmt.Sprintf("/nodes[%d]", index)

	if node.ID == "" {
		result.AddError(path+"/id", schema.ErrCodeValidation, "node has empty ID")
		return
	}
	if nodeIDs[node.ID] {
		result.AddError(path+"/id", schema.ErrCodeValidation,
			fmt.Sprintf("duplicate node ID %q", node.ID))
		return
	}
	nodeIDs[node.ID] = true

	if !validNodeTypes[node.Type] {
		result.AddError(path+"/type", schema.ErrCodeValidation,
			fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type))
		return
	}

	switch node.Type {
	case schema.NodeTypeAgent:
		if node.Ref == "" {
			result.AddError(path+"/ref", schema.ErrCodeValidation,
				fmt.Sprintf("agent node %q has no ref", node.ID))
		} else if refs.HasAgent != nil && !refs.HasAgent(node.Ref) {
			result.AddError(path+"/ref", schema.ErrCodeNotFound,
				fmt.Sprintf("agent %q is not registered", node.Ref))
		}
	case schema.NodeTypeTool:
		if node.Ref == "" {
			result.AddError(path+"/ref", schema.ErrCodeValidation,
				fmt.Sprintf("tool node %q has no ref", node.ID))
		} else if refs.HasTool != nil && !refs.HasTool(node.Ref) {
			result.AddError(path+"/ref", schema.ErrCodeNotFound,
				fmt.Sprintf("tool %q is not registered", node.Ref))
		}
	case schema.NodeTypeCondition:
		if node.Expression == "" {
			result.AddError(path+"/expression", schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q has no expression", node.ID))
		}
		if node.Language != "" && node.Language != "expr" && node.Language != "cel" {
			result.AddError(path+"/language", schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q has unsupported language %q", node.ID, node.Language))
		}
	}

	for field, value := range map[string]string{
		"timeout":       node.Timeout,
		"poll_interval": node.PollInterval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			result.AddError(fmt.Sprintf("%s/%s", path, field), schema.ErrCodeValidation,
				fmt.Sprintf("node %q has invalid %s %q", node.ID, field, value))
		}
	}

	if node.Retry != nil {
		validateRetry(node, path, result)
	}
}

func validateRetry(node *schema.NodeDefinition, path string, result *Result) {
	retry := node.Retry
	if retry.Max < 0 {
		result.AddError(path+"/retry/max", schema.ErrCodeValidation,
			fmt.Sprintf("node %q has negative retry max", node.ID))
	}
	if retry.Max > 10 {
		result.AddWarning(path+"/retry/max", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", retry.Max))
	}
	if !validBackoffs[retry.Backoff] {
		result.AddError(path+"/retry/backoff", schema.ErrCodeValidation,
			fmt.Sprintf("node %q has unknown backoff %q", node.ID, retry.Backoff))
	}
	for field, value := range map[string]string{
		"delay":     retry.Delay,
		"max_delay": retry.MaxDelay,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			result.AddError(fmt.Sprintf("%s/retry/%s", path, field), schema.ErrCodeValidation,
				fmt.Sprintf("node %q has invalid retry %s %q", node.ID, field, value))
		}
	}
}

func validateEdge(edge *schema.EdgeDefinition, index int, nodeIDs, edgeIDs map[string]bool, result *Result) {
	path := fmt.Sprintf("/edges[%d]", index)

	if edge.ID == "" {
		result.AddError(path+"/id", schema.ErrCodeValidation, "edge has empty ID")
		return
	}
	if edgeIDs[edge.ID] {
		result.AddError(path+"/id", schema.ErrCodeValidation,
			fmt.Sprintf("duplicate edge ID %q", edge.ID))
		return
	}
	edgeIDs[edge.ID] = true

	if !nodeIDs[edge.Source] {
		result.AddError(path+"/source", schema.ErrCodeValidation,
			fmt.Sprintf("edge %q references unknown source node %q", edge.ID, edge.Source))
	}
	if !nodeIDs[edge.Target] {
		result.AddError(path+"/target", schema.ErrCodeValidation,
			fmt.Sprintf("edge %q references unknown target node %q", edge.ID, edge.Target))
	}
	if edge.Source != "" && edge.Source == edge.Target {
		result.AddError(path, schema.ErrCodeCycleDetected,
			fmt.Sprintf("edge %q is a self-loop on node %q", edge.ID, edge.Source))
	}
	if edge.Language != "" && edge.Language != "expr" && edge.Language != "cel" {
		result.AddError(path+"/language", schema.ErrCodeValidation,
			fmt.Sprintf("edge %q has unsupported language %q", edge.ID, edge.Language))
	}
}

// checkGraph runs Kahn's algorithm to reject cyclic chains.
func checkGraph(def *schema.ChainGraph, result *Result) {
	inDegree := make(map[string]int, len(def.Nodes))
	outgoing := make(map[string][]string)
	for _, node := range def.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range def.Edges {
		inDegree[edge.Target]++
		outgoing[edge.Source] = append(outgoing[edge.Source], edge.Target)
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 {
		result.AddError("/edges", schema.ErrCodeCycleDetected,
			"chain has no entry nodes; every node has an incoming edge")
		return
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, target := range outgoing[id] {
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}
	if visited != len(def.Nodes) {
		result.AddError("/edges", schema.ErrCodeCycleDetected, "chain contains a cycle")
	}
}
