package expressions

import (
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/models"
)

// NodeResult is what expressions see of a node execution that already ran
type NodeResult struct {
	Status  models.Status  `json:"status"`
	Outcome map[string]any `json:"outcome,omitempty"`
}

// Context is the data a run condition or template is evaluated against
type Context struct {
	Node     models.PlanNode
	Ambiance models.Ambiance
	// Outcomes holds the results of terminal nodes in the plan execution, by identifier
	Outcomes map[string]NodeResult
	// Chain is the continuation of the chain the node runs in, if any
	Chain *models.ChainState
}

// NewContext builds an evaluation context for node
func NewContext(node models.PlanNode, ambiance models.Ambiance) *Context {
	return &Context{
		Node:     node,
		Ambiance: ambiance,
		Outcomes: map[string]NodeResult{},
	}
}

// WithOutcomes records the results of nodes that already ran
func (c *Context) WithOutcomes(nodes []models.NodeExecution) *Context {
	for _, n := range nodes {
		if !n.Status.IsTerminal() {
			continue
		}
		c.Outcomes[n.PlanNode.Identifier] = NodeResult{Status: n.Status, Outcome: n.Outcome}
	}
	return c
}

func (c *Context) WithChain(state models.ChainState) *Context {
	c.Chain = &state
	return c
}

// ToMap renders the context as plain JSON values, the only shapes JMESPath understands
func (c *Context) ToMap() map[string]any {
	levels := make([]any, 0, len(c.Ambiance.Levels))
	for _, l := range c.Ambiance.Levels {
		levels = append(levels, l.Identifier)
	}

	result := map[string]any{
		"node": map[string]any{
			"id":         c.Node.ID,
			"identifier": c.Node.Identifier,
			"name":       c.Node.Name,
			"step_type":  c.Node.StepType,
			"parameters": plain(c.Node.StepParameters),
		},
		"plan": map[string]any{
			"execution_id": c.Ambiance.PlanExecutionID,
		},
		"levels":   levels,
		"outcomes": plain(c.Outcomes),
	}
	if c.Chain != nil {
		result["chain"] = map[string]any{
			"index": float64(c.Chain.ChildIndex),
			"data":  plain(c.Chain.Data),
		}
	}
	return result
}

// plain converts v to the map/slice/float64 shapes encoding/json produces
func plain(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
