package models

import "time"

// NodeExecution is the runtime record of one executing plan node
type NodeExecution struct {
	ID                 string              `json:"id"`
	PlanExecutionID    string              `json:"plan_execution_id"`
	ParentID           string              `json:"parent_id,omitempty"`
	Ambiance           Ambiance            `json:"ambiance"`
	PlanNode           PlanNode            `json:"plan_node"`
	Status             Status              `json:"status"`
	Mode               ExecutionMode       `json:"mode"`
	ExecutableResponse *ExecutableResponse `json:"executable_response,omitempty"`
	InterruptHistories []InterruptEffect   `json:"interrupt_histories,omitempty"`
	RetryIDs           []string            `json:"retry_ids,omitempty"`
	UnitProgresses     []UnitProgress      `json:"unit_progresses,omitempty"`
	FailureInfo        *FailureInfo        `json:"failure_info,omitempty"`
	Outcome            map[string]any      `json:"outcome,omitempty"`
	StartTs            int64               `json:"start_ts"`
	EndTs              *int64              `json:"end_ts,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// IsTerminal reports whether the node has reached a final status
func (n *NodeExecution) IsTerminal() bool {
	return n.Status.IsTerminal()
}

// TaskID returns the remote task id recorded for the node, if any
func (n *NodeExecution) TaskID() string {
	if n.ExecutableResponse == nil || n.ExecutableResponse.Task == nil {
		return ""
	}
	return n.ExecutableResponse.Task.TaskID
}

// CloneForRetry builds the queued clone that replaces original after a RETRY interrupt.
// The original is left untouched.
func CloneForRetry(original *NodeExecution, newID string, ambiance Ambiance, interruptID string, cfg InterruptConfig, now time.Time) *NodeExecution {
	params := make(map[string]any, len(original.PlanNode.StepParameters))
	for k, v := range original.PlanNode.StepParameters {
		params[k] = v
	}
	if cfg.RetryConfig != nil {
		for k, v := range cfg.RetryConfig.Parameters {
			params[k] = v
		}
	}

	planNode := original.PlanNode
	planNode.StepParameters = params

	return &NodeExecution{
		ID:              newID,
		PlanExecutionID: original.PlanExecutionID,
		ParentID:        original.ParentID,
		Ambiance:        ambiance,
		PlanNode:        planNode,
		Status:          StatusQueued,
		Mode:            original.Mode,
		InterruptHistories: []InterruptEffect{{
			InterruptID: interruptID,
			Type:        InterruptTypeRetry,
			Config:      cfg,
			CreatedAt:   now,
		}},
		RetryIDs:  []string{original.ID},
		StartTs:   0,
		EndTs:     nil,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
