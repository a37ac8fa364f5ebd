package models

// ExecutableResponse records what a node handed off when it suspended.
// Exactly one variant is set, matching Mode.
type ExecutableResponse struct {
	Mode       ExecutionMode                 `json:"mode"`
	Sync       *SyncExecutableResponse       `json:"sync,omitempty"`
	Async      *AsyncExecutableResponse      `json:"async,omitempty"`
	Task       *TaskExecutableResponse       `json:"task,omitempty"`
	Child      *ChildExecutableResponse      `json:"child,omitempty"`
	Children   *ChildrenExecutableResponse   `json:"children,omitempty"`
	ChildChain *ChildChainExecutableResponse `json:"child_chain,omitempty"`
}

type SyncExecutableResponse struct{}

// AsyncExecutableResponse lists the correlation ids an ASYNC node is waiting on
type AsyncExecutableResponse struct {
	CallbackIDs []string `json:"callback_ids"`
	WaitID      string   `json:"wait_id,omitempty"`
}

type TaskExecutableResponse struct {
	TaskID       string   `json:"task_id"`
	TaskCategory string   `json:"task_category"`
	Units        []string `json:"units,omitempty"`
	WaitID       string   `json:"wait_id,omitempty"`
}

type ChildExecutableResponse struct {
	ChildNodeID      string `json:"child_node_id"`
	ChildExecutionID string `json:"child_execution_id"`
}

// ChildRef ties a child plan node to the node execution created for it
type ChildRef struct {
	ChildNodeID      string `json:"child_node_id"`
	ChildExecutionID string `json:"child_execution_id"`
}

type ChildrenExecutableResponse struct {
	Children       []ChildRef `json:"children"`
	MaxConcurrency int        `json:"max_concurrency"`
}

// ChainState is the continuation a chain step threads through its invocations.
// It is persisted between calls, which may run on different processes.
type ChainState struct {
	ChildIndex int            `json:"child_index"`
	Data       map[string]any `json:"data,omitempty"`
}

type ChildChainExecutableResponse struct {
	ChildExecutionID string     `json:"child_execution_id,omitempty"`
	NextChildID      string     `json:"next_child_id,omitempty"`
	PassThrough      ChainState `json:"pass_through"`
	LastLink         bool       `json:"last_link"`
	Suspend          bool       `json:"suspend"`
}
