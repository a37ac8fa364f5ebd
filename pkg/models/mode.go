package models

// ExecutionMode is the way a node's step is driven by the engine
type ExecutionMode string

const (
	ModeSync       ExecutionMode = "SYNC"
	ModeAsync      ExecutionMode = "ASYNC"
	ModeTask       ExecutionMode = "TASK"
	ModeChild      ExecutionMode = "CHILD"
	ModeChildren   ExecutionMode = "CHILDREN"
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
)

// HasRemoteWork reports whether a node in this mode may have work outstanding on a remote worker
func (m ExecutionMode) HasRemoteWork() bool {
	return m == ModeAsync || m == ModeTask
}

// IsParent reports whether the mode aggregates child node executions
func (m ExecutionMode) IsParent() bool {
	return m == ModeChild || m == ModeChildren || m == ModeChildChain
}
