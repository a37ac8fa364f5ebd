// Package steps defines the executable contracts a step type implements and the built-in steps.
// A step's execution mode is derived from the capability interface it satisfies.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Step is implemented by every step type
type Step interface {
	Type() string
}

// SyncExecutable completes inline
type SyncExecutable interface {
	Step
	ExecuteSync(ctx context.Context, sc *StepContext) (models.StepResponse, error)
}

// AsyncRequest names the correlation ids an ASYNC step waits on
type AsyncRequest struct {
	CallbackIDs []string
	// Timeout overrides the node timeout when set
	Timeout time.Duration
}

// AsyncExecutable waits for external notifications it arranged itself
type AsyncExecutable interface {
	Step
	ExecuteAsync(ctx context.Context, sc *StepContext) (AsyncRequest, error)
	HandleAsyncResponse(ctx context.Context, sc *StepContext, responses map[string]models.ResponseData) (models.StepResponse, error)
}

// TaskExecutable hands work to a remote worker and maps its result
type TaskExecutable interface {
	Step
	ObtainTask(ctx context.Context, sc *StepContext, taskID string) (models.TaskRequest, error)
	HandleTaskResult(ctx context.Context, sc *StepContext, result models.TaskResult) (models.StepResponse, error)
}

// ChildResult is what a parent step sees of a finished child
type ChildResult struct {
	NodeID          string
	NodeExecutionID string
	Identifier      string
	Status          models.Status
	Outcome         map[string]any
	FailureInfo     *models.FailureInfo
}

// ChildResultOf summarizes a child node execution
func ChildResultOf(n *models.NodeExecution) ChildResult {
	return ChildResult{
		NodeID:          n.PlanNode.ID,
		NodeExecutionID: n.ID,
		Identifier:      n.PlanNode.Identifier,
		Status:          n.Status,
		Outcome:         n.Outcome,
		FailureInfo:     n.FailureInfo,
	}
}

// ChildExecutable runs exactly one child node
type ChildExecutable interface {
	Step
	ObtainChild(ctx context.Context, sc *StepContext) (string, error)
	HandleChildResponse(ctx context.Context, sc *StepContext, child ChildResult) (models.StepResponse, error)
}

// ChildrenExecutable fans out to several children, at most maxConcurrency at a time (0 is unlimited)
type ChildrenExecutable interface {
	Step
	ObtainChildren(ctx context.Context, sc *StepContext) (childNodeIDs []string, maxConcurrency int, err error)
	HandleChildrenResponse(ctx context.Context, sc *StepContext, children []ChildResult) (models.StepResponse, error)
}

// ChildChainExecutable runs children one after another. The chain's progress lives in the
// returned ChainState, which the engine stores and hands back on the next call.
type ChildChainExecutable interface {
	Step
	ExecuteFirstChild(ctx context.Context, sc *StepContext) (models.ChildChainExecutableResponse, error)
	ExecuteNextChild(ctx context.Context, sc *StepContext, state models.ChainState, last ChildResult) (models.ChildChainExecutableResponse, error)
	FinalizeExecution(ctx context.Context, sc *StepContext, state models.ChainState) (models.StepResponse, error)
}

// ModeOf derives the execution mode from the capabilities step implements.
// Parent capabilities are checked first so a step cannot be driven two ways.
func ModeOf(step Step) (models.ExecutionMode, error) {
	switch step.(type) {
	case ChildChainExecutable:
		return models.ModeChildChain, nil
	case ChildrenExecutable:
		return models.ModeChildren, nil
	case ChildExecutable:
		return models.ModeChild, nil
	case TaskExecutable:
		return models.ModeTask, nil
	case AsyncExecutable:
		return models.ModeAsync, nil
	case SyncExecutable:
		return models.ModeSync, nil
	default:
		return "", fmt.Errorf("step type %s implements no executable capability", step.Type())
	}
}

// StepContext is everything a step may look at while it runs
type StepContext struct {
	Ambiance models.Ambiance
	Node     models.PlanNode
	Plan     models.Plan
	// Nodes is the plan execution's node executions, used for expression data
	Nodes     []models.NodeExecution
	Evaluator *expressions.Evaluator
}

// ExpressionData builds the expression input for node, which may be a node other than sc.Node
func (sc *StepContext) ExpressionData(node models.PlanNode, chain *models.ChainState) map[string]any {
	ec := expressions.NewContext(node, sc.Ambiance).WithOutcomes(sc.Nodes)
	if chain != nil {
		ec.WithChain(*chain)
	}
	return ec.ToMap()
}

// ShouldNodeRun evaluates node's run condition
func (sc *StepContext) ShouldNodeRun(node models.PlanNode, chain *models.ChainState) (bool, error) {
	return sc.Evaluator.ShouldRun(node.RunCondition, sc.ExpressionData(node, chain))
}

// Render interpolates {{ }} placeholders in value against the current node's data
func (sc *StepContext) Render(value any) (any, error) {
	return expressions.NewTemplate(sc.Evaluator).RenderValue(value, sc.ExpressionData(sc.Node, nil))
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// intParam reads an integer parameter decoded from YAML or JSON
func intParam(params map[string]any, key string, fallback int) (int, error) {
	switch v := params[key].(type) {
	case nil:
		return fallback, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("parameter %s must be a number, got %T", key, v)
	}
}
