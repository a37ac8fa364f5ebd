package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/steps"
)

// CallbackResumeNode is the wait callback that resumes a TASK or ASYNC node
const CallbackResumeNode = "resume_node"

// ResumeNodePayload identifies the node a resume_node callback resumes
type ResumeNodePayload struct {
	NodeExecutionID string `json:"node_execution_id"`
}

type publishError struct {
	err error
}

func (p *publishError) Error() string {
	return fmt.Sprintf("failed to publish task: %v", p.err)
}

func (p *publishError) Unwrap() error {
	return p.err
}

// dispatch hands a RUNNING node to its step according to its mode
func (e *Engine) dispatch(ctx context.Context, node *models.NodeExecution, sc *steps.StepContext) error {
	step, err := e.steps.Get(node.PlanNode.StepType)
	if err != nil {
		return err
	}

	switch node.Mode {
	case models.ModeSync:
		resp, err := step.(steps.SyncExecutable).ExecuteSync(ctx, sc)
		if err != nil {
			return err
		}
		return e.HandleStepResponse(ctx, node.ID, resp)
	case models.ModeAsync:
		return e.dispatchAsync(ctx, node, sc, step.(steps.AsyncExecutable))
	case models.ModeTask:
		return e.dispatchTask(ctx, node, sc, step.(steps.TaskExecutable))
	case models.ModeChild:
		return e.dispatchChild(ctx, node, sc, step.(steps.ChildExecutable))
	case models.ModeChildren:
		return e.dispatchChildren(ctx, node, sc, step.(steps.ChildrenExecutable))
	case models.ModeChildChain:
		resp, err := step.(steps.ChildChainExecutable).ExecuteFirstChild(ctx, sc)
		if err != nil {
			return err
		}
		return e.handleChainResponse(ctx, node, sc, step.(steps.ChildChainExecutable), resp)
	default:
		return fmt.Errorf("node %s has unknown mode %s", node.ID, node.Mode)
	}
}

func (e *Engine) resumeCallback(nodeExecutionID string) (models.CallbackRef, error) {
	return models.NewCallbackRef(CallbackResumeNode, ResumeNodePayload{NodeExecutionID: nodeExecutionID})
}

func (e *Engine) dispatchTask(ctx context.Context, node *models.NodeExecution, sc *steps.StepContext, step steps.TaskExecutable) error {
	taskID := uuid.New().String()
	req, err := step.ObtainTask(ctx, sc, taskID)
	if err != nil {
		return err
	}
	req.TaskID = taskID

	startTime := e.now().UnixMilli()
	units := make([]models.UnitProgress, 0, len(req.Units))
	for _, name := range req.Units {
		units = append(units, models.UnitProgress{UnitName: name, Status: models.UnitStatusRunning, StartTime: startTime})
	}
	if ok, err := e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
		n.ExecutableResponse = &models.ExecutableResponse{
			Mode: models.ModeTask,
			Task: &models.TaskExecutableResponse{TaskID: taskID, TaskCategory: req.TaskCategory, Units: req.Units},
		}
		n.UnitProgresses = units
	}); err != nil || !ok {
		return err
	}

	callback, err := e.resumeCallback(node.ID)
	if err != nil {
		return err
	}
	// the wait exists before the task does, so a fast worker cannot answer into nothing
	waitID, err := e.waiter.WaitForAll(ctx, node.PlanNode.Timeout(e.config.DefaultTaskTimeout), callback, taskID)
	if err != nil {
		return err
	}
	// an abort that landed since the response was recorded has already been sent to the worker
	if ok, err := e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
		if n.ExecutableResponse != nil && n.ExecutableResponse.Task != nil {
			n.ExecutableResponse.Task.WaitID = waitID
		}
	}); err != nil || !ok {
		return err
	}

	if err := e.tasks.PublishTask(ctx, req); err != nil {
		return &publishError{err: err}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": node.ID,
		"task_id":           taskID,
		"task_category":     req.TaskCategory,
		"wait_instance_id":  waitID,
	}).Info("task published")
	return nil
}

func (e *Engine) dispatchAsync(ctx context.Context, node *models.NodeExecution, sc *steps.StepContext, step steps.AsyncExecutable) error {
	req, err := step.ExecuteAsync(ctx, sc)
	if err != nil {
		return err
	}
	if len(req.CallbackIDs) == 0 {
		return fmt.Errorf("async step %s returned no callback ids", node.PlanNode.StepType)
	}

	if ok, err := e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
		n.ExecutableResponse = &models.ExecutableResponse{
			Mode:  models.ModeAsync,
			Async: &models.AsyncExecutableResponse{CallbackIDs: req.CallbackIDs},
		}
	}); err != nil || !ok {
		return err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = node.PlanNode.Timeout(e.config.DefaultTaskTimeout)
	}
	callback, err := e.resumeCallback(node.ID)
	if err != nil {
		return err
	}
	waitID, err := e.waiter.WaitForAllOnInList(ctx, timeout, callback, req.CallbackIDs)
	if err != nil {
		return err
	}

	_, err = e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
		if n.ExecutableResponse != nil && n.ExecutableResponse.Async != nil {
			n.ExecutableResponse.Async.WaitID = waitID
		}
	})
	return err
}

func (e *Engine) dispatchChild(ctx context.Context, node *models.NodeExecution, sc *steps.StepContext, step steps.ChildExecutable) error {
	childNodeID, err := step.ObtainChild(ctx, sc)
	if err != nil {
		return err
	}
	child, err := e.buildChild(node, sc.Plan, childNodeID)
	if err != nil {
		return err
	}

	if ok, err := e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
		n.ExecutableResponse = &models.ExecutableResponse{
			Mode:  models.ModeChild,
			Child: &models.ChildExecutableResponse{ChildNodeID: childNodeID, ChildExecutionID: child.ID},
		}
	}); err != nil || !ok {
		return err
	}
	if err := e.nodes.Save(ctx, child); err != nil {
		return err
	}
	return e.dispatcher.DispatchStart(ctx, child.ID)
}

func (e *Engine) dispatchChildren(ctx context.Context, node *models.NodeExecution, sc *steps.StepContext, step steps.ChildrenExecutable) error {
	childNodeIDs, maxConcurrency, err := step.ObtainChildren(ctx, sc)
	if err != nil {
		return err
	}

	children := make([]*models.NodeExecution, len(childNodeIDs))
	refs := make([]models.ChildRef, len(childNodeIDs))
	for i, childNodeID := range childNodeIDs {
		child, err := e.buildChild(node, sc.Plan, childNodeID)
		if err != nil {
			return err
		}
		children[i] = child
		refs[i] = models.ChildRef{ChildNodeID: childNodeID, ChildExecutionID: child.ID}
	}

	if ok, err := e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
		n.ExecutableResponse = &models.ExecutableResponse{
			Mode:     models.ModeChildren,
			Children: &models.ChildrenExecutableResponse{Children: refs, MaxConcurrency: maxConcurrency},
		}
	}); err != nil || !ok {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		g.Go(func() error {
			return e.nodes.Save(gctx, child)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	limit := len(refs)
	if maxConcurrency > 0 && maxConcurrency < limit {
		limit = maxConcurrency
	}
	for _, ref := range refs[:limit] {
		if err := e.dispatcher.DispatchStart(ctx, ref.ChildExecutionID); err != nil {
			return err
		}
	}
	return nil
}

// handleChainResponse starts the next link of a chain or, when there is none, finalizes it
func (e *Engine) handleChainResponse(ctx context.Context, node *models.NodeExecution, sc *steps.StepContext, step steps.ChildChainExecutable, resp models.ChildChainExecutableResponse) error {
	if resp.Suspend || resp.NextChildID == "" {
		if ok, err := e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
			n.ExecutableResponse = &models.ExecutableResponse{Mode: models.ModeChildChain, ChildChain: &resp}
		}); err != nil || !ok {
			return err
		}
		final, err := step.FinalizeExecution(ctx, sc, resp.PassThrough)
		if err != nil {
			return err
		}
		return e.HandleStepResponse(ctx, node.ID, final)
	}

	child, err := e.buildChild(node, sc.Plan, resp.NextChildID)
	if err != nil {
		return err
	}
	resp.ChildExecutionID = child.ID

	if ok, err := e.recordResponse(ctx, node.ID, func(n *models.NodeExecution) {
		n.ExecutableResponse = &models.ExecutableResponse{Mode: models.ModeChildChain, ChildChain: &resp}
	}); err != nil || !ok {
		return err
	}
	if err := e.nodes.Save(ctx, child); err != nil {
		return err
	}
	return e.dispatcher.DispatchStart(ctx, child.ID)
}

// recordResponse applies ops to a node that is still RUNNING. ok is false when the node was
// interrupted meanwhile; no further work may be handed out for it then.
func (e *Engine) recordResponse(ctx context.Context, nodeExecutionID string, ops func(n *models.NodeExecution)) (bool, error) {
	updated, err := e.nodes.UpdateWithOps(ctx, nodeExecutionID, ops)
	if err != nil {
		return false, err
	}
	if updated == nil || updated.Status != models.StatusRunning {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"node_execution_id": nodeExecutionID,
		}).Info("node was interrupted during dispatch, dispatch stopped")
		return false, nil
	}
	return true, nil
}

// buildChild prepares a QUEUED child of parent. It is saved only once the parent has recorded it.
func (e *Engine) buildChild(parent *models.NodeExecution, plan models.Plan, childNodeID string) (*models.NodeExecution, error) {
	planNode, ok := plan.Node(childNodeID)
	if !ok {
		return nil, fmt.Errorf("child node %s is not defined in the plan", childNodeID)
	}
	return e.newNodeExecution(parent.PlanExecutionID, planNode, parent)
}
