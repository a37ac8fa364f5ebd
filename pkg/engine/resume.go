package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/steps"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ResumeNodeExecution feeds a worker's task result back to a TASK node's step
func (e *Engine) ResumeNodeExecution(ctx context.Context, nodeExecutionID string, result models.TaskResult) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.ResumeNodeExecution")
	defer span.End()

	node, step, sc, ok, err := e.resumable(ctx, nodeExecutionID, models.ModeTask)
	if err != nil || !ok {
		return err
	}

	var resp models.StepResponse
	err = e.safeRun(func() error {
		var herr error
		resp, herr = step.(steps.TaskExecutable).HandleTaskResult(ctx, sc, result)
		return herr
	})
	if err != nil {
		resp = stepFailure(err)
	}
	return e.finishRemote(ctx, node, resp)
}

// ResumeAsync feeds the notifications an ASYNC node waited on back to its step
func (e *Engine) ResumeAsync(ctx context.Context, nodeExecutionID string, responses map[string]models.ResponseData) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.ResumeAsync")
	defer span.End()

	node, step, sc, ok, err := e.resumable(ctx, nodeExecutionID, models.ModeAsync)
	if err != nil || !ok {
		return err
	}

	var resp models.StepResponse
	err = e.safeRun(func() error {
		var herr error
		resp, herr = step.(steps.AsyncExecutable).HandleAsyncResponse(ctx, sc, responses)
		return herr
	})
	if err != nil {
		resp = stepFailure(err)
	}
	return e.finishRemote(ctx, node, resp)
}

// finishRemote ends a node with the response its remote work produced. A node being
// discontinued ends ABORTED whatever the worker reported, since the abort was already sent.
func (e *Engine) finishRemote(ctx context.Context, node *models.NodeExecution, resp models.StepResponse) error {
	if node.Status == models.StatusDiscontinuing && resp.Status != models.StatusAborted {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"node_execution_id": node.ID,
			"reported_status":   resp.Status,
		}).Info("result arrived for a discontinuing node, ending it aborted")
		resp.Status = models.StatusAborted
		resp.FailureInfo = nil
	}
	return e.handleStepResponse(ctx, node.ID, resp, []models.Status{node.Status})
}

// resumable loads a node waiting on remote work. ok is false when the node has already moved on.
// A node that already ended has its end re-run, since the end may not have completed before.
func (e *Engine) resumable(ctx context.Context, nodeExecutionID string, mode models.ExecutionMode) (*models.NodeExecution, steps.Step, *steps.StepContext, bool, error) {
	node, err := e.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return nil, nil, nil, false, err
	}
	if node.Mode != mode {
		return nil, nil, nil, false, httperror.NewHTTPErrorf(http.StatusBadRequest, "node %s runs in mode %s, not %s", node.ID, node.Mode, mode)
	}
	if node.IsTerminal() {
		// the node ended on an earlier delivery; end it again in case its parent was never resumed
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"node_execution_id": node.ID,
			"status":            node.Status,
		}).Debug("node already ended, re-running end of node")
		return nil, nil, nil, false, e.EndNodeExecution(ctx, node.Ambiance)
	}
	if node.Status != models.StatusRunning && node.Status != models.StatusDiscontinuing {
		return nil, nil, nil, false, nil
	}

	step, err := e.steps.Get(node.PlanNode.StepType)
	if err != nil {
		return nil, nil, nil, false, err
	}
	sc, err := e.stepContextFor(ctx, node)
	if err != nil {
		return nil, nil, nil, false, err
	}
	return node, step, sc, true, nil
}

// ResumeNodeCallback is the resume_node wait callback
type ResumeNodeCallback struct {
	engine *Engine
}

func NewResumeNodeCallback(engine *Engine) *ResumeNodeCallback {
	return &ResumeNodeCallback{engine: engine}
}

func (c *ResumeNodeCallback) Notify(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error {
	return c.resume(ctx, payload, responses)
}

// NotifyError resumes the same way: the error flag on each response reaches the step
func (c *ResumeNodeCallback) NotifyError(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error {
	return c.resume(ctx, payload, responses)
}

// NotifyTimeout expires the node through an interrupt so the expiry is recorded like any other
func (c *ResumeNodeCallback) NotifyTimeout(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error {
	p, err := decodeResumePayload(payload)
	if err != nil {
		return err
	}
	ctx = appctx.SetNodeExecutionID(ctx, p.NodeExecutionID)
	c.engine.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": p.NodeExecutionID,
		"responses":         len(responses),
	}).Warn("wait timed out, expiring node")

	if c.engine.expirer != nil {
		return c.engine.expirer.ExpireNode(ctx, p.NodeExecutionID)
	}
	return c.engine.HandleStepResponse(ctx, p.NodeExecutionID, models.StepResponse{
		Status:      models.StatusExpired,
		FailureInfo: &models.FailureInfo{Message: "Step timed out before completion", FailureTypes: []models.FailureType{models.FailureTypeTimeout}},
	})
}

func (c *ResumeNodeCallback) resume(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error {
	p, err := decodeResumePayload(payload)
	if err != nil {
		return err
	}
	ctx = appctx.SetNodeExecutionID(ctx, p.NodeExecutionID)

	node, err := c.engine.nodes.Get(ctx, p.NodeExecutionID)
	if err != nil {
		return err
	}

	switch node.Mode {
	case models.ModeTask:
		taskID := node.TaskID()
		return c.engine.ResumeNodeExecution(ctx, node.ID, models.TaskResultFromResponse(taskID, responses[taskID]))
	case models.ModeAsync:
		return c.engine.ResumeAsync(ctx, node.ID, responses)
	default:
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "node %s in mode %s cannot be resumed by a callback", node.ID, node.Mode)
	}
}

func decodeResumePayload(payload json.RawMessage) (ResumeNodePayload, error) {
	var p ResumeNodePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.NodeExecutionID == "" {
		return p, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s payload", CallbackResumeNode))
	}
	return p, nil
}
