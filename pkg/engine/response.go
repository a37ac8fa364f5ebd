package engine

import (
	"context"
	"net/http"
	"sort"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/steps"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// HandleStepResponse moves the node to the response's status and ends it.
// A node that already moved on is left alone.
func (e *Engine) HandleStepResponse(ctx context.Context, nodeExecutionID string, resp models.StepResponse) error {
	return e.handleStepResponse(ctx, nodeExecutionID, resp, nil)
}

func (e *Engine) handleStepResponse(ctx context.Context, nodeExecutionID string, resp models.StepResponse, allowedFrom []models.Status) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.HandleStepResponse")
	defer span.End()

	if !resp.Status.IsTerminal() {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "step response status %s is not terminal", resp.Status)
	}

	nowMillis := e.now().UnixMilli()
	updated, err := e.nodes.UpdateStatusWithOps(ctx, nodeExecutionID, resp.Status, allowedFrom, func(n *models.NodeExecution) {
		if resp.Outcome != nil {
			n.Outcome = resp.Outcome
		}
		if resp.FailureInfo != nil {
			n.FailureInfo = resp.FailureInfo
		}
		if len(resp.UnitProgresses) > 0 {
			n.UnitProgresses = resp.UnitProgresses
		}
		n.UnitProgresses = models.CloseUnits(n.UnitProgresses, resp.Status, nowMillis)
	})
	if err != nil {
		return err
	}
	if updated == nil {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"node_execution_id": nodeExecutionID,
			"status":            resp.Status,
		}).Debug("node already moved on, step response dropped")
		return nil
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": updated.ID,
		"identifier":        updated.PlanNode.Identifier,
		"status":            updated.Status,
	}).Info("node execution ended")
	e.publishNodeStatus(ctx, updated)

	return e.EndNodeExecution(ctx, updated.Ambiance)
}

// EndNodeExecution reacts to the end of the node the ambiance points at: its parent is
// resumed, or the plan execution concludes when it was the root.
func (e *Engine) EndNodeExecution(ctx context.Context, ambiance models.Ambiance) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.EndNodeExecution")
	defer span.End()

	levels := ambiance.Levels
	if len(levels) <= 1 {
		return e.concludePlan(ctx, ambiance.PlanExecutionID, ambiance.CurrentRuntimeID())
	}
	return e.resumeParent(ctx, levels[len(levels)-2].RuntimeID)
}

func (e *Engine) concludePlan(ctx context.Context, planExecutionID, rootID string) error {
	root, err := e.nodes.Get(ctx, rootID)
	if err != nil {
		return err
	}
	if !root.IsTerminal() {
		return nil
	}

	status := root.Status
	if status == models.StatusSuspended {
		status = models.StatusSucceeded
	}
	concluded, err := e.plans.UpdateStatus(ctx, planExecutionID, status, []models.Status{models.StatusRunning})
	if err != nil {
		return err
	}
	if !concluded {
		return nil
	}

	metrics.RecordPlanExecution(string(status))
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"plan_execution_id": planExecutionID,
		"status":            status,
	}).Info("plan execution concluded")
	e.publishLifecycle(ctx, kafka.LifecycleEvent{
		Type:            kafka.EventPlanCompleted,
		PlanExecutionID: planExecutionID,
		Status:          status,
	})
	return nil
}

// resumeParent lets a RUNNING parent react to a child ending
func (e *Engine) resumeParent(ctx context.Context, parentID string) error {
	parent, err := e.nodes.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != models.StatusRunning || parent.ExecutableResponse == nil {
		return nil
	}

	children, err := e.nodes.FetchChildren(ctx, parent.ID)
	if err != nil {
		return err
	}

	step, err := e.steps.Get(parent.PlanNode.StepType)
	if err != nil {
		return err
	}
	sc, err := e.stepContextFor(ctx, parent)
	if err != nil {
		return err
	}

	err = e.safeRun(func() error {
		switch parent.Mode {
		case models.ModeChild:
			return e.resumeChild(ctx, parent, sc, step.(steps.ChildExecutable), children)
		case models.ModeChildren:
			return e.resumeChildren(ctx, parent, sc, step.(steps.ChildrenExecutable), children)
		case models.ModeChildChain:
			return e.resumeChain(ctx, parent, sc, step.(steps.ChildChainExecutable), children)
		default:
			return nil
		}
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"node_execution_id": parent.ID,
		}).Error("failed to resume parent")
		return e.HandleStepResponse(ctx, parent.ID, stepFailure(err))
	}
	return nil
}

func (e *Engine) resumeChild(ctx context.Context, parent *models.NodeExecution, sc *steps.StepContext, step steps.ChildExecutable, children []models.NodeExecution) error {
	if parent.ExecutableResponse.Child == nil {
		return nil
	}
	ref := parent.ExecutableResponse.Child
	child := findLink(children, ref.ChildExecutionID, ref.ChildNodeID)
	if child == nil || !child.IsTerminal() {
		return nil
	}

	resp, err := step.HandleChildResponse(ctx, sc, steps.ChildResultOf(child))
	if err != nil {
		return err
	}
	return e.HandleStepResponse(ctx, parent.ID, resp)
}

func (e *Engine) resumeChildren(ctx context.Context, parent *models.NodeExecution, sc *steps.StepContext, step steps.ChildrenExecutable, children []models.NodeExecution) error {
	info := parent.ExecutableResponse.Children
	if info == nil {
		return nil
	}
	children = orderChildren(children, info.Children)

	var queued []string
	inFlight := 0
	for _, c := range children {
		switch {
		case c.Status == models.StatusQueued:
			queued = append(queued, c.ID)
		case !c.IsTerminal():
			inFlight++
		}
	}

	if len(queued) == 0 && inFlight == 0 {
		results := make([]steps.ChildResult, len(children))
		for i := range children {
			results[i] = steps.ChildResultOf(&children[i])
		}
		resp, err := step.HandleChildrenResponse(ctx, sc, results)
		if err != nil {
			return err
		}
		return e.HandleStepResponse(ctx, parent.ID, resp)
	}

	slots := len(queued)
	if info.MaxConcurrency > 0 {
		slots = info.MaxConcurrency - inFlight
	}
	// queued children are dispatched in order, so the ones already dispatched are
	// re-sent first and a duplicate start is a no-op
	for i := 0; i < slots && i < len(queued); i++ {
		if err := e.dispatcher.DispatchStart(ctx, queued[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resumeChain(ctx context.Context, parent *models.NodeExecution, sc *steps.StepContext, step steps.ChildChainExecutable, children []models.NodeExecution) error {
	chain := parent.ExecutableResponse.ChildChain
	if chain == nil || chain.ChildExecutionID == "" {
		return nil
	}
	child := findLink(children, chain.ChildExecutionID, chain.NextChildID)
	if child == nil || !child.IsTerminal() {
		return nil
	}

	resp, err := step.ExecuteNextChild(ctx, sc, chain.PassThrough, steps.ChildResultOf(child))
	if err != nil {
		return err
	}
	return e.handleChainResponse(ctx, parent, sc, step, resp)
}

// findLink returns the effective child standing for childExecutionID: the child itself or
// the latest retry clone of it. Children are expected to be effective already.
func findLink(children []models.NodeExecution, childExecutionID, childNodeID string) *models.NodeExecution {
	var latest *models.NodeExecution
	for i := range children {
		c := &children[i]
		if c.ID == childExecutionID {
			return c
		}
		if c.PlanNode.ID != childNodeID || len(c.RetryIDs) == 0 {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}

// orderChildren sorts children into the order the parent created them in.
// Retry clones take the place of the child they replaced.
func orderChildren(children []models.NodeExecution, refs []models.ChildRef) []models.NodeExecution {
	position := make(map[string]int, len(refs))
	nodePosition := make(map[string]int, len(refs))
	for i, ref := range refs {
		position[ref.ChildExecutionID] = i
		if _, ok := nodePosition[ref.ChildNodeID]; !ok {
			nodePosition[ref.ChildNodeID] = i
		}
	}
	rank := func(n models.NodeExecution) int {
		if p, ok := position[n.ID]; ok {
			return p
		}
		if p, ok := nodePosition[n.PlanNode.ID]; ok {
			return p
		}
		return len(refs)
	}

	out := make([]models.NodeExecution, len(children))
	copy(out, children)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}
