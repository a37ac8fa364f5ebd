// Package engine drives node executions through their steps: it starts nodes,
// dispatches them by execution mode, records step responses and resumes parents.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/steps"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultTaskTimeout = 10 * time.Minute

// Waiter registers waits on correlation ids
type Waiter interface {
	WaitForAll(ctx context.Context, timeout time.Duration, callback models.CallbackRef, correlationIDs ...string) (string, error)
	WaitForAllOnInList(ctx context.Context, timeout time.Duration, callback models.CallbackRef, correlationIDs []string) (string, error)
}

// ExecutionEngineDispatcher schedules a node start on some worker, possibly this one
type ExecutionEngineDispatcher interface {
	DispatchStart(ctx context.Context, nodeExecutionID string) error
}

// TaskPublisher hands task requests to remote workers
type TaskPublisher interface {
	PublishTask(ctx context.Context, req models.TaskRequest) error
}

// LifecyclePublisher reports status changes to downstream consumers
type LifecyclePublisher interface {
	PublishLifecycleEvent(ctx context.Context, evt kafka.LifecycleEvent) error
}

// NodeExpirer expires a node whose wait timed out
type NodeExpirer interface {
	ExpireNode(ctx context.Context, nodeExecutionID string) error
}

type Config struct {
	// DefaultTaskTimeout applies to TASK and ASYNC nodes without a timeout of their own
	DefaultTaskTimeout time.Duration
}

// Engine is the orchestration engine
type Engine struct {
	nodes      *nodeexecution.Service
	plans      repositories.PlanExecutionRepo
	steps      *steps.Registry
	waiter     Waiter
	dispatcher ExecutionEngineDispatcher
	tasks      TaskPublisher
	lifecycle  LifecyclePublisher
	expirer    NodeExpirer
	evaluator  *expressions.Evaluator
	config     Config
	logger     ectologger.Logger
	now        func() time.Time
}

func NewEngine(
	nodes *nodeexecution.Service,
	plans repositories.PlanExecutionRepo,
	registry *steps.Registry,
	waiter Waiter,
	dispatcher ExecutionEngineDispatcher,
	tasks TaskPublisher,
	config Config,
	logger ectologger.Logger,
) *Engine {
	if config.DefaultTaskTimeout <= 0 {
		config.DefaultTaskTimeout = DefaultTaskTimeout
	}
	return &Engine{
		nodes:      nodes,
		plans:      plans,
		steps:      registry,
		waiter:     waiter,
		dispatcher: dispatcher,
		tasks:      tasks,
		evaluator:  expressions.NewEvaluator(),
		config:     config,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetLifecyclePublisher enables node and plan lifecycle events
func (e *Engine) SetLifecyclePublisher(p LifecyclePublisher) {
	e.lifecycle = p
}

// SetNodeExpirer sets what handles timed out waits. The interrupt service is the
// expirer in production, and it depends on the engine, so it is set after construction.
func (e *Engine) SetNodeExpirer(x NodeExpirer) {
	e.expirer = x
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Nodes exposes the node execution service the engine mutates through
func (e *Engine) Nodes() *nodeexecution.Service {
	return e.nodes
}

// StartPlanExecution creates a plan execution and its root node, then dispatches the root
func (e *Engine) StartPlanExecution(ctx context.Context, plan models.Plan) (*models.PlanExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.StartPlanExecution")
	defer span.End()

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	for _, node := range plan.Nodes {
		if _, err := e.steps.Get(node.StepType); err != nil {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "node %s: %v", node.ID, err)
		}
		if err := e.evaluator.Validate(node.RunCondition); node.RunCondition != "" && err != nil {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "node %s has an invalid run condition: %v", node.ID, err)
		}
	}

	execution := &models.PlanExecution{
		ID:      uuid.New().String(),
		Status:  models.StatusRunning,
		Plan:    plan,
		StartTs: e.now().UnixMilli(),
	}
	if err := e.plans.Create(ctx, execution); err != nil {
		return nil, err
	}
	ctx = appctx.SetPlanExecutionID(ctx, execution.ID)
	metrics.RecordPlanExecution(string(models.StatusRunning))

	rootNode, _ := plan.Node(plan.StartingNodeID)
	root, err := e.newNodeExecution(execution.ID, rootNode, nil)
	if err != nil {
		return nil, err
	}
	if err := e.nodes.Save(ctx, root); err != nil {
		return nil, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"plan_execution_id": execution.ID,
		"root_node_id":      root.ID,
		"plan":              plan.Name,
	}).Info("plan execution started")

	if err := e.dispatcher.DispatchStart(ctx, root.ID); err != nil {
		return execution, err
	}
	return execution, nil
}

// newNodeExecution builds a QUEUED node for planNode, nested under parent when there is one
func (e *Engine) newNodeExecution(planExecutionID string, planNode models.PlanNode, parent *models.NodeExecution) (*models.NodeExecution, error) {
	step, err := e.steps.Get(planNode.StepType)
	if err != nil {
		return nil, err
	}
	mode, err := steps.ModeOf(step)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	level := models.Level{RuntimeID: id, SetupID: planNode.ID, Identifier: planNode.Identifier, StepType: planNode.StepType}

	node := &models.NodeExecution{
		ID:              id,
		PlanExecutionID: planExecutionID,
		PlanNode:        planNode,
		Status:          models.StatusQueued,
		Mode:            mode,
	}
	if parent != nil {
		node.ParentID = parent.ID
		node.Ambiance = parent.Ambiance.WithLevel(level)
	} else {
		node.Ambiance = models.Ambiance{PlanExecutionID: planExecutionID, Levels: []models.Level{level}}
	}
	return node, nil
}

// StartNodeExecution runs a QUEUED node. Any other status makes it a no-op, so duplicate
// dispatches are harmless.
func (e *Engine) StartNodeExecution(ctx context.Context, nodeExecutionID string) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.StartNodeExecution")
	defer span.End()

	node, err := e.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	ctx = appctx.SetPlanExecutionID(appctx.SetNodeExecutionID(ctx, node.ID), node.PlanExecutionID)
	logger := e.logger.WithContext(ctx).WithFields(appctx.LogFields(ctx))

	if node.Status != models.StatusQueued {
		logger.WithFields(map[string]any{"status": node.Status}).Debug("node is not queued, start skipped")
		return nil
	}

	execution, err := e.plans.GetByID(ctx, node.PlanExecutionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		logger.Info("plan execution already ended, aborting queued node")
		return e.handleStepResponse(ctx, node.ID, models.StepResponse{Status: models.StatusAborted}, []models.Status{models.StatusQueued})
	}

	if node.ParentID != "" {
		parent, err := e.nodes.Get(ctx, node.ParentID)
		if err != nil {
			return err
		}
		if parent.IsTerminal() {
			logger.WithFields(map[string]any{"parent_status": parent.Status}).Info("parent already ended, aborting queued node")
			return e.handleStepResponse(ctx, node.ID, models.StepResponse{Status: models.StatusAborted}, []models.Status{models.StatusQueued})
		}
	}

	sc, err := e.stepContext(ctx, node, execution)
	if err != nil {
		return err
	}

	chain, err := e.chainStateFor(ctx, node)
	if err != nil {
		return err
	}
	run, err := sc.ShouldNodeRun(node.PlanNode, chain)
	if err != nil {
		logger.WithError(err).Warn("run condition failed to evaluate")
		return e.handleStepResponse(ctx, node.ID, models.FailedStepResponse(fmt.Errorf("run condition: %w", err)), []models.Status{models.StatusQueued})
	}
	if !run {
		logger.Info("run condition is false, skipping node")
		return e.handleStepResponse(ctx, node.ID, models.StepResponse{Status: models.StatusSkipped}, []models.Status{models.StatusQueued})
	}

	running, err := e.nodes.UpdateStatusWithOps(ctx, node.ID, models.StatusRunning, []models.Status{models.StatusQueued}, nil)
	if err != nil {
		return err
	}
	if running == nil {
		return nil
	}
	e.publishNodeStatus(ctx, running)

	if err := e.safeRun(func() error { return e.dispatch(ctx, running, sc) }); err != nil {
		logger.WithError(err).Error("node dispatch failed")
		return e.HandleStepResponse(ctx, running.ID, stepFailure(err))
	}
	return nil
}

// chainStateFor returns the continuation of the chain node runs in, if its parent is a chain
func (e *Engine) chainStateFor(ctx context.Context, node *models.NodeExecution) (*models.ChainState, error) {
	if node.ParentID == "" {
		return nil, nil
	}
	parent, err := e.nodes.Get(ctx, node.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.Mode != models.ModeChildChain || parent.ExecutableResponse == nil || parent.ExecutableResponse.ChildChain == nil {
		return nil, nil
	}
	state := parent.ExecutableResponse.ChildChain.PassThrough
	return &state, nil
}

func (e *Engine) stepContext(ctx context.Context, node *models.NodeExecution, execution *models.PlanExecution) (*steps.StepContext, error) {
	nodes, err := e.nodes.FetchByPlanExecution(ctx, node.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	return &steps.StepContext{
		Ambiance:  node.Ambiance,
		Node:      node.PlanNode,
		Plan:      execution.Plan,
		Nodes:     nodeexecution.Effective(nodes),
		Evaluator: e.evaluator,
	}, nil
}

// stepContextFor loads the plan execution and builds the step context for node
func (e *Engine) stepContextFor(ctx context.Context, node *models.NodeExecution) (*steps.StepContext, error) {
	execution, err := e.plans.GetByID(ctx, node.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	return e.stepContext(ctx, node, execution)
}

// safeRun turns a panic into an error so a misbehaving step fails its node instead of the worker
func (e *Engine) safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn()
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("step panicked: %v", p.value)
}

// stepFailure maps a dispatch error onto a FAILED response
func stepFailure(err error) models.StepResponse {
	if _, ok := err.(*panicError); ok {
		return models.FailedStepResponse(err, models.FailureTypeUnknown)
	}
	if _, ok := err.(*publishError); ok {
		return models.FailedStepResponse(err, models.FailureTypeConnectivity)
	}
	return models.FailedStepResponse(err, models.FailureTypeApplication)
}

func (e *Engine) publishNodeStatus(ctx context.Context, node *models.NodeExecution) {
	e.publishLifecycle(ctx, kafka.LifecycleEvent{
		Type:            kafka.EventNodeStatusChanged,
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.ID,
		StepType:        node.PlanNode.StepType,
		Status:          node.Status,
	})
}

// publishLifecycle is best effort: a lost lifecycle event never fails a node
func (e *Engine) publishLifecycle(ctx context.Context, evt kafka.LifecycleEvent) {
	if e.lifecycle == nil {
		return
	}
	evt.Timestamp = e.now()
	if err := e.lifecycle.PublishLifecycleEvent(ctx, evt); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type":        evt.Type,
			"node_execution_id": evt.NodeExecutionID,
		}).Warn("failed to publish lifecycle event")
	}
}
