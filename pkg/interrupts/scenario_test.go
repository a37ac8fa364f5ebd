package interrupts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/notifier"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/steps"
	"github.com/Ramsey-B/fern/pkg/waitnotify"
)

type droppedTasks struct{}

func (droppedTasks) PublishTask(ctx context.Context, req models.TaskRequest) error { return nil }

// stack wires the real engine, queue and wait/notify machinery over the memory store
type stack struct {
	store      *memory.Store
	nodes      *nodeexecution.Service
	engine     *engine.Engine
	queue      *queue.LocalQueue
	waiter     *waitnotify.Engine
	dispatcher *waitnotify.Dispatcher
	events     *fakeEvents
	service    *Service
}

func newStack(t *testing.T) *stack {
	logger := testLogger(t)
	store := memory.NewStore()
	nodes := nodeexecution.NewService(store.NodeExecutions(), logger)

	handlers := queue.NewHandlers()
	lq := queue.NewLocalQueue(handlers, queue.LocalConfig{WorkerCount: 2, Backoff: time.Millisecond}, logger)
	waiter := waitnotify.NewEngine(store.WaitNotify(), lq, logger)
	callbacks := waitnotify.NewCallbackRegistry()
	dispatcher := waitnotify.NewDispatcher(store.WaitNotify(), callbacks, logger)

	eng := engine.NewEngine(nodes, store.PlanExecutions(), steps.NewDefaultRegistry(), waiter, lq, droppedTasks{}, engine.Config{}, logger)

	events := &fakeEvents{}
	helper := NewInterruptHelper(&fakeAborts{}, logger)
	service := NewService(
		store.Interrupts(),
		store.PlanExecutions(),
		nodes,
		NewAbortHelper(nodes, eng, events, waiter, time.Minute, logger),
		NewExpiryHelper(eng, helper, logger),
		NewRetryHelper(nodes, lq, helper, logger),
		logger,
	)
	eng.SetNodeExpirer(service)

	require.NoError(t, callbacks.Register(engine.CallbackResumeNode, engine.NewResumeNodeCallback(eng)))
	require.NoError(t, callbacks.Register(CallbackAbortInterrupt, NewAbortInterruptCallback(nodes, eng, logger)))
	handlers.Register(queue.JobTypeNodeStart, queue.NodeStartHandler(eng))
	handlers.Register(queue.JobTypeNotifyEvent, queue.NotifyEventJobHandler(dispatcher))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		lq.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &stack{
		store:      store,
		nodes:      nodes,
		engine:     eng,
		queue:      lq,
		waiter:     waiter,
		dispatcher: dispatcher,
		events:     events,
		service:    service,
	}
}

func (s *stack) settle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.queue.Wait(ctx))
	assert.Empty(t, s.queue.DeadJobs())
}

func (s *stack) node(t *testing.T, planExecutionID, identifier string) *models.NodeExecution {
	nodes, err := s.nodes.FetchByPlanExecution(context.Background(), planExecutionID)
	require.NoError(t, err)
	for _, n := range nodeexecution.Effective(nodes) {
		if n.PlanNode.Identifier == identifier {
			return &n
		}
	}
	t.Fatalf("no node %s", identifier)
	return nil
}

func (s *stack) planStatus(t *testing.T, id string) models.Status {
	execution, err := s.store.PlanExecutions().GetByID(context.Background(), id)
	require.NoError(t, err)
	return execution.Status
}

func gatedPlan() models.Plan {
	return models.Plan{
		StartingNodeID: "section",
		Nodes: map[string]models.PlanNode{
			"section": {ID: "section", Identifier: "section", StepType: steps.TypeSection, StepParameters: map[string]any{"child": "gate"}},
			"gate":    {ID: "gate", Identifier: "gate", StepType: steps.TypeApproval, TimeoutSeconds: 3600},
		},
	}
}

func TestAbortAll_AsyncWithoutAcknowledgementEndsAborted(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	execution, err := s.engine.StartPlanExecution(ctx, gatedPlan())
	require.NoError(t, err)
	s.settle(t)
	require.Equal(t, models.StatusRunning, s.node(t, execution.ID, "gate").Status)

	interrupt, err := s.service.Register(ctx, InterruptRequest{Type: models.InterruptTypeAbortAll, PlanExecutionID: execution.ID})
	require.NoError(t, err)
	assert.Equal(t, models.InterruptStateProcessedSuccessfully, interrupt.State)
	s.settle(t)

	// the worker was asked to stop but never answers
	require.Len(t, s.events.events, 1)
	assert.Equal(t, models.StatusDiscontinuing, s.node(t, execution.ID, "gate").Status)
	assert.Equal(t, models.StatusAborted, s.node(t, execution.ID, "section").Status)
	assert.Equal(t, models.StatusAborted, s.planStatus(t, execution.ID))

	later := time.Now().UTC().Add(2 * time.Minute)
	s.dispatcher.SetClock(func() time.Time { return later })
	n := notifier.NewNotifier(s.store.WaitNotify(), s.queue, notifier.NewLocalLocker(), notifier.DefaultConfig(), testLogger(t))
	n.SetClock(func() time.Time { return later })

	result := n.RunCycle(ctx)
	assert.Equal(t, 1, result.TimedOut, "only the abort wait has expired")
	s.settle(t)

	gate := s.node(t, execution.ID, "gate")
	assert.Equal(t, models.StatusAborted, gate.Status)
	require.NotNil(t, gate.EndTs)
	require.Len(t, gate.InterruptHistories, 1)
	assert.Equal(t, interrupt.ID, gate.InterruptHistories[0].InterruptID)
}

func TestAbortAll_AcknowledgedAbort(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	execution, err := s.engine.StartPlanExecution(ctx, gatedPlan())
	require.NoError(t, err)
	s.settle(t)

	_, err = s.service.Register(ctx, InterruptRequest{Type: models.InterruptTypeAbortAll, PlanExecutionID: execution.ID})
	require.NoError(t, err)
	s.settle(t)
	require.Len(t, s.events.events, 1)

	_, err = s.waiter.Notify(ctx, "notify-"+s.events.events[0].NodeExecutionID, json.RawMessage(`{"ack":true}`))
	require.NoError(t, err)
	s.settle(t)

	assert.Equal(t, models.StatusAborted, s.node(t, execution.ID, "gate").Status)
}

func TestTaskTimeoutExpiresThroughInterrupt(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	execution, err := s.engine.StartPlanExecution(ctx, models.Plan{
		StartingNodeID: "build",
		Nodes: map[string]models.PlanNode{
			"build": {ID: "build", Identifier: "build", StepType: steps.TypeShellScript, TimeoutSeconds: 5, StepParameters: map[string]any{"script": "sleep 600"}},
		},
	})
	require.NoError(t, err)
	s.settle(t)

	later := time.Now().UTC().Add(time.Minute)
	s.dispatcher.SetClock(func() time.Time { return later })
	n := notifier.NewNotifier(s.store.WaitNotify(), s.queue, notifier.NewLocalLocker(), notifier.DefaultConfig(), testLogger(t))
	n.SetClock(func() time.Time { return later })
	n.RunCycle(ctx)
	s.settle(t)

	build := s.node(t, execution.ID, "build")
	assert.Equal(t, models.StatusExpired, build.Status)
	assert.Equal(t, "Step timed out before completion", build.FailureInfo.Message)
	assert.Equal(t, models.StatusExpired, s.planStatus(t, execution.ID))

	interrupts, err := s.service.List(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, models.InterruptTypeMarkExpired, interrupts[0].Type)
	assert.Equal(t, models.InterruptStateProcessedSuccessfully, interrupts[0].State)
}

func TestRetryFailedForkChild(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	execution, err := s.engine.StartPlanExecution(ctx, models.Plan{
		StartingNodeID: "fork",
		Nodes: map[string]models.PlanNode{
			"fork":  {ID: "fork", Identifier: "fork", StepType: steps.TypeFork, StepParameters: map[string]any{"children": []any{"gate", "flaky"}}},
			"gate":  {ID: "gate", Identifier: "gate", StepType: steps.TypeApproval, TimeoutSeconds: 3600},
			"flaky": {ID: "flaky", Identifier: "flaky", StepType: steps.TypeFail},
		},
	})
	require.NoError(t, err)
	s.settle(t)

	flaky := s.node(t, execution.ID, "flaky")
	require.Equal(t, models.StatusFailed, flaky.Status)

	_, err = s.service.Register(ctx, InterruptRequest{
		Type:            models.InterruptTypeRetry,
		PlanExecutionID: execution.ID,
		NodeExecutionID: flaky.ID,
		Config:          models.InterruptConfig{RetryConfig: &models.RetryInterruptConfig{Parameters: map[string]any{"message": "still broken"}}},
	})
	require.NoError(t, err)
	s.settle(t)

	retried := s.node(t, execution.ID, "flaky")
	assert.NotEqual(t, flaky.ID, retried.ID)
	assert.Equal(t, []string{flaky.ID}, retried.RetryIDs)
	assert.Equal(t, models.StatusFailed, retried.Status)
	assert.Equal(t, "still broken", retried.FailureInfo.Message)

	gate := s.node(t, execution.ID, "gate")
	_, err = s.waiter.Notify(ctx, steps.ApprovalCorrelationID(gate.ID), json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)
	s.settle(t)

	assert.Equal(t, models.StatusFailed, s.node(t, execution.ID, "fork").Status)
	assert.Equal(t, models.StatusFailed, s.planStatus(t, execution.ID))
}

func TestAbortAll_LateRejectionEndsDiscontinuingNodeAborted(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	execution, err := s.engine.StartPlanExecution(ctx, gatedPlan())
	require.NoError(t, err)
	s.settle(t)
	gate := s.node(t, execution.ID, "gate")

	_, err = s.service.Register(ctx, InterruptRequest{Type: models.InterruptTypeAbortAll, PlanExecutionID: execution.ID})
	require.NoError(t, err)
	s.settle(t)
	require.Equal(t, models.StatusDiscontinuing, s.node(t, execution.ID, "gate").Status)

	// the step would fail on a rejection, but the node is already on its way out
	_, err = s.waiter.Notify(ctx, steps.ApprovalCorrelationID(gate.ID), json.RawMessage(`{"approved":false}`))
	require.NoError(t, err)
	s.settle(t)

	gate = s.node(t, execution.ID, "gate")
	assert.Equal(t, models.StatusAborted, gate.Status)
	assert.Nil(t, gate.FailureInfo)
	assert.Equal(t, models.StatusAborted, s.planStatus(t, execution.ID))
}
