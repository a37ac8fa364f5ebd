package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/steps"
	"github.com/Ramsey-B/fern/pkg/waitnotify"
)

func testLogger(t *testing.T) ectologger.Logger {
	zl, err := zap.NewDevelopment()
	require.NoError(t, err)
	return zapadapter.NewZapEctoLogger(zl, nil)
}

type taskRecorder struct {
	mu    sync.Mutex
	tasks []models.TaskRequest
	err   error
}

func (r *taskRecorder) PublishTask(ctx context.Context, req models.TaskRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, req)
	return nil
}

func (r *taskRecorder) published() []models.TaskRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TaskRequest(nil), r.tasks...)
}

type lifecycleRecorder struct {
	mu     sync.Mutex
	events []kafka.LifecycleEvent
}

func (r *lifecycleRecorder) PublishLifecycleEvent(ctx context.Context, evt kafka.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *lifecycleRecorder) ofType(eventType string) []kafka.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []kafka.LifecycleEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type panicStep struct{}

func (panicStep) Type() string { return "PANIC" }

func (panicStep) ExecuteSync(ctx context.Context, sc *steps.StepContext) (models.StepResponse, error) {
	panic("boom")
}

// abortingTask aborts its own node while the task is being prepared, as a concurrent ABORT would
type abortingTask struct {
	nodes *nodeexecution.Service
}

func (abortingTask) Type() string { return "ABORTING_TASK" }

func (s abortingTask) ObtainTask(ctx context.Context, sc *steps.StepContext, taskID string) (models.TaskRequest, error) {
	_, err := s.nodes.UpdateStatusWithOps(ctx, sc.Ambiance.CurrentRuntimeID(), models.StatusAborted, nil, nil)
	return models.TaskRequest{TaskID: taskID, TaskCategory: steps.TaskCategoryShell, Units: []string{"script"}}, err
}

func (abortingTask) HandleTaskResult(ctx context.Context, sc *steps.StepContext, result models.TaskResult) (models.StepResponse, error) {
	return models.StepResponse{Status: result.Status}, nil
}

// abortingSection aborts its own node while choosing its child
type abortingSection struct {
	nodes *nodeexecution.Service
}

func (abortingSection) Type() string { return "ABORTING_SECTION" }

func (s abortingSection) ObtainChild(ctx context.Context, sc *steps.StepContext) (string, error) {
	_, err := s.nodes.UpdateStatusWithOps(ctx, sc.Ambiance.CurrentRuntimeID(), models.StatusAborted, nil, nil)
	return "leaf", err
}

func (abortingSection) HandleChildResponse(ctx context.Context, sc *steps.StepContext, child steps.ChildResult) (models.StepResponse, error) {
	return models.StepResponse{Status: child.Status}, nil
}

// flakyNodes fails the next read of chosen node executions, as a store blip would
type flakyNodes struct {
	repositories.NodeExecutionRepo
	mu    sync.Mutex
	fails map[string]int
}

func (f *flakyNodes) failNextGet(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[id]++
}

func (f *flakyNodes) GetByID(ctx context.Context, id string) (*models.NodeExecution, error) {
	f.mu.Lock()
	if f.fails[id] > 0 {
		f.fails[id]--
		f.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.NodeExecutionRepo.GetByID(ctx, id)
}

type harness struct {
	store      *memory.Store
	flaky      *flakyNodes
	nodes      *nodeexecution.Service
	engine     *Engine
	queue      *queue.LocalQueue
	waiter     *waitnotify.Engine
	dispatcher *waitnotify.Dispatcher
	tasks      *taskRecorder
	lifecycle  *lifecycleRecorder
}

func newHarness(t *testing.T) *harness {
	logger := testLogger(t)
	store := memory.NewStore()
	flaky := &flakyNodes{NodeExecutionRepo: store.NodeExecutions(), fails: map[string]int{}}
	nodes := nodeexecution.NewService(flaky, logger)

	handlers := queue.NewHandlers()
	lq := queue.NewLocalQueue(handlers, queue.LocalConfig{WorkerCount: 2, Backoff: time.Millisecond}, logger)
	waiter := waitnotify.NewEngine(store.WaitNotify(), lq, logger)
	callbacks := waitnotify.NewCallbackRegistry()
	dispatcher := waitnotify.NewDispatcher(store.WaitNotify(), callbacks, logger)

	registry := steps.NewDefaultRegistry()
	require.NoError(t, registry.Register(panicStep{}))
	require.NoError(t, registry.Register(abortingTask{nodes: nodes}))
	require.NoError(t, registry.Register(abortingSection{nodes: nodes}))

	tasks := &taskRecorder{}
	lifecycle := &lifecycleRecorder{}
	eng := NewEngine(nodes, store.PlanExecutions(), registry, waiter, lq, tasks, Config{}, logger)
	eng.SetLifecyclePublisher(lifecycle)

	require.NoError(t, callbacks.Register(CallbackResumeNode, NewResumeNodeCallback(eng)))
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

	return &harness{
		store:      store,
		flaky:      flaky,
		nodes:      nodes,
		engine:     eng,
		queue:      lq,
		waiter:     waiter,
		dispatcher: dispatcher,
		tasks:      tasks,
		lifecycle:  lifecycle,
	}
}

func (h *harness) settle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Wait(ctx))
	assert.Empty(t, h.queue.DeadJobs())
}

func (h *harness) start(t *testing.T, plan models.Plan) *models.PlanExecution {
	execution, err := h.engine.StartPlanExecution(context.Background(), plan)
	require.NoError(t, err)
	h.settle(t)
	return execution
}

func (h *harness) planStatus(t *testing.T, id string) models.Status {
	execution, err := h.store.PlanExecutions().GetByID(context.Background(), id)
	require.NoError(t, err)
	return execution.Status
}

func (h *harness) node(t *testing.T, planExecutionID, identifier string) *models.NodeExecution {
	nodes, err := h.nodes.FetchByPlanExecution(context.Background(), planExecutionID)
	require.NoError(t, err)
	for _, n := range nodeexecution.Effective(nodes) {
		if n.PlanNode.Identifier == identifier {
			return &n
		}
	}
	t.Fatalf("no node %s in plan execution %s", identifier, planExecutionID)
	return nil
}

func (h *harness) hasNode(t *testing.T, planExecutionID, identifier string) bool {
	nodes, err := h.nodes.FetchByPlanExecution(context.Background(), planExecutionID)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.PlanNode.Identifier == identifier {
			return true
		}
	}
	return false
}

func planOf(start string, nodes ...models.PlanNode) models.Plan {
	plan := models.Plan{Name: "test", StartingNodeID: start, Nodes: map[string]models.PlanNode{}}
	for _, n := range nodes {
		if n.Identifier == "" {
			n.Identifier = n.ID
		}
		plan.Nodes[n.ID] = n
	}
	return plan
}

func TestStartPlanExecution_Sync(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("root", models.PlanNode{
		ID:             "root",
		StepType:       steps.TypeNoop,
		StepParameters: map[string]any{"outcome": map[string]any{"answer": "42"}},
	}))

	assert.Equal(t, models.StatusSucceeded, h.planStatus(t, execution.ID))
	root := h.node(t, execution.ID, "root")
	assert.Equal(t, models.StatusSucceeded, root.Status)
	assert.Equal(t, "42", root.Outcome["answer"])
	assert.NotZero(t, root.StartTs)
	require.NotNil(t, root.EndTs)

	completed := h.lifecycle.ofType(kafka.EventPlanCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, models.StatusSucceeded, completed[0].Status)
}

func TestStartPlanExecution_RejectsUnknownStepType(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartPlanExecution(context.Background(), planOf("root", models.PlanNode{ID: "root", StepType: "NOPE"}))
	assert.Error(t, err)
}

func TestSection_ReportsChildStatus(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("section",
		models.PlanNode{ID: "section", StepType: steps.TypeSection, StepParameters: map[string]any{"child": "fail"}},
		models.PlanNode{ID: "fail", StepType: steps.TypeFail, StepParameters: map[string]any{"message": "bad input"}},
	))

	assert.Equal(t, models.StatusFailed, h.planStatus(t, execution.ID))
	section := h.node(t, execution.ID, "section")
	assert.Equal(t, models.StatusFailed, section.Status)
	require.NotNil(t, section.FailureInfo)
	assert.Equal(t, "bad input", section.FailureInfo.Message)

	child := h.node(t, execution.ID, "fail")
	assert.Equal(t, section.ID, child.ParentID)
	require.Len(t, child.Ambiance.Levels, 2)
	assert.Equal(t, section.ID, child.Ambiance.Levels[0].RuntimeID)
}

func TestFork_AggregatesChildren(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("fork",
		models.PlanNode{ID: "fork", StepType: steps.TypeFork, StepParameters: map[string]any{"children": []any{"a", "b", "c"}, "maxConcurrency": 1}},
		models.PlanNode{ID: "a", StepType: steps.TypeNoop},
		models.PlanNode{ID: "b", StepType: steps.TypeNoop, RunCondition: "outcomes.a.status == 'FAILED'"},
		models.PlanNode{ID: "c", StepType: steps.TypeNoop},
	))

	assert.Equal(t, models.StatusSucceeded, h.planStatus(t, execution.ID))
	assert.Equal(t, models.StatusSucceeded, h.node(t, execution.ID, "a").Status)
	assert.Equal(t, models.StatusSkipped, h.node(t, execution.ID, "b").Status)
	assert.Equal(t, models.StatusSucceeded, h.node(t, execution.ID, "c").Status)
}

func TestFork_FailedChildFailsParent(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("fork",
		models.PlanNode{ID: "fork", StepType: steps.TypeFork, StepParameters: map[string]any{"children": []any{"ok", "bad"}}},
		models.PlanNode{ID: "ok", StepType: steps.TypeNoop},
		models.PlanNode{ID: "bad", StepType: steps.TypeFail},
	))

	assert.Equal(t, models.StatusFailed, h.planStatus(t, execution.ID))
	assert.Equal(t, models.StatusSucceeded, h.node(t, execution.ID, "ok").Status)
}

func TestRollbackChain_StopsOnFailure(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("chain",
		models.PlanNode{ID: "chain", StepType: steps.TypeRollbackChain, StepParameters: map[string]any{"children": []any{"deploy", "verify", "cleanup"}}},
		models.PlanNode{ID: "deploy", StepType: steps.TypeNoop},
		models.PlanNode{ID: "verify", StepType: steps.TypeFail, RunCondition: "chain.data.last_status == 'SUCCEEDED'"},
		models.PlanNode{ID: "cleanup", StepType: steps.TypeNoop},
	))

	assert.Equal(t, models.StatusFailed, h.planStatus(t, execution.ID))
	assert.Equal(t, models.StatusSucceeded, h.node(t, execution.ID, "deploy").Status)
	assert.Equal(t, models.StatusFailed, h.node(t, execution.ID, "verify").Status)
	assert.False(t, h.hasNode(t, execution.ID, "cleanup"))
}

func TestRollbackChain_RunsEveryLink(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("chain",
		models.PlanNode{ID: "chain", StepType: steps.TypeRollbackChain, StepParameters: map[string]any{"children": []any{"one", "two"}}},
		models.PlanNode{ID: "one", StepType: steps.TypeNoop},
		models.PlanNode{ID: "two", StepType: steps.TypeNoop},
	))

	assert.Equal(t, models.StatusSucceeded, h.planStatus(t, execution.ID))
	chain := h.node(t, execution.ID, "chain")
	assert.Equal(t, []any{"one", "two"}, chain.Outcome["executed"])
}

func TestTask_CompletesOnNotify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	execution := h.start(t, planOf("build", models.PlanNode{
		ID:             "build",
		StepType:       steps.TypeShellScript,
		StepParameters: map[string]any{"script": "make", "units": []any{"compile", "test"}},
	}))

	published := h.tasks.published()
	require.Len(t, published, 1)
	task := published[0]

	node := h.node(t, execution.ID, "build")
	assert.Equal(t, models.StatusRunning, node.Status)
	assert.Equal(t, task.TaskID, node.TaskID())
	require.Len(t, node.UnitProgresses, 2)
	assert.Equal(t, models.UnitStatusRunning, node.UnitProgresses[0].Status)

	result, err := json.Marshal(models.TaskResult{
		Status:         models.StatusSucceeded,
		Output:         map[string]any{"stdout": "ok"},
		UnitProgresses: []models.UnitProgress{{UnitName: "compile", Status: models.UnitStatusSuccess}, {UnitName: "test", Status: models.UnitStatusRunning}},
	})
	require.NoError(t, err)
	_, err = h.waiter.Notify(ctx, task.TaskID, result)
	require.NoError(t, err)
	h.settle(t)

	node = h.node(t, execution.ID, "build")
	assert.Equal(t, models.StatusSucceeded, node.Status)
	assert.Equal(t, "ok", node.Outcome["stdout"])
	for _, u := range node.UnitProgresses {
		assert.Equal(t, models.UnitStatusSuccess, u.Status, u.UnitName)
		assert.NotZero(t, u.EndTime)
	}
	assert.Equal(t, models.StatusSucceeded, h.planStatus(t, execution.ID))
}

func TestTask_ErrorResponseFailsNode(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("build", models.PlanNode{
		ID:             "build",
		StepType:       steps.TypeShellScript,
		StepParameters: map[string]any{"script": "make"},
	}))
	task := h.tasks.published()[0]

	_, err := h.waiter.NotifyError(context.Background(), task.TaskID, json.RawMessage(`"worker crashed"`))
	require.NoError(t, err)
	h.settle(t)

	node := h.node(t, execution.ID, "build")
	assert.Equal(t, models.StatusFailed, node.Status)
	require.NotNil(t, node.FailureInfo)
	assert.Contains(t, node.FailureInfo.Message, "worker crashed")
	assert.Equal(t, models.UnitStatusFailure, node.UnitProgresses[0].Status)
}

func TestTask_PublishFailureIsConnectivity(t *testing.T) {
	h := newHarness(t)
	h.tasks.err = errors.New("broker down")

	execution := h.start(t, planOf("build", models.PlanNode{
		ID:             "build",
		StepType:       steps.TypeShellScript,
		StepParameters: map[string]any{"script": "make"},
	}))

	node := h.node(t, execution.ID, "build")
	assert.Equal(t, models.StatusFailed, node.Status)
	require.NotNil(t, node.FailureInfo)
	assert.Equal(t, []models.FailureType{models.FailureTypeConnectivity}, node.FailureInfo.FailureTypes)
}

func TestTask_TimeoutExpiresNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	execution := h.start(t, planOf("build", models.PlanNode{
		ID:             "build",
		StepType:       steps.TypeShellScript,
		TimeoutSeconds: 1,
		StepParameters: map[string]any{"script": "sleep 100"},
	}))
	node := h.node(t, execution.ID, "build")
	require.NotNil(t, node.ExecutableResponse)
	waitID := node.ExecutableResponse.Task.WaitID
	require.NotEmpty(t, waitID)

	h.dispatcher.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	require.NoError(t, h.dispatcher.Handle(ctx, models.NotifyEvent{WaitInstanceID: waitID, Timeout: true}))
	h.settle(t)

	node = h.node(t, execution.ID, "build")
	assert.Equal(t, models.StatusExpired, node.Status)
	assert.Equal(t, []models.FailureType{models.FailureTypeTimeout}, node.FailureInfo.FailureTypes)
	assert.Equal(t, models.StatusExpired, h.planStatus(t, execution.ID))
}

func TestApproval_WaitsForNotify(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("gate", models.PlanNode{ID: "gate", StepType: steps.TypeApproval}))
	gate := h.node(t, execution.ID, "gate")
	assert.Equal(t, models.StatusRunning, gate.Status)
	assert.Equal(t, models.ModeAsync, gate.Mode)

	_, err := h.waiter.Notify(context.Background(), steps.ApprovalCorrelationID(gate.ID), json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)
	h.settle(t)

	assert.Equal(t, models.StatusSucceeded, h.node(t, execution.ID, "gate").Status)
	assert.Equal(t, models.StatusSucceeded, h.planStatus(t, execution.ID))
}

func TestPanickingStepFailsNode(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("root", models.PlanNode{ID: "root", StepType: "PANIC"}))

	root := h.node(t, execution.ID, "root")
	assert.Equal(t, models.StatusFailed, root.Status)
	assert.Equal(t, []models.FailureType{models.FailureTypeUnknown}, root.FailureInfo.FailureTypes)
	assert.Equal(t, models.StatusFailed, h.planStatus(t, execution.ID))
}

func TestStartNodeExecution_IgnoresNonQueued(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("root", models.PlanNode{ID: "root", StepType: steps.TypeNoop}))
	root := h.node(t, execution.ID, "root")

	require.NoError(t, h.engine.StartNodeExecution(context.Background(), root.ID))
	h.settle(t)

	again := h.node(t, execution.ID, "root")
	assert.Equal(t, root.EndTs, again.EndTs)
	assert.Len(t, h.lifecycle.ofType(kafka.EventPlanCompleted), 1)
}

func TestStartNodeExecution_AbortsWhenPlanEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	execution := h.start(t, planOf("gate", models.PlanNode{ID: "gate", StepType: steps.TypeApproval}))
	_, err := h.store.PlanExecutions().UpdateStatus(ctx, execution.ID, models.StatusAborted, []models.Status{models.StatusRunning})
	require.NoError(t, err)

	late := &models.NodeExecution{
		ID:              "late",
		PlanExecutionID: execution.ID,
		Ambiance:        models.Ambiance{PlanExecutionID: execution.ID, Levels: []models.Level{{RuntimeID: "late"}}},
		PlanNode:        models.PlanNode{ID: "gate", Identifier: "late", StepType: steps.TypeNoop},
		Status:          models.StatusQueued,
		Mode:            models.ModeSync,
	}
	require.NoError(t, h.nodes.Save(ctx, late))

	require.NoError(t, h.engine.StartNodeExecution(ctx, "late"))
	got, err := h.nodes.Get(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAborted, got.Status)
}

func TestResumeNodeCallback_RejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	cb := NewResumeNodeCallback(h.engine)

	assert.Error(t, cb.Notify(context.Background(), json.RawMessage(`{}`), nil))
	assert.Error(t, cb.NotifyTimeout(context.Background(), json.RawMessage(`nope`), nil))
}

func TestTask_AbortDuringDispatchPublishesNothing(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("build", models.PlanNode{ID: "build", StepType: "ABORTING_TASK"}))

	build := h.node(t, execution.ID, "build")
	assert.Equal(t, models.StatusAborted, build.Status)
	assert.Nil(t, build.ExecutableResponse)
	assert.Empty(t, h.tasks.published())
}

func TestChild_AbortDuringDispatchCreatesNoChild(t *testing.T) {
	h := newHarness(t)

	execution := h.start(t, planOf("section",
		models.PlanNode{ID: "section", StepType: "ABORTING_SECTION"},
		models.PlanNode{ID: "leaf", StepType: steps.TypeNoop},
	))

	assert.Equal(t, models.StatusAborted, h.node(t, execution.ID, "section").Status)
	assert.False(t, h.hasNode(t, execution.ID, "leaf"))
}

func TestStartNodeExecution_AbortsWhenParentEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	execution := h.start(t, planOf("gate", models.PlanNode{ID: "gate", StepType: steps.TypeApproval}))
	gate := h.node(t, execution.ID, "gate")
	_, err := h.nodes.UpdateStatusWithOps(ctx, gate.ID, models.StatusAborted, nil, nil)
	require.NoError(t, err)

	orphan := &models.NodeExecution{
		ID:              "orphan",
		PlanExecutionID: execution.ID,
		ParentID:        gate.ID,
		Ambiance:        gate.Ambiance.WithLevel(models.Level{RuntimeID: "orphan"}),
		PlanNode:        models.PlanNode{ID: "gate", Identifier: "orphan", StepType: steps.TypeNoop},
		Status:          models.StatusQueued,
		Mode:            models.ModeSync,
	}
	require.NoError(t, h.nodes.Save(ctx, orphan))

	require.NoError(t, h.engine.StartNodeExecution(ctx, "orphan"))
	got, err := h.nodes.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAborted, got.Status)
	assert.Equal(t, models.StatusRunning, h.planStatus(t, execution.ID))
}

func TestTask_RedeliveryResumesParentAfterStoreError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	execution := h.start(t, planOf("section",
		models.PlanNode{ID: "section", StepType: steps.TypeSection, StepParameters: map[string]any{"child": "build"}},
		models.PlanNode{ID: "build", StepType: steps.TypeShellScript, StepParameters: map[string]any{"script": "make"}},
	))
	task := h.tasks.published()[0]
	section := h.node(t, execution.ID, "section")
	h.flaky.failNextGet(section.ID)

	result, err := json.Marshal(models.TaskResult{Status: models.StatusSucceeded})
	require.NoError(t, err)
	_, err = h.waiter.Notify(ctx, task.TaskID, result)
	require.NoError(t, err)
	h.settle(t)

	assert.Equal(t, models.StatusSucceeded, h.node(t, execution.ID, "build").Status)
	assert.Equal(t, models.StatusSucceeded, h.node(t, execution.ID, "section").Status)
	assert.Equal(t, models.StatusSucceeded, h.planStatus(t, execution.ID))
	assert.Len(t, h.lifecycle.ofType(kafka.EventPlanCompleted), 1)
}
