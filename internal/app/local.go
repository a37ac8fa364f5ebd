package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/interrupts"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/notifier"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/worker"
)

const (
	localPollInterval     = time.Second
	localStatusCheckEvery = 50 * time.Millisecond
)

// Local runs a whole plan inside the process: memory store, in-process queue and
// a worker that executes SHELL tasks as child processes
type Local struct {
	*Core
	Store    *memory.Store
	Queue    *queue.LocalQueue
	Worker   *worker.LocalWorker
	Notifier *notifier.Notifier
	logger   ectologger.Logger
}

// RunResult is the final state of a local run
type RunResult struct {
	Execution *models.PlanExecution
	Nodes     []models.NodeExecution
}

func NewLocal(cfg *config.Config, logger ectologger.Logger) (*Local, error) {
	store := memory.NewStore()
	handlers := queue.NewHandlers()
	lq := queue.NewLocalQueue(handlers, queue.LocalConfig{
		WorkerCount: cfg.RedisStreamsWorkerCount,
		MaxRetries:  cfg.RedisStreamsMaxRetries,
	}, logger)

	l := &Local{Store: store, Queue: lq, logger: logger}

	// the worker answers through the wait/notify engine, which the core creates
	var core *Core
	responder := responderFunc(func() *Core { return core })
	l.Worker = worker.NewLocalWorker(responder, worker.Config{
		Shell:          cfg.EngineLocalShell,
		DefaultTimeout: cfg.EngineDefaultTaskTimeout,
	}, logger)

	core, err := NewCore(cfg, Stores{
		Nodes:      store.NodeExecutions(),
		Plans:      store.PlanExecutions(),
		Interrupts: store.Interrupts(),
		WaitNotify: store.WaitNotify(),
	}, lq, handlers, l.Worker, logger)
	if err != nil {
		return nil, err
	}
	l.Core = core

	pollInterval := cfg.NotifierPollInterval
	if pollInterval <= 0 || pollInterval > localPollInterval {
		pollInterval = localPollInterval
	}
	l.Notifier = notifier.NewNotifier(store.WaitNotify(), lq, notifier.NewLocalLocker(), notifier.Config{
		PollInterval:      pollInterval,
		PageSize:          cfg.NotifierPageSize,
		MaxPages:          cfg.NotifierMaxPages,
		Concurrency:       cfg.NotifierConcurrency,
		ResponseRetention: cfg.NotifierResponseRetention,
		ClaimLease:        cfg.NotifierClaimLease,
	}, logger)

	return l, nil
}

// Run triggers plan and blocks until the plan execution ends or ctx is cancelled.
// A cancelled run aborts the plan before returning.
func (l *Local) Run(ctx context.Context, plan models.Plan) (*RunResult, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueDone := make(chan struct{})
	go func() {
		l.Queue.Run(runCtx)
		close(queueDone)
	}()
	if err := l.Notifier.Start(runCtx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = l.Notifier.Stop(stopCtx)
		_ = l.Worker.Close()
		cancel()
		<-queueDone
	}()

	execution, err := l.Engine.StartPlanExecution(ctx, plan)
	if err != nil {
		return nil, err
	}
	l.logger.WithContext(ctx).WithField("plan_execution_id", execution.ID).Info("Plan execution started")

	final, err := l.await(ctx, execution.ID)
	if err != nil {
		return nil, err
	}

	nodes, err := l.Nodes.FetchByPlanExecution(context.Background(), execution.ID)
	if err != nil {
		return nil, err
	}
	return &RunResult{Execution: final, Nodes: nodeexecution.Effective(nodes)}, nil
}

func (l *Local) await(ctx context.Context, planExecutionID string) (*models.PlanExecution, error) {
	ticker := time.NewTicker(localStatusCheckEvery)
	defer ticker.Stop()

	for {
		execution, err := l.Plans.GetByID(context.Background(), planExecutionID)
		if err != nil {
			return nil, err
		}
		if execution.Status.IsTerminal() {
			return execution, nil
		}

		select {
		case <-ctx.Done():
			return l.abort(planExecutionID)
		case <-ticker.C:
		}
	}
}

// abort stops a run whose caller gave up, and waits briefly for the abort to settle
func (l *Local) abort(planExecutionID string) (*models.PlanExecution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := l.Interrupts.Register(ctx, interruptAbortAll(planExecutionID)); err != nil {
		l.logger.WithContext(ctx).WithError(err).Warn("Abort of cancelled run did not apply cleanly")
	}
	if err := l.Queue.Wait(ctx); err != nil {
		return nil, fmt.Errorf("run cancelled and did not settle: %w", err)
	}
	return l.Plans.GetByID(ctx, planExecutionID)
}

// responderFunc resolves the wait/notify engine lazily, since the worker is built before the core
type responderFunc func() *Core

func (f responderFunc) Notify(ctx context.Context, correlationID string, payload json.RawMessage) (string, error) {
	return f().Waiter.Notify(ctx, correlationID, payload)
}

func (f responderFunc) NotifyError(ctx context.Context, correlationID string, payload json.RawMessage) (string, error) {
	return f().Waiter.NotifyError(ctx, correlationID, payload)
}

func interruptAbortAll(planExecutionID string) interrupts.InterruptRequest {
	return interrupts.InterruptRequest{
		Type:            models.InterruptTypeAbortAll,
		PlanExecutionID: planExecutionID,
		Config:          models.InterruptConfig{IssuedBy: models.IssuedBy{Type: models.IssuerManual, Identifier: "fern run"}},
	}
}
