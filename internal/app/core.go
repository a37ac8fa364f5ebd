// Package app wires fern's components for the serve, run and operator commands.
package app

import (
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/interrupts"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/steps"
	"github.com/Ramsey-B/fern/pkg/waitnotify"
)

// Stores are the repositories the core runs on, postgres or in-memory
type Stores struct {
	Nodes      repositories.NodeExecutionRepo
	Plans      repositories.PlanExecutionRepo
	Interrupts repositories.InterruptRepo
	WaitNotify repositories.WaitNotifyRepo
}

// Queue carries node_start and notify_event jobs
type Queue interface {
	waitnotify.EventQueue
	engine.ExecutionEngineDispatcher
}

// Transport reaches the workers: kafka in production, the local worker for `run --local`
type Transport interface {
	engine.TaskPublisher
	engine.LifecyclePublisher
	interrupts.InterruptEventPublisher
	interrupts.TaskAbortPublisher
}

// Core is the orchestration kernel shared by every mode
type Core struct {
	Nodes      *nodeexecution.Service
	Plans      repositories.PlanExecutionRepo
	Steps      *steps.Registry
	Engine     *engine.Engine
	Interrupts *interrupts.Service
	Waiter     *waitnotify.Engine
	Dispatcher *waitnotify.Dispatcher
	Handlers   *queue.Handlers
}

// NewCore builds the engine and interrupt service and registers their job handlers
// and wait callbacks. handlers is the set the queue consumer routes jobs through.
func NewCore(cfg *config.Config, stores Stores, q Queue, handlers *queue.Handlers, transport Transport, logger ectologger.Logger) (*Core, error) {
	nodes := nodeexecution.NewService(stores.Nodes, logger)
	registry := steps.NewDefaultRegistry()

	waiter := waitnotify.NewEngine(stores.WaitNotify, q, logger)
	callbacks := waitnotify.NewCallbackRegistry()
	dispatcher := waitnotify.NewDispatcher(stores.WaitNotify, callbacks, logger)

	eng := engine.NewEngine(nodes, stores.Plans, registry, waiter, q, transport,
		engine.Config{DefaultTaskTimeout: cfg.EngineDefaultTaskTimeout}, logger)
	if cfg.KafkaLifecycleEnabled {
		eng.SetLifecyclePublisher(transport)
	}

	helper := interrupts.NewInterruptHelper(transport, logger)
	service := interrupts.NewService(
		stores.Interrupts,
		stores.Plans,
		nodes,
		interrupts.NewAbortHelper(nodes, eng, transport, waiter, cfg.EngineAbortAckTimeout, logger),
		interrupts.NewExpiryHelper(eng, helper, logger),
		interrupts.NewRetryHelper(nodes, q, helper, logger),
		logger,
	)
	eng.SetNodeExpirer(service)

	if err := callbacks.Register(engine.CallbackResumeNode, engine.NewResumeNodeCallback(eng)); err != nil {
		return nil, err
	}
	if err := callbacks.Register(interrupts.CallbackAbortInterrupt, interrupts.NewAbortInterruptCallback(nodes, eng, logger)); err != nil {
		return nil, err
	}

	handlers.Register(queue.JobTypeNodeStart, queue.NodeStartHandler(eng))
	handlers.Register(queue.JobTypeNotifyEvent, queue.NotifyEventJobHandler(dispatcher))

	return &Core{
		Nodes:      nodes,
		Plans:      stores.Plans,
		Steps:      registry,
		Engine:     eng,
		Interrupts: service,
		Waiter:     waiter,
		Dispatcher: dispatcher,
		Handlers:   handlers,
	}, nil
}
