package interrupts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// CallbackAbortInterrupt finishes a remote abort once the worker acknowledges it or the wait times out
	CallbackAbortInterrupt = "abort_interrupt"

	DefaultAbortAckTimeout = time.Minute
)

// AbortCallbackPayload identifies the node an abort_interrupt callback finishes
type AbortCallbackPayload struct {
	NodeExecutionID string `json:"node_execution_id"`
	InterruptID     string `json:"interrupt_id"`
}

// AbortHelper aborts nodes already marked DISCONTINUING
type AbortHelper struct {
	nodes      *nodeexecution.Service
	engine     Orchestrator
	events     InterruptEventPublisher
	waiter     engine.Waiter
	ackTimeout time.Duration
	logger     ectologger.Logger
	now        func() time.Time
}

func NewAbortHelper(nodes *nodeexecution.Service, orchestrator Orchestrator, events InterruptEventPublisher, waiter engine.Waiter, ackTimeout time.Duration, logger ectologger.Logger) *AbortHelper {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAbortAckTimeout
	}
	return &AbortHelper{
		nodes:      nodes,
		engine:     orchestrator,
		events:     events,
		waiter:     waiter,
		ackTimeout: ackTimeout,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// DiscontinueMarkedInstance aborts a DISCONTINUING node. A node with remote work outstanding
// is asked to stop and finishes when the worker acknowledges or the acknowledgement times
// out. Any other node is aborted and ended here.
func (h *AbortHelper) DiscontinueMarkedInstance(ctx context.Context, node *models.NodeExecution, interrupt *models.Interrupt) (err error) {
	ctx, span := tracing.StartSpan(ctx, "AbortHelper.DiscontinueMarkedInstance")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = &InvalidRequestError{NodeExecutionID: node.ID, InterruptID: interrupt.ID, Err: err}
		}
	}()

	if node.Mode.HasRemoteWork() && node.ExecutableResponse != nil {
		return h.discontinueRemote(ctx, node, interrupt)
	}

	updated, err := h.nodes.UpdateStatusWithOps(ctx, node.ID, models.StatusAborted, []models.Status{models.StatusDiscontinuing}, func(n *models.NodeExecution) {
		n.UnitProgresses = EvaluateUnitProgresses(n, models.StatusAborted)
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return h.engine.EndNodeExecution(ctx, updated.Ambiance)
}

func (h *AbortHelper) discontinueRemote(ctx context.Context, node *models.NodeExecution, interrupt *models.Interrupt) error {
	notifyID, err := h.events.PublishEvent(ctx, kafka.InterruptEvent{
		InterruptID:     interrupt.ID,
		Type:            models.InterruptTypeAbort,
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.ID,
		TaskID:          node.TaskID(),
		Timestamp:       h.now(),
	})
	if err != nil {
		return err
	}

	callback, err := models.NewCallbackRef(CallbackAbortInterrupt, AbortCallbackPayload{NodeExecutionID: node.ID, InterruptID: interrupt.ID})
	if err != nil {
		return err
	}
	waitID, err := h.waiter.WaitForAllOnInList(ctx, h.ackTimeout, callback, []string{notifyID})
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": node.ID,
		"interrupt_id":      interrupt.ID,
		"notify_id":         notifyID,
		"wait_instance_id":  waitID,
	}).Info("abort sent to worker, waiting for acknowledgement")
	return nil
}

// AbortInterruptCallback completes a remote abort. Acknowledged, errored and timed out
// waits all end the node ABORTED so it never stays DISCONTINUING.
type AbortInterruptCallback struct {
	nodes  *nodeexecution.Service
	engine Orchestrator
	logger ectologger.Logger
}

func NewAbortInterruptCallback(nodes *nodeexecution.Service, orchestrator Orchestrator, logger ectologger.Logger) *AbortInterruptCallback {
	return &AbortInterruptCallback{nodes: nodes, engine: orchestrator, logger: logger}
}

func (c *AbortInterruptCallback) Notify(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error {
	return c.finish(ctx, payload)
}

func (c *AbortInterruptCallback) NotifyError(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error {
	return c.finish(ctx, payload)
}

func (c *AbortInterruptCallback) NotifyTimeout(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error {
	p, err := decodeAbortPayload(payload)
	if err != nil {
		return err
	}
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": p.NodeExecutionID,
		"interrupt_id":      p.InterruptID,
	}).Warn("worker never acknowledged abort, aborting node anyway")
	return c.finish(ctx, payload)
}

func (c *AbortInterruptCallback) finish(ctx context.Context, payload json.RawMessage) error {
	p, err := decodeAbortPayload(payload)
	if err != nil {
		return err
	}

	updated, err := c.nodes.UpdateStatusWithOps(ctx, p.NodeExecutionID, models.StatusAborted, []models.Status{models.StatusDiscontinuing}, func(n *models.NodeExecution) {
		n.UnitProgresses = EvaluateUnitProgresses(n, models.StatusAborted)
	})
	if err != nil {
		return err
	}
	if updated == nil {
		// already ended, possibly by an earlier delivery whose EndNodeExecution failed
		node, err := c.nodes.Get(ctx, p.NodeExecutionID)
		if err != nil {
			return err
		}
		if !node.IsTerminal() {
			return nil
		}
		return c.engine.EndNodeExecution(ctx, node.Ambiance)
	}
	return c.engine.EndNodeExecution(ctx, updated.Ambiance)
}

func decodeAbortPayload(payload json.RawMessage) (AbortCallbackPayload, error) {
	var p AbortCallbackPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.NodeExecutionID == "" {
		return p, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s payload", CallbackAbortInterrupt)
	}
	return p, nil
}
