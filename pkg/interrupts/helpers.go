// Package interrupts registers and applies interrupts: aborts, expiries and retries
// of running node executions.
package interrupts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Orchestrator is the part of the engine interrupts drive nodes through
type Orchestrator interface {
	HandleStepResponse(ctx context.Context, nodeExecutionID string, resp models.StepResponse) error
	EndNodeExecution(ctx context.Context, ambiance models.Ambiance) error
}

// InterruptEventPublisher tells remote workers about interrupts. The returned id is
// the correlation id the worker acknowledges on.
type InterruptEventPublisher interface {
	PublishEvent(ctx context.Context, evt kafka.InterruptEvent) (string, error)
}

// TaskAbortPublisher cancels remote tasks
type TaskAbortPublisher interface {
	PublishTaskAbort(ctx context.Context, req kafka.TaskAbortRequest) error
}

// InvalidRequestError is returned when an interrupt cannot be applied to a node
type InvalidRequestError struct {
	NodeExecutionID string
	InterruptID     string
	Err             error
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("interrupt %s could not be applied to node %s: %v", e.InterruptID, e.NodeExecutionID, e.Err)
}

func (e *InvalidRequestError) Unwrap() error {
	return e.Err
}

func (e *InvalidRequestError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, e.Error()).
		AddMetaValue("node_execution_id", e.NodeExecutionID).
		AddMetaValue("interrupt_id", e.InterruptID)
}

// EvaluateUnitProgresses ends the node's units for status: running units take the mapped
// status, finished units keep theirs, and every unit gets an end time.
func EvaluateUnitProgresses(node *models.NodeExecution, status models.Status) []models.UnitProgress {
	return models.CloseUnits(node.UnitProgresses, status, time.Now().UnixMilli())
}

// InterruptHelper holds what several interrupt types share
type InterruptHelper struct {
	aborts TaskAbortPublisher
	logger ectologger.Logger
	now    func() time.Time
}

func NewInterruptHelper(aborts TaskAbortPublisher, logger ectologger.Logger) *InterruptHelper {
	return &InterruptHelper{
		aborts: aborts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DiscontinueTaskIfRequired cancels the node's remote task, if it has one.
// It reports whether an abort request was sent.
func (h *InterruptHelper) DiscontinueTaskIfRequired(ctx context.Context, node *models.NodeExecution) (bool, error) {
	if !node.Mode.HasRemoteWork() {
		return false, nil
	}
	taskID := node.TaskID()
	if taskID == "" {
		return false, nil
	}

	err := h.aborts.PublishTaskAbort(ctx, kafka.TaskAbortRequest{
		TaskID:          taskID,
		NodeExecutionID: node.ID,
		Reason:          "node execution interrupted",
		Timestamp:       h.now(),
	})
	if err != nil {
		return false, err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": node.ID,
		"task_id":           taskID,
	}).Info("task abort requested")
	return true, nil
}
