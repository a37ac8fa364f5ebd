package interrupts

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RetryHelper replaces a node execution with a fresh queued clone
type RetryHelper struct {
	nodes      *nodeexecution.Service
	dispatcher engine.ExecutionEngineDispatcher
	helper     *InterruptHelper
	logger     ectologger.Logger
	now        func() time.Time
}

func NewRetryHelper(nodes *nodeexecution.Service, dispatcher engine.ExecutionEngineDispatcher, helper *InterruptHelper, logger ectologger.Logger) *RetryHelper {
	return &RetryHelper{
		nodes:      nodes,
		dispatcher: dispatcher,
		helper:     helper,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RetryNodeExecution saves a clone of the node, records the retry on the original, fails the
// original if it was still running and dispatches the clone. The original never ends through
// the engine, so its parent only ever sees the clone.
func (h *RetryHelper) RetryNodeExecution(ctx context.Context, nodeExecutionID, interruptID string, cfg models.InterruptConfig) (*models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "RetryHelper.RetryNodeExecution")
	defer span.End()

	original, err := h.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}

	now := h.now()
	newID := uuid.New().String()
	clone := models.CloneForRetry(original, newID, original.Ambiance.CloneForRetry(newID), interruptID, cfg, now)
	if err := h.nodes.Save(ctx, clone); err != nil {
		return nil, err
	}

	if _, err := h.nodes.AppendInterruptHistory(ctx, original.ID, models.InterruptEffect{
		InterruptID: interruptID,
		Type:        models.InterruptTypeRetry,
		Config:      cfg,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	if !original.IsTerminal() {
		if _, err := h.helper.DiscontinueTaskIfRequired(ctx, original); err != nil {
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"node_execution_id": original.ID,
			}).Warn("failed to abort task of retried node")
		}
		if _, err := h.nodes.UpdateStatusWithOps(ctx, original.ID, models.StatusFailed, nil, func(n *models.NodeExecution) {
			n.FailureInfo = &models.FailureInfo{
				Message:      fmt.Sprintf("superseded by retry %s", newID),
				FailureTypes: []models.FailureType{models.FailureTypeApplication},
			}
			n.UnitProgresses = EvaluateUnitProgresses(n, models.StatusFailed)
		}); err != nil {
			return nil, err
		}
	}

	if err := h.dispatcher.DispatchStart(ctx, clone.ID); err != nil {
		return nil, err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": original.ID,
		"retry_id":          clone.ID,
		"interrupt_id":      interruptID,
	}).Info("node execution retried")
	return clone, nil
}
