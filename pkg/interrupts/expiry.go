package interrupts

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const expiredMessage = "Step timed out before completion"

// ExpiryHelper expires node executions
type ExpiryHelper struct {
	engine Orchestrator
	helper *InterruptHelper
	logger ectologger.Logger
}

func NewExpiryHelper(orchestrator Orchestrator, helper *InterruptHelper, logger ectologger.Logger) *ExpiryHelper {
	return &ExpiryHelper{engine: orchestrator, helper: helper, logger: logger}
}

// ExpireMarkedInstance cancels the node's remote task and ends the node EXPIRED.
// A failed cancel does not stop the expiry.
func (h *ExpiryHelper) ExpireMarkedInstance(ctx context.Context, node *models.NodeExecution, interrupt *models.Interrupt) error {
	ctx, span := tracing.StartSpan(ctx, "ExpiryHelper.ExpireMarkedInstance")
	defer span.End()

	if _, err := h.helper.DiscontinueTaskIfRequired(ctx, node); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"node_execution_id": node.ID,
			"interrupt_id":      interrupt.ID,
		}).Error("failed to abort task of expiring node")
	}

	return h.engine.HandleStepResponse(ctx, node.ID, models.StepResponse{
		Status: models.StatusExpired,
		FailureInfo: &models.FailureInfo{
			Message:      expiredMessage,
			FailureTypes: []models.FailureType{models.FailureTypeTimeout},
		},
		UnitProgresses: EvaluateUnitProgresses(node, models.StatusExpired),
	})
}
