package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

const TypeApproval = "APPROVAL"

// ApprovalCorrelationID is the id an operator notifies to approve or reject a node
func ApprovalCorrelationID(nodeExecutionID string) string {
	return "approval:" + nodeExecutionID
}

type approvalPayload struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
	By       string `json:"by,omitempty"`
}

// ApprovalStep suspends until someone notifies its correlation id with {"approved": true}
type ApprovalStep struct{}

func (s *ApprovalStep) Type() string { return TypeApproval }

func (s *ApprovalStep) ExecuteAsync(ctx context.Context, sc *StepContext) (AsyncRequest, error) {
	return AsyncRequest{CallbackIDs: []string{ApprovalCorrelationID(sc.Ambiance.CurrentRuntimeID())}}, nil
}

func (s *ApprovalStep) HandleAsyncResponse(ctx context.Context, sc *StepContext, responses map[string]models.ResponseData) (models.StepResponse, error) {
	id := ApprovalCorrelationID(sc.Ambiance.CurrentRuntimeID())
	resp, ok := responses[id]
	if !ok {
		return models.StepResponse{}, fmt.Errorf("no approval response for %s", id)
	}
	if resp.Error {
		return models.FailedStepResponse(fmt.Errorf("approval errored: %s", string(resp.Payload))), nil
	}

	var payload approvalPayload
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &payload); err != nil {
			return models.FailedStepResponse(fmt.Errorf("malformed approval: %w", err)), nil
		}
	}

	outcome := map[string]any{"approved": payload.Approved}
	if payload.Comment != "" {
		outcome["comment"] = payload.Comment
	}
	if payload.By != "" {
		outcome["by"] = payload.By
	}

	if !payload.Approved {
		failed := models.FailedStepResponse(fmt.Errorf("rejected"))
		failed.Outcome = outcome
		return failed, nil
	}
	return models.StepResponse{Status: models.StatusSucceeded, Outcome: outcome}, nil
}
