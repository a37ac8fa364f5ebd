package steps

import (
	"context"
	"errors"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	TypeNoop = "NOOP"
	TypeFail = "FAIL"
)

// NoopStep succeeds at once, echoing its "outcome" parameter
type NoopStep struct{}

func (s *NoopStep) Type() string { return TypeNoop }

func (s *NoopStep) ExecuteSync(ctx context.Context, sc *StepContext) (models.StepResponse, error) {
	resp := models.StepResponse{Status: models.StatusSucceeded}

	outcome, ok := sc.Node.StepParameters["outcome"].(map[string]any)
	if !ok {
		return resp, nil
	}

	rendered, err := sc.Render(outcome)
	if err != nil {
		return models.StepResponse{}, err
	}
	resp.Outcome, _ = rendered.(map[string]any)
	return resp, nil
}

// FailStep always fails with its "message" parameter
type FailStep struct{}

func (s *FailStep) Type() string { return TypeFail }

func (s *FailStep) ExecuteSync(ctx context.Context, sc *StepContext) (models.StepResponse, error) {
	message := stringParam(sc.Node.StepParameters, "message")
	if message == "" {
		message = "step failed"
	}
	return models.FailedStepResponse(errors.New(message)), nil
}
