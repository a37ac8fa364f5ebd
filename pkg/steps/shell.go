package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	TypeShellScript = "SHELL_SCRIPT"

	// TaskCategoryShell is the task category remote workers run through a shell
	TaskCategoryShell = "SHELL"
)

// ShellScriptStep hands a script to a worker.
// Parameters: script (required, templated), env (map), units (list of unit names).
type ShellScriptStep struct{}

func (s *ShellScriptStep) Type() string { return TypeShellScript }

func (s *ShellScriptStep) ObtainTask(ctx context.Context, sc *StepContext, taskID string) (models.TaskRequest, error) {
	script := stringParam(sc.Node.StepParameters, "script")
	if script == "" {
		return models.TaskRequest{}, fmt.Errorf("node %s has no script", sc.Node.Identifier)
	}

	rendered, err := sc.Render(sc.Node.StepParameters)
	if err != nil {
		return models.TaskRequest{}, err
	}
	params, _ := rendered.(map[string]any)

	units := models.StringSlice(sc.Node.StepParameters["units"])
	if len(units) == 0 {
		units = []string{"script"}
	}

	return models.TaskRequest{
		TaskID:          taskID,
		TaskCategory:    TaskCategoryShell,
		NodeExecutionID: sc.Ambiance.CurrentRuntimeID(),
		PlanExecutionID: sc.Ambiance.PlanExecutionID,
		Units:           units,
		Parameters:      params,
		TimeoutSeconds:  int(sc.Node.Timeout(0) / time.Second),
	}, nil
}

func (s *ShellScriptStep) HandleTaskResult(ctx context.Context, sc *StepContext, result models.TaskResult) (models.StepResponse, error) {
	resp := models.StepResponse{
		Status:         result.Status,
		Outcome:        result.Output,
		UnitProgresses: result.UnitProgresses,
	}

	switch result.Status {
	case models.StatusSucceeded, models.StatusSkipped:
	case models.StatusFailed, models.StatusExpired, models.StatusAborted:
		message := result.ErrorMessage
		if message == "" {
			message = "script exited unsuccessfully"
		}
		failureType := models.FailureTypeApplication
		if result.Status == models.StatusExpired {
			failureType = models.FailureTypeTimeout
		}
		resp.FailureInfo = &models.FailureInfo{Message: message, FailureTypes: []models.FailureType{failureType}}
	default:
		return models.StepResponse{}, fmt.Errorf("task %s reported unexpected status %s", result.TaskID, result.Status)
	}

	return resp, nil
}
