package models

import "encoding/json"

// StepResponse is the uniform result of any step, whatever its mode
type StepResponse struct {
	Status         Status         `json:"status"`
	Outcome        map[string]any `json:"outcome,omitempty"`
	FailureInfo    *FailureInfo   `json:"failure_info,omitempty"`
	UnitProgresses []UnitProgress `json:"unit_progresses,omitempty"`
}

// FailedStepResponse builds a FAILED response carrying the error message
func FailedStepResponse(err error, types ...FailureType) StepResponse {
	if len(types) == 0 {
		types = []FailureType{FailureTypeApplication}
	}
	return StepResponse{
		Status: StatusFailed,
		FailureInfo: &FailureInfo{
			Message:      err.Error(),
			FailureTypes: types,
		},
	}
}

// TaskRequest is the payload handed to a remote worker
type TaskRequest struct {
	TaskID          string         `json:"task_id"`
	TaskCategory    string         `json:"task_category"`
	NodeExecutionID string         `json:"node_execution_id"`
	PlanExecutionID string         `json:"plan_execution_id"`
	Units           []string       `json:"units,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
}

// TaskResult is what a remote worker reports back for a task
type TaskResult struct {
	TaskID         string         `json:"task_id"`
	Status         Status         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	UnitProgresses []UnitProgress `json:"unit_progresses,omitempty"`
}

// TaskResultFromResponse decodes a stored notify response into a task result.
// Error responses become FAILED results.
func TaskResultFromResponse(taskID string, resp ResponseData) TaskResult {
	var result TaskResult
	var decodeErr error
	if len(resp.Payload) > 0 {
		decodeErr = json.Unmarshal(resp.Payload, &result)
	}
	result.TaskID = taskID

	switch {
	case resp.Error:
		result.Status = StatusFailed
		if decodeErr != nil || result.ErrorMessage == "" {
			result.ErrorMessage = string(resp.Payload)
		}
	case decodeErr != nil:
		result = TaskResult{TaskID: taskID, Status: StatusFailed, ErrorMessage: "malformed task result: " + decodeErr.Error()}
	case result.Status == "":
		result.Status = StatusFailed
		result.ErrorMessage = "task result carried no status"
	}
	return result
}
