package models

// DeadLetterReason represents why a job was sent to the DLQ
type DeadLetterReason string

const (
	DLQReasonMaxRetries    DeadLetterReason = "max_retries_exceeded"
	DLQReasonInvalidJob    DeadLetterReason = "invalid_job"
	DLQReasonNodeNotFound  DeadLetterReason = "node_not_found"
	DLQReasonCallbackError DeadLetterReason = "callback_error"
	DLQReasonUnknown       DeadLetterReason = "unknown"
)
