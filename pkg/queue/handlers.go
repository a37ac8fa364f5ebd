package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/waitnotify"
)

const (
	// JobTypeNodeStart starts a queued node execution
	JobTypeNodeStart = "node_start"
	// JobTypeNotifyEvent re-evaluates one wait instance
	JobTypeNotifyEvent = "notify_event"
)

// ErrUnknownJobType is returned for a job no handler is registered for
var ErrUnknownJobType = errors.New("unknown job type")

// NodeStartJob is the payload of a node_start job
type NodeStartJob struct {
	NodeExecutionID string `json:"node_execution_id"`
}

// JobHandler processes one job. An error leaves the job pending for redelivery.
type JobHandler func(ctx context.Context, job *redis.JobMessage) error

// Handlers maps job types to handlers
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

func NewHandlers() *Handlers {
	return &Handlers{handlers: map[string]JobHandler{}}
}

func (h *Handlers) Register(jobType string, handler JobHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[jobType] = handler
}

// Handle routes job to its handler
func (h *Handlers) Handle(ctx context.Context, job *redis.JobMessage) error {
	h.mu.RLock()
	handler, ok := h.handlers[job.Type]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	return handler(ctx, job)
}

// NodeStarter starts node executions
type NodeStarter interface {
	StartNodeExecution(ctx context.Context, nodeExecutionID string) error
}

// NotifyEventHandler consumes notify events
type NotifyEventHandler interface {
	Handle(ctx context.Context, event models.NotifyEvent) error
}

// NodeStartHandler adapts a NodeStarter to node_start jobs
func NodeStartHandler(starter NodeStarter) JobHandler {
	return func(ctx context.Context, job *redis.JobMessage) error {
		var payload NodeStartJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.NodeExecutionID == "" {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid node_start payload for job %s", job.ID)
		}
		return starter.StartNodeExecution(ctx, payload.NodeExecutionID)
	}
}

// NotifyEventJobHandler adapts a dispatcher to notify_event jobs
func NotifyEventJobHandler(dispatcher NotifyEventHandler) JobHandler {
	return func(ctx context.Context, job *redis.JobMessage) error {
		var event models.NotifyEvent
		if err := json.Unmarshal(job.Payload, &event); err != nil || event.WaitInstanceID == "" {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid notify_event payload for job %s", job.ID)
		}
		return dispatcher.Handle(ctx, event)
	}
}

// Classify decides whether a failed job is worth retrying and, if not, why it is dead-lettered
func Classify(err error) (reason models.DeadLetterReason, retryable bool) {
	var unknownCallback *waitnotify.UnknownCallbackError
	switch {
	case errors.Is(err, ErrUnknownJobType):
		return models.DLQReasonInvalidJob, false
	case errors.As(err, &unknownCallback):
		return models.DLQReasonCallbackError, false
	case httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound:
		return models.DLQReasonNodeNotFound, false
	case httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusBadRequest:
		return models.DLQReasonInvalidJob, false
	default:
		return models.DLQReasonUnknown, true
	}
}

// jobSubject pulls the node or wait instance id out of a job for logging and DLQ entries
func jobSubject(job *redis.JobMessage) (nodeExecutionID, waitInstanceID string) {
	if job == nil {
		return "", ""
	}
	switch job.Type {
	case JobTypeNodeStart:
		var payload NodeStartJob
		if json.Unmarshal(job.Payload, &payload) == nil {
			return payload.NodeExecutionID, ""
		}
	case JobTypeNotifyEvent:
		var event models.NotifyEvent
		if json.Unmarshal(job.Payload, &event) == nil {
			return "", event.WaitInstanceID
		}
	}
	return "", ""
}
