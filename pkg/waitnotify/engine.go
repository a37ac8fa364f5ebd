// Package waitnotify coordinates asynchronous completion: a waiter registers
// interest in a set of correlation ids, notifiers store responses, and queued
// events drive the registered callback once everything has arrived.
package waitnotify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EventQueue delivers notify events to a Dispatcher, at least once
type EventQueue interface {
	Enqueue(ctx context.Context, event models.NotifyEvent) error
}

// Engine registers waits and records notifications. It never runs callbacks itself.
type Engine struct {
	repo   repositories.WaitNotifyRepo
	queue  EventQueue
	logger ectologger.Logger
	now    func() time.Time
}

func NewEngine(repo repositories.WaitNotifyRepo, queue EventQueue, logger ectologger.Logger) *Engine {
	return &Engine{
		repo:   repo,
		queue:  queue,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WaitForAll registers callback to run once every correlation id has been notified
// or timeout elapses. It returns the wait instance id without blocking.
func (e *Engine) WaitForAll(ctx context.Context, timeout time.Duration, callback models.CallbackRef, correlationIDs ...string) (string, error) {
	return e.WaitForAllOnInList(ctx, timeout, callback, correlationIDs)
}

// WaitForAllOnInList is WaitForAll over a slice
func (e *Engine) WaitForAllOnInList(ctx context.Context, timeout time.Duration, callback models.CallbackRef, correlationIDs []string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyEngine.WaitForAll")
	defer span.End()

	ids := distinct(correlationIDs)
	if len(ids) == 0 {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "at least one correlation id is required")
	}
	for _, id := range ids {
		if id == "" {
			return "", httperror.NewHTTPError(http.StatusBadRequest, "correlation ids must not be empty")
		}
	}
	if callback.Type == "" {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "callback type is required")
	}
	if timeout <= 0 {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "timeout must be positive")
	}

	expiresAt := e.now().Add(timeout)
	instance := &models.WaitInstance{
		CorrelationIDs: ids,
		Callback:       callback,
		TimeoutMsec:    timeout.Milliseconds(),
		Status:         models.WaitStatusWaiting,
		ExpiresAt:      &expiresAt,
	}
	queues := make([]models.WaitQueue, 0, len(ids))
	for _, id := range ids {
		queues = append(queues, models.WaitQueue{CorrelationID: id})
	}

	if err := e.repo.CreateWaitInstance(ctx, instance, queues); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("callback_type", callback.Type).Error("failed to register wait")
		return "", err
	}

	logger := e.logger.WithContext(ctx).WithFields(map[string]any{
		"wait_instance_id": instance.ID,
		"callback_type":    callback.Type,
		"correlation_ids":  ids,
	})
	logger.Debug("wait registered")

	// responses may have been stored before the wait existed
	responses, err := e.repo.GetNotifyResponses(ctx, ids)
	if err != nil {
		logger.WithError(err).Warn("failed to check for early responses, the notifier will pick them up")
		return instance.ID, nil
	}
	if len(responses) == len(ids) {
		e.enqueue(ctx, models.NotifyEvent{WaitInstanceID: instance.ID, CorrelationIDs: ids}, "wait")
	}
	return instance.ID, nil
}

// Notify stores a successful response for correlationID and queues an event for every waiter
func (e *Engine) Notify(ctx context.Context, correlationID string, payload json.RawMessage) (string, error) {
	return e.notify(ctx, correlationID, payload, false)
}

// NotifyError stores a failed response for correlationID and queues an event for every waiter
func (e *Engine) NotifyError(ctx context.Context, correlationID string, payload json.RawMessage) (string, error) {
	return e.notify(ctx, correlationID, payload, true)
}

func (e *Engine) notify(ctx context.Context, correlationID string, payload json.RawMessage, isError bool) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyEngine.Notify")
	defer span.End()

	if correlationID == "" {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "correlation id is required")
	}

	response := &models.NotifyResponse{
		CorrelationID: correlationID,
		Payload:       payload,
		Error:         isError,
	}
	created, err := e.repo.SaveNotifyResponse(ctx, response)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("correlation_id", correlationID).Error("failed to store notify response")
		return "", err
	}
	logger := e.logger.WithContext(ctx).WithFields(map[string]any{
		"correlation_id":     correlationID,
		"notify_response_id": response.ID,
	})
	if !created {
		logger.Debug("duplicate notify, keeping the first response")
	}

	queues, err := e.repo.ListWaitQueuesByCorrelationIDs(ctx, []string{correlationID})
	if err != nil {
		logger.WithError(err).Warn("failed to resolve waiters, the notifier will pick them up")
		return response.ID, nil
	}
	for _, instanceID := range distinctInstances(queues) {
		e.enqueue(ctx, models.NotifyEvent{WaitInstanceID: instanceID, CorrelationIDs: []string{correlationID}}, "notify")
	}
	return response.ID, nil
}

// enqueue failures are not fatal: the stored response and wait queue rows let the notifier redeliver
func (e *Engine) enqueue(ctx context.Context, event models.NotifyEvent, source string) {
	if err := e.queue.Enqueue(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("wait_instance_id", event.WaitInstanceID).Warn("failed to enqueue notify event")
		return
	}
	metrics.RecordNotifyEnqueued(source)
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// distinctInstances returns the wait instance ids of queues in first-seen order
func distinctInstances(queues []models.WaitQueue) []string {
	ids := make([]string, 0, len(queues))
	for _, q := range queues {
		ids = append(ids, q.WaitInstanceID)
	}
	return distinct(ids)
}

// GroupByInstance maps each wait instance to the correlation ids it is waiting on among queues
func GroupByInstance(queues []models.WaitQueue) (order []string, grouped map[string][]string) {
	grouped = map[string][]string{}
	for _, q := range queues {
		if _, ok := grouped[q.WaitInstanceID]; !ok {
			order = append(order, q.WaitInstanceID)
		}
		grouped[q.WaitInstanceID] = append(grouped[q.WaitInstanceID], q.CorrelationID)
	}
	return order, grouped
}
