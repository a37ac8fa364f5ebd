package waitnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// UnknownCallbackError is returned when a wait instance names a callback type nobody registered
type UnknownCallbackError struct {
	CallbackType string
}

func (e *UnknownCallbackError) Error() string {
	return fmt.Sprintf("no handler registered for callback type %s", e.CallbackType)
}

// Dispatcher consumes notify events and runs the resolved callbacks.
// Wait instance status moves by compare-and-set, so duplicate events are no-ops.
// Both deliveries and timeouts hold the instance in PROCESSING while their callback runs.
type Dispatcher struct {
	repo     repositories.WaitNotifyRepo
	registry *CallbackRegistry
	logger   ectologger.Logger
	now      func() time.Time
}

func NewDispatcher(repo repositories.WaitNotifyRepo, registry *CallbackRegistry, logger ectologger.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		registry: registry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for expiry checks
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Handle evaluates one wait instance. A returned error means the event should be redelivered.
func (d *Dispatcher) Handle(ctx context.Context, event models.NotifyEvent) error {
	ctx, span := tracing.StartSpan(ctx, "NotifyDispatcher.Handle")
	defer span.End()

	logger := d.logger.WithContext(ctx).WithFields(map[string]any{
		"wait_instance_id": event.WaitInstanceID,
		"timeout":          event.Timeout,
	})

	instance, err := d.repo.GetWaitInstance(ctx, event.WaitInstanceID)
	if repositories.IsNotFound(err) {
		logger.Debug("wait instance no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	if instance.Status != models.WaitStatusWaiting {
		metrics.RecordNotifyHandled(instance.Callback.Type, "skipped")
		logger.WithField("status", instance.Status).Debug("wait instance already resolved")
		return nil
	}

	stored, err := d.repo.GetNotifyResponses(ctx, instance.CorrelationIDs)
	if err != nil {
		return err
	}
	responses := make(map[string]models.ResponseData, len(stored))
	anyError := false
	for _, r := range stored {
		responses[r.CorrelationID] = models.ResponseData{Payload: r.Payload, Error: r.Error}
		anyError = anyError || r.Error
	}
	complete := len(responses) == len(instance.CorrelationIDs)

	if !complete {
		if !instance.IsExpired(d.now()) {
			logger.WithField("received", len(responses)).Debug("wait instance still waiting")
			return nil
		}
		return d.timeout(ctx, logger, instance, responses)
	}

	handler, ok := d.registry.Resolve(instance.Callback.Type)
	if !ok {
		return &UnknownCallbackError{CallbackType: instance.Callback.Type}
	}

	claimed, err := d.repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusWaiting, models.WaitStatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("wait instance claimed by another delivery")
		return nil
	}

	if anyError {
		err = safeCall(func() error { return handler.NotifyError(ctx, instance.Callback.Payload, responses) })
	} else {
		err = safeCall(func() error { return handler.Notify(ctx, instance.Callback.Payload, responses) })
	}
	if err != nil {
		metrics.RecordNotifyHandled(instance.Callback.Type, "error")
		logger.WithError(err).Warn("notify callback failed, releasing wait instance for redelivery")
		if _, revertErr := d.repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusProcessing, models.WaitStatusWaiting); revertErr != nil {
			logger.WithError(revertErr).Error("failed to release wait instance")
		}
		return err
	}

	if _, err := d.repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusProcessing, models.WaitStatusDone); err != nil {
		logger.WithError(err).Error("failed to mark wait instance done")
	}
	metrics.RecordNotifyHandled(instance.Callback.Type, "done")
	d.cleanup(ctx, logger, instance)
	return nil
}

func (d *Dispatcher) timeout(ctx context.Context, logger ectologger.Logger, instance *models.WaitInstance, responses map[string]models.ResponseData) error {
	handler, ok := d.registry.Resolve(instance.Callback.Type)
	if !ok {
		return &UnknownCallbackError{CallbackType: instance.Callback.Type}
	}

	claimed, err := d.repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusWaiting, models.WaitStatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	logger.WithField("received", len(responses)).Info("wait instance timed out")
	if err := safeCall(func() error { return handler.NotifyTimeout(ctx, instance.Callback.Payload, responses) }); err != nil {
		metrics.RecordNotifyHandled(instance.Callback.Type, "error")
		logger.WithError(err).Warn("timeout callback failed, releasing wait instance for redelivery")
		if _, revertErr := d.repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusProcessing, models.WaitStatusWaiting); revertErr != nil {
			logger.WithError(revertErr).Error("failed to release wait instance")
		}
		return err
	}

	if _, err := d.repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusProcessing, models.WaitStatusTimedOut); err != nil {
		logger.WithError(err).Error("failed to mark wait instance timed out")
	}

	metrics.RecordNotifyHandled(instance.Callback.Type, "timeout")
	d.cleanup(ctx, logger, instance)
	return nil
}

// cleanup drops the instance's queue rows and any response nobody else waits on
func (d *Dispatcher) cleanup(ctx context.Context, logger ectologger.Logger, instance *models.WaitInstance) {
	if err := d.repo.DeleteWaitQueues(ctx, instance.ID, nil); err != nil {
		logger.WithError(err).Warn("failed to delete wait queues")
		return
	}
	if _, err := d.repo.DeleteOrphanNotifyResponses(ctx, instance.CorrelationIDs, nil); err != nil {
		logger.WithError(err).Warn("failed to delete consumed notify responses")
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn()
}
