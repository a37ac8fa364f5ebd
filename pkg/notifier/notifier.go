// Package notifier periodically re-drives wait instances whose events were lost,
// reclaims instances a crashed delivery left in PROCESSING, times out expired waits
// and prunes orphaned notify responses.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/waitnotify"
)

var (
	// ErrNotifierAlreadyRunning is returned when trying to start an already running notifier
	ErrNotifierAlreadyRunning = errors.New("notifier already running")
)

const (
	DefaultPollInterval      = 10 * time.Second
	DefaultLockTTL           = 60 * time.Second
	DefaultPageSize          = 500
	DefaultMaxPages          = 20
	DefaultConcurrency       = 8
	DefaultResponseRetention = 24 * time.Hour
	DefaultClaimLease        = 5 * time.Minute

	// LockKey serializes poll cycles across instances
	LockKey = "notifier:poll"
)

// Locker runs fn while holding a named lock.
// redis.ErrLockNotAcquired means another holder has it and fn did not run.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Config holds configuration for the notifier
type Config struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	PageSize     int
	// MaxPages caps how many pages one cycle reads
	MaxPages    int
	Concurrency int
	// ResponseRetention is how long an unreferenced response is kept before it is deleted
	ResponseRetention time.Duration
	// ClaimLease is how long a delivery may hold a wait instance in PROCESSING before it is released
	ClaimLease time.Duration
}

// DefaultConfig returns the default notifier configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:      DefaultPollInterval,
		LockTTL:           DefaultLockTTL,
		PageSize:          DefaultPageSize,
		MaxPages:          DefaultMaxPages,
		Concurrency:       DefaultConcurrency,
		ResponseRetention: DefaultResponseRetention,
		ClaimLease:        DefaultClaimLease,
	}
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	Pages     int
	Responses int
	Enqueued  int
	Reclaimed int
	TimedOut  int
	Pruned    int64
	Skipped   bool
}

// Notifier polls for notify responses that still have waiters
type Notifier struct {
	repo   repositories.WaitNotifyRepo
	queue  waitnotify.EventQueue
	locker Locker
	config Config
	logger ectologger.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewNotifier(
	repo repositories.WaitNotifyRepo,
	queue waitnotify.EventQueue,
	locker Locker,
	config Config,
	logger ectologger.Logger,
) *Notifier {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.MaxPages <= 0 {
		config.MaxPages = DefaultMaxPages
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.ResponseRetention <= 0 {
		config.ResponseRetention = DefaultResponseRetention
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = DefaultClaimLease
	}

	return &Notifier{
		repo:     repo,
		queue:    queue,
		locker:   locker,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// SetClock overrides the notifier's time source
func (n *Notifier) SetClock(now func() time.Time) {
	n.now = now
}

// Start starts the poll loop
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrNotifierAlreadyRunning
	}
	n.running = true
	n.mu.Unlock()

	n.logger.WithContext(ctx).Infof("Starting notifier: poll_interval=%s page_size=%d max_pages=%d",
		n.config.PollInterval, n.config.PageSize, n.config.MaxPages)

	go n.pollLoop(ctx)
	return nil
}

// Stop stops the notifier gracefully
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	n.logger.WithContext(ctx).Info("Stopping notifier...")
	close(n.stopCh)

	select {
	case <-n.stoppedC:
		n.logger.WithContext(ctx).Info("Notifier stopped gracefully")
	case <-ctx.Done():
		n.logger.WithContext(ctx).Warn("Notifier shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (n *Notifier) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

func (n *Notifier) pollLoop(ctx context.Context) {
	defer close(n.stoppedC)

	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.RunCycle(ctx)
		}
	}
}

// RunCycle runs one poll cycle under the distributed lock.
// Errors are logged and swallowed; a busy lock skips the cycle.
func (n *Notifier) RunCycle(ctx context.Context) CycleResult {
	ctx = appctx.SetRequestID(ctx, uuid.New().String())
	ctx, span := tracing.StartSpan(ctx, "Notifier.RunCycle")
	defer span.End()

	start := time.Now()
	var result CycleResult

	err := n.locker.WithLock(ctx, LockKey, n.config.LockTTL, func() error {
		return n.cycle(ctx, &result)
	})

	duration := time.Since(start).Seconds()
	switch {
	case errors.Is(err, redis.ErrLockNotAcquired):
		result.Skipped = true
		metrics.RecordNotifierCycle("skipped", duration)
		n.logger.WithContext(ctx).Debug("Notifier lock busy, skipping cycle")
	case err != nil:
		metrics.RecordNotifierCycle("error", duration)
		n.logger.WithContext(ctx).WithError(err).Error("Notifier cycle failed")
	default:
		metrics.RecordNotifierCycle("ok", duration)
		n.logger.WithContext(ctx).WithFields(map[string]any{
			"pages":     result.Pages,
			"responses": result.Responses,
			"enqueued":  result.Enqueued,
			"reclaimed": result.Reclaimed,
			"timed_out": result.TimedOut,
			"pruned":    result.Pruned,
		}).Debug("Notifier cycle completed")
	}
	return result
}

func (n *Notifier) cycle(ctx context.Context, result *CycleResult) error {
	if err := n.reclaim(ctx, result); err != nil {
		return err
	}
	if err := n.redeliver(ctx, result); err != nil {
		return err
	}
	if err := n.sweepTimeouts(ctx, result); err != nil {
		return err
	}
	return n.pruneResponses(ctx, result)
}

// redeliver pages through stored responses and queues one event per waiting instance
func (n *Notifier) redeliver(ctx context.Context, result *CycleResult) error {
	for page := 0; page < n.config.MaxPages; page++ {
		responses, err := n.repo.ListNotifyResponses(ctx, page*n.config.PageSize, n.config.PageSize)
		if err != nil {
			return err
		}
		if len(responses) == 0 {
			return nil
		}
		result.Pages++
		result.Responses += len(responses)

		correlationIDs := make([]string, 0, len(responses))
		for _, r := range responses {
			correlationIDs = append(correlationIDs, r.CorrelationID)
		}
		queues, err := n.repo.ListWaitQueuesByCorrelationIDs(ctx, correlationIDs)
		if err != nil {
			return err
		}

		order, grouped := waitnotify.GroupByInstance(queues)
		events := make([]models.NotifyEvent, 0, len(order))
		for _, instanceID := range order {
			events = append(events, models.NotifyEvent{WaitInstanceID: instanceID, CorrelationIDs: grouped[instanceID]})
		}
		result.Enqueued += n.enqueueAll(ctx, events)

		if len(responses) < n.config.PageSize {
			return nil
		}
	}
	n.logger.WithContext(ctx).Warnf("Notifier reached the %d page cap, remaining responses wait for the next cycle", n.config.MaxPages)
	return nil
}

// reclaim releases instances held in PROCESSING past the claim lease back to WAITING
// and queues an event for each, so a delivery that died mid-callback runs again
func (n *Notifier) reclaim(ctx context.Context, result *CycleResult) error {
	stale, err := n.repo.ListStaleClaims(ctx, n.now().Add(-n.config.ClaimLease), n.config.PageSize)
	if err != nil {
		return err
	}
	events := make([]models.NotifyEvent, 0, len(stale))
	for _, w := range stale {
		released, err := n.repo.UpdateWaitInstanceStatus(ctx, w.ID, models.WaitStatusProcessing, models.WaitStatusWaiting)
		if err != nil {
			return err
		}
		if !released {
			continue
		}
		n.logger.WithContext(ctx).WithFields(map[string]any{
			"wait_instance_id": w.ID,
			"claimed_at":       w.ClaimedAt,
		}).Warn("Wait instance claim expired, releasing for redelivery")
		events = append(events, models.NotifyEvent{WaitInstanceID: w.ID, CorrelationIDs: w.CorrelationIDs})
	}
	result.Reclaimed = len(events)
	n.enqueueAll(ctx, events)
	return nil
}

// sweepTimeouts queues a timeout event for every expired wait still in WAITING
func (n *Notifier) sweepTimeouts(ctx context.Context, result *CycleResult) error {
	expired, err := n.repo.ListExpiredWaitInstances(ctx, n.now(), n.config.PageSize)
	if err != nil {
		return err
	}
	events := make([]models.NotifyEvent, 0, len(expired))
	for _, w := range expired {
		events = append(events, models.NotifyEvent{WaitInstanceID: w.ID, Timeout: true})
	}
	result.TimedOut = n.enqueueAll(ctx, events)
	return nil
}

func (n *Notifier) pruneResponses(ctx context.Context, result *CycleResult) error {
	cutoff := n.now().Add(-n.config.ResponseRetention)
	deleted, err := n.repo.DeleteOrphanNotifyResponses(ctx, nil, &cutoff)
	if err != nil {
		return err
	}
	result.Pruned = deleted
	return nil
}

// enqueueAll fans events out to the queue and returns how many were accepted.
// A failed enqueue is logged; the next cycle retries it.
func (n *Notifier) enqueueAll(ctx context.Context, events []models.NotifyEvent) int {
	var (
		mu       sync.Mutex
		enqueued int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.config.Concurrency)
	for _, event := range events {
		g.Go(func() error {
			if err := n.queue.Enqueue(gctx, event); err != nil {
				n.logger.WithContext(gctx).WithError(err).WithField("wait_instance_id", event.WaitInstanceID).Warn("Failed to enqueue notify event")
				return nil
			}
			metrics.RecordNotifyEnqueued("notifier")
			mu.Lock()
			enqueued++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return enqueued
}
