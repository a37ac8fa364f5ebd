package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/waitnotify"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// lossyQueue drops events while drop is set, standing in for a lost delivery
type lossyQueue struct {
	mu     sync.Mutex
	drop   bool
	events []models.NotifyEvent
}

func (q *lossyQueue) Enqueue(_ context.Context, event models.NotifyEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drop {
		return errors.New("queue unavailable")
	}
	q.events = append(q.events, event)
	return nil
}

func (q *lossyQueue) setDrop(drop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drop = drop
}

func (q *lossyQueue) drain() []models.NotifyEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

type countingCallback struct {
	count *int
}

func (c countingCallback) Notify(context.Context, json.RawMessage, map[string]models.ResponseData) error {
	*c.count++
	return nil
}

func (c countingCallback) NotifyError(context.Context, json.RawMessage, map[string]models.ResponseData) error {
	*c.count++
	return nil
}

func (c countingCallback) NotifyTimeout(context.Context, json.RawMessage, map[string]models.ResponseData) error {
	return nil
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, time.Duration, func() error) error {
	return errLockBusy
}

var errLockBusy = redis.ErrLockNotAcquired

type fixture struct {
	store    *memory.Store
	queue    *lossyQueue
	engine   *waitnotify.Engine
	notifier *Notifier
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewStore()
	queue := &lossyQueue{}
	logger := getTestLogger()
	return &fixture{
		store:    store,
		queue:    queue,
		engine:   waitnotify.NewEngine(store.WaitNotify(), queue, logger),
		notifier: NewNotifier(store.WaitNotify(), queue, NewLocalLocker(), cfg, logger),
	}
}

func callback(t *testing.T) models.CallbackRef {
	ref, err := models.NewCallbackRef("test", map[string]string{"node": "n1"})
	require.NoError(t, err)
	return ref
}

func TestRunCycle_RedeliversLostEvents(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	waitID, err := f.engine.WaitForAll(ctx, time.Hour, callback(t), "a", "b")
	require.NoError(t, err)

	f.queue.setDrop(true)
	_, err = f.engine.Notify(ctx, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.engine.Notify(ctx, "b", json.RawMessage(`{}`))
	require.NoError(t, err)
	f.queue.setDrop(false)
	require.Empty(t, f.queue.drain())

	result := f.notifier.RunCycle(ctx)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 2, result.Responses)
	assert.Equal(t, 1, result.Enqueued)

	events := f.queue.drain()
	require.Len(t, events, 1)
	assert.Equal(t, waitID, events[0].WaitInstanceID)
	assert.ElementsMatch(t, []string{"a", "b"}, events[0].CorrelationIDs)
	assert.False(t, events[0].Timeout)
}

func TestRunCycle_TimeoutSweep(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	waitID, err := f.engine.WaitForAll(ctx, time.Minute, callback(t), "a")
	require.NoError(t, err)
	_, err = f.engine.WaitForAll(ctx, time.Hour, callback(t), "b")
	require.NoError(t, err)

	result := f.notifier.RunCycle(ctx)
	assert.Zero(t, result.TimedOut)

	f.notifier.SetClock(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
	result = f.notifier.RunCycle(ctx)
	assert.Equal(t, 1, result.TimedOut)

	events := f.queue.drain()
	require.Len(t, events, 1)
	assert.Equal(t, waitID, events[0].WaitInstanceID)
	assert.True(t, events[0].Timeout)
}

func TestRunCycle_ReclaimsStaleProcessingClaims(t *testing.T) {
	f := newFixture(t, Config{ClaimLease: time.Minute})
	ctx := context.Background()
	repo := f.store.WaitNotify()

	stuckID, err := f.engine.WaitForAll(ctx, time.Hour, callback(t), "a")
	require.NoError(t, err)
	_, err = f.engine.Notify(ctx, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	f.queue.drain()

	// a delivery claimed the instance and its process died before finishing
	claimed, err := repo.UpdateWaitInstanceStatus(ctx, stuckID, models.WaitStatusWaiting, models.WaitStatusProcessing)
	require.NoError(t, err)
	require.True(t, claimed)

	result := f.notifier.RunCycle(ctx)
	assert.Zero(t, result.Reclaimed, "claim still within its lease")
	instance, err := repo.GetWaitInstance(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, models.WaitStatusProcessing, instance.Status)
	require.NotNil(t, instance.ClaimedAt)
	f.queue.drain()

	f.notifier.SetClock(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
	result = f.notifier.RunCycle(ctx)
	assert.Equal(t, 1, result.Reclaimed)

	instance, err = repo.GetWaitInstance(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, models.WaitStatusWaiting, instance.Status)
	assert.Nil(t, instance.ClaimedAt)

	var reclaimed []models.NotifyEvent
	for _, e := range f.queue.drain() {
		if e.WaitInstanceID == stuckID {
			reclaimed = append(reclaimed, e)
		}
	}
	require.NotEmpty(t, reclaimed)
	assert.Equal(t, []string{"a"}, reclaimed[0].CorrelationIDs)
	assert.False(t, reclaimed[0].Timeout)
}

func TestRunCycle_ReclaimedInstanceIsDeliveredAgain(t *testing.T) {
	f := newFixture(t, Config{ClaimLease: time.Minute})
	ctx := context.Background()
	repo := f.store.WaitNotify()

	registry := waitnotify.NewCallbackRegistry()
	delivered := 0
	require.NoError(t, registry.Register("test", countingCallback{count: &delivered}))
	dispatcher := waitnotify.NewDispatcher(repo, registry, getTestLogger())

	waitID, err := f.engine.WaitForAll(ctx, time.Hour, callback(t), "a")
	require.NoError(t, err)
	_, err = f.engine.Notify(ctx, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	f.queue.drain()
	_, err = repo.UpdateWaitInstanceStatus(ctx, waitID, models.WaitStatusWaiting, models.WaitStatusProcessing)
	require.NoError(t, err)

	// the stuck instance ignores events until its claim is released
	require.NoError(t, dispatcher.Handle(ctx, models.NotifyEvent{WaitInstanceID: waitID}))
	assert.Zero(t, delivered)

	f.notifier.SetClock(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
	f.notifier.RunCycle(ctx)
	for _, e := range f.queue.drain() {
		require.NoError(t, dispatcher.Handle(ctx, e))
	}

	assert.Equal(t, 1, delivered)
	instance, err := repo.GetWaitInstance(ctx, waitID)
	require.NoError(t, err)
	assert.Equal(t, models.WaitStatusDone, instance.Status)
}

func TestRunCycle_PageCap(t *testing.T) {
	f := newFixture(t, Config{PageSize: 1, MaxPages: 2})
	ctx := context.Background()

	_, err := f.engine.WaitForAll(ctx, time.Hour, callback(t), "a", "b", "c")
	require.NoError(t, err)
	f.queue.setDrop(true)
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.engine.Notify(ctx, id, nil)
		require.NoError(t, err)
	}
	f.queue.setDrop(false)

	result := f.notifier.RunCycle(ctx)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 2, result.Responses)
	assert.Equal(t, 2, result.Enqueued)
}

func TestRunCycle_PrunesOrphanResponses(t *testing.T) {
	f := newFixture(t, Config{ResponseRetention: time.Hour})
	ctx := context.Background()

	_, err := f.engine.Notify(ctx, "nobody-waits", nil)
	require.NoError(t, err)
	_, err = f.engine.WaitForAll(ctx, 2*time.Hour, callback(t), "someone-waits")
	require.NoError(t, err)
	_, err = f.engine.Notify(ctx, "someone-waits", nil)
	require.NoError(t, err)

	result := f.notifier.RunCycle(ctx)
	assert.Zero(t, result.Pruned, "fresh orphans are kept for the retention window")

	f.notifier.SetClock(func() time.Time { return time.Now().UTC().Add(90 * time.Minute) })
	result = f.notifier.RunCycle(ctx)
	assert.Equal(t, int64(1), result.Pruned)

	remaining, err := f.store.WaitNotify().GetNotifyResponses(ctx, []string{"nobody-waits", "someone-waits"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "someone-waits", remaining[0].CorrelationID)
}

func TestRunCycle_SkipsWhenLockBusy(t *testing.T) {
	store := memory.NewStore()
	queue := &lossyQueue{}
	n := NewNotifier(store.WaitNotify(), queue, busyLocker{}, DefaultConfig(), getTestLogger())

	result := n.RunCycle(context.Background())
	assert.True(t, result.Skipped)
	assert.Empty(t, queue.drain())
}

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	err := l.WithLock(ctx, LockKey, time.Second, func() error {
		inner := l.WithLock(ctx, LockKey, time.Second, func() error { return nil })
		assert.ErrorIs(t, inner, errLockBusy)
		return nil
	})
	require.NoError(t, err)

	ran := false
	require.NoError(t, l.WithLock(ctx, LockKey, time.Second, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, f.notifier.Start(ctx))
	assert.True(t, f.notifier.IsRunning())
	assert.ErrorIs(t, f.notifier.Start(ctx), ErrNotifierAlreadyRunning)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.notifier.Stop(stopCtx))
	assert.False(t, f.notifier.IsRunning())
}
