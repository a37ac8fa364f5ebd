package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// LocalConfig configures an in-process queue
type LocalConfig struct {
	WorkerCount int
	MaxRetries  int
	Backoff     time.Duration
}

// DeadJob is a job the local queue gave up on
type DeadJob struct {
	Job    *redis.JobMessage
	Reason models.DeadLetterReason
	Err    error
}

// LocalQueue runs jobs in-process with the same handlers the stream processor uses.
// Jobs queued from inside a handler never block.
type LocalQueue struct {
	handlers *Handlers
	config   LocalConfig
	logger   ectologger.Logger

	mu       sync.Mutex
	ready    []*redis.JobMessage
	inflight int
	idle     chan struct{}
	dead     []DeadJob
	wake     chan struct{}
}

func NewLocalQueue(handlers *Handlers, config LocalConfig, logger ectologger.Logger) *LocalQueue {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.Backoff <= 0 {
		config.Backoff = 50 * time.Millisecond
	}
	idle := make(chan struct{})
	close(idle)
	return &LocalQueue{
		handlers: handlers,
		config:   config,
		logger:   logger,
		idle:     idle,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue queues a notify event for the dispatcher
func (q *LocalQueue) Enqueue(ctx context.Context, event models.NotifyEvent) error {
	return q.push(JobTypeNotifyEvent, event)
}

// DispatchStart queues a node execution to be started
func (q *LocalQueue) DispatchStart(ctx context.Context, nodeExecutionID string) error {
	return q.push(JobTypeNodeStart, NodeStartJob{NodeExecutionID: nodeExecutionID})
}

func (q *LocalQueue) push(jobType string, payload any) error {
	job, err := redis.NewJobMessage(jobType, payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.inflight == 0 {
		q.idle = make(chan struct{})
	}
	q.inflight++
	q.ready = append(q.ready, job)
	q.mu.Unlock()

	metrics.RecordQueueJob(jobType, "published")
	q.signal()
	return nil
}

// requeue puts a job back without changing the in-flight count
func (q *LocalQueue) requeue(job *redis.JobMessage) {
	q.mu.Lock()
	q.ready = append(q.ready, job)
	q.mu.Unlock()
	q.signal()
}

func (q *LocalQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *LocalQueue) pop() *redis.JobMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	return job
}

func (q *LocalQueue) done() {
	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		close(q.idle)
	}
	q.mu.Unlock()
}

// Run processes jobs until ctx is cancelled
func (q *LocalQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.config.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
}

func (q *LocalQueue) work(ctx context.Context) {
	for {
		job := q.pop()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		// more work may be waiting for another worker
		q.signal()
		q.process(ctx, job)
	}
}

func (q *LocalQueue) process(ctx context.Context, job *redis.JobMessage) {
	err := q.handlers.Handle(ctx, job)
	if err == nil {
		metrics.RecordQueueJob(job.Type, "succeeded")
		q.done()
		return
	}
	metrics.RecordQueueJob(job.Type, "failed")

	reason, retryable := Classify(err)
	job.Attempts++
	if retryable && job.Attempts <= q.config.MaxRetries {
		q.logger.WithContext(ctx).WithError(err).Warnf("Job %s (%s) failed, retry %d", job.ID, job.Type, job.Attempts)
		time.AfterFunc(q.config.Backoff*time.Duration(job.Attempts), func() { q.requeue(job) })
		return
	}
	if retryable {
		reason = models.DLQReasonMaxRetries
	}

	q.logger.WithContext(ctx).WithError(err).Errorf("Job %s (%s) dead-lettered: %s", job.ID, job.Type, reason)
	metrics.RecordDLQJob(job.Type, string(reason))
	q.mu.Lock()
	q.dead = append(q.dead, DeadJob{Job: job, Reason: reason, Err: err})
	q.mu.Unlock()
	q.done()
}

// Wait blocks until no job is queued, running or waiting for a retry
func (q *LocalQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadJobs returns the jobs that were given up on
func (q *LocalQueue) DeadJobs() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadJob(nil), q.dead...)
}
