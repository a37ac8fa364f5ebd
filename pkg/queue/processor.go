package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultBatchSize     = 10
	DefaultBlockTimeout  = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultClaimInterval = 30 * time.Second
	DefaultClaimMinIdle  = 60 * time.Second
)

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	Stream        string
	ConsumerGroup string
	// ConsumerName must be unique per instance
	ConsumerName string
	BatchSize    int64
	BlockTimeout time.Duration
	// MaxRetries is how many redeliveries a job gets before it is dead-lettered
	MaxRetries    int
	ClaimInterval time.Duration
	// ClaimMinIdle is how long a delivery may stay unacknowledged before another consumer takes it
	ClaimMinIdle time.Duration
	WorkerCount  int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "fern:jobs",
		ConsumerGroup: "fern-engine",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   4,
	}
}

// Processor consumes engine jobs from a Redis Streams consumer group
type Processor struct {
	streams  *redis.Streams
	dlq      *redis.DeadLetterQueue
	handlers *Handlers
	config   ProcessorConfig
	logger   ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	mu      sync.RWMutex
}

func NewProcessor(
	streams *redis.Streams,
	dlq *redis.DeadLetterQueue,
	handlers *Handlers,
	config ProcessorConfig,
	logger ectologger.Logger,
) *Processor {
	defaults := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaults.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		dlq:      dlq,
		handlers: handlers,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

// Start creates the consumer group and launches the consumer, claimer and workers
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var wg sync.WaitGroup
	var feeders sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, i)
	}

	feeders.Add(2)
	go p.consumeLoop(ctx, &feeders)
	go p.claimLoop(ctx, &feeders)

	go func() {
		<-p.stopCh
		feeders.Wait()
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	return nil
}

// Stop stops the processor and waits for in-flight jobs
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			if msg.DecodeErr != nil {
				p.deadLetter(ctx, msg, 0, models.DLQReasonInvalidJob, msg.DecodeErr.Error())
				continue
			}
			select {
			case p.jobsCh <- msg:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages takes over stale deliveries and dead-letters the ones out of retries
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount > int64(p.config.MaxRetries) {
			p.deadLetterByID(ctx, msg.ID, int(msg.RetryCount), models.DLQReasonMaxRetries, "exceeded maximum retry count")
			continue
		}
		staleIDs = append(staleIDs, msg.ID)
	}
	if len(staleIDs) == 0 {
		return
	}

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}
	p.logger.WithContext(ctx).Infof("Claimed %d stale pending messages", len(claimed))

	for _, msg := range claimed {
		if msg.DecodeErr != nil {
			p.deadLetter(ctx, msg, 0, models.DLQReasonInvalidJob, msg.DecodeErr.Error())
			continue
		}
		select {
		case p.jobsCh <- msg:
		case <-p.stopCh:
			return
		default:
			// workers are saturated; the next claim pass picks it up
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	for msg := range p.jobsCh {
		err := p.processJob(ctx, msg)
		if err == nil {
			if ackErr := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); ackErr != nil {
				p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack message %s", msg.ID)
			}
			continue
		}

		reason, retryable := Classify(err)
		if !retryable {
			p.deadLetter(ctx, msg, msg.Job.Attempts, reason, err.Error())
			continue
		}
		// left pending; claimed again after ClaimMinIdle
		p.logger.WithContext(ctx).WithError(err).Warnf("Job %s failed in worker %d, will be retried", msg.Job.ID, id)
	}
}

// processJob runs the job's handler with the job's trace and ids on the context
func (p *Processor) processJob(ctx context.Context, msg redis.StreamMessage) error {
	job := msg.Job
	ctx = tracing.ContextWithTraceParent(ctx, job.TraceParent, job.TraceState)
	ctx, span := tracing.StartSpan(ctx, "Processor.processJob")
	defer span.End()

	ctx = appctx.SetRequestID(ctx, job.ID)
	nodeExecutionID, _ := jobSubject(job)
	if nodeExecutionID != "" {
		ctx = appctx.SetNodeExecutionID(ctx, nodeExecutionID)
	}

	start := time.Now()
	err := p.handlers.Handle(ctx, job)
	duration := time.Since(start)

	if err != nil {
		metrics.RecordQueueJob(job.Type, "failed")
		p.logger.WithContext(ctx).WithError(err).Warnf("Job %s (%s) failed after %s", job.ID, job.Type, duration)
		return err
	}
	metrics.RecordQueueJob(job.Type, "succeeded")
	p.logger.WithContext(ctx).Debugf("Job %s (%s) completed in %s", job.ID, job.Type, duration)
	return nil
}

func (p *Processor) deadLetterByID(ctx context.Context, messageID string, retryCount int, reason models.DeadLetterReason, errorMsg string) {
	messages, err := p.streams.Range(ctx, p.config.Stream, messageID, messageID)
	if err != nil || len(messages) == 0 {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to load message %s for DLQ", messageID)
		p.ack(ctx, messageID)
		return
	}
	p.deadLetter(ctx, messages[0], retryCount, reason, errorMsg)
}

// deadLetter records msg in the DLQ and acknowledges it so it is not redelivered
func (p *Processor) deadLetter(ctx context.Context, msg redis.StreamMessage, retryCount int, reason models.DeadLetterReason, errorMsg string) {
	ctx, span := tracing.StartSpan(ctx, "Processor.deadLetter")
	defer span.End()

	jobType := "unknown"
	if msg.Job != nil {
		jobType = msg.Job.Type
	}

	if p.dlq != nil {
		nodeExecutionID, waitInstanceID := jobSubject(msg.Job)
		entry := &redis.DLQEntry{
			JobType:         jobType,
			NodeExecutionID: nodeExecutionID,
			WaitInstanceID:  waitInstanceID,
			OriginalJob:     msg.Job,
			Reason:          reason,
			ErrorMessage:    errorMsg,
			RetryCount:      retryCount,
		}
		if _, err := p.dlq.Add(ctx, entry); err != nil {
			p.logger.WithContext(ctx).WithError(err).Errorf("Failed to add message %s to DLQ", msg.ID)
		} else {
			metrics.RecordDLQJob(jobType, string(reason))
		}
	}
	p.ack(ctx, msg.ID)
}

func (p *Processor) ack(ctx context.Context, messageID string) {
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, messageID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", messageID)
	}
}
