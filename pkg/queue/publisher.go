package queue

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Publisher puts engine work on the Redis job stream.
// It is both the notify event queue and the engine's start dispatcher.
type Publisher struct {
	streams *redis.Streams
	stream  string
}

func NewPublisher(streams *redis.Streams, stream string) *Publisher {
	return &Publisher{streams: streams, stream: stream}
}

// Enqueue queues a notify event for the dispatcher
func (p *Publisher) Enqueue(ctx context.Context, event models.NotifyEvent) error {
	return p.publish(ctx, JobTypeNotifyEvent, event)
}

// DispatchStart queues a node execution to be started
func (p *Publisher) DispatchStart(ctx context.Context, nodeExecutionID string) error {
	return p.publish(ctx, JobTypeNodeStart, NodeStartJob{NodeExecutionID: nodeExecutionID})
}

func (p *Publisher) publish(ctx context.Context, jobType string, payload any) error {
	ctx, span := tracing.StartSpan(ctx, "Publisher.publish")
	defer span.End()

	job, err := redis.NewJobMessage(jobType, payload)
	if err != nil {
		return err
	}
	job.TraceParent = tracing.GetTraceParent(ctx)
	job.TraceState = tracing.GetTraceState(ctx)

	if _, err := p.streams.Publish(ctx, p.stream, job); err != nil {
		metrics.RecordQueueJob(jobType, "publish_failed")
		return err
	}
	metrics.RecordQueueJob(jobType, "published")
	return nil
}
