package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Lifecycle event types
const (
	EventNodeStatusChanged = "node.status_changed"
	EventPlanCompleted     = "plan.completed"
)

// MessageWriter is the subset of *kafka.Writer the producer needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// InterruptEvent asks the worker running a node's task to stop.
// The worker acknowledges by responding with NotifyID as the correlation id.
type InterruptEvent struct {
	NotifyID        string               `json:"notify_id"`
	InterruptID     string               `json:"interrupt_id"`
	Type            models.InterruptType `json:"type"`
	PlanExecutionID string               `json:"plan_execution_id"`
	NodeExecutionID string               `json:"node_execution_id"`
	TaskID          string               `json:"task_id,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
}

// TaskAbortRequest cancels a remote task outright
type TaskAbortRequest struct {
	TaskID          string    `json:"task_id"`
	NodeExecutionID string    `json:"node_execution_id"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// LifecycleEvent reports node and plan status changes to downstream consumers
type LifecycleEvent struct {
	Type            string        `json:"type"`
	PlanExecutionID string        `json:"plan_execution_id"`
	NodeExecutionID string        `json:"node_execution_id,omitempty"`
	StepType        string        `json:"step_type,omitempty"`
	Status          models.Status `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Producer publishes task requests, interrupt events and lifecycle events
type Producer struct {
	writer MessageWriter
	config Config
	logger ectologger.Logger
}

// NewProducer creates a producer writing to cfg.Brokers. The topic is chosen per message.
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// Allow Kafka to auto-create topics in dev environments.
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, cfg, logger)
}

func NewProducerWithWriter(writer MessageWriter, cfg Config, logger ectologger.Logger) *Producer {
	return &Producer{writer: writer, config: cfg, logger: logger}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishTask hands a task request to the worker fleet
func (p *Producer) PublishTask(ctx context.Context, req models.TaskRequest) error {
	return p.publish(ctx, p.config.TaskTopic, req.TaskID, req, map[string]string{
		"task_id":           req.TaskID,
		"task_category":     req.TaskCategory,
		"node_execution_id": req.NodeExecutionID,
		"plan_execution_id": req.PlanExecutionID,
	})
}

// PublishEvent sends an interrupt to the worker owning the node and returns the id it will acknowledge with
func (p *Producer) PublishEvent(ctx context.Context, evt InterruptEvent) (string, error) {
	if evt.NotifyID == "" {
		evt.NotifyID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	err := p.publish(ctx, p.config.InterruptTopic, evt.NodeExecutionID, evt, map[string]string{
		"interrupt_id":      evt.InterruptID,
		"interrupt_type":    string(evt.Type),
		"node_execution_id": evt.NodeExecutionID,
		"notify_id":         evt.NotifyID,
	})
	if err != nil {
		return "", err
	}
	return evt.NotifyID, nil
}

// PublishTaskAbort cancels a remote task
func (p *Producer) PublishTaskAbort(ctx context.Context, req TaskAbortRequest) error {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	return p.publish(ctx, p.config.TaskAbortTopic, req.TaskID, req, map[string]string{
		"task_id":           req.TaskID,
		"node_execution_id": req.NodeExecutionID,
	})
}

// PublishLifecycleEvent reports a status change, keyed by plan execution so events stay ordered per plan
func (p *Producer) PublishLifecycleEvent(ctx context.Context, evt LifecycleEvent) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return p.publish(ctx, p.config.LifecycleTopic, evt.PlanExecutionID, evt, map[string]string{
		"type":              evt.Type,
		"plan_execution_id": evt.PlanExecutionID,
	})
}

func (p *Producer) publish(ctx context.Context, topic, key string, payload any, meta map[string]string) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
	)

	if topic == "" {
		return fmt.Errorf("kafka topic is not configured")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := make([]kafka.Header, 0, len(meta)+2)
	for k, v := range meta {
		if v != "" {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	for k, v := range tracing.Carrier(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(topic, "error")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(topic, "ok")
	p.logger.WithContext(ctx).Debugf("Published to Kafka topic %s key=%s", topic, key)
	return nil
}
