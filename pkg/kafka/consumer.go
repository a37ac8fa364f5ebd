package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ResponseMessage is a worker's answer for one correlation id:
// a task id for task results or a notify id for interrupt acknowledgements.
type ResponseMessage struct {
	CorrelationID string          `json:"correlation_id"`
	Error         bool            `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ResponseNotifier stores worker responses; the wait/notify engine implements it
type ResponseNotifier interface {
	Notify(ctx context.Context, correlationID string, payload json.RawMessage) (string, error)
	NotifyError(ctx context.Context, correlationID string, payload json.RawMessage) (string, error)
}

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds worker responses into the wait/notify engine
type Consumer struct {
	reader   MessageReader
	notifier ResponseNotifier
	logger   ectologger.Logger
	config   ConsumerConfig
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	running  bool
	mu       sync.Mutex
}

// NewConsumer creates a consumer group reader on the response topic
func NewConsumer(config ConsumerConfig, notifier ResponseNotifier, logger ectologger.Logger) (*Consumer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("group ID is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		Topic:             config.Topic,
		GroupID:           config.GroupID,
		MinBytes:          config.MinBytes,
		MaxBytes:          config.MaxBytes,
		MaxWait:           config.MaxWait,
		CommitInterval:    config.CommitInterval,
		StartOffset:       config.StartOffset,
		SessionTimeout:    config.SessionTimeout,
		HeartbeatInterval: config.HeartbeatInterval,
		RebalanceTimeout:  config.RebalanceTimeout,
	})
	return NewConsumerWithReader(reader, config, notifier, logger), nil
}

func NewConsumerWithReader(reader MessageReader, config ConsumerConfig, notifier ResponseNotifier, logger ectologger.Logger) *Consumer {
	if config.HandleAttempts <= 0 {
		config.HandleAttempts = 1
	}
	return &Consumer{
		reader:   reader,
		notifier: notifier,
		logger:   logger,
		config:   config,
	}
}

// Start begins consuming messages in the background
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer is already running")
	}
	c.running = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).Infof("Kafka response consumer started for topic %s (group: %s)", c.config.Topic, c.config.GroupID)
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	c.logger.Info("Kafka response consumer stopped")
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Error("Failed to fetch message")
			continue
		}

		if err := c.HandleMessage(ctx, msg); err != nil {
			metrics.RecordKafkaConsume(msg.Topic, "error")
			c.logger.WithContext(ctx).WithError(err).Errorf("Dropping response at offset %d", msg.Offset)
		} else {
			metrics.RecordKafkaConsume(msg.Topic, "ok")
		}

		// committed either way; a response that cannot be stored is not going to get better by replaying it
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.WithError(err).Errorf("Failed to commit message at offset %d", msg.Offset)
		}
	}
}

// HandleMessage decodes one response and records it with the engine, retrying transient failures
func (c *Consumer) HandleMessage(ctx context.Context, msg kafka.Message) error {
	ctx = tracing.ContextWithTraceParent(ctx, header(msg, "traceparent"), header(msg, "tracestate"))
	ctx, span := tracing.StartSpan(ctx, "Kafka.HandleResponse")
	defer span.End()

	resp, err := ParseResponse(msg.Value)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.HandleAttempts; attempt++ {
		if resp.Error {
			_, lastErr = c.notifier.NotifyError(ctx, resp.CorrelationID, resp.Payload)
		} else {
			_, lastErr = c.notifier.Notify(ctx, resp.CorrelationID, resp.Payload)
		}
		if lastErr == nil {
			return nil
		}
		if httperror.IsHTTPError(lastErr) && httperror.GetStatusCode(lastErr) < http.StatusInternalServerError {
			return lastErr
		}
		if attempt < c.config.HandleAttempts {
			select {
			case <-time.After(c.config.HandleBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// ParseResponse decodes a response message body
func ParseResponse(data []byte) (*ResponseMessage, error) {
	var resp ResponseMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "failed to parse response: %v", err)
	}
	if resp.CorrelationID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "response has no correlation_id")
	}
	return &resp, nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Stats returns consumer statistics when backed by a real reader
func (c *Consumer) Stats() (kafka.ReaderStats, bool) {
	if r, ok := c.reader.(*kafka.Reader); ok {
		return r.Stats(), true
	}
	return kafka.ReaderStats{}, false
}
