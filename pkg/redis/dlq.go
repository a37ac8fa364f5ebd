package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultDLQStream = "fern:dlq"

	// DLQMaxLen caps the stream; the oldest entries are trimmed
	DLQMaxLen = 10000
)

// DeadLetterQueue stores jobs the processor gave up on
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

// DLQEntry is one dead-lettered job
type DLQEntry struct {
	ID              string                  `json:"id"`
	MessageID       string                  `json:"message_id,omitempty"`
	JobType         string                  `json:"job_type"`
	NodeExecutionID string                  `json:"node_execution_id,omitempty"`
	WaitInstanceID  string                  `json:"wait_instance_id,omitempty"`
	OriginalJob     *JobMessage             `json:"original_job"`
	Reason          models.DeadLetterReason `json:"reason"`
	ErrorMessage    string                  `json:"error_message"`
	RetryCount      int                     `json:"retry_count"`
	CreatedAt       time.Time               `json:"created_at"`
	TraceID         string                  `json:"trace_id,omitempty"`
}

// DLQStats summarizes the queue contents
type DLQStats struct {
	Total    int64            `json:"total"`
	ByReason map[string]int64 `json:"by_reason"`
	ByType   map[string]int64 `json:"by_type"`
}

// Add appends an entry to the dead letter stream
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.JobType == "" && entry.OriginalJob != nil {
		entry.JobType = entry.OriginalJob.Type
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"data":     string(data),
			"job_type": entry.JobType,
			"reason":   string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add job to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"dlq_message_id":    messageID,
		"job_type":          entry.JobType,
		"node_execution_id": entry.NodeExecutionID,
		"reason":            entry.Reason,
	}).Warn("Job moved to DLQ")
	return messageID, nil
}

// List returns up to count entries, newest first
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := d.client.Redis().XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeEntry(msg)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Skipping DLQ entry %s", msg.ID)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Get returns the entry stored under messageID or a 404
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Get")
	defer span.End()

	messages, err := d.client.Redis().XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}
	if len(messages) == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "DLQ entry %s does not exist", messageID)
	}
	return decodeEntry(messages[0])
}

// Delete removes an entry from the dead letter queue
func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Delete")
	defer span.End()

	count, err := d.client.Redis().XDel(ctx, d.streamName, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	if count == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "DLQ entry %s does not exist", messageID)
	}

	d.logger.WithContext(ctx).Infof("Deleted DLQ entry: %s", messageID)
	return nil
}

func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.Redis().XLen(ctx, d.streamName).Result()
}

// Stats counts the retained entries by reason and job type
func (d *DeadLetterQueue) Stats(ctx context.Context) (*DLQStats, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Stats")
	defer span.End()

	total, err := d.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count DLQ: %w", err)
	}
	entries, err := d.List(ctx, DLQMaxLen)
	if err != nil {
		return nil, err
	}

	stats := &DLQStats{Total: total, ByReason: map[string]int64{}, ByType: map[string]int64{}}
	for _, e := range entries {
		stats.ByReason[string(e.Reason)]++
		stats.ByType[e.JobType]++
	}
	return stats, nil
}

// Retry puts the original job back on stream with its attempts reset, then removes the entry
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, jobQueue *Streams, stream string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry.OriginalJob == nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "DLQ entry %s has no original job", messageID)
	}

	entry.OriginalJob.Attempts = 0
	if _, err := jobQueue.Publish(ctx, stream, entry.OriginalJob); err != nil {
		return fmt.Errorf("failed to re-enqueue job: %w", err)
	}

	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after retry")
	}

	d.logger.WithContext(ctx).Infof("Retried DLQ entry: %s type=%s", messageID, entry.JobType)
	return nil
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid DLQ entry format")
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}
