package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamMessage is one decoded entry of a job stream
type StreamMessage struct {
	ID     string
	Stream string
	Job    *JobMessage
	// DecodeErr is set when the entry could not be decoded into Job
	DecodeErr error
}

// JobMessage is the envelope of every queued job
type JobMessage struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	TraceParent string          `json:"traceparent,omitempty"`
	TraceState  string          `json:"tracestate,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
}

// NewJobMessage builds a job of jobType with payload serialized as JSON
func NewJobMessage(jobType string, payload any) (*JobMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}
	return &JobMessage{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Streams provides Redis Streams operations for job queues
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish adds a job to a stream
func (s *Streams) Publish(ctx context.Context, stream string, job *JobMessage) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	messageID, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data": string(data),
			"type": job.Type,
		},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Debugf("Published %s job %s to stream %s (message ID: %s)", job.Type, job.ID, stream, messageID)
	return messageID, nil
}

// CreateConsumerGroup creates the group, and the stream with it, unless it exists
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new entries for consumer within group
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, decodeMessages(result.Stream, result.Messages)...)
	}
	return messages, nil
}

func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending lists entries delivered to the group but not acknowledged
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim takes over entries idle for at least minIdle
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return decodeMessages(stream, results), nil
}

func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

// Range returns entries between start and end ids, inclusive
func (s *Streams) Range(ctx context.Context, stream, start, end string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, err
	}
	return decodeMessages(stream, results), nil
}

func decodeMessages(stream string, raw []redis.XMessage) []StreamMessage {
	messages := make([]StreamMessage, 0, len(raw))
	for _, msg := range raw {
		out := StreamMessage{ID: msg.ID, Stream: stream}
		data, ok := msg.Values["data"].(string)
		if !ok {
			out.DecodeErr = fmt.Errorf("message %s has no data field", msg.ID)
			messages = append(messages, out)
			continue
		}
		var job JobMessage
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			out.DecodeErr = fmt.Errorf("failed to unmarshal message %s: %w", msg.ID, err)
		} else if job.Type == "" {
			out.DecodeErr = fmt.Errorf("message %s has no job type", msg.ID)
		} else {
			out.Job = &job
		}
		messages = append(messages, out)
	}
	return messages
}
