package kafka

import (
	"strings"
	"time"
)

// Config holds the topics fern produces to and consumes from
type Config struct {
	Brokers        []string
	TaskTopic      string
	InterruptTopic string
	TaskAbortTopic string
	LifecycleTopic string
	ResponseTopic  string
	ConsumerGroup  string
}

// ParseBrokers splits a comma-separated broker string
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// ConsumerConfig configures the response consumer
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	CommitInterval time.Duration
	// StartOffset applies when the group has no committed offset
	StartOffset int64

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	RebalanceTimeout  time.Duration

	// HandleAttempts is how many times a response is offered to the engine before it is skipped
	HandleAttempts int
	HandleBackoff  time.Duration
}

// DefaultConsumerConfig returns a ConsumerConfig with sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		Topic:             "fern.responses",
		GroupID:           "fern-engine",
		MinBytes:          1,
		MaxBytes:          10e6, // 10MB
		MaxWait:           3 * time.Second,
		CommitInterval:    time.Second,
		StartOffset:       FirstOffset,
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		RebalanceTimeout:  30 * time.Second,
		HandleAttempts:    3,
		HandleBackoff:     200 * time.Millisecond,
	}
}

// Offset constants
const (
	FirstOffset int64 = -2 // Start from the oldest message
	LastOffset  int64 = -1 // Start from the newest message
)
