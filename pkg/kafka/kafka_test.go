package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type memoryWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *memoryWriter) Close() error { return nil }

type recordingNotifier struct {
	calls    []string
	errors   []string
	failures int
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, id string, _ json.RawMessage) (string, error) {
	if n.failures > 0 {
		n.failures--
		return "", n.err
	}
	n.calls = append(n.calls, id)
	return "resp-" + id, nil
}

func (n *recordingNotifier) NotifyError(_ context.Context, id string, _ json.RawMessage) (string, error) {
	n.errors = append(n.errors, id)
	return "resp-" + id, nil
}

var testConfig = Config{
	TaskTopic:      "tasks",
	InterruptTopic: "interrupts",
	TaskAbortTopic: "aborts",
	LifecycleTopic: "lifecycle",
}

func headerMap(msg kafka.Message) map[string]string {
	out := map[string]string{}
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
}

func TestProducer_PublishTask(t *testing.T) {
	w := &memoryWriter{}
	p := NewProducerWithWriter(w, testConfig, getTestLogger())

	err := p.PublishTask(context.Background(), models.TaskRequest{
		TaskID:          "task-1",
		TaskCategory:    "SHELL",
		NodeExecutionID: "node-1",
		PlanExecutionID: "plan-1",
	})
	require.NoError(t, err)

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "tasks", msg.Topic)
	assert.Equal(t, "task-1", string(msg.Key))
	assert.Equal(t, "SHELL", headerMap(msg)["task_category"])

	var decoded models.TaskRequest
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "node-1", decoded.NodeExecutionID)
}

func TestProducer_PublishEventReturnsNotifyID(t *testing.T) {
	w := &memoryWriter{}
	p := NewProducerWithWriter(w, testConfig, getTestLogger())

	notifyID, err := p.PublishEvent(context.Background(), InterruptEvent{
		InterruptID:     "int-1",
		Type:            models.InterruptTypeAbort,
		NodeExecutionID: "node-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, notifyID)

	require.Len(t, w.messages, 1)
	assert.Equal(t, "interrupts", w.messages[0].Topic)
	assert.Equal(t, notifyID, headerMap(w.messages[0])["notify_id"])

	var decoded InterruptEvent
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, notifyID, decoded.NotifyID)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestProducer_Errors(t *testing.T) {
	w := &memoryWriter{err: errors.New("broker down")}
	p := NewProducerWithWriter(w, testConfig, getTestLogger())

	_, err := p.PublishEvent(context.Background(), InterruptEvent{NodeExecutionID: "n"})
	assert.Error(t, err)

	p = NewProducerWithWriter(&memoryWriter{}, Config{}, getTestLogger())
	assert.Error(t, p.PublishTaskAbort(context.Background(), TaskAbortRequest{TaskID: "t"}))
}

func TestProducer_Lifecycle(t *testing.T) {
	w := &memoryWriter{}
	p := NewProducerWithWriter(w, testConfig, getTestLogger())

	require.NoError(t, p.PublishLifecycleEvent(context.Background(), LifecycleEvent{
		Type:            EventPlanCompleted,
		PlanExecutionID: "plan-1",
		Status:          models.StatusSucceeded,
	}))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "lifecycle", w.messages[0].Topic)
	assert.Equal(t, "plan-1", string(w.messages[0].Key))
}

func TestConsumer_HandleMessage(t *testing.T) {
	n := &recordingNotifier{}
	c := NewConsumerWithReader(nil, ConsumerConfig{HandleAttempts: 1}, n, getTestLogger())
	ctx := context.Background()

	require.NoError(t, c.HandleMessage(ctx, kafka.Message{Value: []byte(`{"correlation_id":"task-1","payload":{"status":"SUCCEEDED"}}`)}))
	require.NoError(t, c.HandleMessage(ctx, kafka.Message{Value: []byte(`{"correlation_id":"task-2","error":true}`)}))
	assert.Equal(t, []string{"task-1"}, n.calls)
	assert.Equal(t, []string{"task-2"}, n.errors)

	err := c.HandleMessage(ctx, kafka.Message{Value: []byte(`{"payload":{}}`)})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	assert.Error(t, c.HandleMessage(ctx, kafka.Message{Value: []byte(`not json`)}))
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	n := &recordingNotifier{failures: 2, err: errors.New("db unavailable")}
	c := NewConsumerWithReader(nil, ConsumerConfig{HandleAttempts: 3}, n, getTestLogger())

	require.NoError(t, c.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"correlation_id":"task-1"}`)}))
	assert.Equal(t, []string{"task-1"}, n.calls)

	n = &recordingNotifier{failures: 1, err: httperror.NewHTTPError(http.StatusBadRequest, "bad")}
	c = NewConsumerWithReader(nil, ConsumerConfig{HandleAttempts: 3}, n, getTestLogger())
	assert.Error(t, c.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"correlation_id":"task-1"}`)}))
	assert.Empty(t, n.calls)
}
