package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestKafkaQueue(t *testing.T) *KafkaQueue {
	q, err := NewKafkaQueue(KafkaQueueConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "contact-email",
		GroupID: "contact-email-worker",
	}, &recordingHandler{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.Stop(context.Background())
	})
	return q
}

func TestNewKafkaQueueValidation(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	handler := &recordingHandler{}

	_, err := NewKafkaQueue(KafkaQueueConfig{Topic: "t", GroupID: "g"}, handler, log)
	assert.ErrorContains(t, err, "broker")

	_, err = NewKafkaQueue(KafkaQueueConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, handler, log)
	assert.ErrorContains(t, err, "topic")

	_, err = NewKafkaQueue(KafkaQueueConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, handler, log)
	assert.ErrorContains(t, err, "consumer group")
}

func TestParseItemHeaders(t *testing.T) {
	q := newTestKafkaQueue(t)

	msg := NewMessage(Envelope{Name: "Ann", Email: "ann@x.com", Message: "hi"})
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	notBefore := time.Now().Add(42 * time.Second).Truncate(time.Second)
	item := q.parseItem(kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: attemptsHeader, Value: []byte("3")},
			{Key: notBeforeHeader, Value: []byte(notBefore.Format(time.RFC3339))},
		},
	})

	assert.Equal(t, 3, item.Attempts())
	assert.True(t, item.notBefore.Equal(notBefore))
	assert.Equal(t, "ann@x.com", item.Message().Data.Email)
	assert.Equal(t, TypeSendContactEmail, item.Message().Type)
}

func TestParseItemDefaults(t *testing.T) {
	q := newTestKafkaQueue(t)

	value, _ := json.Marshal(NewMessage(Envelope{Email: "ann@x.com"}))
	item := q.parseItem(kafka.Message{Value: value})

	assert.Equal(t, 1, item.Attempts(), "missing attempts header defaults to 1")
	assert.True(t, item.notBefore.IsZero())
}

func TestParseItemBadHeaders(t *testing.T) {
	q := newTestKafkaQueue(t)

	value, _ := json.Marshal(NewMessage(Envelope{Email: "ann@x.com"}))
	item := q.parseItem(kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: attemptsHeader, Value: []byte("not-a-number")},
			{Key: notBeforeHeader, Value: []byte("not-a-time")},
		},
	})

	assert.Equal(t, 1, item.Attempts())
	assert.True(t, item.notBefore.IsZero())
}

func TestKafkaItemTerminalActions(t *testing.T) {
	item := &kafkaItem{attempts: 2}

	item.RetryAfter(90 * time.Second)
	assert.Equal(t, 90*time.Second, item.retryDelay)
	assert.False(t, item.acked)

	item = &kafkaItem{attempts: 2}
	item.Ack()
	assert.True(t, item.acked)
	assert.Zero(t, item.retryDelay)
}

func TestKafkaMessageRoundTrip(t *testing.T) {
	msg := NewMessage(Envelope{Name: "Ann", Email: "ann@x.com", Message: "hi"})
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	// the wire shape consumed by the worker and any external consumer
	assert.JSONEq(t, `{
		"type": "send_contact_email",
		"data": {"name": "Ann", "email": "ann@x.com", "message": "hi"},
		"timestamp": `+jsonInt(msg.Timestamp)+`
	}`, string(value))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
