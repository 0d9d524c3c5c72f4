package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Flynt56/vo-web/pkg/metrics"
)

const (
	kafkaQueueLabel = "kafka"

	// attemptsHeader carries the 1-based delivery attempt count. Kafka has no
	// native redelivery counter, so the retry path re-publishes the message
	// with this header incremented.
	attemptsHeader = "attempts"

	// notBeforeHeader defers a redelivered message until the given RFC3339
	// instant. Kafka has no native delayed delivery, so the consumer honors
	// the header before dispatching.
	notBeforeHeader = "not-before"
)

// KafkaQueueConfig configures a KafkaQueue.
type KafkaQueueConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic is the durable queue topic.
	Topic string

	// GroupID is the consumer group for the delivery worker.
	GroupID string

	// BatchSize is the maximum number of items handed to the handler at once.
	// Default: 10
	BatchSize int

	// BatchWait is how long the consumer waits for additional messages after
	// the first one before dispatching a partial batch.
	// Default: 100ms
	BatchWait time.Duration

	// WriteTimeout is the timeout for publishing messages.
	// Default: 10 seconds
	WriteTimeout time.Duration
}

// KafkaQueue is a durable at-least-once dispatch queue backed by a Kafka
// topic. Publish writes envelopes with an initial attempt count of 1; the
// consume loop fetches batches, hands them to the handler, and translates
// Ack into an offset commit and RetryAfter into a deferred re-publish.
type KafkaQueue struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	handler Handler
	log     *zap.SugaredLogger

	batchSize int
	batchWait time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewKafkaQueue creates a new Kafka-backed dispatch queue.
func NewKafkaQueue(cfg KafkaQueueConfig, handler Handler, log *zap.SugaredLogger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("Kafka consumer group is required")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	batchWait := cfg.BatchWait
	if batchWait <= 0 {
		batchWait = 100 * time.Millisecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())

	log.Infow("Kafka dispatch queue created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"groupID", cfg.GroupID,
		"batchSize", batchSize)

	return &KafkaQueue{
		writer:    writer,
		reader:    reader,
		handler:   handler,
		log:       log.Named("kafka-queue"),
		batchSize: batchSize,
		batchWait: batchWait,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Publish writes an envelope to the queue topic with attempt count 1.
func (q *KafkaQueue) Publish(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(NewMessage(env))
	if err != nil {
		metrics.EnvelopesDropped.WithLabelValues(kafkaQueueLabel).Inc()
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(uuid.NewString()),
		Value:   value,
		Headers: []kafka.Header{{Key: attemptsHeader, Value: []byte("1")}},
	}

	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EnvelopesDropped.WithLabelValues(kafkaQueueLabel).Inc()
		q.log.Errorw("Failed to publish envelope to Kafka",
			"error", err,
			"email", env.Email)
		return fmt.Errorf("failed to publish to Kafka: %w", err)
	}

	metrics.EnvelopesQueued.WithLabelValues(kafkaQueueLabel).Inc()
	return nil
}

// Start begins the consume loop.
func (q *KafkaQueue) Start() {
	q.wg.Add(1)
	go q.consume()
	q.log.Info("Kafka dispatch queue consumer started")
}

func (q *KafkaQueue) consume() {
	defer q.wg.Done()

	for {
		batch, ok := q.nextBatch()
		if !ok {
			return
		}
		if len(batch) == 0 {
			continue
		}

		items := make([]Item, len(batch))
		for i, it := range batch {
			items[i] = it
		}
		if err := q.handler.HandleBatch(q.ctx, items); err != nil {
			q.log.Warnw("Batch handler reported failures", "error", err, "batchSize", len(items))
		}

		for _, it := range batch {
			q.finalize(it)
		}
	}
}

// nextBatch blocks for one message, then gathers up to batchSize messages
// arriving within batchWait. Returns ok=false once the queue is stopping.
func (q *KafkaQueue) nextBatch() ([]*kafkaItem, bool) {
	first, err := q.reader.FetchMessage(q.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil, false
		}
		q.log.Warnw("Failed to fetch message from Kafka", "error", err)
		return nil, true
	}

	batch := []*kafkaItem{q.parseItem(first)}
	for len(batch) < q.batchSize {
		fetchCtx, cancel := context.WithTimeout(q.ctx, q.batchWait)
		m, err := q.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			break
		}
		batch = append(batch, q.parseItem(m))
	}

	// Honor deferred redeliveries before dispatching. Partitions are ordered,
	// so waiting for the latest not-before in the batch keeps every item due.
	var due time.Time
	for _, it := range batch {
		if it.notBefore.After(due) {
			due = it.notBefore
		}
	}
	if wait := time.Until(due); wait > 0 {
		select {
		case <-q.ctx.Done():
			return nil, false
		case <-time.After(wait):
		}
	}

	return batch, true
}

func (q *KafkaQueue) parseItem(m kafka.Message) *kafkaItem {
	item := &kafkaItem{raw: m, attempts: 1}
	if err := json.Unmarshal(m.Value, &item.msg); err != nil {
		q.log.Errorw("Failed to unmarshal dispatch message", "error", err, "offset", m.Offset)
	}
	for _, h := range m.Headers {
		switch h.Key {
		case attemptsHeader:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				item.attempts = n
			}
		case notBeforeHeader:
			if t, err := time.Parse(time.RFC3339, string(h.Value)); err == nil {
				item.notBefore = t
			}
		}
	}
	return item
}

// finalize settles an item after the handler returns: ack commits the
// offset, retry re-publishes with an incremented attempt count and a
// not-before header, and the permanent-failure path commits without
// re-publishing.
func (q *KafkaQueue) finalize(item *kafkaItem) {
	switch {
	case item.acked:
	case item.retryDelay > 0:
		if err := q.republish(item); err != nil {
			q.log.Errorw("Failed to re-publish item for retry, it will be redelivered by Kafka",
				"error", err,
				"attempts", item.attempts)
			// Leave the offset uncommitted so the consumer group redelivers.
			return
		}
	default:
		q.log.Errorw("Item failed permanently, committing without redelivery",
			"attempts", item.attempts,
			"email", item.msg.Data.Email)
	}

	if err := q.reader.CommitMessages(q.ctx, item.raw); err != nil {
		q.log.Warnw("Failed to commit Kafka offset", "error", err, "offset", item.raw.Offset)
	}
}

func (q *KafkaQueue) republish(item *kafkaItem) error {
	notBefore := time.Now().Add(item.retryDelay)
	msg := kafka.Message{
		Key:   item.raw.Key,
		Value: item.raw.Value,
		Headers: []kafka.Header{
			{Key: attemptsHeader, Value: []byte(strconv.Itoa(item.attempts + 1))},
			{Key: notBeforeHeader, Value: []byte(notBefore.Format(time.RFC3339))},
		},
	}
	return q.writer.WriteMessages(q.ctx, msg)
}

// Stop shuts down the consume loop and closes the reader and writer.
func (q *KafkaQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.log.Info("Stopping Kafka dispatch queue")
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := q.reader.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka reader: %w", err)
	}
	if err := q.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

// kafkaItem adapts a fetched Kafka message to the Item interface.
type kafkaItem struct {
	raw       kafka.Message
	msg       Message
	attempts  int
	notBefore time.Time

	acked      bool
	retryDelay time.Duration
}

func (i *kafkaItem) Message() Message { return i.msg }
func (i *kafkaItem) Attempts() int    { return i.attempts }
func (i *kafkaItem) Ack()             { i.acked = true }

func (i *kafkaItem) RetryAfter(delay time.Duration) {
	i.retryDelay = delay
}
