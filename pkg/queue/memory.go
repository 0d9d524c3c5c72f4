package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Flynt56/vo-web/pkg/metrics"
)

const memoryQueueLabel = "memory"

// memoryItem is a delivery attempt wrapper around a queued message.
type memoryItem struct {
	id        string
	msg       Message
	attempts  int
	createdAt time.Time
	nextRetry time.Time

	acked      bool
	retryDelay time.Duration
}

func (i *memoryItem) Message() Message { return i.msg }
func (i *memoryItem) Attempts() int    { return i.attempts }
func (i *memoryItem) Ack()             { i.acked = true }

func (i *memoryItem) RetryAfter(delay time.Duration) {
	i.retryDelay = delay
	i.nextRetry = time.Now().Add(delay)
}

// MemoryQueue is an in-process at-least-once dispatch queue. Envelopes are
// held in a buffered channel and handed to the handler in batches; items
// the handler asks to retry are redelivered after their delay with an
// incremented attempt count.
type MemoryQueue struct {
	handler      Handler
	queue        chan *memoryItem
	log          *zap.SugaredLogger
	batchSize    int
	maxQueueSize int
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewMemoryQueue creates a new in-process dispatch queue.
func NewMemoryQueue(handler Handler, log *zap.SugaredLogger, batchSize, maxQueueSize int) *MemoryQueue {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxQueueSize <= 0 {
		maxQueueSize = 1000
	}

	log.Infow("Initializing dispatch queue",
		"kind", memoryQueueLabel,
		"batchSize", batchSize,
		"maxQueueSize", maxQueueSize)

	ctx, cancel := context.WithCancel(context.Background())

	return &MemoryQueue{
		handler:      handler,
		queue:        make(chan *memoryItem, maxQueueSize),
		log:          log,
		batchSize:    batchSize,
		maxQueueSize: maxQueueSize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the background worker that delivers queued envelopes.
func (q *MemoryQueue) Start() {
	q.wg.Add(1)
	go q.worker()
	q.log.Info("Dispatch queue worker started")
}

// Publish enqueues an envelope for delivery.
func (q *MemoryQueue) Publish(_ context.Context, env Envelope) error {
	select {
	case <-q.ctx.Done():
		metrics.EnvelopesDropped.WithLabelValues(memoryQueueLabel).Inc()
		return fmt.Errorf("queue is shutting down")
	default:
	}

	item := &memoryItem{
		id:        uuid.NewString(),
		msg:       NewMessage(env),
		createdAt: time.Now(),
	}

	select {
	case q.queue <- item:
		metrics.EnvelopesQueued.WithLabelValues(memoryQueueLabel).Inc()
		metrics.QueueDepth.WithLabelValues(memoryQueueLabel).Set(float64(len(q.queue)))
		q.log.Debugw("Envelope queued for delivery",
			"id", item.id,
			"email", env.Email)
		return nil
	case <-q.ctx.Done():
		metrics.EnvelopesDropped.WithLabelValues(memoryQueueLabel).Inc()
		return fmt.Errorf("queue is shutting down")
	default:
		metrics.EnvelopesDropped.WithLabelValues(memoryQueueLabel).Inc()
		q.log.Errorw("Dispatch queue is full, dropping envelope",
			"id", item.id,
			"queueSize", q.maxQueueSize)
		return fmt.Errorf("dispatch queue is full (capacity: %d)", q.maxQueueSize)
	}
}

// worker delivers new items as they arrive and redelivers retry-scheduled
// items once their delay elapses.
func (q *MemoryQueue) worker() {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("panic in dispatch queue worker recovered", "panic", r)
			// Restart the worker to maintain processing capacity
			q.wg.Add(1)
			go q.worker()
		}
	}()

	pending := make([]*memoryItem, 0)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			q.log.Info("Dispatch queue worker shutting down")
			q.drain(pending)
			return

		case item := <-q.queue:
			if item != nil {
				q.deliver([]*memoryItem{item})
				if !item.acked && item.retryDelay > 0 {
					pending = append(pending, item)
				}
			}

		case <-ticker.C:
			now := time.Now()
			due := make([]*memoryItem, 0)
			rest := make([]*memoryItem, 0)
			for _, item := range pending {
				if now.After(item.nextRetry) && len(due) < q.batchSize {
					due = append(due, item)
				} else {
					rest = append(rest, item)
				}
			}
			if len(due) > 0 {
				q.deliver(due)
				for _, item := range due {
					if !item.acked && item.retryDelay > 0 {
						rest = append(rest, item)
					}
				}
			}
			pending = rest
			metrics.QueueDepth.WithLabelValues(memoryQueueLabel).Set(float64(len(q.queue) + len(pending)))
		}
	}
}

// deliver hands a batch to the handler and settles each item's fate.
func (q *MemoryQueue) deliver(batch []*memoryItem) {
	items := make([]Item, 0, len(batch))
	for _, item := range batch {
		item.attempts++
		item.retryDelay = 0
		items = append(items, item)
	}

	if err := q.handler.HandleBatch(q.ctx, items); err != nil {
		q.log.Warnw("Batch handler reported failures", "error", err, "batchSize", len(items))
	}

	for _, item := range batch {
		switch {
		case item.acked:
			q.log.Debugw("Item acknowledged", "id", item.id, "attempts", item.attempts)
		case item.retryDelay > 0:
			q.log.Infow("Item scheduled for redelivery",
				"id", item.id,
				"attempts", item.attempts,
				"retryIn", item.retryDelay.String())
		default:
			// Neither acked nor retried: the permanent-failure path.
			q.log.Errorw("Item failed permanently, removing from queue",
				"id", item.id,
				"attempts", item.attempts,
				"email", item.msg.Data.Email)
		}
	}
}

// drain gives un-acked pending items one final delivery on shutdown.
func (q *MemoryQueue) drain(pending []*memoryItem) {
	remaining := make([]*memoryItem, 0, len(pending)+len(q.queue))
	remaining = append(remaining, pending...)
	for {
		select {
		case item := <-q.queue:
			remaining = append(remaining, item)
			continue
		default:
		}
		break
	}

	if len(remaining) == 0 {
		return
	}
	q.log.Infow("Delivering pending items before shutdown", "count", len(remaining))
	q.deliver(remaining)
}

// Stop gracefully shuts down the queue.
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.log.Info("Stopping dispatch queue")
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("Dispatch queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.log.Warn("Dispatch queue shutdown timeout, some items may not have been delivered")
		return ctx.Err()
	}
}

// Length returns the number of items waiting in the channel buffer.
func (q *MemoryQueue) Length() int {
	return len(q.queue)
}
