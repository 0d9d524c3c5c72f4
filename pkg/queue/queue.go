package queue

import (
	"context"
	"time"
)

// TypeSendContactEmail identifies a contact email dispatch message.
const TypeSendContactEmail = "send_contact_email"

// Envelope is the normalized, queueable form of a validated submission.
// It is immutable once created and owned by the queue until a worker
// claims it.
type Envelope struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// Message is the wire form pushed to the dispatch queue.
type Message struct {
	Type      string   `json:"type"`
	Data      Envelope `json:"data"`
	Timestamp int64    `json:"timestamp"` // milliseconds since epoch
}

// NewMessage wraps an envelope with the dispatch type and current timestamp.
func NewMessage(env Envelope) Message {
	return Message{
		Type:      TypeSendContactEmail,
		Data:      env,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Publisher is the producer side of the dispatch queue.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Item is a single delivery attempt handed to a Handler. At most one of
// Ack or RetryAfter may be called per attempt; calling neither marks the
// item permanently failed after the batch returns.
type Item interface {
	Message() Message

	// Attempts is the 1-based delivery attempt count for this item. It is
	// non-decreasing across redeliveries of the same envelope.
	Attempts() int

	// Ack removes the item from the queue permanently.
	Ack()

	// RetryAfter schedules a redelivery of the item after the given delay.
	RetryAfter(delay time.Duration)
}

// Handler consumes batches of items from the dispatch queue. Items within
// a batch carry no cross-item dependency.
type Handler interface {
	HandleBatch(ctx context.Context, items []Item) error
}
