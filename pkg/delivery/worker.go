package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Flynt56/vo-web/pkg/config"
	"github.com/Flynt56/vo-web/pkg/mail"
	"github.com/Flynt56/vo-web/pkg/metrics"
	"github.com/Flynt56/vo-web/pkg/queue"
)

// Worker consumes envelopes from the dispatch queue, renders each into a
// contact email and delivers it. Transient mail-server failures are retried
// with exponential backoff; anything else fails the item permanently.
type Worker struct {
	sender           mail.Sender
	baseDelaySeconds int
	queueKind        string
	log              *zap.SugaredLogger
}

// NewWorker creates a delivery worker.
func NewWorker(sender mail.Sender, cfg config.Config, log *zap.SugaredLogger) *Worker {
	baseDelay := cfg.Queue.BaseDelaySeconds
	if baseDelay <= 0 {
		baseDelay = 30
	}

	return &Worker{
		sender:           sender,
		baseDelaySeconds: baseDelay,
		queueKind:        cfg.Queue.Kind,
		log:              log.Named("delivery"),
	}
}

// HandleBatch processes each item independently; a permanent failure of one
// item does not affect the others.
func (w *Worker) HandleBatch(_ context.Context, items []queue.Item) error {
	var errs []error
	for _, item := range items {
		if err := w.handleItem(item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) handleItem(item queue.Item) error {
	env := item.Message().Data
	attempt := item.Attempts()

	w.log.Infow("Sending contact email",
		"from", env.Email,
		"attempt", attempt)

	err := w.sender.Send(mail.Address{Email: env.Email, Name: env.Name}, renderBody(env))
	if err == nil {
		w.log.Infow("Contact email sent successfully",
			"from", env.Email,
			"attempt", attempt)
		metrics.MailSent.WithLabelValues(w.queueKind).Inc()
		item.Ack()
		return nil
	}

	var se *mail.SendError
	status := 0
	if errors.As(err, &se) {
		status = se.Code
	}

	if mail.IsTransient(err) {
		delay := Backoff(w.baseDelaySeconds, attempt)
		w.log.Warnw("Transient delivery error, scheduling retry",
			"status", status,
			"attempt", attempt,
			"retryIn", delay.String())
		metrics.MailRetryScheduled.WithLabelValues(w.queueKind).Inc()
		item.RetryAfter(delay)
		return nil
	}

	w.log.Errorw("Contact email send failed permanently",
		"status", status,
		"attempt", attempt,
		"from", env.Email,
		"error", err)
	metrics.MailFailed.WithLabelValues(w.queueKind).Inc()
	return fmt.Errorf("permanent delivery failure on attempt %d (status %d): %w", attempt, status, err)
}

// renderBody composes the plain-text email: submitter name, submitter
// address, a blank line, then the message.
func renderBody(env queue.Envelope) string {
	return fmt.Sprintf("%s\n%s\n\n%s", env.Name, env.Email, env.Message)
}

// Backoff computes the redelivery delay for the given 1-based attempt:
// ceil(base * 2^(attempt-1) + random(0,5)) seconds. The jitter avoids
// synchronized retry storms across queued items.
func Backoff(baseDelaySeconds, attempt int) time.Duration {
	if baseDelaySeconds <= 0 {
		baseDelaySeconds = 30
	}
	if attempt < 1 {
		attempt = 1
	}
	seconds := math.Ceil(float64(baseDelaySeconds)*math.Pow(2, float64(attempt-1)) + rand.Float64()*5) //nolint:gosec // jitter, not crypto
	return time.Duration(seconds) * time.Second
}
