package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Intake metrics
	SubmissionsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voweb_contact_submissions_total",
		Help: "Total number of contact form submissions, by outcome",
	}, []string{"outcome"})
	VerificationCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voweb_turnstile_verifications_total",
		Help: "Total number of Turnstile siteverify calls, by outcome",
	}, []string{"outcome"})

	// Queue metrics
	EnvelopesQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voweb_envelopes_queued_total",
		Help: "Total number of envelopes published to the dispatch queue",
	}, []string{"queue"})
	EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voweb_envelopes_dropped_total",
		Help: "Total number of envelopes that could not be published",
	}, []string{"queue"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voweb_queue_depth",
		Help: "Current number of envelopes waiting in the dispatch queue",
	}, []string{"queue"})

	// Delivery metrics
	MailSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voweb_mail_sent_total",
		Help: "Total number of contact emails delivered",
	}, []string{"queue"})
	MailRetryScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voweb_mail_retry_scheduled_total",
		Help: "Total number of delivery retries scheduled after transient failures",
	}, []string{"queue"})
	MailFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voweb_mail_failed_total",
		Help: "Total number of permanently failed deliveries",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(SubmissionsReceived)
	prometheus.MustRegister(VerificationCalls)
	prometheus.MustRegister(EnvelopesQueued)
	prometheus.MustRegister(EnvelopesDropped)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MailSent)
	prometheus.MustRegister(MailRetryScheduled)
	prometheus.MustRegister(MailFailed)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
