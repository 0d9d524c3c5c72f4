package intake

import (
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Flynt56/vo-web/pkg/config"
	"github.com/Flynt56/vo-web/pkg/metrics"
	"github.com/Flynt56/vo-web/pkg/queue"
	"github.com/Flynt56/vo-web/pkg/turnstile"
)

const (
	maxNameLength    = 255
	maxEmailLength   = 254
	maxMessageLength = 1000
)

// Response bodies are plain text; the wire format is fixed by the frontend.
const (
	respMissingFields       = "Missing required fields"
	respValidationError     = "Validation error"
	respInvalidVerification = "Invalid verification"
	respSuccess             = "Email sent successfully."
)

// Controller accepts contact-form submissions, gates them through field
// validation and Turnstile verification, and publishes the resulting
// envelope to the dispatch queue.
type Controller struct {
	cfg       config.Config
	verifier  turnstile.Verifier
	publisher queue.Publisher
	log       *zap.SugaredLogger
}

// NewController creates the intake controller.
func NewController(cfg config.Config, verifier turnstile.Verifier, publisher queue.Publisher, log *zap.SugaredLogger) *Controller {
	return &Controller{
		cfg:       cfg,
		verifier:  verifier,
		publisher: publisher,
		log:       log.Named("intake"),
	}
}

// Register mounts the contact endpoint on the engine.
func (ct *Controller) Register(engine *gin.Engine) {
	engine.POST(ct.cfg.Contact.Path, ct.handleSubmit)
}

func (ct *Controller) handleSubmit(c *gin.Context) {
	name := c.PostForm("name")
	email := c.PostForm("email")
	message := c.PostForm("message")
	token := c.PostForm("cf-turnstile-response")

	if name == "" || email == "" || message == "" || token == "" {
		metrics.SubmissionsReceived.WithLabelValues("missing_fields").Inc()
		c.String(http.StatusBadRequest, respMissingFields)
		return
	}

	if utf8.RuneCountInString(name) > maxNameLength {
		metrics.SubmissionsReceived.WithLabelValues("validation_error").Inc()
		c.String(http.StatusBadRequest, respValidationError)
		return
	}
	if utf8.RuneCountInString(email) > maxEmailLength {
		metrics.SubmissionsReceived.WithLabelValues("validation_error").Inc()
		c.String(http.StatusBadRequest, respValidationError)
		return
	}
	if utf8.RuneCountInString(message) > maxMessageLength {
		metrics.SubmissionsReceived.WithLabelValues("validation_error").Inc()
		c.String(http.StatusBadRequest, respValidationError)
		return
	}

	result, err := ct.verifier.Verify(c.Request.Context(), token, clientIP(c))
	if err != nil {
		ct.log.Errorw("Turnstile verification unavailable",
			"error", err,
			"email", email)
		metrics.VerificationCalls.WithLabelValues("unavailable").Inc()
		metrics.SubmissionsReceived.WithLabelValues("verification_unavailable").Inc()
		c.String(http.StatusBadRequest, respValidationError)
		return
	}
	if !result.Success {
		ct.log.Infow("Turnstile token rejected",
			"errorCodes", result.ErrorCodes,
			"email", email)
		metrics.VerificationCalls.WithLabelValues("rejected").Inc()
		metrics.SubmissionsReceived.WithLabelValues("verification_rejected").Inc()
		c.String(http.StatusBadRequest, respInvalidVerification)
		return
	}
	metrics.VerificationCalls.WithLabelValues("success").Inc()

	env := queue.Envelope{Name: name, Email: email, Message: message}
	if err := ct.publisher.Publish(c.Request.Context(), env); err != nil {
		ct.log.Errorw("Failed to queue contact email",
			"error", err,
			"email", email)
		metrics.SubmissionsReceived.WithLabelValues("enqueue_error").Inc()
		c.String(http.StatusInternalServerError, "Error: "+err.Error())
		return
	}

	ct.log.Infow("Email queued",
		"for", email,
		"from", name)
	metrics.SubmissionsReceived.WithLabelValues("accepted").Inc()
	c.String(http.StatusOK, respSuccess)
}

// clientIP returns the best-available client IP for the verification call:
// the trusted proxy header first, then forwarded-for, then a sentinel.
// IP absence never blocks a submission.
func clientIP(c *gin.Context) string {
	if ip := c.GetHeader("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := c.GetHeader("X-Forwarded-For"); ip != "" {
		return ip
	}
	return "unknown"
}
