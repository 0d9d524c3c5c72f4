package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Flynt56/vo-web/pkg/api"
	"github.com/Flynt56/vo-web/pkg/config"
	"github.com/Flynt56/vo-web/pkg/delivery"
	"github.com/Flynt56/vo-web/pkg/intake"
	"github.com/Flynt56/vo-web/pkg/mail"
	"github.com/Flynt56/vo-web/pkg/queue"
	"github.com/Flynt56/vo-web/pkg/turnstile"
)

func TestSetupLogger(t *testing.T) {
	assert.NotNil(t, setupLogger(true))
	assert.NotNil(t, setupLogger(false))
}

func TestBuildQueueKinds(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	var cfg config.Config
	cfg.Defaults()
	worker := delivery.NewWorker(&scriptedSender{}, cfg, log)

	memQ, err := buildQueue(cfg, worker, log)
	require.NoError(t, err)
	assert.IsType(t, &queue.MemoryQueue{}, memQ)

	cfg.Queue.Kind = "kafka"
	cfg.Queue.Kafka.Brokers = []string{"localhost:9092"}
	kafkaQ, err := buildQueue(cfg, worker, log)
	require.NoError(t, err)
	assert.IsType(t, &queue.KafkaQueue{}, kafkaQ)
	require.NoError(t, kafkaQ.Stop(context.Background()))

	cfg.Queue.Kafka.Brokers = nil
	_, err = buildQueue(cfg, worker, log)
	assert.Error(t, err)
}

// scriptedSender fails with the scripted errors in order, then succeeds.
type scriptedSender struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	bodies []string
	reply  mail.Address
}

func (s *scriptedSender) Send(replyTo mail.Address, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = replyTo
	s.bodies = append(s.bodies, body)
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// TestEndToEndSubmission walks a submission through intake, the dispatch
// queue and delivery with a verification stub and a scripted mail sender.
func TestEndToEndSubmission(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t).Sugar()

	verifySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer verifySrv.Close()

	var cfg config.Config
	cfg.Defaults()
	cfg.Contact.SenderAddress = "noreply@example.com"
	cfg.Contact.RecipientAddress = "owner@example.com"
	cfg.Turnstile.VerifyURL = verifySrv.URL

	sender := &scriptedSender{}
	worker := delivery.NewWorker(sender, cfg, log)
	q := queue.NewMemoryQueue(worker, log, cfg.Queue.BatchSize, cfg.Queue.Size)
	q.Start()
	defer func() {
		require.NoError(t, q.Stop(context.Background()))
	}()

	server := api.NewServer(log.Desugar(), cfg, false)
	server.Register(intake.NewController(cfg, turnstile.NewClient("secret", verifySrv.URL), q, log))

	form := url.Values{
		"name":                  {"Ann"},
		"email":                 {"ann@x.com"},
		"message":               {"hi"},
		"cf-turnstile-response": {"token"},
	}
	req := httptest.NewRequest(http.MethodPost, cfg.Contact.Path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Email sent successfully.", rec.Body.String())

	require.Eventually(t, func() bool {
		return sender.callCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"Ann\nann@x.com\n\nhi"}, sender.bodies)
	assert.Equal(t, mail.Address{Email: "ann@x.com", Name: "Ann"}, sender.reply)
}

// TestEndToEndTransientRetry verifies a 503 on the first delivery attempt
// leads to a redelivery that succeeds. Uses the minimum base delay, so it
// still waits for a real backoff window.
func TestEndToEndTransientRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real backoff delay")
	}

	log := zaptest.NewLogger(t).Sugar()

	var cfg config.Config
	cfg.Defaults()
	cfg.Queue.BaseDelaySeconds = 1

	sender := &scriptedSender{errs: []error{
		&mail.SendError{Code: 503, Err: errors.New("service unavailable")},
	}}
	worker := delivery.NewWorker(sender, cfg, log)
	q := queue.NewMemoryQueue(worker, log, cfg.Queue.BatchSize, cfg.Queue.Size)
	q.Start()
	defer func() {
		require.NoError(t, q.Stop(context.Background()))
	}()

	require.NoError(t, q.Publish(context.Background(), queue.Envelope{
		Name: "Ann", Email: "ann@x.com", Message: "hi",
	}))

	// attempt 1 fails transiently, attempt 2 lands after 1-6s of backoff
	require.Eventually(t, func() bool {
		return sender.callCount() == 2
	}, 10*time.Second, 100*time.Millisecond)

	// no third attempt after the ack
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, sender.callCount())
}
