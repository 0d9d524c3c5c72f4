package main

import (
	"context"
	"errors"
	"flag"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Flynt56/vo-web/pkg/api"
	"github.com/Flynt56/vo-web/pkg/config"
	"github.com/Flynt56/vo-web/pkg/delivery"
	"github.com/Flynt56/vo-web/pkg/intake"
	"github.com/Flynt56/vo-web/pkg/mail"
	"github.com/Flynt56/vo-web/pkg/queue"
	"github.com/Flynt56/vo-web/pkg/turnstile"
	"github.com/Flynt56/vo-web/pkg/version"
)

const shutdownTimeout = 30 * time.Second

// dispatchQueue is what both queue implementations provide beyond Publish.
type dispatchQueue interface {
	queue.Publisher
	Start()
	Stop(ctx context.Context) error
}

func main() {
	var debug bool
	var configPath string
	flag.BoolVar(&debug, "debug", false, "enables debug mode")
	flag.StringVar(&configPath, "config", "", "path to the config file")
	flag.Parse()

	log := setupLogger(debug)
	log.With("version", version.String()).Info("Starting contact backend")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	cfg.Defaults()

	if debug {
		log.Infof("%#v", cfg)
	}

	sender := mail.NewSMTPSender(cfg, log)
	worker := delivery.NewWorker(sender, cfg, log)

	q, err := buildQueue(cfg, worker, log)
	if err != nil {
		log.Fatalf("Error creating dispatch queue: %v", err)
	}
	q.Start()

	verifier := turnstile.NewClient(cfg.Turnstile.Secret, cfg.Turnstile.VerifyURL)

	server := api.NewServer(log.Desugar(), cfg, debug)
	server.Register(intake.NewController(cfg, verifier, q, log))

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()
	log.Infow("Listening", "address", cfg.Server.ListenAddress, "contactPath", cfg.Contact.Path)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnw("HTTP server shutdown", "error", err)
	}
	if err := q.Stop(ctx); err != nil {
		log.Warnw("Dispatch queue shutdown", "error", err)
	}
}

func buildQueue(cfg config.Config, worker *delivery.Worker, log *zap.SugaredLogger) (dispatchQueue, error) {
	switch cfg.Queue.Kind {
	case "kafka":
		return queue.NewKafkaQueue(queue.KafkaQueueConfig{
			Brokers:   cfg.Queue.Kafka.Brokers,
			Topic:     cfg.Queue.Kafka.Topic,
			GroupID:   cfg.Queue.Kafka.GroupID,
			BatchSize: cfg.Queue.BatchSize,
		}, worker, log)
	default:
		return queue.NewMemoryQueue(worker, log, cfg.Queue.BatchSize, cfg.Queue.Size), nil
	}
}

func setupLogger(debug bool) *zap.SugaredLogger {
	var zlog *zap.Logger
	var err error
	if debug {
		zlog, err = zap.NewDevelopment()
	} else {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		stdlog.Fatalf("failed to set up logger: %v", err)
	}
	return zlog.Sugar()
}
