// Command tracking runs the tracking edge on its own listener. Events go to
// SQS or RabbitMQ when a broker is configured, otherwise straight to the
// database.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/repository/postgres"
	"github.com/ignite/dispatch-engine/internal/tracking"
)

func main() {
	if err := run(); err != nil {
		logger.Error("[Tracking] exited", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run() error {
	path := os.Getenv("DISPATCH_CONFIG")
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetDefault(logger.New(zap.NewAtomicLevelAt(logger.ParseLevel(cfg.Logging.Level)), cfg.Logging.RedactPII))

	if !cfg.Tracking.Enabled() {
		return errors.New("tracking.base_url and tracking.signing_key are required")
	}

	var sink tracking.EventSink
	switch {
	case cfg.Tracking.SQSQueueURL != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Tracking.AWSRegion))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		sink = tracking.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.Tracking.SQSQueueURL)
		logger.Info("[Tracking] publishing events to SQS", "queue", cfg.Tracking.SQSQueueURL)
	case cfg.Tracking.AMQPURL != "":
		conn, ch, err := tracking.DialAMQP(cfg.Tracking.AMQPURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		sink = tracking.NewAMQPPublisher(ch)
		logger.Info("[Tracking] publishing events to RabbitMQ", "exchange", tracking.AMQPExchange)
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		sink = tracking.NewIngest(postgres.NewCampaignRepo(db))
		logger.Info("[Tracking] applying events directly to PostgreSQL")
	default:
		return errors.New("one of tracking.sqs_queue_url, tracking.amqp_url or database_url is required")
	}

	handler := tracking.NewHandler(
		tracking.NewLinks(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey),
		sink,
		tracking.WithWebhookSecret(cfg.Tracking.WebhookSecret),
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Tracking.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Tracking] listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("[Tracking] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
