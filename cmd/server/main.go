package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/coreos/go-systemd/v22/daemon"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/dispatch-engine/internal/api"
	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/dispatch"
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/pool"
	"github.com/ignite/dispatch-engine/internal/quota"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/repository/postgres"
	"github.com/ignite/dispatch-engine/internal/scheduler"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
	"github.com/ignite/dispatch-engine/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("[Server] exited", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// stores bundles the repositories the engine runs on.
type stores struct {
	campaigns campaign.Repository
	providers campaign.ProviderRepository
	templates campaign.TemplateRepository
	db        *sql.DB
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("[Server] no database_url, using in-memory store (single process, not durable)")
		m := memory.NewStore()
		return &stores{campaigns: m, providers: m, templates: m}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("[Server] connected to PostgreSQL")
	return &stores{
		campaigns: postgres.NewCampaignRepo(db),
		providers: postgres.NewProviderRepo(db),
		templates: postgres.NewTemplateRepo(db),
		db:        db,
	}, nil
}

func openRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		opts = &redis.Options{Addr: cfg.RedisURL}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("[Server] connected to Redis")
	return client, nil
}

func run(configPath string) error {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		configPath = ""
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetDefault(logger.New(zap.NewAtomicLevelAt(logger.ParseLevel(cfg.Logging.Level)), cfg.Logging.RedactPII))

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}
	rdb, err := openRedis(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	shared := newSharedState(rdb, st.db, cfg.Dispatch.LockTTL)

	sessions := pool.New(pool.Config{
		MaxConnections: cfg.Pool.MaxConnections,
		MaxMessages:    cfg.Pool.MaxMessages,
		VerifyTimeout:  cfg.Pool.DialTimeout,
	})
	sessions.Register(domain.TransportSMTP, &pool.SMTPFactory{})
	sessions.Register(domain.TransportSES, &pool.SESFactory{})
	defer sessions.Close()

	guard := quota.NewGuard(st.providers, shared.buckets, shared.quotaLock, quota.WithLocation(cfg.Dispatch.Location()))
	svc := campaign.NewService(st.campaigns, st.providers, st.templates, nil)

	var links *tracking.Links
	if cfg.Tracking.Enabled() {
		links = tracking.NewLinks(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	}

	runner := scheduler.NewRunner(shared.queue, nil,
		scheduler.WithWorkers(cfg.Dispatch.Workers),
		scheduler.WithPollInterval(cfg.Dispatch.PollInterval),
	)
	dispatcher := dispatch.New(dispatch.Config{
		Repo:           st.campaigns,
		Lifecycle:      svc,
		Guard:          guard,
		Sessions:       sessions,
		Scheduler:      runner,
		Locker:         shared.runLock,
		Links:          links,
		MaxInlineDelay: cfg.Dispatch.MaxInlineDelay,
	})
	runner.SetDispatcher(dispatcher)
	svc.SetLauncher(runner)
	recovery := dispatch.NewRecovery(st.campaigns, runner, cfg.Dispatch.RecoverySchedule)
	ingest := tracking.NewIngest(st.campaigns)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, cfg, func(c *config.Config) {
				logger.SetLevel(logger.ParseLevel(c.Logging.Level))
				logger.SetRedactPII(c.Logging.RedactPII)
			})
			if err != nil {
				logger.Warn("[Server] config watch disabled", "error", err)
			}
		}()
	}

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	defer runner.Stop()
	if err := recovery.Start(ctx); err != nil {
		return fmt.Errorf("start recovery: %w", err)
	}
	defer recovery.Stop()

	if cfg.Tracking.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.AWSRegion))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		consumer := tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Tracking.SQSQueueURL, ingest)
		consumer.Start(ctx)
		defer consumer.Stop()
	}
	// A consumer that cannot reconnect ends the process.
	var brokerErrs <-chan error
	if cfg.Tracking.AMQPURL != "" {
		consumer := tracking.NewAMQPConsumer(tracking.NewAMQPDialer(cfg.Tracking.AMQPURL), tracking.AMQPQueue, ingest)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer consumer.Stop()
		brokerErrs = consumer.Err()
	}

	opts := api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins}
	if links != nil {
		opts.Tracking = tracking.NewHandler(links, ingest, tracking.WithWebhookSecret(cfg.Tracking.WebhookSecret))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		opts.Metrics = promhttp.Handler()
	}

	servers := []*http.Server{{
		Addr:         cfg.Server.Addr(),
		Handler:      api.SetupRoutes(api.NewHandlers(svc), opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}}
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("[Server] listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if brokerErrs != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-brokerErrs:
				return err
			}
		})
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("[Server] sd_notify failed", "error", err)
	} else if ok {
		logger.Info("[Server] readiness sent to systemd")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("[Server] shutting down")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
