package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mp_watcher/internal/config"
	"mp_watcher/internal/publisher"
	"mp_watcher/internal/scheduler"
	"mp_watcher/internal/service"
	"mp_watcher/internal/source/wechat"
	mongostore "mp_watcher/internal/storage/mongo"
	"mp_watcher/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var (
		targetStore  service.TargetStore
		accountStore service.AccountStore
		articleStore service.ArticleStore
		runLogStore  service.RunLogStore
	)

	switch cfg.Storage.Driver {
	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.Storage.Postgres.DSN())
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		targetStore = postgres.NewTargetStore(db)
		accountStore = postgres.NewAccountStore(db)
		articleStore = postgres.NewArticleStore(db)
		runLogStore = postgres.NewRunLogStore(db)
		logger.Info("connected to postgres", "host", cfg.Storage.Postgres.Host)

	case "mongo":
		db, err := mongostore.Connect(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			logger.Error("failed to connect to mongodb", "error", err)
			os.Exit(1)
		}
		defer db.Client().Disconnect(context.Background())

		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			logger.Error("failed to ensure indexes", "error", err)
			os.Exit(1)
		}

		targetStore = mongostore.NewTargetStore(db)
		accountStore = mongostore.NewAccountStore(db)
		articleStore = mongostore.NewArticleStore(db)
		runLogStore = mongostore.NewRunLogStore(db)
		logger.Info("connected to mongodb", "database", cfg.Storage.Mongo.Database)

	default:
		logger.Error("unknown storage driver", "driver", cfg.Storage.Driver)
		os.Exit(1)
	}

	var pub service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	source := wechat.New(wechat.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		MaxAttempts:       cfg.API.MaxAttempts,
		RateLimitWait:     cfg.API.RateLimitWait,
		MinDelay:          cfg.API.MinDelay,
		MaxDelay:          cfg.API.MaxDelay,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	}, logger)

	ledger := service.NewLedger(runLogStore, logger, cfg.Scheduler.StaleLogAfter)
	go ledger.Run(ctx, cfg.Scheduler.SweepInterval)

	crawlService := service.NewCrawlService(
		source,
		targetStore,
		accountStore,
		articleStore,
		ledger,
		pub,
		logger,
		cfg.API.PageCount,
	)

	sched := scheduler.New(targetStore, crawlService, scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		QueueSize:    cfg.Scheduler.QueueSize,
		TickInterval: cfg.Scheduler.TickInterval,
		GracePeriod:  cfg.Scheduler.GracePeriod,
		RunTimeout:   cfg.Scheduler.RunTimeout,
		Timezone:     cfg.Scheduler.Timezone,
	}, logger)

	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listener started", "addr", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	logger.Info("starting mp watcher",
		"driver", cfg.Storage.Driver,
		"workers", cfg.Scheduler.Workers,
		"tick", cfg.Scheduler.TickInterval,
		"pages", cfg.API.PageCount,
	)

	if err := sched.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
