package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"flowmint-engine/internal/config"
	"flowmint-engine/internal/fees"
	"flowmint-engine/internal/joblock"
	"flowmint-engine/internal/notify"
	"flowmint-engine/internal/oracle"
	"flowmint-engine/internal/receipts"
	"flowmint-engine/internal/rpcpool"
	"flowmint-engine/internal/scheduler"
	"flowmint-engine/internal/store"
	"flowmint-engine/internal/swap"
	"flowmint-engine/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	pool := rpcpool.New(rpcpool.ParseConfigs(cfg.RPCEndpoints), logger)

	var archiver receipts.Archiver
	if cfg.ReceiptS3Bucket != "" {
		s3Archiver, err := receipts.NewS3Archiver(ctx, receipts.S3Options{
			Bucket:    cfg.ReceiptS3Bucket,
			Region:    cfg.ReceiptS3Region,
			Endpoint:  cfg.ReceiptS3Endpoint,
			PathStyle: cfg.ReceiptS3PathStyle,
			Prefix:    cfg.ReceiptS3Prefix,
		})
		if err != nil {
			logger.Fatal("init receipt archiver", zap.Error(err))
		}
		archiver = s3Archiver
	}

	locks := joblock.New(st, joblock.Config{
		Window:         cfg.LockWindow,
		RetryLimit:     cfg.LockRetryLimit,
		MaxRunningTime: cfg.LockMaxRunningTime,
	}, logger)
	gate := oracle.NewGate(oracle.NewHTTPProvider(cfg.OracleBaseURL, 10*time.Second), nil, logger)
	estimator := fees.NewEstimator(fees.NewRPCSource(pool), logger)
	receiptSvc := receipts.New(st, archiver, logger)
	swapClient := swap.NewClient(cfg.SwapBaseURL, pool, logger)
	notifier := notify.New(cfg.WebhookURL, logger)

	sched := scheduler.New(st, locks, gate, estimator, receiptSvc, swapClient, notifier, logger, scheduler.Options{
		TickInterval: cfg.TickInterval,
		WorkerCount:  cfg.WorkerCount,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("scheduler started",
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Int("workers", cfg.WorkerCount))
	sched.Start(ctx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
