package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainfunnel/internal/application"
	"chainfunnel/internal/config"
	"chainfunnel/internal/infrastructure/ethrpc"
	"chainfunnel/internal/infrastructure/kafka"
	"chainfunnel/internal/infrastructure/logging"
	"chainfunnel/internal/infrastructure/mysql"
	"chainfunnel/internal/infrastructure/postgres"
	"chainfunnel/internal/infrastructure/rediscache"
	"chainfunnel/internal/infrastructure/sqlite"
	"chainfunnel/internal/infrastructure/telemetry"
	"chainfunnel/internal/interfaces/httpapi"
	"chainfunnel/internal/submission"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "logs/funnel.log"
	}
	logger, logWriter, err := logging.Init(logging.Config{
		Service:    "chainfunnel",
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       logFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		slog.Error("logger init error", "err", err)
		logger = slog.Default()
	} else if logWriter != nil {
		defer logWriter.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "chainfunnel",
		ServiceVersion: version,
		Endpoint:       cfg.OtelEndpoint,
	})
	if err != nil {
		logger.Warn("tracing init error", "err", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "err", err)
		}
	}()

	if err := ethrpc.ValidateContractAddress(cfg.ContractAddress); err != nil {
		logger.Error("contract address error", "err", err)
		os.Exit(1)
	}
	rpcClient, err := ethrpc.Connect(ctx, ethrpc.Config{
		URL:             cfg.RPCURL,
		ContractAddress: cfg.ContractAddress,
		Timeout:         cfg.RPCTimeout,
	}, cfg.RetryWait, cfg.RetryTries)
	if err != nil {
		logger.Error("rpc error", "err", err)
		os.Exit(1)
	}
	chainID, err := application.Retry(ctx, rpcClient.ChainID, cfg.RetryWait, cfg.RetryTries)
	if err != nil {
		logger.Error("chain id error", "err", err)
		os.Exit(1)
	}

	baseStore, closeStore, err := openFeedStore(cfg)
	if err != nil {
		logger.Error("feed store error", "store", cfg.FeedStore, "err", err)
		os.Exit(1)
	}
	defer closeStore.Close()

	var store rediscache.Store = baseStore
	if cached, err := rediscache.NewCachedRepository(baseStore, rediscache.Config{
		Addr: cfg.RedisAddr,
		TTL:  time.Hour,
	}); err != nil {
		logger.Warn("redis cache disabled", "err", err)
	} else {
		store = cached
		defer cached.Close()
	}

	scheduled, err := openScheduledStore(ctx, cfg, baseStore)
	if err != nil {
		logger.Error("scheduled store error", "store", cfg.ScheduledStore, "err", err)
		os.Exit(1)
	}
	if pool, ok := scheduled.(*postgres.ScheduledStore); ok {
		defer pool.Close()
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:     cfg.KafkaBrokers,
		TopicPrefix: cfg.KafkaTopicPrefix,
	})
	if err != nil {
		logger.Error("kafka error", "err", err)
		os.Exit(1)
	}
	defer producer.Close()

	metrics := httpapi.NewMetrics()
	if last, ok, err := store.LastProcessedBlock(ctx, chainID); err == nil && ok {
		metrics.SetLastProcessed(last)
	}

	funnel, err := application.NewFunnel(rpcClient, submission.NewDecoder(), metrics, logger, application.FunnelConfig{
		BlockTimeout: cfg.BlockTimeout,
	})
	if err != nil {
		logger.Error("funnel error", "err", err)
		os.Exit(1)
	}
	poller, err := application.NewPoller(rpcClient, funnel, producer, store, store, scheduled, metrics, logger, application.PollerConfig{
		StartBlock:    cfg.StartBlock,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
	})
	if err != nil {
		logger.Error("poller error", "err", err)
		os.Exit(1)
	}

	httpServer, err := httpapi.NewServer(cfg, httpapi.Options{
		ChainID:   chainID,
		Store:     store,
		Scheduled: scheduled,
		Rewinder:  poller,
		RPC:       rpcClient,
		Contract:  rpcClient,
		Metrics:   metrics,
		BuildInfo: httpapi.BuildInfo{
			Version:   version,
			Commit:    commit,
			BuildTime: buildTime,
		},
	})
	if err != nil {
		logger.Error("http server error", "err", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
			logger.Error("http server error", "err", err)
			cancel()
		}
	}()

	logger.Info("funnel started",
		"chain_id", chainID,
		"deployment", cfg.Deployment,
		"contract", cfg.ContractAddress,
		"start", cfg.StartBlock,
		"confirmations", cfg.Confirmations,
		"batch", cfg.BatchSize,
		"block_timeout", cfg.BlockTimeout,
	)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("funnel stopped", "err", err)
		cancel()
		os.Exit(1)
	}
}

type feedStore interface {
	rediscache.Store
	io.Closer
}

func openFeedStore(cfg config.Config) (rediscache.Store, io.Closer, error) {
	var (
		store feedStore
		err   error
	)
	switch cfg.FeedStore {
	case "sqlite":
		store, err = sqlite.NewRepository(cfg.SQLitePath)
	default:
		store, err = mysql.NewRepository(cfg.DBDSN)
	}
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// openScheduledStore returns a nil store when scheduled data is disabled. The
// sqlite option shares the feed database when the feed is also on sqlite.
func openScheduledStore(ctx context.Context, cfg config.Config, feed rediscache.Store) (application.ScheduledDataStore, error) {
	switch cfg.ScheduledStore {
	case "none":
		return nil, nil
	case "sqlite":
		if repo, ok := feed.(*sqlite.Repository); ok {
			return repo, nil
		}
		return sqlite.NewRepository(cfg.SQLitePath)
	default:
		return postgres.NewScheduledStore(ctx, cfg.PostgresDSN)
	}
}
