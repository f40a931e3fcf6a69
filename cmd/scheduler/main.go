package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/engine"
	"github.com/stride-fi/stride-backend/internal/health"
	"github.com/stride-fi/stride-backend/internal/logging"
	"github.com/stride-fi/stride-backend/internal/metrics"
	"github.com/stride-fi/stride-backend/internal/oracle"
	"github.com/stride-fi/stride-backend/internal/scheduler"
	"github.com/stride-fi/stride-backend/internal/storage"
	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/treasury"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Read()
	if err != nil {
		panic(err)
	}

	logger := logging.NewLogger(logging.LogFormat(cfg.LogFormat))

	db, err := postgres.NewBackend(ctx, cfg.Database.DSN, logger)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	redisStorage, err := storage.NewRedisStorage(cfg.Redis)
	if err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}
	defer func() {
		_ = redisStorage.Close()
	}()

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := client.Close(); err != nil {
			fmt.Println("fail to close asynq client,", err)
		}
	}()
	queue := tasks.NewQueue(client)

	rates := oracle.NewClient(cfg.Oracle, logger)

	executorChain, err := chain.NewClient(ctx, cfg.Chain, cfg.Chain.ExecutorKey, logger)
	if err != nil {
		logger.Fatalf("failed to create executor chain client: %v", err)
	}
	treasuryChain, err := chain.NewClient(ctx, cfg.Chain, cfg.Chain.TreasuryKey, logger)
	if err != nil {
		logger.Fatalf("failed to create treasury chain client: %v", err)
	}

	m := metrics.NewEngineMetrics(prometheus.DefaultRegisterer)
	eng := engine.New(db, rates, executorChain, queue, m, cfg.Engine, cfg.Oracle.StableSymbol, logger)
	treasurySvc := treasury.NewService(db, rates, treasuryChain, queue, cfg.Oracle.StableSymbol, logger)

	healthServer := health.New(cfg.HealthPort, map[string]health.Check{
		"postgres": func(c context.Context) error { return db.Pool().Ping(c) },
		"redis":    redisStorage.Ping,
	})
	go func() {
		if err := healthServer.Start(ctx, logger); err != nil {
			logger.Errorf("health server stopped: %v", err)
		}
	}()

	worker := scheduler.NewWorker(logger, eng, treasurySvc, redisStorage, cfg.Scheduler)
	if err := worker.Run(); err != nil {
		logger.Fatalf("scheduler stopped: %v", err)
	}
}
