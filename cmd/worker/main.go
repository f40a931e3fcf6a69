package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/health"
	"github.com/stride-fi/stride-backend/internal/logging"
	"github.com/stride-fi/stride-backend/internal/oracle"
	"github.com/stride-fi/stride-backend/internal/receipts"
	"github.com/stride-fi/stride-backend/internal/rewards"
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

	redisConnOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisConnOpt)
	defer func() {
		if err := client.Close(); err != nil {
			fmt.Println("fail to close asynq client,", err)
		}
	}()
	queue := tasks.NewQueue(client)

	rates := oracle.NewClient(cfg.Oracle, logger)

	treasuryChain, err := chain.NewClient(ctx, cfg.Chain, cfg.Chain.TreasuryKey, logger)
	if err != nil {
		logger.Fatalf("failed to create treasury chain client: %v", err)
	}
	treasurySvc := treasury.NewService(db, rates, treasuryChain, queue, cfg.Oracle.StableSymbol, logger)

	rewardsSvc := rewards.NewService(db, rewards.NewClient(cfg.Rewards, logger), logger)

	blobs, err := receipts.NewS3Storage(cfg.Receipts, logger)
	if err != nil {
		logger.Fatalf("failed to init receipt blob storage: %v", err)
	}
	archiver := receipts.NewArchiver(db, blobs, logger)

	healthServer := health.New(cfg.HealthPort, map[string]health.Check{
		"postgres": func(c context.Context) error { return db.Pool().Ping(c) },
	})
	go func() {
		if err := healthServer.Start(ctx, logger); err != nil {
			logger.Errorf("health server stopped: %v", err)
		}
	}()

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeTreasuryFund, treasurySvc.HandleFund)
	mux.HandleFunc(tasks.TypeRewardCredit, rewardsSvc.HandleCredit)
	mux.HandleFunc(tasks.TypeReceiptArchive, archiver.HandleArchive)

	srv := asynq.NewServer(redisConnOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			tasks.QueueName: 10,
		},
		Logger: logger,
	})
	if err := srv.Run(mux); err != nil {
		logger.Fatalf("worker stopped: %v", err)
	}
}
