package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/api"
	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/engine"
	"github.com/stride-fi/stride-backend/internal/logging"
	"github.com/stride-fi/stride-backend/internal/metrics"
	"github.com/stride-fi/stride-backend/internal/oracle"
	"github.com/stride-fi/stride-backend/internal/payment"
	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/tasks"
	"github.com/stride-fi/stride-backend/internal/treasury"
	"github.com/stride-fi/stride-backend/internal/wallet"
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
	gateway := payment.NewClient(cfg.Payment, logger)
	wallets := wallet.NewClient(cfg.Wallet, logger)

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

	server := api.NewServer(cfg, db, eng, treasurySvc, gateway, wallets, executorChain, m, logger)
	if err := server.StartServer(); err != nil {
		logger.Fatalf("failed to start server: %v", err)
	}
}
