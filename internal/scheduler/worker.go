// Package scheduler ticks the execution engine at a fixed interval. A redis
// lease keeps at most one batch runner active across process instances.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/engine"
	"github.com/stride-fi/stride-backend/internal/graceful"
)

const leaseName = "scheduler-batch"

type BatchRunner interface {
	RunBatch(ctx context.Context) (engine.BatchResult, error)
}

type Sweeper interface {
	SweepDeferred(ctx context.Context) error
}

type Locker interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

type Worker struct {
	logger *logrus.Logger

	runner  BatchRunner
	sweeper Sweeper
	locker  Locker
	holder  string

	pollInterval     time.Duration
	iterationTimeout time.Duration
	leaseTTL         time.Duration
}

func NewWorker(
	logger *logrus.Logger,
	runner BatchRunner,
	sweeper Sweeper,
	locker Locker,
	cfg config.Scheduler,
) *Worker {
	return &Worker{
		logger:           logger.WithField("pkg", "scheduler.Worker").Logger,
		runner:           runner,
		sweeper:          sweeper,
		locker:           locker,
		holder:           uuid.NewString(),
		pollInterval:     cfg.PollInterval,
		iterationTimeout: cfg.IterationTimeout,
		leaseTTL:         cfg.LeaseTTL,
	}
}

func (w *Worker) Run() error {
	ctx, stop := context.WithCancel(context.Background())

	go func() {
		graceful.HandleSignals(stop)
		w.logger.Info("got exit signal, will stop after current batch finished...")
	}()

	err := w.start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	return nil
}

func (w *Worker) start(aliveCtx context.Context) error {
	err := w.tick()
	if err != nil {
		w.logger.Errorf("initial tick error: %v", err)
	}

	for {
		select {
		case <-aliveCtx.Done():
			w.logger.Infof("context done & no processing: stop worker")
			return nil
		case <-time.After(w.pollInterval):
			er := w.tick()
			if er != nil {
				w.logger.Errorf("processing error, continue loop: %v", er)
			}
		}
	}
}

func (w *Worker) tick() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.iterationTimeout)
	defer cancel()

	w.logger.Info("worker tick")

	acquired, err := w.locker.AcquireLease(ctx, leaseName, w.holder, w.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		w.logger.Info("another instance holds the batch lease, skipping tick")
		return nil
	}
	defer func() {
		if er := w.locker.ReleaseLease(context.WithoutCancel(ctx), leaseName, w.holder); er != nil {
			w.logger.Errorf("failed to release lease: %v", er)
		}
	}()

	result, err := w.runner.RunBatch(ctx)
	if err != nil {
		return fmt.Errorf("failed to run batch: %w", err)
	}
	w.logger.WithFields(logrus.Fields{
		"processed":  result.Processed,
		"successful": result.Successful,
		"failed":     result.Failed,
	}).Info("batch finished")

	if w.sweeper != nil {
		if err := w.sweeper.SweepDeferred(ctx); err != nil {
			w.logger.Errorf("deferred deposit sweep failed: %v", err)
		}
	}

	return nil
}
