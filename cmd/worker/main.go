package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmill/taskmill/internal/backoff"
	"github.com/taskmill/taskmill/internal/config"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/internal/queue"
	"github.com/taskmill/taskmill/internal/registry"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/webhook"
	"github.com/taskmill/taskmill/internal/worker"
	"github.com/taskmill/taskmill/internal/worker/handlers"
)

func main() {
	logger := log.GetLogger()
	cfg := config.Load()

	var repo repository.TaskRepository
	if cfg.PostgresDSN != "" {
		pg, err := repository.NewPostgresTaskRepository(cfg.PostgresDSN)
		if err != nil {
			logger.Fatal(err)
		}
		repo = pg

		defer func() {
			if err := repo.Close(); err != nil {
				logger.Errorf("failed to close repository: %v", err)
			}
		}()
	}

	q, err := queue.NewQueue(cfg.RedisAddr, repo)
	if err != nil {
		logger.Fatal(err)
	}

	defer func() {
		if err := q.Close(); err != nil {
			logger.Errorf("failed to close queue: %v", err)
		}
	}()

	reg := registry.New()
	handlers.Register(reg)

	seed := time.Now().UnixNano()
	retryPolicy := backoff.NewPolicy(cfg.RetryBase, cfg.RetryFactor, cfg.RetryCap, seed)
	deliveryPolicy := backoff.NewPolicy(cfg.RetryBase, cfg.RetryFactor, cfg.RetryCap, seed+1)

	poolID := os.Getenv("WORKER_ID")
	if poolID == "" {
		poolID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	pool := worker.NewPool(poolID, cfg.WorkerCount, q, reg, retryPolicy)
	pool.SetDispatcher(webhook.NewDispatcher(q, repo, deliveryPolicy))
	pool.SetRepository(repo)
	pool.SetTaskTimeout(cfg.TaskTimeout)
	pool.SetPollInterval(cfg.PollInterval)

	pool.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down worker pool...")
	pool.Stop()
}
