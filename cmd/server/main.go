package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmill/taskmill/internal/api"
	"github.com/taskmill/taskmill/internal/backoff"
	"github.com/taskmill/taskmill/internal/config"
	"github.com/taskmill/taskmill/internal/log"
	"github.com/taskmill/taskmill/internal/queue"
	"github.com/taskmill/taskmill/internal/registry"
	"github.com/taskmill/taskmill/internal/repository"
	"github.com/taskmill/taskmill/internal/webhook"
	"github.com/taskmill/taskmill/internal/worker/handlers"
)

func main() {
	logger := log.GetLogger()
	cfg := config.Load()

	var repo repository.TaskRepository
	if cfg.PostgresDSN != "" {
		if err := repository.RunMigrations(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
			logger.Fatalf("migrations failed: %v", err)
		}

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

	deliveryPolicy := backoff.NewPolicy(cfg.RetryBase, cfg.RetryFactor, cfg.RetryCap, time.Now().UnixNano())
	dispatcher := webhook.NewDispatcher(q, repo, deliveryPolicy)

	go startMetricsCollector(q)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewAPI(q, reg, dispatcher, repo),
	}

	go func() {
		logger.Infof("server listening on :%s (redis %s)", cfg.Port, cfg.RedisAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
}
