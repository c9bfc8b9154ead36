package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"imageConverter/worker/config"
	"imageConverter/worker/kafka"
	"imageConverter/worker/repository"
	"imageConverter/worker/service"
)

func main() {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	if cfg.Env == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	logger.Info("Worker Service starting",
		zap.String("topic", cfg.KafkaTopic),
		zap.String("group_id", cfg.KafkaGroupID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()

	repo := repository.NewPostgresRepo(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to prepare schema", zap.Error(err))
	}

	consumer, err := kafka.NewConsumer(cfg.Brokers(), cfg.KafkaGroupID, logger)
	if err != nil {
		logger.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	processor := service.NewProcessor(repo, cfg.MaxRetries, cfg.RetryBackoff, logger)

	if err := consumer.Consume(ctx, cfg.KafkaTopic, processor.Process); err != nil {
		logger.Error("Consumer stopped", zap.Error(err))
		return
	}
	logger.Info("Worker Service stopped")
}
