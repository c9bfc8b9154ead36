package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"imageConverter/api/batch"
	"imageConverter/api/cache"
	"imageConverter/api/config"
	"imageConverter/api/database"
	"imageConverter/api/handlers"
	"imageConverter/api/kafka"
	"imageConverter/api/middleware"
	"imageConverter/api/optimizer"
	"imageConverter/api/repository"
	"imageConverter/api/service"
	"imageConverter/worker/converter"
)

const (
	sessionTTL      = 2 * time.Hour
	janitorInterval = 5 * time.Minute
)

func main() {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	if cfg.Env == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	logger.Info("API Service starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaultFormat, err := converter.ParseFormat(cfg.DefaultFormat)
	if err != nil {
		logger.Fatal("Invalid default format", zap.Error(err))
	}

	convOpts := make([]converter.Option, 0, len(cfg.DisabledFormats))
	for _, name := range cfg.DisabledFormats {
		f, err := converter.ParseFormat(name)
		if err != nil {
			logger.Fatal("Invalid disabled format", zap.String("format", name), zap.Error(err))
		}
		convOpts = append(convOpts, converter.WithoutEncoder(f))
	}
	conv := converter.NewConverter(logger.Named("converter"), convOpts...)

	redisCache, err := database.ConnectCache(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()

	db, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer db.Close()

	producer, err := kafka.NewProducer(cfg.Brokers())
	if err != nil {
		logger.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	opt := optimizer.NewClient(cfg.OptimizerURL, cfg.OptimizerAPIKey, cfg.OptimizerTimeout, cfg.OptimizerRPS, logger.Named("optimizer"))

	svc := service.NewSessionService(
		conv,
		batch.NewPreviewStore(),
		repository.NewPostgresRepo(db),
		cache.NewStatusCache(redisCache),
		producer,
		opt,
		service.Options{
			Topic:         cfg.KafkaTopic,
			MaxWorkers:    cfg.WorkerCount,
			ItemTimeout:   cfg.ItemTimeout,
			DefaultFormat: defaultFormat,
		},
		logger,
	)
	defer svc.Close(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	handlers.NewSessionHandler(svc, cfg.MaxFileSize, logger).Register(mux)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.Chain(mux, middleware.TraceID, middleware.Logging(logger), middleware.Recovery(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := svc.ExpireIdle(ctx, sessionTTL); n > 0 {
					logger.Info("Expired idle sessions", zap.Int("count", n))
				}
			}
		}
	}()

	go func() {
		logger.Info("Server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
