package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lpernett/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/config"
	"github.com/verba-labs/verba-core/engine"
	"github.com/verba-labs/verba-core/gateway"
	"github.com/verba-labs/verba-core/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	// Load environment variables from .env file when present.
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file loaded, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Set up Redis connection for the session context store.
	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          0,
		DialTimeout: 20 * time.Second,
	})

	redisCtx, cancelRedis := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelRedis()
	if _, err := redisClient.Ping(redisCtx).Result(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Successfully connected to Redis", zap.String("addr", cfg.RedisAddr))

	// Connect to the message bus the backend services listen on.
	serviceBus, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to message bus", zap.Error(err))
	}
	defer serviceBus.Close()

	contextStore := store.NewRedisStore(redisClient, cfg.SessionTTL, logger)
	eng := engine.New(serviceBus, contextStore, cfg, logger)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: gateway.NewRouter(eng, logger),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverExit := make(chan struct{})
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server exited unexpectedly", zap.Error(err))
		}
		close(serverExit)
	}()

	select {
	case <-stop:
		logger.Info("Shutting down server...")
	case <-serverExit:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown failed", zap.Error(err))
	}

	logger.Info("Server shut down gracefully")
}
