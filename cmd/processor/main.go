package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/venue-payments/internal/config"
	"github.com/abkawan/venue-payments/internal/db"
	"github.com/abkawan/venue-payments/internal/gateway"
	"github.com/abkawan/venue-payments/internal/lock"
	"github.com/abkawan/venue-payments/internal/logger"
	"github.com/abkawan/venue-payments/internal/queue"
	"github.com/abkawan/venue-payments/internal/service"
	"github.com/abkawan/venue-payments/internal/validator"
	"github.com/rs/zerolog/log"
)

// The processor sweeps open deposits on a schedule and verifies them through
// the queue. It shares the ledger and the Redis locks with the API.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	//connecting to PostgreSQL
	log.Info().Msg("Connecting to PostgreSQL...")
	postgres, err := db.NewPostgres(cfg.PostgresURI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer postgres.Close()

	// Connect to MongoDB
	log.Info().Msg("connecting to MongoDB...")
	mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		mongodb.Close(closeCtx)
	}()

	// Connect to RabbitMQ
	log.Info().Msg("Connecting to RabbitMQ...")
	rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer rabbitmq.Close()

	// Locks must be shared with the API instances
	log.Info().Msg("Connecting to Redis...")
	redisClient, err := lock.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	gw := gateway.NewChapa(gateway.Config{
		BaseURL:   cfg.GatewayBaseURL,
		SecretKey: cfg.GatewaySecretKey,
		Timeout:   cfg.GatewayTimeout,
	})

	transactionService := service.NewTransactionService(mongodb, postgres, gw, lock.NewRedis(redisClient), validator.New(cfg.AllowedCurrencies), service.Options{
		CallbackURL:            cfg.DepositCallbackURL,
		ReturnURL:              cfg.DepositReturnURL,
		SingleWithdrawalPolicy: cfg.SingleWithdrawalPolicy,
		GatewayTimeout:         cfg.GatewayTimeout,
		LockWait:               cfg.LockWait,
		DepositExpiry:          cfg.DepositExpiry,
	})

	// Start verification processor
	log.Info().Msg("Starting verification processor...")
	if err := transactionService.StartProcessor(ctx, rabbitmq); err != nil {
		log.Fatal().Err(err).Msg("Failed to start verification processor")
	}

	reconciler := service.NewReconciler(mongodb, rabbitmq, cfg.StaleAfter)
	if err := reconciler.Start(ctx, cfg.ReconcileSchedule); err != nil {
		log.Fatal().Err(err).Msg("Failed to start reconciler")
	}

	log.Info().Str("schedule", cfg.ReconcileSchedule).Dur("stale_after", cfg.StaleAfter).Msg("Processor started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down processor...")
	cancel() // Cancel context to stop processor and reconciler
	log.Info().Msg("Processor shut down successfully")
}
