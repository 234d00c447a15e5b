package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/venue-payments/internal/api"
	"github.com/abkawan/venue-payments/internal/auth"
	"github.com/abkawan/venue-payments/internal/config"
	"github.com/abkawan/venue-payments/internal/db"
	"github.com/abkawan/venue-payments/internal/gateway"
	"github.com/abkawan/venue-payments/internal/lock"
	"github.com/abkawan/venue-payments/internal/logger"
	"github.com/abkawan/venue-payments/internal/service"
	"github.com/abkawan/venue-payments/internal/validator"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	store, owners, closeStores := openStores(ctx, cfg)
	defer closeStores()

	locker, closeLocker := openLocker(cfg)
	defer closeLocker()

	gw := gateway.NewChapa(gateway.Config{
		BaseURL:   cfg.GatewayBaseURL,
		SecretKey: cfg.GatewaySecretKey,
		Timeout:   cfg.GatewayTimeout,
	})

	opts := service.Options{
		CallbackURL:            cfg.DepositCallbackURL,
		ReturnURL:              cfg.DepositReturnURL,
		SingleWithdrawalPolicy: cfg.SingleWithdrawalPolicy,
		GatewayTimeout:         cfg.GatewayTimeout,
		LockWait:               cfg.LockWait,
		DepositExpiry:          cfg.DepositExpiry,
	}

	// Create services
	accountService := service.NewAccountService(store, owners)
	transactionService := service.NewTransactionService(store, owners, gw, locker, validator.New(cfg.AllowedCurrencies), opts)

	// Create router and set up routes
	router := mux.NewRouter()
	api.SetupRoutes(router, accountService, transactionService, auth.NewService(cfg.JWTSecret), cfg.GatewayWebhookSecret)

	// Create server. A withdrawal can wait on two locks and a payout, so the
	// write deadline must outlast that or a paid-out response is dropped.
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout(opts),
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Str("locks", cfg.LockBackend).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return
	}

	log.Info().Msg("Server shut down successfully")
}

func writeTimeout(opts service.Options) time.Duration {
	return opts.RequestBudget() + 5*time.Second
}

// openStores returns the ledger and owner directory for the configured backend
func openStores(ctx context.Context, cfg *config.Config) (service.LedgerStore, service.OwnerDirectory, func()) {
	if cfg.StoreBackend == "memory" {
		log.Warn().Msg("Using in-memory stores, balances are lost on restart")
		return db.NewMemory(), db.NewMemoryOwners(cfg.SeedOwners...), func() {}
	}

	log.Info().Msg("Connecting to PostgreSQL...")
	postgres, err := db.NewPostgres(cfg.PostgresURI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	if err := postgres.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create schema")
	}
	for _, owner := range cfg.SeedOwners {
		if err := postgres.UpsertOwner(ctx, owner); err != nil {
			log.Fatal().Err(err).Str("owner_email", owner.Email).Msg("failed to seed owner")
		}
	}

	log.Info().Msg("Connecting to MongoDB...")
	mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}

	return mongodb, postgres, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongodb.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("failed to disconnect MongoDB")
		}
		postgres.Close()
	}
}

func openLocker(cfg *config.Config) (lock.Locker, func()) {
	if cfg.LockBackend == "local" {
		log.Warn().Msg("Using in-process locks, run a single instance only")
		return lock.NewLocal(), func() {}
	}

	client, err := lock.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	return lock.NewRedis(client), func() { client.Close() }
}
