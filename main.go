package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-reconcile/internal/booking"
	"ms-reconcile/internal/config"
	"ms-reconcile/internal/customer"
	"ms-reconcile/internal/database/migrations"
	"ms-reconcile/internal/gateway"
	"ms-reconcile/internal/kafka"
	"ms-reconcile/internal/ledger"
	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/reconcile"
	"ms-reconcile/internal/reconcile/api"
	rediswrap "ms-reconcile/internal/reconcile/redis"
	"ms-reconcile/internal/stats"
	stats_api "ms-reconcile/internal/stats/api"
	"ms-reconcile/internal/sweep"
)

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	logger.Info("DATABASE", "✅ PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	var redisClient *redis.Client
	if cfg.Redis.LockEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Lock is a best-effort optimization; the service runs without it.
			logger.Warn("REDIS", fmt.Sprintf("Redis unavailable, reconcile lock disabled: %v", err))
			redisClient.Close()
			redisClient = nil
		} else {
			logger.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))
		}
	}

	return bunDB, redisClient
}

func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	logger.Info("APP", "Starting Reconciliation Service initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	if redisClient != nil {
		defer redisClient.Close()
	}

	runner := migrations.NewRunner(bunDB, logger, migrations.DefaultOptions())
	if err := runner.Run(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}

	var events *kafka.Events
	if cfg.Kafka.Enabled {
		logger.Info("KAFKA", fmt.Sprintf("Using Kafka brokers: %v", cfg.Kafka.Brokers))
		producer := kafka.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()

		requiredTopics := []string{
			cfg.Kafka.Topics.BookingMaterialized,
			cfg.Kafka.Topics.ReconcileFailed,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, requiredTopics); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			logger.Info("KAFKA", "Required topics ensured successfully")
		}
		events = kafka.NewEvents(producer, cfg.Kafka.Topics, logger)
	} else {
		logger.Warn("KAFKA", "Kafka disabled, reconciliation events will not be published")
	}

	ledgerDB := &ledger.DB{Bun: bunDB}
	bookingDB := &booking.DB{Bun: bunDB}
	customerDB := &customer.DB{Bun: bunDB}

	resolver := customer.NewResolver(customerDB, logger)
	gatewayClient := gateway.NewClient(cfg.Gateway, logger)

	var lock reconcile.OrderLock
	if redisClient != nil {
		lock = rediswrap.NewLock(redisClient, logger, cfg.Redis.LockTTL)
	}

	var publisher reconcile.EventPublisher
	if events != nil {
		publisher = events
	}

	service := reconcile.NewService(ledgerDB, bookingDB, resolver, gatewayClient, lock, publisher, logger)

	handler := &api.Handler{
		Service:        service,
		Ledger:         ledgerDB,
		Logger:         logger,
		AttemptTimeout: cfg.Reconcile.AttemptTimeout,
		PendingTTL:     cfg.Reconcile.PendingTTL,
	}

	statsHandler := stats_api.NewHandler(stats.NewService(bunDB), logger)

	sweeper := sweep.NewSweeper(service, ledgerDB, logger,
		cfg.Reconcile.SweepSpec, cfg.Reconcile.SweepBatch, cfg.Reconcile.AttemptTimeout)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("SWEEP", fmt.Sprintf("Failed to start sweep: %v", err))
	}
	defer sweeper.Stop()

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/reconcile-payment", handler.ReconcilePayment)
	logger.Info("ROUTER", "Frontend callback registered at /reconcile-payment")

	r.Route("/api/reconcile", func(r chi.Router) {
		r.Get("/pending", handler.ListPending)
		r.Post("/pending", handler.CreatePending)
		r.Post("/retry", handler.RetryReconcile)
		statsHandler.RegisterRoutes(r)
	})
	logger.Info("ROUTER", "Operator routes registered under /api/reconcile")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("🚀 Reconciliation Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "✅ Reconciliation Service shutdown complete")
	}
}
