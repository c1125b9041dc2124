package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"coursepay/internal/config"
	"coursepay/internal/logger"
	"coursepay/internal/services"
)

const sweepInterval = 5 * time.Minute

// The worker cancels payments whose window elapsed without a gateway
// confirmation. Payments awaiting manual attestation are left alone.
func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	db, err := services.InitDB(cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}

	events := services.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, zlog)
	if events != nil {
		defer events.Close()
	}

	enrollments := services.NewEnrollmentService(db)
	reconcile := services.NewReconcileService(db, nil, enrollments, nil, events, zlog)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		zlog.Info("shutting down worker")
		cancel()
	}()

	zlog.Info("expiry worker started", zap.Duration("interval", sweepInterval))

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	// Run once on start so a restart never extends payment windows.
	sweep(ctx, reconcile, zlog)

	for {
		select {
		case <-ticker.C:
			sweep(ctx, reconcile, zlog)
		case <-ctx.Done():
			return
		}
	}
}

func sweep(ctx context.Context, reconcile *services.ReconcileService, zlog *zap.Logger) {
	expired, err := reconcile.ExpireStale(ctx)
	if err != nil {
		zlog.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		zlog.Info("expired stale payments", zap.Int64("count", expired))
	}
}
