package main

import (
	"log"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"coursepay/internal/config"
	"coursepay/internal/gateway"
	"coursepay/internal/handlers"
	"coursepay/internal/logger"
	"coursepay/internal/middleware"
	"coursepay/internal/ordercode"
	"coursepay/internal/services"
)

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

	// Initialize Database
	db, err := services.InitDB(cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := services.AutoMigrate(db); err != nil {
		zlog.Fatal("failed to run database migrations", zap.Error(err))
	}

	// Redis is optional; without it callback dedup falls back to the
	// conditional updates alone.
	var cache *services.RedisCache
	if cfg.RedisURL != "" {
		cache, err = services.NewRedisCache(cfg.RedisURL)
		if err != nil {
			zlog.Warn("redis unavailable, continuing without callback dedup cache", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	events := services.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, zlog)
	if events != nil {
		defer events.Close()
	}

	gateways := gateway.NewRegistry(
		gateway.NewMoMoAdapter(cfg.MoMo),
		gateway.NewStripeAdapter(cfg.Stripe),
	)

	enrollments := services.NewEnrollmentService(db)
	codes := ordercode.New(cfg.OrderCodePrefix)
	checkout := services.NewCheckoutService(db, gateways, enrollments, codes, events, zlog)
	reconcile := services.NewReconcileService(db, gateways, enrollments, cache, events, zlog)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Validator = handlers.NewValidator()
	e.HTTPErrorHandler = middleware.NewErrorHandler(zlog)

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())

	checkoutHandler := handlers.NewCheckoutHandler(db, checkout)
	webhookHandler := handlers.NewWebhookHandler(reconcile, cfg.FrontendSuccessURL, cfg.FrontendFailureURL, zlog)
	adminHandler := handlers.NewAdminHandler(reconcile)

	// Student-facing API
	api := e.Group("/api", middleware.RequireStudent())
	api.POST("/checkout", checkoutHandler.Checkout)
	api.GET("/payments/:orderCode", checkoutHandler.GetPayment)
	api.GET("/cart", checkoutHandler.GetCart)

	// Gateway callbacks. Verification happens inside the reconcile path,
	// so these stay unauthenticated.
	e.POST("/webhooks/momo", webhookHandler.MoMoIPN)
	e.POST("/webhooks/stripe", webhookHandler.StripeWebhook)
	e.GET("/payments/momo/return", webhookHandler.MoMoReturn)
	e.GET("/payments/stripe/return", webhookHandler.StripeReturn)

	// Operator actions
	admin := e.Group("/admin", middleware.RequireOperator(cfg.OperatorAPIKey))
	admin.POST("/payments/:orderCode/verify", adminHandler.ManualVerify)
	admin.POST("/payments/:orderCode/refund", adminHandler.Refund)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	zlog.Info("server starting", zap.String("port", cfg.Port))
	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
