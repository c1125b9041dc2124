package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"coursepay/internal/gateway"
)

// Config is the full process configuration, assembled once at startup and
// injected explicitly. Gateway adapters never read the environment themselves.
type Config struct {
	Port        string
	Environment string

	DatabaseURL string
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	FrontendSuccessURL string
	FrontendFailureURL string

	OperatorAPIKey string

	OrderCodePrefix string

	MoMo   gateway.MoMoConfig
	Stripe gateway.StripeConfig
}

// Load reads the configuration from the environment. DatabaseURL and the
// Stripe keys are required; Redis and Kafka are optional integrations.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("APP_ENV", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		KafkaTopic: getEnv("KAFKA_PAYMENT_TOPIC", "payment-events"),

		FrontendSuccessURL: getEnv("FRONTEND_SUCCESS_URL", "http://localhost:3000/payment/success"),
		FrontendFailureURL: getEnv("FRONTEND_FAILURE_URL", "http://localhost:3000/payment/failure"),

		OperatorAPIKey: os.Getenv("OPERATOR_API_KEY"),

		OrderCodePrefix: getEnv("ORDER_CODE_PREFIX", "CP"),

		MoMo: gateway.MoMoConfig{
			PartnerCode:       os.Getenv("MOMO_PARTNER_CODE"),
			AccessKey:         os.Getenv("MOMO_ACCESS_KEY"),
			SecretKey:         os.Getenv("MOMO_SECRET_KEY"),
			Endpoint:          getEnv("MOMO_ENDPOINT", "https://test-payment.momo.vn"),
			RedirectURL:       os.Getenv("MOMO_REDIRECT_URL"),
			IPNURL:            os.Getenv("MOMO_IPN_URL"),
			PayoutAccountID:   os.Getenv("MOMO_PAYOUT_ACCOUNT_ID"),
			PayoutDisplayName: os.Getenv("MOMO_PAYOUT_DISPLAY_NAME"),
			FxRate:            getEnvFloat("MOMO_FX_RATE", 25400),
		},
		Stripe: gateway.StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    os.Getenv("STRIPE_SUCCESS_URL"),
			CancelURL:     os.Getenv("STRIPE_CANCEL_URL"),
		},
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
