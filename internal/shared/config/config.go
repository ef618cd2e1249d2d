package config

import (
	"time"

	"github.com/k1networth/signdesk-lite/internal/shared/env"
)

type Config struct {
	AppEnv      string
	HTTPAddr    string
	MetricsAddr string

	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	OutboxBatchSize         int
	OutboxPollInterval      time.Duration
	OutboxProcessingTimeout time.Duration
	OutboxMaxAttempts       int

	EnvelopeExpiryDays  int
	ExpirySweepInterval time.Duration
	ExpirySweepBatch    int

	FrontendURL string
}

func Load() Config {
	loadDotEnv(".env")

	return Config{
		AppEnv:      env.String("APP_ENV", "dev"),
		HTTPAddr:    env.String("HTTP_ADDR", ":8080"),
		MetricsAddr: env.String("METRICS_ADDR", ":9091"),

		DatabaseURL: env.String("DATABASE_URL", ""),

		KafkaBrokers: env.StringsCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:   env.String("KAFKA_TOPIC", "envelopes.events"),
		KafkaGroupID: env.String("KAFKA_GROUP_ID", "notification-service"),

		OutboxBatchSize:         env.Int("OUTBOX_BATCH_SIZE", 50),
		OutboxPollInterval:      env.Duration("OUTBOX_POLL_INTERVAL", 1*time.Second),
		OutboxProcessingTimeout: env.Duration("OUTBOX_PROCESSING_TIMEOUT", 30*time.Second),
		OutboxMaxAttempts:       env.Int("OUTBOX_MAX_ATTEMPTS", 10),

		EnvelopeExpiryDays:  env.Int("ENVELOPE_EXPIRY_DAYS", 14),
		ExpirySweepInterval: env.Duration("EXPIRY_SWEEP_INTERVAL", 1*time.Minute),
		ExpirySweepBatch:    env.Int("EXPIRY_SWEEP_BATCH", 100),

		FrontendURL: env.String("FRONTEND_URL", "http://localhost:5173"),
	}
}
