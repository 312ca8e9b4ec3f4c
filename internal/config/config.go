package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Report      ReportConfig
	Validation  ValidationConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// ReportConfig holds report serving settings
type ReportConfig struct {
	Timezone      string
	DecimalPlaces int
}

// ValidationConfig holds ingest validation settings
type ValidationConfig struct {
	ClockSkewToleranceMinutes int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "water-usage-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "waterbot.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "waterbot.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "waterbot.data"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "waterbot.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Report: ReportConfig{
			Timezone:      getEnv("REPORT_TIMEZONE", "US/Pacific"),
			DecimalPlaces: getEnvAsInt("REPORT_DECIMAL_PLACES", 5),
		},
		Validation: ValidationConfig{
			ClockSkewToleranceMinutes: getEnvAsInt("VALIDATION_CLOCK_SKEW_TOLERANCE_MINUTES", 10080),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
