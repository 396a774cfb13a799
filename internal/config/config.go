// Package config provides configuration loading and management for the application.
package config

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-level configuration
type Config struct {
	// HTTP admin port
	Port string

	// Path of the JSON workflow file describing the monitored chains
	ConfigPath string

	// Logging
	LogLevel  string
	LogFormat string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Cycle execution
	CycleTimeout   time.Duration
	MaxParallelism int
	FetchRetries   int
	WriteRetries   int
	SkipSelfWrites bool
	RunOnce        bool

	// AnomalyCeiling overrides the default anomaly ceiling when set (raw 1e18-scaled rate)
	AnomalyCeiling *big.Int

	// Chain access
	RPCTimeout     time.Duration
	RPCRateLimit   float64
	RPCBurst       int
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration

	// Transaction sender key, hex encoded secp256k1
	TransmitterKey string

	// Report signing: local key or remote signing service
	SignerKey    string
	SignerURL    string
	SignerAPIKey string

	// Manual trigger endpoint rate limiting
	TriggerRPS   float64
	TriggerBurst int

	// Cycle summary webhook
	WebhookURL    string
	WebhookAPIKey string
}

// Load creates a new Config from environment variables
func Load() Config {
	cfg := Config{
		Port:           GetEnvOrDefault("PORT", "8080"),
		ConfigPath:     GetEnvOrDefault("CONFIG_PATH", "config.json"),
		LogLevel:       strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(GetEnvOrDefault("LOG_FORMAT", "text")),
		OtelEndpoint:   GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		CycleTimeout:   GetEnvAsDuration("CYCLE_TIMEOUT", 4*time.Minute),
		MaxParallelism: GetEnvAsInt("MAX_PARALLELISM", 8),
		FetchRetries:   GetEnvAsInt("FETCH_RETRIES", 2),
		WriteRetries:   GetEnvAsInt("WRITE_RETRIES", 0),
		SkipSelfWrites: GetEnvAsBool("SKIP_SELF_WRITES", false),
		RunOnce:        GetEnvAsBool("RUN_ONCE", false),
		AnomalyCeiling: GetEnvAsBigInt("ANOMALY_CEILING"),
		RPCTimeout:     GetEnvAsDuration("RPC_TIMEOUT", 15*time.Second),
		RPCRateLimit:   GetEnvAsFloat("RPC_RATE_LIMIT", 10.0),
		RPCBurst:       GetEnvAsInt("RPC_BURST", 20),
		ReceiptTimeout: GetEnvAsDuration("RECEIPT_TIMEOUT", 2*time.Minute),
		ReceiptPoll:    GetEnvAsDuration("RECEIPT_POLL_INTERVAL", 3*time.Second),
		TransmitterKey: GetEnvOrDefault("TRANSMITTER_PRIVATE_KEY", ""),
		SignerKey:      GetEnvOrDefault("SIGNER_PRIVATE_KEY", ""),
		SignerURL:      GetEnvOrDefault("SIGNER_URL", ""),
		SignerAPIKey:   GetEnvOrDefault("SIGNER_API_KEY", ""),
		TriggerRPS:     GetEnvAsFloat("TRIGGER_RPS", 0.1),
		TriggerBurst:   GetEnvAsInt("TRIGGER_BURST", 1),
		WebhookURL:     GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:  GetEnvOrDefault("WEBHOOK_API_KEY", ""),
	}

	if cfg.MaxParallelism < 1 {
		cfg.MaxParallelism = 1
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = 0
	}

	return cfg
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBigInt retrieves a base-10 integer too large for int64, nil when unset or invalid
func GetEnvAsBigInt(key string) *big.Int {
	value, exists := GetEnv(key)
	if !exists || value == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 {
		return nil
	}
	return n
}
