// Package config loads daemon settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/luxfi/log"
)

// Config holds the daemon's runtime settings.
type Config struct {
	APIPort     string
	MetricsPort string
	NATSURL     string

	FeeAsset        string
	MinExecutionFee float64
	RequestTTL      time.Duration

	FeeReceiver string
	Keepers     []string
	Liquidators []string
}

// Load reads a .env file when present and builds the config from the
// environment with defaults suitable for local development.
func Load() *Config {
	logger := log.Root().New("module", "config")
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment")
	}

	cfg := &Config{
		APIPort:         getEnv("PERPS_API_PORT", "8080"),
		MetricsPort:     getEnv("PERPS_METRICS_PORT", "9090"),
		NATSURL:         getEnv("PERPS_NATS_URL", "nats://localhost:4222"),
		FeeAsset:        getEnv("PERPS_FEE_ASSET", "USDC"),
		MinExecutionFee: getEnvFloat("PERPS_MIN_EXECUTION_FEE", 0.1),
		RequestTTL:      getEnvDuration("PERPS_REQUEST_TTL", 3*time.Minute),
		FeeReceiver:     getEnv("PERPS_FEE_RECEIVER", "treasury"),
		Keepers:         getEnvList("PERPS_KEEPERS"),
		Liquidators:     getEnvList("PERPS_LIQUIDATORS"),
	}

	logger.Info("Configuration loaded",
		"apiPort", cfg.APIPort, "metricsPort", cfg.MetricsPort,
		"natsURL", cfg.NATSURL, "requestTTL", cfg.RequestTTL)
	return cfg
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
