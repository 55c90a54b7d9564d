// Package config loads payment flow configuration from the environment and
// validates it before any remote call is made.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/vitwit/payflow/types"
)

var validate = validator.New()

// Load reads configuration from environment variables, honoring a local
// .env file when present. It fails fast with configuration_invalid when the
// recipient amounts do not sum to the configured total.
func Load() (*types.Config, error) {
	// Not fatal, env vars might be set externally.
	_ = godotenv.Load()

	cfg := &types.Config{
		RPCUrl:          getEnv("PAYFLOW_RPC_URL", ""),
		ChainID:         int64(getEnvAsInt("PAYFLOW_CHAIN_ID", 0)),
		TokenAddress:    getEnv("PAYFLOW_TOKEN_ADDRESS", ""),
		SpenderAddress:  getEnv("PAYFLOW_SPENDER_ADDRESS", ""),
		PayerKey:        getEnv("PAYFLOW_PAYER_KEY", ""),
		PollInterval:    time.Duration(getEnvAsInt("PAYFLOW_POLL_INTERVAL_SECONDS", 2)) * time.Second,
		ApprovalTimeout: time.Duration(getEnvAsInt("PAYFLOW_APPROVAL_TIMEOUT_SECONDS", 30)) * time.Second,
		LogLevel:        getEnv("PAYFLOW_LOG_LEVEL", "info"),
		KafkaBroker:     getEnv("PAYFLOW_KAFKA_BROKER", ""),
		KafkaTopic:      getEnv("PAYFLOW_KAFKA_TOPIC", "payflow-events"),
	}

	dist, err := parseDistribution(
		getEnv("PAYFLOW_RECIPIENTS", ""),
		getEnv("PAYFLOW_TOTAL_AMOUNT", ""),
	)
	if err != nil {
		return nil, err
	}
	cfg.Distribution = *dist

	if err := validate.Struct(cfg); err != nil {
		return nil, &types.PayflowError{
			Code:    types.ErrConfigurationInvalid,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseDistribution decodes the recipients JSON list and pairs it with the
// configured total.
func parseDistribution(recipientsJSON, total string) (*types.DistributionConfig, error) {
	if recipientsJSON == "" {
		return nil, &types.PayflowError{
			Code:    types.ErrConfigurationInvalid,
			Message: "PAYFLOW_RECIPIENTS is required",
		}
	}

	var recipients []types.Recipient
	if err := json.Unmarshal([]byte(recipientsJSON), &recipients); err != nil {
		return nil, &types.PayflowError{
			Code:    types.ErrConfigurationInvalid,
			Message: fmt.Sprintf("failed to parse recipients: %v", err),
		}
	}

	dist := &types.DistributionConfig{
		Recipients:  recipients,
		TotalAmount: total,
	}

	if err := validate.Struct(dist); err != nil {
		return nil, &types.PayflowError{
			Code:    types.ErrConfigurationInvalid,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if err := dist.Validate(); err != nil {
		return nil, err
	}

	return dist, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
