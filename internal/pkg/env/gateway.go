package env

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ManuelReschke/paygate/pkg/gateway"
)

// GatewayConfig reads the PAYGATE_* variables.
func GatewayConfig() (gateway.Config, error) {
	cfg := gateway.Config{
		APIKey:       GetEnv("PAYGATE_API_KEY", ""),
		Environment:  gateway.Environment(GetEnv("PAYGATE_ENVIRONMENT", string(gateway.EnvironmentSandbox))),
		BaseURL:      GetEnv("PAYGATE_BASE_URL", ""),
		SharedSecret: GetEnv("PAYGATE_WEBHOOK_SECRET", ""),
	}

	var err error
	if cfg.TimeoutMs, err = intVar("PAYGATE_TIMEOUT_MS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = intVar("PAYGATE_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.WebhookDedupCapacity, err = intVar("PAYGATE_WEBHOOK_DEDUP_CAPACITY"); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyRetention, err = durationVar("PAYGATE_IDEMPOTENCY_RETENTION"); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyLease, err = durationVar("PAYGATE_IDEMPOTENCY_LEASE"); err != nil {
		return cfg, err
	}
	if cfg.WebhookDedupRetention, err = durationVar("PAYGATE_WEBHOOK_DEDUP_RETENTION"); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func intVar(key string) (int, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func durationVar(key string) (time.Duration, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
