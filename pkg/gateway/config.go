package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/paygate/pkg/idempotency"
	"github.com/ManuelReschke/paygate/pkg/retry"
	"github.com/ManuelReschke/paygate/pkg/transport"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

// Environment selects the processor deployment.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"

	ProductionBaseURL = "https://api.paygate.io/v1"
	SandboxBaseURL    = "https://sandbox.paygate.io/v1"
)

// Config is the explicit per-client configuration. Zero values fall back to
// defaults.
type Config struct {
	APIKey      string      `validate:"required"`
	Environment Environment `validate:"omitempty,oneof=production sandbox"`
	// BaseURL overrides the environment's URL.
	BaseURL string `validate:"omitempty,url"`

	TimeoutMs int `validate:"gte=0"`
	// MaxRetries is the number of retries after the first attempt. 0 uses
	// the default of 3; -1 disables retries.
	MaxRetries int `validate:"gte=-1"`

	// SharedSecret verifies webhook signatures.
	SharedSecret string

	IdempotencyRetention  time.Duration `validate:"gte=0"`
	IdempotencyLease      time.Duration `validate:"gte=0"`
	WebhookDedupRetention time.Duration `validate:"gte=0"`
	WebhookDedupCapacity  int           `validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.Environment == "" {
		c.Environment = EnvironmentSandbox
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = int(transport.DefaultTimeout / time.Millisecond)
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = retry.DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.IdempotencyRetention == 0 {
		c.IdempotencyRetention = idempotency.DefaultRetention
	}
	if c.IdempotencyLease == 0 {
		c.IdempotencyLease = idempotency.DefaultLease
	}
	if c.WebhookDedupRetention == 0 {
		c.WebhookDedupRetention = webhook.DefaultDedupRetention
	}
	if c.WebhookDedupCapacity == 0 {
		c.WebhookDedupCapacity = webhook.DefaultDedupCapacity
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}

// ResolvedBaseURL returns BaseURL or the URL of the configured environment.
func (c Config) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Environment == EnvironmentProduction {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = c.MaxRetries
	return p
}
