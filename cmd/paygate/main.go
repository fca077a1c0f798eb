package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ManuelReschke/paygate/app/repository"
	"github.com/ManuelReschke/paygate/internal/pkg/awsconfig"
	"github.com/ManuelReschke/paygate/internal/pkg/cache"
	"github.com/ManuelReschke/paygate/internal/pkg/database"
	"github.com/ManuelReschke/paygate/internal/pkg/env"
	"github.com/ManuelReschke/paygate/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/paygate/internal/pkg/router"
	"github.com/ManuelReschke/paygate/pkg/gateway"
	"github.com/ManuelReschke/paygate/pkg/idempotency"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := NewApplication(ctx)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer cleanup()

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Errorf("server stopped: %v", err)
	}
}

// NewApplication wires the gateway client from the environment.
//
//	PAYGATE_IDEMPOTENCY_BACKEND  memory | redis | dynamodb
//	PAYGATE_DEDUP_BACKEND        memory | redis | database
//	PAYGATE_PERSISTENCE          memory | database
func NewApplication(ctx context.Context) (*fiber.App, func(), error) {
	if !env.SetupEnvFile() {
		log.Info("no .env file found, using process environment")
	}

	zl, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	cleanups := []func(){func() { _ = zl.Sync() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	cfg, err := env.GatewayConfig()
	if err != nil {
		return nil, cleanup, err
	}
	opts := []gateway.Option{gateway.WithLogger(zl)}

	idemBackend := env.GetEnv("PAYGATE_IDEMPOTENCY_BACKEND", "memory")
	dedupBackend := env.GetEnv("PAYGATE_DEDUP_BACKEND", "memory")
	persistence := env.GetEnv("PAYGATE_PERSISTENCE", "memory")

	var limiterStorage fiber.Storage
	redisAvailable := cache.SetupCache() == nil
	if redisAvailable {
		limiterStorage = cache.NewLimiterStorage()
		cleanups = append(cleanups, func() { _ = cache.Close() })

		rec := counter.New(cache.GetClient(), "")
		go rec.Run(ctx, 10*time.Second)
		opts = append(opts, gateway.WithRecorder(rec))
	}

	switch idemBackend {
	case "redis":
		if !redisAvailable {
			return nil, cleanup, fmt.Errorf("idempotency backend redis: cache unavailable")
		}
		opts = append(opts, gateway.WithIdempotencyStore(idempotency.NewRedisStore(cache.GetClient(), "")))
	case "dynamodb":
		ddb, err := awsconfig.NewDynamoClient(ctx, awsconfig.FromEnv())
		if err != nil {
			return nil, cleanup, fmt.Errorf("idempotency backend dynamodb: %w", err)
		}
		table := env.GetEnv("PAYGATE_DYNAMODB_TABLE", idempotency.DefaultDynamoTable)
		opts = append(opts, gateway.WithIdempotencyStore(idempotency.NewDynamoStore(ddb, table)))
	case "memory":
		store := idempotency.NewMemoryStore()
		go sweep(ctx, store)
		opts = append(opts, gateway.WithIdempotencyStore(store))
	default:
		return nil, cleanup, fmt.Errorf("unknown idempotency backend %q", idemBackend)
	}

	var repos *repository.Repositories
	if persistence == "database" || dedupBackend == "database" {
		if err := database.SetupDatabase(); err != nil {
			return nil, cleanup, fmt.Errorf("database: %w", err)
		}
		repository.InitializeFactory(database.GetDB())
		repos = repository.GetGlobalFactory().GetRepositories()
		opts = append(opts, gateway.WithJournal(repos.WebhookEvent))
	}
	if persistence == "database" {
		opts = append(opts, gateway.WithPaymentStore(repos.Payment))
	}

	switch dedupBackend {
	case "redis":
		if !redisAvailable {
			return nil, cleanup, fmt.Errorf("dedup backend redis: cache unavailable")
		}
		opts = append(opts, gateway.WithDedup(webhook.NewRedisDedup(cache.GetClient(), "")))
	case "database":
		opts = append(opts, gateway.WithDedup(repos.WebhookEvent))
		go repository.PurgeWebhookEvents(ctx, repos.WebhookEvent, repository.DefaultPurgeInterval)
	case "memory":
	default:
		return nil, cleanup, fmt.Errorf("unknown dedup backend %q", dedupBackend)
	}

	client, err := gateway.New(cfg, opts...)
	if err != nil {
		return nil, cleanup, err
	}
	log.Infof("paygate client ready (environment=%s, idempotency=%s, dedup=%s, persistence=%s)",
		client.Config().Environment, idemBackend, dedupBackend, persistence)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, client, limiterStorage)

	return app, cleanup, nil
}

func newLogger() (*zap.Logger, error) {
	if env.IsDev() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func sweep(ctx context.Context, store *idempotency.MemoryStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				log.Debugf("swept %d expired idempotency records", n)
			}
		}
	}
}
