package router

import (
	"time"

	apiv1 "github.com/ManuelReschke/paygate/internal/api/v1"
	"github.com/ManuelReschke/paygate/pkg/gateway"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
	client  *gateway.Client
	storage fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		// nil keeps the limiter in process memory
		Storage: h.storage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiv1.RegisterHandlers(v1, apiv1.NewAPIServer(h.client))
}

func NewApiRouter(client *gateway.Client, storage fiber.Storage) *ApiRouter {
	return &ApiRouter{client: client, storage: storage}
}

// WebhookRouter receives processor deliveries. It sits outside the API rate
// limiter so redelivery bursts are never throttled.
type WebhookRouter struct {
	client *gateway.Client
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/paygate", apiv1.NewAPIServer(h.client).PostWebhook)
}

func NewWebhookRouter(client *gateway.Client) *WebhookRouter {
	return &WebhookRouter{client: client}
}

type HealthRouter struct{}

func (h HealthRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
}

func NewHealthRouter() *HealthRouter {
	return &HealthRouter{}
}
