package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/paygate/pkg/gateway"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter mounts all routes. limiterStorage shares rate limits across
// instances and may be nil.
func InstallRouter(app *fiber.App, client *gateway.Client, limiterStorage fiber.Storage) {
	setup(app, NewHealthRouter(), NewWebhookRouter(client), NewApiRouter(client, limiterStorage))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
