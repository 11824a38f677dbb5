package router

import (
	"github.com/bountyforge/bountyforge/app/controllers"
	"github.com/bountyforge/bountyforge/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/bounties/:id", controllers.HandleBountyShow)
	v1.Get("/billing/status", middleware.RequireAPISessionAuth, controllers.HandleBillingStatus)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
