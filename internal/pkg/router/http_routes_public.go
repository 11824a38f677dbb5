package router

import (
	"github.com/bountyforge/bountyforge/app/controllers"
	"github.com/bountyforge/bountyforge/internal/pkg/constants"
	"github.com/bountyforge/bountyforge/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	// Auth
	app.Post("/logout", middleware.RequireAuth, controllers.HandleAuthLogout)

	// Social OAuth
	app.Get("/auth/:provider", gothfiber.BeginAuthHandler)
	app.Get("/auth/:provider/callback", controllers.HandleOAuthCallback)

	// GitHub App post-install redirect (session-bound, overrides webhook
	// default binding)
	app.Get(constants.GitHubSetupRoute, controllers.HandleGitHubSetupCallback)

	// Provider webhooks (no CSRF, signature-verified in controller)
	app.Post(constants.WebhookStripeRoute, controllers.HandleStripeWebhook)
	app.Post(constants.WebhookGitHubRoute, controllers.HandleGitHubWebhook)
}
