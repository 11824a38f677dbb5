package router

import (
	"strings"
	"time"

	"github.com/bountyforge/bountyforge/app/controllers"
	"github.com/bountyforge/bountyforge/internal/pkg/constants"
	"github.com/bountyforge/bountyforge/internal/pkg/env"
	"github.com/bountyforge/bountyforge/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/csrf"
)

func (h HttpRouter) registerCSRFProtectedRoutes(app *fiber.App) {
	csrfConf := csrf.Config{
		KeyLookup:      "form:_csrf",
		ContextKey:     "csrf",
		CookieName:     "csrf_",
		CookieSameSite: "Lax",
		Expiration:     1 * time.Hour,
		CookieSecure:   !env.IsDev(),
		Next: func(c *fiber.Ctx) bool {
			// Webhooks authenticate by signature, the API by session.
			return strings.HasPrefix(c.Path(), "/api/") || strings.HasPrefix(c.Path(), "/webhooks/")
		},
	}

	group := app.Group("", cors.New(), csrf.New(csrfConf))
	group.Post("/login", loggedInMiddleware, controllers.HandleAuthLogin)
	group.Post("/register", loggedInMiddleware, controllers.HandleAuthRegister)

	// Billing
	group.Post("/billing/checkout", middleware.RequireAuth, controllers.HandleBillingCheckout)
	group.Post("/billing/portal", middleware.RequireAuth, controllers.HandleBillingPortal)
	group.Get("/billing/status", middleware.RequireAuth, controllers.HandleBillingStatus)

	// Bounties
	group.Get(constants.BountiesRoute+"/:id", loggedInMiddleware, controllers.HandleBountyShow)
	group.Post(constants.BountiesRoute, middleware.RequireAuth, controllers.HandleBountyCreate)
	group.Post(constants.BountiesRoute+"/:id/fund", middleware.RequireAuth, controllers.HandleBountyFund)
	group.Post(constants.BountiesRoute+"/:id/transfer", middleware.RequireAuth, controllers.HandleBountyTransfer)
	group.Post(constants.BountiesRoute+"/:id/refund", middleware.RequireAuth, controllers.HandleBountyRefund)
}
