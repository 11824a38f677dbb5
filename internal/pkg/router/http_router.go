package router

import (
	"github.com/bountyforge/bountyforge/internal/pkg/middleware"
	"github.com/bountyforge/bountyforge/internal/pkg/oauth"
	"github.com/bountyforge/bountyforge/internal/pkg/session"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// init oauth providers
	oauth.Setup()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerPublicRoutes(app)
	h.registerCSRFProtectedRoutes(app)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

func loggedInMiddleware(c *fiber.Ctx) error {
	// UserContextMiddleware already set all user context; user information is
	// available via usercontext.GetUserContext(c)
	return c.Next()
}
