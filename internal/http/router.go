package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lumacart/identity/internal/bootstrap"
	"github.com/lumacart/identity/internal/config"
	"github.com/lumacart/identity/internal/gatekeeper"
	"github.com/lumacart/identity/internal/http/handler"
	httpmiddleware "github.com/lumacart/identity/internal/http/middleware"
	"github.com/lumacart/identity/internal/middleware"
)

// NewRouter wires routes and middleware. Authentication (401) and
// authorization (403) concerns are separate middleware; anonymous routes
// simply carry neither.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	accountHandler *handler.AccountHandler,
	keeper *gatekeeper.Gatekeeper,
	rateLimiter *middleware.RateLimiter,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/.well-known/openid-configuration", authHandler.OpenIDConfig)
	r.GET("/.well-known/jwks.json", authHandler.JWKS)

	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", authHandler.Authorize)
		oauth.POST("/authorize/login", authHandler.AuthorizeLogin)
		oauth.POST("/token", authHandler.Token)
		oauth.POST("/logout", authHandler.Logout)
		oauth.GET("/userinfo", keeper.Authenticate, authHandler.UserInfo)
	}

	auth := r.Group("/auth")
	{
		auth.POST("/register", accountHandler.Register)
		auth.GET("/me", keeper.Authenticate, accountHandler.Me)

		accounts := auth.Group("/accounts", keeper.Authenticate)
		{
			accounts.GET("/:id", keeper.RequireSelfOr("id", bootstrap.AdminRole), accountHandler.Get)
			accounts.PATCH("/:id", keeper.RequireSelfOr("id", bootstrap.AdminRole), accountHandler.Update)
			accounts.PUT("/:id/password", keeper.RequireSelfOr("id"), accountHandler.ChangePassword)
			accounts.DELETE("/:id", keeper.RequireSelfOr("id", bootstrap.AdminRole), accountHandler.Deactivate)
		}
	}

	return r
}
