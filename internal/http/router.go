package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/delyftdev/yakdum-insight-flow/internal/config"
	"github.com/delyftdev/yakdum-insight-flow/internal/http/handler"
	httpmiddleware "github.com/delyftdev/yakdum-insight-flow/internal/http/middleware"
	"github.com/delyftdev/yakdum-insight-flow/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, connectHandler *handler.ConnectHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/connect/start", connectHandler.Start)
	r.GET("/oauth/callback", connectHandler.Callback)

	integrations := r.Group("/integrations")
	{
		integrations.GET("/status", connectHandler.Status)

		qbo := integrations.Group("/quickbooks")
		{
			qbo.POST("/exchange", connectHandler.Exchange)
			qbo.POST("/refresh", connectHandler.Refresh)
			qbo.POST("/query", connectHandler.Query)
		}
	}

	return r
}
