package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/ipsibridge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/ipsibridge-backend/internal/http/middleware"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/observability"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	AuthMiddleware *httpMW.AuthMiddleware

	ChatHandler    *httpH.ChatHandler
	SessionHandler *httpH.SessionHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("ipsibridge"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readycheck", cfg.HealthHandler.Ready)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.Attach())
	}

	// Chat stream (anonymous allowed; the quota keys on the client IP)
	if cfg.ChatHandler != nil {
		api.POST("/chat/stream", cfg.ChatHandler.Stream)
	}

	protected := api.Group("/")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAuth())
	}

	// Sessions
	if cfg.SessionHandler != nil {
		protected.POST("/sessions", cfg.SessionHandler.Create)
		protected.GET("/sessions", cfg.SessionHandler.List)
		protected.GET("/sessions/:id/messages", cfg.SessionHandler.ListMessages)
		protected.PATCH("/sessions/:id", cfg.SessionHandler.Rename)
		protected.DELETE("/sessions/:id", cfg.SessionHandler.Delete)
	}

	return r
}
