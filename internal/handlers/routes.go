package handlers

import (
	"net/http"
	"strings"

	"digichat/internal/config"
	"digichat/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterDeps 路由依赖
type RouterDeps struct {
	Config      *config.Config
	Chat        *ChatHandler
	Agent       *AgentHandler
	Models      *ModelsHandler
	Health      *HealthHandler
	PollLimiter middleware.PollLimiter
	Logger      *logrus.Logger
}

// NewRouter 组装 gin 引擎，业务路由同时挂载在根路径与 /api 下
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.CORS(cfg.Security.CORS))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	r.Use(middleware.RateLimitMiddleware(cfg.Security.RateLimiting))

	r.NoMethod(methodNotAllowed(r))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found."})
	})

	r.GET("/health", deps.Health.Health)
	r.GET("/ready", deps.Health.Ready)

	poll := middleware.PollThrottle(deps.PollLimiter, logger)
	for _, base := range []*gin.RouterGroup{&r.RouterGroup, r.Group("/api")} {
		visitor := base.Group("", middleware.APIKeyAuth(cfg.Security.ChatAPIKey, middleware.HeaderAPIKey))
		RegisterChatRoutes(visitor, deps.Chat, poll)
		visitor.GET("/models", deps.Models.List)

		console := base.Group("", middleware.APIKeyAuth(cfg.Security.AgentAPIKey, middleware.HeaderAPIKey, middleware.HeaderAgentAPIKey))
		RegisterAgentRoutes(console, deps.Agent, poll)
		console.GET("/diagnostic", deps.Health.Diagnostic)
	}
	return r
}

// methodNotAllowed 返回该路径实际支持的方法
func methodNotAllowed(r *gin.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var allowed []string
		for _, route := range r.Routes() {
			if route.Path == c.Request.URL.Path {
				allowed = append(allowed, route.Method)
			}
		}
		msg := "Method not allowed."
		if len(allowed) > 0 {
			c.Header("Allow", strings.Join(allowed, ", "))
			msg = "Method not allowed. Use " + strings.Join(allowed, " or ") + "."
		}
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Error: msg})
	}
}
