package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"digichat/internal/config"
	"digichat/internal/metrics"
	"digichat/internal/services"
	"digichat/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查与诊断
type HealthHandler struct {
	config  *config.Config
	db      *gorm.DB
	redis   redis.UniversalClient
	engine  *services.AnswerEngine
	agents  *services.AgentService
	version string
	logger  *logrus.Logger
}

// HealthDeps 健康检查依赖，Redis 可为 nil
type HealthDeps struct {
	Config  *config.Config
	DB      *gorm.DB
	Redis   redis.UniversalClient
	Engine  *services.AnswerEngine
	Agents  *services.AgentService
	Version string
	Logger  *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(deps HealthDeps) *HealthHandler {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &HealthHandler{
		config:  deps.Config,
		db:      deps.DB,
		redis:   deps.Redis,
		engine:  deps.Engine,
		agents:  deps.Agents,
		version: deps.Version,
		logger:  deps.Logger,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点；数据库不可用时返回 503
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	dbOK := h.checkDatabase(ctx, &response)
	redisOK := h.checkRedis(ctx, &response)
	aiOK := h.checkAI(&response)

	switch {
	case !dbOK:
		response.Status = "unhealthy"
	case !redisOK || !aiOK:
		response.Status = "degraded"
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查，只看数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := h.db != nil && storage.Ping(ctx, h.db) == nil
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{"ready": ready, "timestamp": time.Now()})
}

// Diagnostic 运行配置与计数器，不包含任何密钥
func (h *HealthHandler) Diagnostic(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	kb := h.engine.Knowledge()
	body := gin.H{
		"version":  h.version,
		"database": h.config.Database.Driver,
		"gemini": gin.H{
			"api_key_configured": h.engine.HasCompletion(),
			"models":             h.config.AI.Gemini.CandidateModels(),
			"api_version":        h.config.AI.Gemini.APIVersion,
		},
		"knowledge_base": gin.H{
			"path":    kb.Path(),
			"entries": kb.Size(),
			"loaded":  kb.Context() != "",
		},
		"circuit_breaker": h.engine.BreakerStats(),
		"counters":        metrics.Take(),
	}
	if h.agents != nil {
		if online, err := h.agents.CountOnline(ctx); err == nil {
			body["agents_online"] = online
		} else {
			h.logger.Warnf("diagnostic count online agents: %v", err)
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) checkDatabase(ctx context.Context, response *HealthResponse) bool {
	start := time.Now()
	info := ServiceInfo{Details: gin.H{"driver": h.config.Database.Driver}}
	if h.db == nil {
		info.Status = "unhealthy"
		info.Error = "database connection not initialized"
		response.Services["database"] = info
		return false
	}
	err := storage.Ping(ctx, h.db)
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		response.Services["database"] = info
		return false
	}
	info.Status = "healthy"
	response.Services["database"] = info
	return true
}

func (h *HealthHandler) checkRedis(ctx context.Context, response *HealthResponse) bool {
	if h.redis == nil {
		response.Services["redis"] = ServiceInfo{Status: "disabled"}
		return true
	}
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	info.Latency = time.Since(start).String()
	response.Services["redis"] = info
	return info.Status == "healthy"
}

func (h *HealthHandler) checkAI(response *HealthResponse) bool {
	kb := h.engine.Knowledge()
	info := ServiceInfo{
		Status: "healthy",
		Details: gin.H{
			"api_key_configured": h.engine.HasCompletion(),
			"faq_entries":        kb.Size(),
			"breaker":            h.engine.BreakerStats(),
		},
	}
	switch {
	case !h.engine.HasCompletion():
		info.Status = "unhealthy"
		info.Error = "Gemini API key not configured"
	case kb.Context() == "":
		info.Status = "degraded"
		info.Error = "FAQ context not loaded"
	}
	response.Services["ai"] = info
	return info.Status == "healthy"
}
