package handlers

import (
	"net/http"

	"digichat/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ModelsHandler 列出当前 API key 可用的生成模型
type ModelsHandler struct {
	client services.CompletionClient
	debug  bool
	logger *logrus.Logger
}

// NewModelsHandler client 为 nil 表示未配置 API key
func NewModelsHandler(client services.CompletionClient, debug bool, logger *logrus.Logger) *ModelsHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ModelsHandler{client: client, debug: debug, logger: logger}
}

// List GET /models
func (h *ModelsHandler) List(c *gin.Context) {
	if h.client == nil {
		writeServiceError(c, &services.ConfigError{
			Reason: "Gemini API key not configured.",
			Hint:   "Set GEMINI_API_KEY or ai.gemini.api_key",
		}, h.debug, h.logger)
		return
	}
	list, err := h.client.ListModels(c.Request.Context())
	if err != nil {
		writeServiceError(c, err, h.debug, h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list, "count": len(list)})
}
