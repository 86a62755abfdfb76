package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"digichat/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const (
	msgInvalidJSON     = "Invalid JSON body."
	msgMissingSession  = "Missing session_id parameter."
	msgInternal        = "Internal server error."
	msgSessionNotFound = "Session not found."
	msgAgentNotFound   = "Agent not found."
)

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

// writeServiceError 将服务层错误映射为 HTTP 响应
func writeServiceError(c *gin.Context, err error, debug bool, logger *logrus.Logger) {
	var upErr *services.UpstreamError
	var cfgErr *services.ConfigError
	switch {
	case errors.Is(err, services.ErrInvalidSessionID):
		badRequest(c, "Invalid session_id.")
	case errors.Is(err, services.ErrInvalidMode):
		badRequest(c, `Invalid mode. Use "faq" or "general".`)
	case errors.Is(err, services.ErrEmptyQuestion):
		badRequest(c, "Missing question.")
	case errors.Is(err, services.ErrInvalidAgentStatus):
		badRequest(c, "Missing or invalid agent_id or status.")
	case errors.Is(err, services.ErrInvalidEmail):
		badRequest(c, "Invalid email address.")
	case errors.Is(err, services.ErrMissingName):
		badRequest(c, "Missing name.")
	case errors.Is(err, services.ErrEmptyMessage):
		badRequest(c, "Missing or invalid session_id, agent_id, or message.")
	case errors.Is(err, services.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: msgSessionNotFound})
	case errors.Is(err, services.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: msgAgentNotFound})
	case errors.Is(err, services.ErrAlreadyAssigned):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Chat already assigned to another agent."})
	case errors.Is(err, services.ErrAgentUnavailable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Agent is not online."})
	case errors.Is(err, services.ErrAgentExists):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Agent with this email already exists."})
	case errors.Is(err, services.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Session is not in a state that allows this action."})
	case errors.Is(err, services.ErrNotAssigned):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Agent not assigned to this session or session not found."})
	case errors.As(err, &upErr):
		c.JSON(http.StatusBadGateway, upstreamBody(upErr, debug))
	case errors.As(err, &cfgErr):
		logger.Errorf("configuration error: %v", cfgErr)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: cfgErr.Reason, Details: cfgErr.Hint})
	default:
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: msgInternal})
	}
}

// upstreamBody 生成服务失败的响应体，详情仅在调试模式返回
func upstreamBody(e *services.UpstreamError, debug bool) gin.H {
	body := gin.H{"kind": e.Kind}
	switch e.Kind {
	case services.UpstreamTransport:
		body["error"] = "Gemini request failed"
		if debug {
			body["details"] = e.Detail
		}
	case services.UpstreamEmpty:
		body["error"] = "Empty response from Gemini"
		body["model"] = e.Model
	case services.UpstreamHTTP:
		body["error"] = "Gemini returned an error"
		body["status"] = e.Status
		body["model"] = e.Model
		if debug {
			body["details"] = e.Detail
		}
	default:
		body["error"] = "No supported Gemini model found for this API key."
		if debug && e.Detail != "" {
			body["details"] = e.Detail
		}
	}
	return body
}

// parseCursor 解析 last_message_id，非法值按 0 处理
func parseCursor(raw string) uint {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}
