package handlers

import (
	"net/http"
	"strings"

	"digichat/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ChatHandler 访客聊天接口
type ChatHandler struct {
	engine  *services.AnswerEngine
	polling *services.PollingGateway
	debug   bool
	logger  *logrus.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(engine *services.AnswerEngine, polling *services.PollingGateway, debug bool, logger *logrus.Logger) *ChatHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatHandler{engine: engine, polling: polling, debug: debug, logger: logger}
}

type chatRequest struct {
	Question  string              `json:"question"`
	Mode      string              `json:"mode"`
	History   []services.ChatTurn `json:"history"`
	SessionID string              `json:"session_id"`
}

// Ask 访客提问
// @Summary 访客提问
// @Tags 聊天
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} map[string]interface{}
// @Router /chat [post]
func (h *ChatHandler) Ask(c *gin.Context) {
	c.Header("X-DigiMarker-Chat", "1")

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, msgInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		badRequest(c, "Missing question.")
		return
	}

	res, err := h.engine.Answer(c.Request.Context(), services.AnswerRequest{
		Question:  req.Question,
		Mode:      strings.ToLower(strings.TrimSpace(req.Mode)),
		History:   req.History,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeServiceError(c, err, h.debug, h.logger)
		return
	}

	body := gin.H{"answer": res.Text}
	if res.AgentRequested() {
		body["agent_requested"] = true
	}
	c.JSON(http.StatusOK, body)
}

// Poll 访客轮询新消息
func (h *ChatHandler) Poll(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		badRequest(c, msgMissingSession)
		return
	}
	msgs, err := h.polling.VisitorPoll(c.Request.Context(), sessionID, parseCursor(c.Query("last_message_id")))
	if err != nil {
		writeServiceError(c, err, h.debug, h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type closeRequest struct {
	SessionID string `json:"session_id"`
}

// Close 访客结束会话，仅 active 状态可关闭
func (h *ChatHandler) Close(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		badRequest(c, msgMissingSession)
		return
	}
	if err := h.engine.EndSession(c.Request.Context(), strings.TrimSpace(req.SessionID)); err != nil {
		writeServiceError(c, err, h.debug, h.logger)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Chat closed."})
}

// NewSession 生成新的会话 ID，会话本身在首条消息时创建
func (h *ChatHandler) NewSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session_id": services.NewSessionID()})
}

// RegisterChatRoutes 注册访客接口
func RegisterChatRoutes(r *gin.RouterGroup, h *ChatHandler, poll gin.HandlerFunc) {
	chat := r.Group("/chat")
	{
		chat.POST("", h.Ask)
		chat.GET("/poll", poll, h.Poll)
		chat.GET("/session", h.NewSession)
		chat.POST("/close", h.Close)
	}
}
