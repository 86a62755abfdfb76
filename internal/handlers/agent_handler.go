package handlers

import (
	"net/http"
	"strings"

	"digichat/internal/models"
	"digichat/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AgentHandler 坐席控制台接口
type AgentHandler struct {
	assignment *services.AssignmentEngine
	agents     *services.AgentService
	messages   *services.MessageRouter
	polling    *services.PollingGateway
	debug      bool
	logger     *logrus.Logger
}

// AgentHandlerDeps 坐席处理器依赖
type AgentHandlerDeps struct {
	Assignment *services.AssignmentEngine
	Agents     *services.AgentService
	Messages   *services.MessageRouter
	Polling    *services.PollingGateway
	Debug      bool
	Logger     *logrus.Logger
}

// NewAgentHandler 创建坐席处理器
func NewAgentHandler(deps AgentHandlerDeps) *AgentHandler {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &AgentHandler{
		assignment: deps.Assignment,
		agents:     deps.Agents,
		messages:   deps.Messages,
		polling:    deps.Polling,
		debug:      deps.Debug,
		logger:     deps.Logger,
	}
}

type acceptRequest struct {
	SessionID string `json:"session_id"`
	AgentID   uint   `json:"agent_id"`
}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	AgentID   uint   `json:"agent_id"`
	Message   string `json:"message"`
}

type updateStatusRequest struct {
	AgentID uint   `json:"agent_id"`
	Status  string `json:"status"`
}

type createAgentRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

type disconnectRequest struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
}

func (h *AgentHandler) fail(c *gin.Context, err error) {
	writeServiceError(c, err, h.debug, h.logger)
}

// Queue 排队中的会话
// @Summary 待接入会话列表
// @Tags 坐席
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /agent/queue [get]
func (h *AgentHandler) Queue(c *gin.Context) {
	waiting, err := h.assignment.ListWaiting(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": waiting})
}

// ChatSession 会话完整记录
func (h *AgentHandler) ChatSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		badRequest(c, msgMissingSession)
		return
	}
	transcript, err := h.polling.ConsoleTranscript(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, transcript)
}

// Poll 控制台增量轮询，包含坐席消息
func (h *AgentHandler) Poll(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		badRequest(c, msgMissingSession)
		return
	}
	msgs, err := h.polling.ConsolePoll(c.Request.Context(), sessionID, parseCursor(c.Query("last_message_id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Accept 坐席接入会话
// @Summary 接入会话
// @Tags 坐席
// @Accept json
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /agent/accept [post]
func (h *AgentHandler) Accept(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == 0 || services.ValidateSessionID(req.SessionID) != nil {
		badRequest(c, "Missing or invalid session_id or agent_id.")
		return
	}
	res, err := h.assignment.AcceptChat(c.Request.Context(), req.SessionID, req.AgentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Chat accepted successfully.",
		"agent_name": res.AgentName,
	})
}

// SendMessage 坐席发送消息
func (h *AgentHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == 0 ||
		services.ValidateSessionID(req.SessionID) != nil || strings.TrimSpace(req.Message) == "" {
		badRequest(c, "Missing or invalid session_id, agent_id, or message.")
		return
	}
	id, err := h.messages.SendAgentMessage(c.Request.Context(), req.SessionID, req.AgentID, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Message sent successfully.",
		"message_id": id,
	})
}

// Agents 坐席列表
func (h *AgentHandler) Agents(c *gin.Context) {
	agents, err := h.agents.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// UpdateStatus 更新坐席在线状态
func (h *AgentHandler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == 0 ||
		!models.AgentStatus(strings.ToLower(strings.TrimSpace(req.Status))).Valid() {
		badRequest(c, "Missing or invalid agent_id or status.")
		return
	}
	if err := h.agents.UpdateStatus(c.Request.Context(), req.AgentID, req.Status); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Agent status updated successfully."})
}

// Create 新建坐席
func (h *AgentHandler) Create(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Missing or invalid name or email.")
		return
	}
	agent, err := h.agents.Create(c.Request.Context(), req.Name, req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agent_id": agent.ID})
}

// Disconnect 结束人工接入
func (h *AgentHandler) Disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil || services.ValidateSessionID(req.SessionID) != nil {
		badRequest(c, "Missing or invalid session_id.")
		return
	}
	res, err := h.assignment.Disconnect(c.Request.Context(), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	source := req.Source
	if source == "" {
		source = "agent"
	}
	h.logger.Infof("Session %s disconnected by %s", req.SessionID, source)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Chat disconnected.", "agent_name": res.AgentName})
}

// RegisterAgentRoutes 注册坐席控制台接口
func RegisterAgentRoutes(r *gin.RouterGroup, h *AgentHandler, poll gin.HandlerFunc) {
	agent := r.Group("/agent")
	{
		agent.GET("/queue", h.Queue)
		agent.GET("/chat-session", h.ChatSession)
		agent.GET("/poll", poll, h.Poll)
		agent.POST("/accept", h.Accept)
		agent.POST("/send-message", h.SendMessage)
		agent.GET("/agents", h.Agents)
		agent.POST("/update-status", h.UpdateStatus)
		agent.POST("/create", h.Create)
		agent.POST("/disconnect", h.Disconnect)
	}
}
