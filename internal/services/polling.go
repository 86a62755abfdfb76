package services

import (
	"context"
	"time"

	"digichat/internal/models"
)

// PolledMessage 轮询返回的消息
type PolledMessage struct {
	ID        uint          `json:"id"`
	Sender    models.Sender `json:"sender"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

// SessionTranscript 控制台会话详情
type SessionTranscript struct {
	SessionID     string               `json:"session_id"`
	Status        models.SessionStatus `json:"status"`
	AgentID       *uint                `json:"agent_id"`
	AgentAssigned bool                 `json:"agent_assigned"`
	CreatedAt     time.Time            `json:"created_at"`
	Messages      []PolledMessage      `json:"messages"`
}

// PollingGateway 访客与控制台的增量消息视图
type PollingGateway struct {
	messages *MessageRouter
}

// NewPollingGateway 创建轮询网关
func NewPollingGateway(messages *MessageRouter) *PollingGateway {
	return &PollingGateway{messages: messages}
}

// VisitorPoll 访客轮询，非坐席模式下隐藏坐席消息
func (g *PollingGateway) VisitorPoll(ctx context.Context, sessionID string, cursor uint) ([]PolledMessage, error) {
	return g.poll(ctx, sessionID, cursor, ViewerVisitor)
}

// ConsolePoll 控制台增量轮询，不做过滤
func (g *PollingGateway) ConsolePoll(ctx context.Context, sessionID string, cursor uint) ([]PolledMessage, error) {
	return g.poll(ctx, sessionID, cursor, ViewerAgentConsole)
}

// ConsoleTranscript 控制台查看完整会话
func (g *PollingGateway) ConsoleTranscript(ctx context.Context, sessionID string) (*SessionTranscript, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	t, err := g.messages.Transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionTranscript{
		SessionID:     t.Session.SessionID,
		Status:        t.Session.Status,
		AgentID:       t.Session.AgentID,
		AgentAssigned: t.Session.AgentAssigned,
		CreatedAt:     t.Session.CreatedAt,
		Messages:      toPolled(t.Messages),
	}, nil
}

func (g *PollingGateway) poll(ctx context.Context, sessionID string, cursor uint, viewer Viewer) ([]PolledMessage, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	msgs, err := g.messages.ListSince(ctx, sessionID, cursor, viewer)
	if err != nil {
		return nil, err
	}
	return toPolled(msgs), nil
}

func toPolled(msgs []models.Message) []PolledMessage {
	out := make([]PolledMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, PolledMessage{ID: m.ID, Sender: m.Sender, Message: m.Message, CreatedAt: m.CreatedAt})
	}
	return out
}
