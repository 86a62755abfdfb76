package models

import (
	"time"
)

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionAgentRequested SessionStatus = "agent_requested"
	SessionAgentConnected SessionStatus = "agent_connected"
	SessionClosed         SessionStatus = "closed"
)

// Valid 是否为已知状态
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionAgentRequested, SessionAgentConnected, SessionClosed:
		return true
	}
	return false
}

// IsAgentMode 坐席模式下不再调用 AI
func (s SessionStatus) IsAgentMode() bool {
	return s == SessionAgentRequested || s == SessionAgentConnected
}

// Sender 消息发送方
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
	SenderAgent  Sender = "agent"
)

// Normalize 非法取值统一记为 system
func (s Sender) Normalize() Sender {
	switch s {
	case SenderUser, SenderBot, SenderSystem, SenderAgent:
		return s
	}
	return SenderSystem
}

// Source 消息来源
type Source string

const (
	SourceFAQ    Source = "faq"
	SourceGemini Source = "gemini"
	SourceSystem Source = "system"
	SourceAgent  Source = "agent"
)

// Normalize "ai" 视为 gemini，其余非法值记为 system
func (s Source) Normalize() Source {
	switch s {
	case SourceFAQ, SourceGemini, SourceSystem, SourceAgent:
		return s
	case "ai":
		return SourceGemini
	}
	return SourceSystem
}

// AgentStatus 坐席在线状态
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// Valid 是否为已知状态
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentOffline, AgentBusy:
		return true
	}
	return false
}

// Session 访客会话，首条消息时创建
type Session struct {
	ID            uint          `gorm:"primaryKey" json:"-"`
	SessionID     string        `gorm:"size:64;uniqueIndex;not null" json:"session_id"`
	Status        SessionStatus `gorm:"size:32;index:idx_chat_sessions_queue,priority:1;not null;default:'active'" json:"status"`
	AgentID       *uint         `gorm:"index" json:"agent_id"`
	AgentAssigned bool          `gorm:"index:idx_chat_sessions_queue,priority:2;not null;default:false" json:"agent_assigned"`
	CreatedAt     time.Time     `gorm:"index:idx_chat_sessions_queue,priority:3" json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message 会话消息，只追加
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:64;index:idx_chat_messages_session,priority:1;not null" json:"-"`
	Sender    Sender    `gorm:"size:16;not null" json:"sender"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Source    Source    `gorm:"size:16;not null;default:'system'" json:"-"`
	CreatedAt time.Time `gorm:"index:idx_chat_messages_session,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// Agent 人工坐席
type Agent struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Name           string      `gorm:"size:100;not null" json:"name"`
	Email          string      `gorm:"size:191;uniqueIndex;not null" json:"email"`
	Status         AgentStatus `gorm:"size:16;not null;default:'offline'" json:"status"`
	MaxActiveChats int         `gorm:"not null;default:5" json:"max_active_chats"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (Agent) TableName() string { return "agents" }

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{&Session{}, &Message{}, &Agent{}}
}
