package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"digichat/internal/metrics"
	"digichat/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultAgentName = "The agent"

// canTransition 会话状态迁移表
func canTransition(from, to models.SessionStatus) bool {
	if !from.Valid() {
		return false
	}
	switch to {
	case models.SessionAgentRequested:
		// 重复请求会覆盖过期的接入
		return true
	case models.SessionAgentConnected:
		return from == models.SessionAgentRequested
	case models.SessionActive:
		return true
	case models.SessionClosed:
		return from == models.SessionActive
	default:
		return false
	}
}

// AcceptResult 接入成功结果
type AcceptResult struct {
	SessionID string
	AgentID   uint
	AgentName string
	MessageID uint
}

// DisconnectResult 断开结果
type DisconnectResult struct {
	SessionID string
	AgentName string
	MessageID uint
}

// WaitingSession 排队中的会话
type WaitingSession struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AssignmentEngine 会话与坐席的分配
type AssignmentEngine struct {
	db       *gorm.DB
	sessions *SessionStore
	logger   *logrus.Logger
}

// NewAssignmentEngine 创建分配引擎
func NewAssignmentEngine(db *gorm.DB, sessions *SessionStore, logger *logrus.Logger) *AssignmentEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &AssignmentEngine{db: db, sessions: sessions, logger: logger}
}

// RequestAgent 会话进入排队，清除已有的接入
func (e *AssignmentEngine) RequestAgent(ctx context.Context, sessionID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := e.sessions.get(tx, sessionID)
		if err != nil {
			return err
		}
		if !canTransition(session.Status, models.SessionAgentRequested) {
			return fmt.Errorf("request agent from %s: %w", session.Status, ErrInvalidTransition)
		}
		if err := tx.Model(&models.Session{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"status":         models.SessionAgentRequested,
				"agent_id":       nil,
				"agent_assigned": false,
			}).Error; err != nil {
			return fmt.Errorf("request agent: %w", err)
		}
		e.logger.Infof("Session %s requested an agent", sessionID)
		return nil
	})
}

// AcceptChat 坐席抢占排队中的会话，依靠条件更新保证只有一个坐席成功
func (e *AssignmentEngine) AcceptChat(ctx context.Context, sessionID string, agentID uint) (*AcceptResult, error) {
	var result *AcceptResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent models.Agent
		if err := tx.First(&agent, agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAgentNotFound
			}
			return fmt.Errorf("load agent: %w", err)
		}

		res := tx.Model(&models.Session{}).
			Where("session_id = ? AND status = ? AND agent_assigned = ?", sessionID, models.SessionAgentRequested, false).
			Where("EXISTS (SELECT 1 FROM agents WHERE agents.id = ? AND agents.status = ?)", agentID, models.AgentOnline).
			Updates(map[string]interface{}{
				"status":         models.SessionAgentConnected,
				"agent_id":       agentID,
				"agent_assigned": true,
			})
		if res.Error != nil {
			return fmt.Errorf("claim session: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return e.classifyLostClaim(tx, sessionID, agentID)
		}

		text := fmt.Sprintf("🧑‍💼 Agent %s has connected. How can I help you today?", agent.Name)
		msgID, err := AppendTx(tx, sessionID, models.SenderSystem, text, models.SourceSystem)
		if err != nil {
			return err
		}
		result = &AcceptResult{SessionID: sessionID, AgentID: agentID, AgentName: agent.Name, MessageID: msgID}
		return nil
	})
	if err != nil {
		metrics.IncAccept(acceptOutcome(err))
		return nil, err
	}
	metrics.IncAccept("won")
	e.logger.Infof("Agent %d accepted session %s", agentID, sessionID)
	return result, nil
}

// classifyLostClaim 条件更新未命中时区分原因
func (e *AssignmentEngine) classifyLostClaim(tx *gorm.DB, sessionID string, agentID uint) error {
	if _, err := e.sessions.get(tx, sessionID); err != nil {
		return err
	}
	var agent models.Agent
	if err := tx.Select("id", "status").First(&agent, agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.Status != models.AgentOnline {
		return ErrAgentUnavailable
	}
	return ErrAlreadyAssigned
}

func acceptOutcome(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrAgentNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Disconnect 结束人工接入并回到 AI 模式；不校验调用者身份
func (e *AssignmentEngine) Disconnect(ctx context.Context, sessionID string) (*DisconnectResult, error) {
	var result *DisconnectResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := e.sessions.get(tx, sessionID)
		if err != nil {
			return err
		}

		name := defaultAgentName
		if session.AgentID != nil {
			var agent models.Agent
			if err := tx.Select("id", "name").First(&agent, *session.AgentID).Error; err == nil && agent.Name != "" {
				name = agent.Name
			} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				e.logger.Warnf("lookup agent name on disconnect: %v", err)
			}
		}

		if err := tx.Model(&models.Session{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"status":         models.SessionActive,
				"agent_id":       nil,
				"agent_assigned": false,
			}).Error; err != nil {
			return fmt.Errorf("reset session: %w", err)
		}

		text := name + " has disconnected. You can continue chatting with our AI assistant."
		msgID, err := AppendTx(tx, sessionID, models.SenderSystem, text, models.SourceSystem)
		if err != nil {
			return err
		}
		result = &DisconnectResult{SessionID: sessionID, AgentName: name, MessageID: msgID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Infof("Session %s disconnected from %s", sessionID, result.AgentName)
	return result, nil
}

// ListWaiting 排队中的会话，按创建时间升序；无在线坐席时返回空
func (e *AssignmentEngine) ListWaiting(ctx context.Context) ([]WaitingSession, error) {
	db := e.db.WithContext(ctx)
	waiting := make([]WaitingSession, 0)

	var online int64
	if err := db.Model(&models.Agent{}).Where("status = ?", models.AgentOnline).Count(&online).Error; err != nil {
		return nil, fmt.Errorf("count online agents: %w", err)
	}
	if online == 0 {
		return waiting, nil
	}

	if err := db.Model(&models.Session{}).
		Select("session_id", "created_at").
		Where("status = ? AND agent_assigned = ?", models.SessionAgentRequested, false).
		Order("created_at ASC").Order("id ASC").
		Scan(&waiting).Error; err != nil {
		return nil, fmt.Errorf("list waiting sessions: %w", err)
	}
	return waiting, nil
}
