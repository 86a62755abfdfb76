package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"digichat/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AgentSummary 坐席列表项
type AgentSummary struct {
	ID             uint               `json:"id"`
	Name           string             `json:"name"`
	Email          string             `json:"email"`
	Status         models.AgentStatus `json:"status"`
	MaxActiveChats int                `json:"max_active_chats"`
	ActiveChats    int64              `json:"active_chats"`
}

// AgentService 人工坐席管理
type AgentService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewAgentService 创建人工客服服务
func NewAgentService(db *gorm.DB, logger *logrus.Logger) *AgentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AgentService{db: db, logger: logger}
}

// Create 新建坐席，初始状态为 offline
func (s *AgentService) Create(ctx context.Context, name, email string) (*models.Agent, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		return nil, ErrMissingName
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, ErrInvalidEmail
	}

	agent := &models.Agent{
		Name:           name,
		Email:          email,
		Status:         models.AgentOffline,
		MaxActiveChats: 5,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Agent{}).Where("email = ?", email).Count(&n).Error; err != nil {
			return fmt.Errorf("check email: %w", err)
		}
		if n > 0 {
			return ErrAgentExists
		}
		if err := tx.Create(agent).Error; err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Created agent %d (%s)", agent.ID, agent.Email)
	return agent, nil
}

// Get 按 id 查询坐席
func (s *AgentService) Get(ctx context.Context, agentID uint) (*models.Agent, error) {
	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	return &agent, nil
}

// List 全部坐席及其当前接入数，按姓名排序
func (s *AgentService) List(ctx context.Context) ([]AgentSummary, error) {
	agents := make([]AgentSummary, 0)
	err := s.db.WithContext(ctx).
		Table("agents").
		Select("agents.id, agents.name, agents.email, agents.status, agents.max_active_chats, COUNT(DISTINCT chat_sessions.session_id) AS active_chats").
		Joins("LEFT JOIN chat_sessions ON chat_sessions.agent_id = agents.id AND chat_sessions.status = ?", models.SessionAgentConnected).
		Group("agents.id, agents.name, agents.email, agents.status, agents.max_active_chats").
		Order("agents.name ASC").
		Scan(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// UpdateStatus 更新坐席在线状态
func (s *AgentService) UpdateStatus(ctx context.Context, agentID uint, status string) error {
	st := models.AgentStatus(strings.ToLower(strings.TrimSpace(status)))
	if !st.Valid() {
		return ErrInvalidAgentStatus
	}
	if _, err := s.Get(ctx, agentID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&models.Agent{}).
		Where("id = ?", agentID).
		Update("status", st).Error; err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	s.logger.Infof("Agent %d status changed to %s", agentID, st)
	return nil
}

// CountOnline 在线坐席数量
func (s *AgentService) CountOnline(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Agent{}).Where("status = ?", models.AgentOnline).Count(&n).Error
	return n, err
}
