package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"digichat/internal/metrics"
	"digichat/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxMessageRunes = 50000
	truncatedSuffix = " [truncated]"
)

// Viewer 决定消息可见性
type Viewer int

const (
	ViewerVisitor Viewer = iota
	ViewerAgentConsole
)

// LogResult 尽力写入的结果，错误只进日志
type LogResult struct {
	ID  uint
	Err error
}

// OK 是否写入成功
func (r LogResult) OK() bool { return r.Err == nil }

// Transcript 会话全量记录
type Transcript struct {
	Session  models.Session
	Messages []models.Message
}

// MessageRouter 消息写入与读取
type MessageRouter struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewMessageRouter 创建消息路由
func NewMessageRouter(db *gorm.DB, logger *logrus.Logger) *MessageRouter {
	if logger == nil {
		logger = logrus.New()
	}
	return &MessageRouter{db: db, logger: logger}
}

// Append 追加一条消息，返回新消息 id
func (r *MessageRouter) Append(ctx context.Context, sessionID string, sender models.Sender, text string, source models.Source) (uint, error) {
	return AppendTx(r.db.WithContext(ctx), sessionID, sender, text, source)
}

// LogBestEffort 写入失败时记录日志并返回，不影响调用方主流程
func (r *MessageRouter) LogBestEffort(ctx context.Context, sessionID string, sender models.Sender, text string, source models.Source) LogResult {
	id, err := r.Append(ctx, sessionID, sender, text, source)
	if err != nil {
		metrics.IncLogFailure("append")
		r.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"sender":     sender,
		}).Warnf("message logging failed: %v", err)
	}
	return LogResult{ID: id, Err: err}
}

// SendAgentMessage 仅当坐席仍是该会话的接入坐席时写入
func (r *MessageRouter) SendAgentMessage(ctx context.Context, sessionID string, agentID uint, text string) (uint, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyMessage
	}
	var id uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("session_id = ?", sessionID)
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "SHARE"})
		}
		var session models.Session
		if err := q.First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotAssigned
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.Status != models.SessionAgentConnected || session.AgentID == nil || *session.AgentID != agentID {
			return ErrNotAssigned
		}
		var err error
		id, err = AppendTx(tx, sessionID, models.SenderAgent, text, models.SourceAgent)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListSince 返回 id 大于 cursor 的消息；访客在非坐席模式下看不到坐席消息
func (r *MessageRouter) ListSince(ctx context.Context, sessionID string, cursor uint, viewer Viewer) ([]models.Message, error) {
	db := r.db.WithContext(ctx)

	q := db.Where("session_id = ? AND id > ?", sessionID, cursor)
	if viewer == ViewerVisitor {
		var session models.Session
		err := db.Select("status").Where("session_id = ?", sessionID).First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []models.Message{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load session status: %w", err)
		}
		if !session.Status.IsAgentMode() {
			q = q.Where("sender <> ?", models.SenderAgent)
		}
	}

	messages := make([]models.Message, 0)
	if err := q.Order("created_at ASC").Order("id ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// Transcript 坐席控制台查看的完整记录
func (r *MessageRouter) Transcript(ctx context.Context, sessionID string) (*Transcript, error) {
	db := r.db.WithContext(ctx)
	var session models.Session
	if err := db.Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	messages := make([]models.Message, 0)
	if err := db.Where("session_id = ?", sessionID).
		Order("created_at ASC").Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &Transcript{Session: session, Messages: messages}, nil
}

// CountMessages 会话消息数
func (r *MessageRouter) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}

// AppendTx 在调用方事务内追加消息
func AppendTx(db *gorm.DB, sessionID string, sender models.Sender, text string, source models.Source) (uint, error) {
	msg := &models.Message{
		SessionID: sessionID,
		Sender:    sender.Normalize(),
		Message:   truncateMessage(text),
		Source:    source.Normalize(),
	}
	if err := db.Create(msg).Error; err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return msg.ID, nil
}

func truncateMessage(text string) string {
	if utf8.RuneCountInString(text) <= maxMessageRunes {
		return text
	}
	return string([]rune(text)[:maxMessageRunes]) + truncatedSuffix
}

// truncateRunes 按字符截断
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
