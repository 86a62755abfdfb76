package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"digichat/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var sessionTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{32,64}$`)

// ValidateSessionID 接受标准格式的 UUIDv4 或 32-64 位 token
func ValidateSessionID(id string) error {
	if isUUIDv4(id) || sessionTokenPattern.MatchString(id) {
		return nil
	}
	return ErrInvalidSessionID
}

func isUUIDv4(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.Variant() == uuid.RFC4122
}

// NewSessionID 生成新的会话 id
func NewSessionID() string {
	return uuid.NewString()
}

// SessionStore 会话存储
type SessionStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewSessionStore 创建会话存储
func NewSessionStore(db *gorm.DB, logger *logrus.Logger) *SessionStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionStore{db: db, logger: logger}
}

// EnsureSession 不存在则创建，已关闭则重新激活
func (s *SessionStore) EnsureSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	fresh := &models.Session{SessionID: sessionID, Status: models.SessionActive}
	if err := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(fresh).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	session, err := s.get(db, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionClosed {
		res := db.Model(&models.Session{}).
			Where("session_id = ? AND status = ?", sessionID, models.SessionClosed).
			Updates(map[string]interface{}{
				"status":         models.SessionActive,
				"agent_id":       nil,
				"agent_assigned": false,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("reactivate session: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			s.logger.Infof("Session %s reactivated", sessionID)
		}
		return s.get(db, sessionID)
	}
	return session, nil
}

// GetStatus 返回会话快照
func (s *SessionStore) GetStatus(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.get(s.db.WithContext(ctx), sessionID)
}

// Close 将空闲的 active 会话标记为 closed
func (s *SessionStore) Close(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.get(tx, sessionID)
		if err != nil {
			return err
		}
		if !canTransition(session.Status, models.SessionClosed) {
			return fmt.Errorf("close session in status %s: %w", session.Status, ErrInvalidTransition)
		}
		res := tx.Model(&models.Session{}).
			Where("session_id = ? AND status = ?", sessionID, models.SessionActive).
			Update("status", models.SessionClosed)
		if res.Error != nil {
			return fmt.Errorf("close session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("close session %s: status changed concurrently: %w", sessionID, ErrInvalidTransition)
		}
		return nil
	})
}

// CloseIdle 关闭超过 ttl 未活动的 active 会话，返回关闭数量
func (s *SessionStore) CloseIdle(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-ttl)
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("status = ? AND updated_at < ?", models.SessionActive, cutoff).
		Update("status", models.SessionClosed)
	if res.Error != nil {
		return 0, fmt.Errorf("close idle sessions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Infof("Closed %d idle sessions", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// RunIdleSweeper 周期性关闭空闲会话，直到 ctx 结束
func (s *SessionStore) RunIdleSweeper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CloseIdle(ctx, ttl); err != nil {
				s.logger.Warnf("idle sweep failed: %v", err)
			}
		}
	}
}

func (s *SessionStore) get(db *gorm.DB, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := db.Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &session, nil
}
