package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"digichat/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type testEnv struct {
	db         *gorm.DB
	sessions   *SessionStore
	messages   *MessageRouter
	assignment *AssignmentEngine
	agents     *AgentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	logger := newTestLogger()
	sessions := NewSessionStore(db, logger)
	return &testEnv{
		db:         db,
		sessions:   sessions,
		messages:   NewMessageRouter(db, logger),
		assignment: NewAssignmentEngine(db, sessions, logger),
		agents:     NewAgentService(db, logger),
	}
}

func (e *testEnv) seedAgent(t *testing.T, name string, status models.AgentStatus) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		Name:           name,
		Email:          strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@example.com",
		Status:         status,
		MaxActiveChats: 5,
	}
	if err := e.db.Create(agent).Error; err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return agent
}

func (e *testEnv) seedSession(t *testing.T, id string, status models.SessionStatus) {
	t.Helper()
	if _, err := e.sessions.EnsureSession(context.Background(), id); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if status != models.SessionActive {
		if err := e.db.Model(&models.Session{}).Where("session_id = ?", id).Update("status", status).Error; err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
}

func (e *testEnv) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := e.sessions.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

// fakeCompletion 记录调用并按模型返回预设结果
type fakeCompletion struct {
	mu        sync.Mutex
	calls     []string
	requests  []CompletionRequest
	responses map[string]fakeResponse
	fallback  fakeResponse
	models    []ModelInfo
}

type fakeResponse struct {
	text string
	err  error
}

func newFakeCompletion() *fakeCompletion {
	return &fakeCompletion{responses: map[string]fakeResponse{}, fallback: fakeResponse{text: "fake answer"}}
}

func (f *fakeCompletion) Generate(_ context.Context, model string, req CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model)
	f.requests = append(f.requests, req)
	r, ok := f.responses[model]
	if !ok {
		r = f.fallback
	}
	return r.text, r.err
}

func (f *fakeCompletion) ListModels(context.Context) ([]ModelInfo, error) {
	return f.models, nil
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

const (
	testSessionA = "3f0c2b9e-8d4a-4c1e-9b7f-2a6d5e4c3b21"
	testSessionB = "visitor_token_abcdefghijklmnopqrstuvwxyz012345"
)
