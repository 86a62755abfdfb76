package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"digichat/internal/config"
	"digichat/internal/models"
	"digichat/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	visitorSession = "3f0c2b9e-8d4a-4c1e-9b7f-2a6d5e4c3b21"
	otherSession   = "5b1d7c3e-2f4a-4b6c-8d9e-0a1b2c3d4e5f"

	sampleFAQ = `{"chatbot_faq":[{"question":"What is DigiMarker?","answer":"A digital marketing toolkit."}]}`
)

type stubCompletion struct {
	text   string
	err    error
	models []services.ModelInfo
	calls  int
}

func (s *stubCompletion) Generate(_ context.Context, _ string, _ services.CompletionRequest) (string, error) {
	s.calls++
	return s.text, s.err
}

func (s *stubCompletion) ListModels(context.Context) ([]services.ModelInfo, error) {
	return s.models, s.err
}

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	cfg    *config.Config
}

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

// newTestServer completion 传 nil 表示未配置 API key
func newTestServer(t *testing.T, completion services.CompletionClient, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Security.RateLimiting.Enabled = false
	cfg.AI.Gemini.Model = "m1"
	if mutate != nil {
		mutate(cfg)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	db := newTestDB(t)

	entries, err := services.ParseFAQ([]byte(sampleFAQ), ".json")
	if err != nil {
		t.Fatalf("parse faq: %v", err)
	}
	sessions := services.NewSessionStore(db, log)
	messages := services.NewMessageRouter(db, log)
	assignment := services.NewAssignmentEngine(db, sessions, log)
	agents := services.NewAgentService(db, log)
	polling := services.NewPollingGateway(messages)
	engine := services.NewAnswerEngine(services.AnswerEngineDeps{
		Sessions:   sessions,
		Assignment: assignment,
		Messages:   messages,
		Knowledge:  services.NewKnowledgeBase("mem", entries),
		Completion: completion,
		Gemini:     cfg.AI.Gemini,
		Logger:     log,
	})

	router := NewRouter(RouterDeps{
		Config: cfg,
		Chat:   NewChatHandler(engine, polling, cfg.App.Debug, log),
		Agent: NewAgentHandler(AgentHandlerDeps{
			Assignment: assignment,
			Agents:     agents,
			Messages:   messages,
			Polling:    polling,
			Logger:     log,
		}),
		Models: NewModelsHandler(completion, cfg.App.Debug, log),
		Health: NewHealthHandler(HealthDeps{Config: cfg, DB: db, Engine: engine, Agents: agents, Version: "test"}),
		Logger: log,
	})
	return &testServer{router: router, db: db, cfg: cfg}
}

func (s *testServer) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seedAgent(t *testing.T, name string, status models.AgentStatus) uint {
	t.Helper()
	agent := &models.Agent{Name: name, Email: strings.ToLower(name) + "@example.com", Status: status, MaxActiveChats: 5}
	if err := s.db.Create(agent).Error; err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return agent.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return body
}
