package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"digichat/internal/config"
	"digichat/internal/handlers"
	"digichat/internal/middleware"
	"digichat/internal/observability"
	"digichat/internal/services"
	"digichat/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the chat server",
	Long:  `Run the chat server: visitor chat API, agent console API and health endpoints`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatal(err)
	}

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	log := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		log.Warnf("init tracing: %v", err)
	}

	// 初始化数据库
	db, err := storage.Open(cfg, log)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis 可选，仅用于轮询限流
	var redisClient redis.UniversalClient
	if rc, err := storage.OpenRedis(ctx, cfg.Redis); err != nil {
		log.Warnf("Redis unavailable, falling back to in-memory poll limiter: %v", err)
	} else if rc != nil {
		redisClient = rc
		defer rc.Close()
	}

	// 初始化服务
	kb, err := services.LoadKnowledgeBase(cfg.FAQ.Paths)
	if err != nil {
		log.Warnf("FAQ knowledge base not loaded: %v", err)
	} else {
		log.Infof("FAQ knowledge base loaded - Path: %s, Entries: %d", kb.Path(), kb.Size())
	}

	var completion services.CompletionClient
	if cfg.AI.Gemini.APIKey != "" {
		gc, err := services.NewGeminiClient(ctx, cfg.AI.Gemini, log)
		if err != nil {
			log.Errorf("Failed to create Gemini client: %v", err)
		} else {
			completion = gc
		}
	} else {
		log.Warn("Gemini API key not configured, AI answers disabled")
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
		Knowledge:  kb,
		Completion: completion,
		Breaker:    services.NewCircuitBreaker(cfg.AI.CircuitBreaker),
		Gemini:     cfg.AI.Gemini,
		Logger:     log,
	})

	var pollLimiter middleware.PollLimiter
	if interval := cfg.Security.RateLimiting.PollMinInterval; interval > 0 {
		if redisClient != nil {
			pollLimiter = middleware.NewRedisPollLimiter(redisClient, interval)
		} else {
			pollLimiter = middleware.NewMemoryPollLimiter(interval)
		}
	}

	// 设置 Gin 模式
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Config: cfg,
		Chat:   handlers.NewChatHandler(engine, polling, cfg.App.Debug, log),
		Agent: handlers.NewAgentHandler(handlers.AgentHandlerDeps{
			Assignment: assignment,
			Agents:     agents,
			Messages:   messages,
			Polling:    polling,
			Debug:      cfg.App.Debug,
			Logger:     log,
		}),
		Models: handlers.NewModelsHandler(completion, cfg.App.Debug, log),
		Health: handlers.NewHealthHandler(handlers.HealthDeps{
			Config:  cfg,
			DB:      db,
			Redis:   redisClient,
			Engine:  engine,
			Agents:  agents,
			Version: Version,
			Logger:  log,
		}),
		PollLimiter: pollLimiter,
		Logger:      log,
	})

	go sessions.RunIdleSweeper(ctx, cfg.Session.IdleTTL, cfg.Session.SweepInterval)

	// 创建服务器
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("Server exited")
}
