package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app" yaml:"app"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	AI         AIConfig         `mapstructure:"ai" yaml:"ai"`
	FAQ        FAQConfig        `mapstructure:"faq" yaml:"faq"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
}

type AppConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Debug bool   `mapstructure:"debug" yaml:"debug"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres, mysql, sqlite
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	Path            string        `mapstructure:"path" yaml:"path"` // sqlite only
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// Addr 返回 host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AIConfig struct {
	Gemini         GeminiConfig         `mapstructure:"gemini" yaml:"gemini"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type GeminiConfig struct {
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	Model           string        `mapstructure:"model" yaml:"model"`   // 显式指定时只尝试该模型
	Models          []string      `mapstructure:"models" yaml:"models"` // 候选模型，按顺序尝试
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	APIVersion      string        `mapstructure:"api_version" yaml:"api_version"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CandidateModels 返回本次调用需要依次尝试的模型
func (g GeminiConfig) CandidateModels() []string {
	if m := strings.TrimSpace(g.Model); m != "" {
		return []string{m}
	}
	if len(g.Models) > 0 {
		return append([]string(nil), g.Models...)
	}
	return append([]string(nil), DefaultGeminiModels...)
}

// DefaultGeminiModels 未配置模型时的候选列表
var DefaultGeminiModels = []string{
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-1.5-flash-latest",
	"gemini-1.5-flash-001",
	"gemini-1.5-pro-latest",
	"gemini-1.5-pro-001",
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

type FAQConfig struct {
	Paths []string `mapstructure:"paths" yaml:"paths"`
}

type SessionConfig struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"` // 0 表示不自动关闭
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	ChatAPIKey   string             `mapstructure:"chat_api_key" yaml:"chat_api_key"`   // 为空时聊天接口不校验
	AgentAPIKey  string             `mapstructure:"agent_api_key" yaml:"agent_api_key"` // 为空时坐席接口不校验
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	PollMinInterval   time.Duration `mapstructure:"poll_min_interval" yaml:"poll_min_interval"` // 轮询最小间隔
}

// Load 从 viper 读取配置，未设置的字段保留默认值
func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	applyLegacyEnv(config)
	return config
}

// LoadDotEnv 加载 .env 文件，文件不存在时忽略
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// applyLegacyEnv 兼容部署脚本中沿用的环境变量名
func applyLegacyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
		cfg.AI.Gemini.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DIGIMARKER_GEMINI_MODEL")); v != "" {
		cfg.AI.Gemini.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("DIGIMARKER_CHAT_API_KEY")); v != "" {
		cfg.Security.ChatAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DIGIMARKER_AGENT_API_KEY")); v != "" {
		cfg.Security.AgentAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DIGIMARKER_CHAT_ALLOWED_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Security.CORS.AllowedOrigins = origins
	}
	if v := strings.TrimSpace(os.Getenv("DIGIMARKER_DEBUG")); v != "" {
		cfg.App.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v, ok := os.LookupEnv("DB_PASS"); ok {
		cfg.Database.Password = v
	}
}

// Validate 校验启动所需的关键配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "mysql":
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("database %s requires host and name", c.Database.Driver)
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database sqlite requires path")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.AI.Gemini.Timeout <= 0 {
		return errors.New("ai.gemini.timeout must be positive")
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "digichat",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 45 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "digimarker_chatbot",
			Path:            "data/digichat.db",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
			LogLevel:        "warn",
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
		},
		AI: AIConfig{
			Gemini: GeminiConfig{
				BaseURL:         "https://generativelanguage.googleapis.com",
				APIVersion:      "v1beta",
				MaxOutputTokens: 500,
				ConnectTimeout:  15 * time.Second,
				Timeout:         30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         false,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		FAQ: FAQConfig{
			Paths: []string{"data/chatbot_faq.json", "data/chatbot_faq.yaml", "../data/chatbot_faq.json"},
		},
		Session: SessionConfig{
			IdleTTL:       0,
			SweepInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/digichat.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "digichat",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Agent-API-Key"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
				PollMinInterval:   time.Second,
			},
		},
	}
}
