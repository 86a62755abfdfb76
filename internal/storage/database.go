package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"digichat/internal/config"
	"digichat/internal/models"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Open 按配置选择驱动并建立连接池
func Open(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dc := cfg.Database

	dialector, err := dialectorFor(dc)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(dc.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dc.Driver, err)
	}

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			log.Warnf("enable gorm tracing: %v", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	if strings.EqualFold(dc.Driver, "sqlite") {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		if dc.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(dc.MaxOpenConns)
		}
		if dc.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(dc.MaxIdleConns)
		}
	}
	if dc.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(dc.ConnMaxLifetime)
	}

	log.Infof("Database connected - Driver: %s", dc.Driver)
	return db, nil
}

func dialectorFor(dc config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(dc.Driver) {
	case "postgres", "postgresql":
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
			dc.Host, dc.User, dc.Password, dc.Name, dc.Port, dc.SSLMode,
		)
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(MySQLDSN(dc)), nil
	case "sqlite":
		if dir := filepath.Dir(dc.Path); dir != "." && !strings.HasPrefix(dc.Path, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return sqlite.Open(dc.Path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dc.Driver)
	}
}

// MySQLDSN 生成 utf8mb4 + UTC 的 MySQL 连接串
func MySQLDSN(dc config.DatabaseConfig) string {
	mc := mysqldriver.NewConfig()
	mc.User = dc.User
	mc.Passwd = dc.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", dc.Host, dc.Port)
	mc.DBName = dc.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// Migrate 建表，索引由模型 tag 定义
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// Ping 用于健康检查
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SeedDemoAgent 空库时写入一个示例坐席
func SeedDemoAgent(ctx context.Context, db *gorm.DB) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&models.Agent{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count agents: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	agent := &models.Agent{
		Name:           "Demo Agent",
		Email:          "agent@digimarker.example",
		Status:         models.AgentOffline,
		MaxActiveChats: 5,
	}
	if err := db.WithContext(ctx).Create(agent).Error; err != nil {
		return false, fmt.Errorf("seed agent: %w", err)
	}
	return true, nil
}
