package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05"

// InitLogger 初始化全局 logrus
func InitLogger(cfg *Config) error {
	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.Warnf("Invalid log level '%s', using 'info'", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// 设置日志格式，默认 json
	if strings.EqualFold(cfg.Log.Format, "text") {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	}

	// 设置日志输出
	output := strings.ToLower(cfg.Log.Output)
	switch output {
	case "file", "both":
		if err := os.MkdirAll(filepath.Dir(cfg.Log.FilePath), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		var w io.Writer = newRotateWriter(cfg.Log)
		if output == "both" {
			w = io.MultiWriter(os.Stdout, w)
		}
		logrus.SetOutput(w)
	default:
		logrus.SetOutput(os.Stdout)
	}

	// debug 模式下附带调用位置
	logrus.SetReportCaller(cfg.App.Debug)

	logrus.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)

	return nil
}

// newRotateWriter 按配置创建滚动日志文件
func newRotateWriter(lc LogConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		LocalTime:  true,
	}
}

