package services

import (
	"errors"
	"fmt"
)

// 校验类错误（400）
var (
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrInvalidMode        = errors.New(`invalid mode, use "faq" or "general"`)
	ErrEmptyQuestion      = errors.New("missing question")
	ErrInvalidAgentStatus = errors.New("invalid agent status, use online, offline or busy")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrEmptyMessage       = errors.New("missing message")
	ErrMissingName        = errors.New("missing name")
)

// 资源不存在（404）
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAgentNotFound   = errors.New("agent not found")
)

// 冲突（409）
var (
	ErrAlreadyAssigned   = errors.New("chat already assigned to another agent")
	ErrAgentUnavailable  = errors.New("agent is not online")
	ErrAgentExists       = errors.New("agent with this email already exists")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// ErrNotAssigned 坐席未接入该会话（403）
var ErrNotAssigned = errors.New("agent not assigned to this session or session not found")

// UpstreamKind 生成服务失败类型
type UpstreamKind string

const (
	UpstreamTransport UpstreamKind = "transport"
	UpstreamHTTP      UpstreamKind = "http"
	UpstreamEmpty     UpstreamKind = "empty"
	UpstreamNoModel   UpstreamKind = "no_model"
)

// UpstreamError 生成服务调用失败（502）
type UpstreamError struct {
	Kind   UpstreamKind
	Status int
	Model  string
	Detail string
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case UpstreamTransport:
		return "Gemini request failed: " + e.Detail
	case UpstreamEmpty:
		return fmt.Sprintf("Empty response from Gemini (model: %s)", e.Model)
	case UpstreamHTTP:
		return fmt.Sprintf("Gemini HTTP error: Status %d", e.Status)
	default:
		return "No supported Gemini model found for this API key."
	}
}

// ConfigError 服务端配置缺失（500）
type ConfigError struct {
	Reason string
	Hint   string
}

func (e *ConfigError) Error() string { return e.Reason }
