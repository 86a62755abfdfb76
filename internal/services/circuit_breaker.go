package services

import (
	"sync"
	"time"

	"digichat/internal/config"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 保护生成服务调用，打开时直接失败，不做重试
type CircuitBreaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMaxReqs int

	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
	halfOpenAt   time.Time
	now          func() time.Time
}

// NewCircuitBreaker 按配置创建熔断器，未启用时返回 nil
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if !cfg.Enabled {
		return nil
	}
	cb := &CircuitBreaker{
		maxFailures:     cfg.MaxFailures,
		resetTimeout:    cfg.ResetTimeout,
		halfOpenMaxReqs: cfg.HalfOpenMaxReqs,
		now:             time.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = time.Minute
	}
	if cb.halfOpenMaxReqs <= 0 {
		cb.halfOpenMaxReqs = 1
	}
	return cb
}

// Allow 是否放行本次调用
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenReqs = 1
		cb.halfOpenAt = cb.now()
		return true
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		// 未结算的探测超过 resetTimeout 后作废，重新放行
		if cb.now().Sub(cb.halfOpenAt) >= cb.resetTimeout {
			cb.halfOpenReqs = 1
			cb.halfOpenAt = cb.now()
			return true
		}
		return false
	}
	return false
}

// OnSuccess 记录成功
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}

// OnFailure 记录失败，半开状态下失败立即重新打开
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == BreakerHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats 健康检查展示
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	if cb == nil {
		return map[string]interface{}{"enabled": false}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"enabled":       true,
		"state":         cb.state.String(),
		"failure_count": cb.failures,
		"max_failures":  cb.maxFailures,
		"reset_timeout": cb.resetTimeout.String(),
	}
}
