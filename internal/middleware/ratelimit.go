package middleware

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"digichat/internal/config"
	appmetrics "digichat/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const bucketIdleTTL = 10 * time.Minute

// clientKey 限流维度：客户端 IP
func clientKey(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter 按客户端令牌桶限流，长期空闲的桶会被回收
type RateLimiter struct {
	perSec float64
	burst  float64

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
	now     func() time.Time
}

// NewRateLimiter 按 requests_per_minute / burst 创建限流器
func NewRateLimiter(rl config.RateLimitingConfig) *RateLimiter {
	rpm, burst := rl.RequestsPerMinute, rl.Burst
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &RateLimiter{
		perSec:  float64(rpm) / 60,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		swept:   time.Now(),
		now:     time.Now,
	}
}

// Allow 消耗 key 的一个令牌
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) >= bucketIdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= bucketIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.perSec)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Len 当前跟踪的客户端数量
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimitMiddleware 全局限流，未启用时直接放行
func RateLimitMiddleware(rl config.RateLimitingConfig) gin.HandlerFunc {
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := NewRateLimiter(rl)
	return func(c *gin.Context) {
		if !limiter.Allow(clientKey(c)) {
			tooManyRequests(c, "global", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func tooManyRequests(c *gin.Context, label, msg string) {
	appmetrics.IncRateLimitDrop(label)
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "Too Many Requests",
		"message": msg,
	})
}

// PollLimiter 判断某个轮询方是否已超过最小间隔
type PollLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryPollLimiter 进程内的最小间隔限制
type MemoryPollLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
	now      func() time.Time
}

// NewMemoryPollLimiter 创建进程内轮询限制器
func NewMemoryPollLimiter(interval time.Duration) *MemoryPollLimiter {
	return &MemoryPollLimiter{interval: interval, last: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryPollLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if t, ok := l.last[key]; ok && now.Sub(t) < l.interval {
		return false, nil
	}
	l.last[key] = now
	if len(l.last) > 10000 {
		for k, t := range l.last {
			if now.Sub(t) >= l.interval {
				delete(l.last, k)
			}
		}
	}
	return true, nil
}

// RedisPollLimiter 多实例共享的最小间隔限制，基于 SET NX PX
type RedisPollLimiter struct {
	client   redis.UniversalClient
	interval time.Duration
	prefix   string
}

// NewRedisPollLimiter 创建 redis 轮询限制器
func NewRedisPollLimiter(client redis.UniversalClient, interval time.Duration) *RedisPollLimiter {
	return &RedisPollLimiter{client: client, interval: interval, prefix: "digichat:poll:"}
}

func (l *RedisPollLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, 1, l.interval).Result()
}

// PollThrottle 限制同一会话同一来源的轮询频率；limiter 出错时放行
func PollThrottle(limiter PollLimiter, logger *logrus.Logger) gin.HandlerFunc {
	if limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		key := c.FullPath() + "|" + c.Query("session_id") + "|" + clientKey(c)
		ok, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warnf("poll throttle: %v", err)
			c.Next()
			return
		}
		if !ok {
			tooManyRequests(c, "poll", "polling too fast")
			return
		}
		c.Next()
	}
}
