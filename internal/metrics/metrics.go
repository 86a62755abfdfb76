package metrics

import (
	"sync"
	"sync/atomic"
)

// labeledCounter 按标签累计的计数器
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() Counter {
	out := Counter{Total: atomic.LoadUint64(&c.total)}
	c.mu.Lock()
	defer c.mu.Unlock()
	out.ByLabel = make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		out.ByLabel[k] = v
	}
	return out
}

func (c *labeledCounter) reset() {
	atomic.StoreUint64(&c.total, 0)
	c.mu.Lock()
	c.byLabel = nil
	c.mu.Unlock()
}

// Counter 计数快照
type Counter struct {
	Total   uint64            `json:"total"`
	ByLabel map[string]uint64 `json:"by_label"`
}

var (
	rateLimitDrops labeledCounter
	accepts        labeledCounter
	upstreamErrors labeledCounter
	logFailures    labeledCounter
)

// IncRateLimitDrop 记录一次 429，prefix 为空时记为 global
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.inc(prefix)
}

// IncAccept 记录一次接入结果：won / already_assigned / agent_unavailable / not_found
func IncAccept(outcome string) {
	accepts.inc(outcome)
}

// IncUpstreamError 记录一次生成服务失败
func IncUpstreamError(kind string) {
	upstreamErrors.inc(kind)
}

// IncLogFailure 记录一次被吞掉的消息写入失败
func IncLogFailure(op string) {
	logFailures.inc(op)
}

// Snapshot 全部计数器快照
type Snapshot struct {
	RateLimitDrops Counter `json:"rate_limit_drops"`
	Accepts        Counter `json:"accepts"`
	UpstreamErrors Counter `json:"upstream_errors"`
	LogFailures    Counter `json:"log_failures"`
}

// Take 返回当前计数的拷贝
func Take() Snapshot {
	return Snapshot{
		RateLimitDrops: rateLimitDrops.snapshot(),
		Accepts:        accepts.snapshot(),
		UpstreamErrors: upstreamErrors.snapshot(),
		LogFailures:    logFailures.snapshot(),
	}
}

// Reset 清零，测试使用
func Reset() {
	rateLimitDrops.reset()
	accepts.reset()
	upstreamErrors.reset()
	logFailures.reset()
}
