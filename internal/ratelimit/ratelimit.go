// Package ratelimit 滑动窗口限流
// 用于限制 /ask 按客户端 IP 与会话的请求频率
package ratelimit

import (
	"sync"
	"time"
)

// Limiter 滑动日志限流器：记录每个 key 在窗口内的请求时间
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string][]time.Time
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Decision 一次限流判断的结果
type Decision struct {
	Allowed    bool
	Count      int           // 窗口内已记录的请求数（含本次）
	Limit      int
	Remaining  int           // 剩余配额，-1 表示不限制
	RetryAfter time.Duration // 被拒绝时距离最早一条过期的时间
}

// New 创建限流器，window <= 0 时为 60 秒
func New(window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop(5 * time.Minute)
	return l
}

// Allow 判断 key 的请求是否放行，limit <= 0 表示不限制
func (l *Limiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := prune(l.entries[key], now.Add(-l.window))

	if len(hits) >= limit {
		l.entries[key] = hits
		return Decision{
			Count:      len(hits),
			Limit:      limit,
			RetryAfter: hits[0].Add(l.window).Sub(now),
		}
	}

	hits = append(hits, now)
	l.entries[key] = hits
	return Decision{
		Allowed:   true,
		Count:     len(hits),
		Limit:     limit,
		Remaining: limit - len(hits),
	}
}

// Count 返回 key 在当前窗口内的请求数
func (l *Limiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	hits, ok := l.entries[key]
	if !ok {
		return 0
	}
	hits = prune(hits, l.now().Add(-l.window))
	if len(hits) == 0 {
		delete(l.entries, key)
		return 0
	}
	l.entries[key] = hits
	return len(hits)
}

// Reset 清除 key 的记录
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Keys 当前跟踪的 key 数量
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stop 停止后台清理
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup 删除窗口内已无请求的 key
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for key, hits := range l.entries {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(l.entries, key)
			continue
		}
		l.entries[key] = hits
	}
}

// prune 丢弃 cutoff 之前（含）的时间戳，时间戳按追加顺序递增
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// AskLimiter /ask 的双重限流：按客户端 IP 与按会话
type AskLimiter struct {
	ip           *Limiter
	session      *Limiter
	ipLimit      int
	sessionLimit int
}

// NewAskLimiter 创建 /ask 限流器，limit 为 0 的维度不限制
func NewAskLimiter(window time.Duration, perIP, perSession int) *AskLimiter {
	return &AskLimiter{
		ip:           New(window),
		session:      New(window),
		ipLimit:      perIP,
		sessionLimit: perSession,
	}
}

// Check 先检查 IP，再检查会话；返回被拒绝的维度（"ip"/"session"），放行时为空
func (a *AskLimiter) Check(ip, sessionID string) (Decision, string) {
	if d := a.ip.Allow(ip, a.ipLimit); !d.Allowed {
		return d, "ip"
	}
	if sessionID == "" {
		return Decision{Allowed: true, Remaining: -1}, ""
	}
	d := a.session.Allow(sessionID, a.sessionLimit)
	if !d.Allowed {
		return d, "session"
	}
	return d, ""
}

// Stop 停止两个限流器
func (a *AskLimiter) Stop() {
	a.ip.Stop()
	a.session.Stop()
}
