// Package limiter 限制 websocket 升級請求的頻率。
//
// 設計考量：
//   - 單機版每個 key（通常是客戶端 IP）一個令牌桶，存在本地記憶體
//   - 多實例部署時可改用 Redis + Lua 的分散式令牌桶
//   - 兩者都以 RateLimiterFunc 的形式交給 HTTP 中介軟體
package limiter

import (
	"sync"
	"time"
)

// TokenBucket 令牌桶
//
// 固定容量，以固定速率填充；桶內可累積令牌，因此允許短時突發。
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // 每秒填充的令牌數
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 建立令牌桶，初始是滿的
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 當前令牌數（監控用）
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int64(tb.tokens)
}

// lastUsed 上次填充時間，用於清理閒置的桶
func (tb *TokenBucket) lastUsed() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}
