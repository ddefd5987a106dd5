package limiter

import (
	"context"
	"sync"
	"time"
)

// Keyed 每個 key 一個令牌桶
type Keyed struct {
	capacity   int64
	refillRate int64
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewKeyed 建立按 key 分桶的限流器
func NewKeyed(capacity, refillRate int64) *Keyed {
	return &Keyed{
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
		buckets:    make(map[string]*TokenBucket),
	}
}

// Allow 實現 RateLimiterFunc，本地限流不會失敗
func (k *Keyed) Allow(_ context.Context, key string) (bool, error) {
	return k.bucket(key).Allow(), nil
}

func (k *Keyed) bucket(key string) *TokenBucket {
	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.buckets[key]
	if !ok {
		b = newTokenBucket(k.capacity, k.refillRate, k.now)
		k.buckets[key] = b
	}
	return b
}

// Len 目前追蹤的 key 數量
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Sweep 移除閒置超過 idle 的桶，返回移除數量
func (k *Keyed) Sweep(idle time.Duration) int {
	cutoff := k.now().Add(-idle)

	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for key, b := range k.buckets {
		if b.lastUsed().Before(cutoff) {
			delete(k.buckets, key)
			removed++
		}
	}
	return removed
}

// RunSweeper 定期清理閒置的桶，阻塞直到 ctx 取消
func (k *Keyed) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.Sweep(idle)
		case <-ctx.Done():
			return
		}
	}
}
