package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedTokenBucket 以 Redis 儲存桶狀態，多個伺服器實例共用同一個額度
//
// 每個 key 使用一個 hash：
//   - tokens：當前令牌數
//   - ts：上次填充時間（毫秒）
//
// 讀取、填充、扣除在同一個 Lua 腳本內完成，由 Redis 保證原子性。
type DistributedTokenBucket struct {
	client     redis.Scripter
	prefix     string
	capacity   int64
	refillRate int64
	script     *redis.Script
}

// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 每秒填充速率
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: 過期秒數
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)

// NewDistributedTokenBucket 建立分散式令牌桶
func NewDistributedTokenBucket(client redis.Scripter, prefix string, capacity, refillRate int64) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: refillRate,
		script:     tokenBucketScript,
	}
}

// Allow 實現 RateLimiterFunc
func (d *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	// 桶從空到滿所需時間，之後狀態等同新桶，可以過期
	ttl := int64(1)
	if d.refillRate > 0 {
		ttl = max(1, d.capacity/d.refillRate+1)
	}

	res, err := d.script.Run(ctx, d.client,
		[]string{d.key(key)},
		d.capacity, d.refillRate, time.Now().UnixMilli(), ttl,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("執行限流腳本失敗: %w", err)
	}
	return res == 1, nil
}

func (d *DistributedTokenBucket) key(k string) string {
	return fmt.Sprintf("%s:ratelimit:%s", d.prefix, k)
}
