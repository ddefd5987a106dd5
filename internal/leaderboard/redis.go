package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore 以 sorted set 儲存排行榜
//
// 每個房間兩個 key：
//   - {prefix}:room:{id}:leaderboard  sorted set，member 是 session id，score 是半徑
//   - {prefix}:room:{id}:names        hash，session id → 使用者名稱
//
// 兩者都設 TTL；房間停止取樣後排行榜自然過期。
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore 創建 Redis 排行榜
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) scoresKey(roomID int) string {
	return fmt.Sprintf("%s:room:%d:leaderboard", s.prefix, roomID)
}

func (s *RedisStore) namesKey(roomID int) string {
	return fmt.Sprintf("%s:room:%d:names", s.prefix, roomID)
}

// Record 實現 Store
//
// 在 MULTI/EXEC 中先刪除再寫入，讀取端不會看到新舊混合的結果。
func (s *RedisStore) Record(ctx context.Context, roomID int, standings []arena.PlayerView) error {
	scores, names := s.scoresKey(roomID), s.namesKey(roomID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, scores, names)
	if len(standings) > 0 {
		members := make([]redis.Z, 0, len(standings))
		fields := make([]any, 0, 2*len(standings))
		for _, p := range standings {
			members = append(members, redis.Z{Score: p.Radius, Member: p.ID})
			fields = append(fields, p.ID, p.Username)
		}
		pipe.ZAdd(ctx, scores, members...)
		pipe.HSet(ctx, names, fields...)
		if s.ttl > 0 {
			pipe.Expire(ctx, scores, s.ttl)
			pipe.Expire(ctx, names, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, apperrors.ErrLeaderboardUnavailable.Message)
	}
	return nil
}

// Top 實現 Store
func (s *RedisStore) Top(ctx context.Context, roomID int, n int) ([]Entry, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}

	zs, err := s.client.ZRevRangeWithScores(ctx, s.scoresKey(roomID), 0, stop).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, apperrors.ErrLeaderboardUnavailable.Message)
	}
	if len(zs) == 0 {
		return []Entry{}, nil
	}

	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i] = fmt.Sprint(z.Member)
	}

	names, err := s.client.HMGet(ctx, s.namesKey(roomID), ids...).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, apperrors.ErrLeaderboardUnavailable.Message)
	}

	entries := make([]Entry, len(zs))
	for i, z := range zs {
		username, _ := names[i].(string)
		entries[i] = Entry{
			Rank:      i + 1,
			SessionID: ids[i],
			Username:  username,
			Radius:    z.Score,
		}
	}
	return entries, nil
}
