// Package leaderboard 維護每個房間依半徑排序的即時排行榜。
//
// 排行榜由 Recorder 定期從房間取樣寫入 Store，HTTP 讀取時不碰房間鎖。
// Store 有兩種實作：
//   - RedisStore：sorted set，多個讀取端（或其他服務）共用
//   - MemoryStore：未配置 Redis 或 Redis 不可用時的降級方案
package leaderboard

import (
	"context"
	"slices"
	"sync"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
)

// Entry 排行榜項目
type Entry struct {
	Rank      int     `json:"rank"`
	SessionID string  `json:"session_id"`
	Username  string  `json:"username"`
	Radius    float64 `json:"radius"`
}

// Store 排行榜儲存
type Store interface {
	// Record 以本次取樣整個取代房間的排行榜
	Record(ctx context.Context, roomID int, standings []arena.PlayerView) error
	// Top 前 n 名，n <= 0 表示全部
	Top(ctx context.Context, roomID int, n int) ([]Entry, error)
}

// MemoryStore 本地記憶體排行榜
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[int][]Entry
}

// NewMemoryStore 創建記憶體排行榜
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[int][]Entry)}
}

// Record 實現 Store
func (s *MemoryStore) Record(_ context.Context, roomID int, standings []arena.PlayerView) error {
	entries := rank(standings)

	s.mu.Lock()
	s.rooms[roomID] = entries
	s.mu.Unlock()
	return nil
}

// Top 實現 Store
func (s *MemoryStore) Top(_ context.Context, roomID int, n int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.rooms[roomID]
	if n > 0 && n < len(entries) {
		entries = entries[:n]
	}
	return slices.Clone(entries), nil
}

// rank 依半徑由大到小排列並編號
func rank(standings []arena.PlayerView) []Entry {
	entries := make([]Entry, 0, len(standings))
	for _, p := range standings {
		entries = append(entries, Entry{SessionID: p.ID, Username: p.Username, Radius: p.Radius})
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		switch {
		case a.Radius > b.Radius:
			return -1
		case a.Radius < b.Radius:
			return 1
		default:
			return 0
		}
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
