package leaderboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

// RoomSource 提供要取樣的房間
type RoomSource interface {
	Rooms() []*arena.Room
}

// Recorder 定期把各房間的排名寫入 Store
type Recorder struct {
	source   RoomSource
	store    Store
	interval time.Duration
	size     int
	logger   *slog.Logger
}

// NewRecorder 創建取樣器；size 為每個房間保留的名次數
func NewRecorder(source RoomSource, store Store, interval time.Duration, size int, log *slog.Logger) *Recorder {
	if log == nil {
		log = logger.Discard()
	}
	return &Recorder{
		source:   source,
		store:    store,
		interval: interval,
		size:     size,
		logger:   log,
	}
}

// Run 阻塞直到 ctx 取消
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sample(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sample 對所有房間取樣一次；單一房間寫入失敗只記錄日誌
func (r *Recorder) Sample(ctx context.Context) {
	for _, room := range r.source.Rooms() {
		standings := room.Standings()
		if r.size > 0 && len(standings) > r.size {
			standings = standings[:r.size]
		}

		writeCtx, cancel := context.WithTimeout(ctx, r.interval)
		err := r.store.Record(writeCtx, room.ID, standings)
		cancel()

		if err != nil {
			r.logger.Warn("寫入排行榜失敗",
				"room_id", room.ID,
				"error", err)
		}
	}
}
