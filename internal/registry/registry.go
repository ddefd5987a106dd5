// Package registry 持有伺服器的固定房間名單。
//
// 房間在啟動時一次建立，之後不增不減；因此名單本身不需要鎖，
// 每個房間的狀態由房間自己的讀寫鎖保護。
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

// RoomInfo 房間列表項目
type RoomInfo struct {
	ID      int `json:"id"`
	Players int `json:"players"`
}

// Stats 執行統計
type Stats struct {
	Rooms       int   `json:"rooms"`
	Players     int   `json:"players"`
	Ticks       int64 `json:"ticks"`
	Delivered   int64 `json:"snapshots_delivered"`
	Dropped     int64 `json:"snapshots_dropped"`
	DotsEaten   int64 `json:"dots_eaten"`
	VirusPops   int64 `json:"virus_pops"`
	Absorptions int64 `json:"absorptions"`
}

// Registry 房間名單與 tick 驅動器的擁有者
type Registry struct {
	rooms     []*arena.Room
	observers []arena.Observer
	logger    *slog.Logger

	counters counters

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type counters struct {
	ticks       atomic.Int64
	delivered   atomic.Int64
	dropped     atomic.Int64
	dotsEaten   atomic.Int64
	pops        atomic.Int64
	absorptions atomic.Int64
}

// OnTick 實現 arena.Observer
func (c *counters) OnTick(r arena.TickReport) {
	c.ticks.Add(1)
	c.delivered.Add(int64(r.Delivered))
	c.dropped.Add(int64(r.Dropped))
	c.dotsEaten.Add(int64(r.DotsEaten))
	c.pops.Add(int64(len(r.Pops)))
	c.absorptions.Add(int64(len(r.Absorptions)))
}

// New 建立 count 個房間，編號 0..count-1
func New(count, entryFee int, log *slog.Logger, opts ...arena.Option) (*Registry, error) {
	if count <= 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "room count must be positive").
			WithDetails(strconv.Itoa(count))
	}
	if log == nil {
		log = logger.Discard()
	}

	r := &Registry{
		rooms:  make([]*arena.Room, 0, count),
		logger: log,
	}
	for id := range count {
		roomOpts := append([]arena.Option{arena.WithLogger(log)}, opts...)
		r.rooms = append(r.rooms, arena.NewRoom(id, entryFee, roomOpts...))
	}

	log.Info("房間名單已建立", "rooms", count, "entry_fee", entryFee)
	return r, nil
}

// Observe 註冊 tick 觀察者，必須在 Start 之前呼叫
func (r *Registry) Observe(observers ...arena.Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observers...)
}

// Start 每個房間啟動一個 tick goroutine
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("registry already started")
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	observers := append([]arena.Observer{&r.counters}, r.observers...)

	for _, room := range r.rooms {
		driver := arena.NewDriver(room, r.logger, observers...)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			driver.Run(ctx)
		}()
	}

	r.logger.Info("所有房間 tick 已啟動", "rooms", len(r.rooms))
	return nil
}

// Stop 停止所有 tick 並等待結束
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()

	r.logger.Info("房間名單已停止")
}

// Room 依編號取得房間
func (r *Registry) Room(id int) (*arena.Room, error) {
	if id < 0 || id >= len(r.rooms) {
		return nil, apperrors.ErrRoomNotFound.WithDetails(strconv.Itoa(id))
	}
	return r.rooms[id], nil
}

// Rooms 所有房間（依編號排列）
func (r *Registry) Rooms() []*arena.Room {
	return r.rooms
}

// List 房間編號與玩家數，每個房間只取讀鎖
func (r *Registry) List() []RoomInfo {
	infos := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		infos = append(infos, RoomInfo{ID: room.ID, Players: room.PlayerCount()})
	}
	return infos
}

// Stats 統計資訊
func (r *Registry) Stats() Stats {
	s := Stats{
		Rooms:       len(r.rooms),
		Ticks:       r.counters.ticks.Load(),
		Delivered:   r.counters.delivered.Load(),
		Dropped:     r.counters.dropped.Load(),
		DotsEaten:   r.counters.dotsEaten.Load(),
		VirusPops:   r.counters.pops.Load(),
		Absorptions: r.counters.absorptions.Load(),
	}
	for _, room := range r.rooms {
		s.Players += room.PlayerCount()
	}
	return s
}
