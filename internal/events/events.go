// Package events 將房間內發生的事件發佈到 NATS。
//
// 事件只是旁路通知（觀戰、統計、外部排行榜），發佈失敗不影響遊戲本身；
// 因此使用核心 NATS 的 fire-and-forget 發佈，不走 JetStream。
//
// Subject 格式：
//
//	<prefix>.room.<room_id>.<type>
//
// 例如 arena.room.0.player_absorbed，訂閱者可用 arena.room.*.> 取得所有房間。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

// Type 事件類型
type Type string

const (
	PlayerJoined   Type = "player_joined"
	PlayerLeft     Type = "player_left"
	VirusPopped    Type = "virus_popped"
	PlayerAbsorbed Type = "player_absorbed"
)

// Event 房間事件
type Event struct {
	Type      Type      `json:"type"`
	RoomID    int       `json:"room_id"`
	SessionID string    `json:"session_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// Publisher 事件發佈者
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// Nop 不發佈任何事件（未配置 NATS 時使用）
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// TickObserver 把 tick 報告中的病毒引爆與吞噬轉成事件
//
// 在 tick 驅動器的 goroutine 中、房間鎖釋放之後執行。
type TickObserver struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewTickObserver 創建 tick 觀察者
func NewTickObserver(pub Publisher, log *slog.Logger) *TickObserver {
	if log == nil {
		log = logger.Discard()
	}
	return &TickObserver{pub: pub, logger: log, now: time.Now}
}

// OnTick 實現 arena.Observer
func (o *TickObserver) OnTick(report arena.TickReport) {
	if len(report.Pops) == 0 && len(report.Absorptions) == 0 {
		return
	}

	ctx := context.Background()
	at := o.now()

	for _, pop := range report.Pops {
		o.publish(ctx, Event{
			Type:      VirusPopped,
			RoomID:    report.RoomID,
			SessionID: pop.Player.SessionID,
			Username:  pop.Player.Username,
			At:        at,
			Data:      pop,
		})
	}
	for _, abs := range report.Absorptions {
		o.publish(ctx, Event{
			Type:      PlayerAbsorbed,
			RoomID:    report.RoomID,
			SessionID: abs.Victim.SessionID,
			Username:  abs.Victim.Username,
			At:        at,
			Data:      abs,
		})
	}
}

func (o *TickObserver) publish(ctx context.Context, e Event) {
	if err := o.pub.Publish(ctx, e); err != nil {
		o.logger.Warn("發佈房間事件失敗",
			"room_id", e.RoomID,
			"type", e.Type,
			"error", err)
	}
}

// Subject 事件的 NATS subject
func Subject(prefix string, e Event) string {
	return fmt.Sprintf("%s.room.%d.%s", prefix, e.RoomID, e.Type)
}

func encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失敗: %w", err)
	}
	return data, nil
}
