package arena

import (
	"context"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

// Observer 在每個 tick 結束、鎖釋放之後收到報告
type Observer interface {
	OnTick(report TickReport)
}

// ObserverFunc 函數形式的 Observer
type ObserverFunc func(report TickReport)

// OnTick 實現 Observer
func (f ObserverFunc) OnTick(report TickReport) { f(report) }

// Driver 以固定週期推進單一房間
//
// 房間存在多久它就跑多久，只在 context 取消（進程關閉）時停止，沒有暫停或單步的介面。
type Driver struct {
	room      *Room
	period    time.Duration
	observers []Observer
	logger    *slog.Logger
}

// NewDriver 創建 tick 驅動器
func NewDriver(room *Room, log *slog.Logger, observers ...Observer) *Driver {
	if log == nil {
		log = logger.Discard()
	}
	return &Driver{
		room:      room,
		period:    TickPeriod,
		observers: observers,
		logger:    log,
	}
}

// Run 阻塞直到 ctx 取消
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	d.logger.Info("房間 tick 啟動", "room_id", d.room.ID, "period", d.period)

	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-ctx.Done():
			d.logger.Info("房間 tick 停止", "room_id", d.room.ID)
			return
		}
	}
}

func (d *Driver) tick() {
	report, ok := d.advance()
	if !ok {
		return
	}
	for _, obs := range d.observers {
		d.notify(obs, report)
	}
}

// advance 單一 tick 的 panic 不能終止整個房間
func (d *Driver) advance() (report TickReport, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("tick 發生 panic，略過本輪",
				"room_id", d.room.ID,
				"panic", rec)
			ok = false
		}
	}()
	return d.room.Advance(), true
}

func (d *Driver) notify(obs Observer, report TickReport) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("tick 觀察者發生 panic",
				"room_id", d.room.ID,
				"panic", rec)
		}
	}()
	obs.OnTick(report)
}
