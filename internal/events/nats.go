package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
	"github.com/nats-io/nats.go"
)

// publisher NATS 連線中用到的部分，測試時可替換
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher 發佈到核心 NATS
type NATSPublisher struct {
	conn   publisher
	prefix string
	logger *slog.Logger
}

// Connect 連接 NATS
//
//   - MaxReconnects(-1)：無限重連，NATS 暫時不可用時遊戲照常進行
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = logger.Discard()
	}
	conn, err := nats.Connect(
		url,
		nats.Name("blob-arena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS 連線中斷", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return conn, nil
}

// NewNATSPublisher 創建 NATS 事件發佈者
func NewNATSPublisher(conn *nats.Conn, prefix string, log *slog.Logger) *NATSPublisher {
	return newNATSPublisher(conn, prefix, log)
}

func newNATSPublisher(conn publisher, prefix string, log *slog.Logger) *NATSPublisher {
	if log == nil {
		log = logger.Discard()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: log}
}

// Publish 實現 Publisher
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(e)
	if err != nil {
		return err
	}
	subject := Subject(p.prefix, e)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("發佈到 %s 失敗: %w", subject, err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("關閉 NATS 連線失敗", "error", err)
	}
}
