package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	"github.com/koopa0/system-design/14-blob-arena/internal/codec"
)

// Connection 一條 WebSocket 連接，也是玩家在房間中的 arena.Sender
//
// send 只有一格：寫入端跟不上時新快照直接丟棄，客戶端看到的是稍舊的畫面，
// tick 不會因此被阻塞。send 永遠不關閉，關閉訊號走 done，
// 因此 tick 在連接關閉後呼叫 Send 也不會 panic。
type Connection struct {
	SessionID string
	Username  string
	Room      *arena.Room
	Conn      *websocket.Conn

	hub  *Hub
	ctx  context.Context
	send chan []byte

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newConnection(ctx context.Context, sessionID, username string, room *arena.Room, ws *websocket.Conn, hub *Hub) *Connection {
	return &Connection{
		SessionID: sessionID,
		Username:  username,
		Room:      room,
		Conn:      ws,
		hub:       hub,
		ctx:       ctx,
		send:      make(chan []byte, 1),
		done:      make(chan struct{}),
	}
}

// Send 實現 arena.Sender，非阻塞
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close 要求寫入端送出關閉幀後結束；可重複呼叫，只有第一次的原因生效
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Connection) frameType() int {
	if c.hub.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (c *Connection) writeWelcome() error {
	data, err := c.hub.codec.Marshal(Welcome{
		Type:      welcomeType,
		SessionID: c.SessionID,
		RoomID:    c.Room.ID,
		Width:     arena.Width,
		Height:    arena.Height,
	})
	if err != nil {
		return err
	}
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(c.frameType(), data)
}

// readPump 讀取速度輸入
//
// 60 秒內沒有收到任何訊息（包括 Pong）就視為死連接。
// 無法解碼的訊息直接丟棄，連接保持開啟。任何讀取錯誤都讓玩家離開房間。
func (c *Connection) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.Conn.SetReadLimit(maxInputSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.ErrorContext(c.ctx, "設置讀取期限失敗", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.WarnContext(c.ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		var in Input
		if err := codec.ForFrame(messageType == websocket.BinaryMessage).Unmarshal(message, &in); err != nil {
			c.hub.logger.DebugContext(c.ctx, "丟棄無法解析的輸入", "error", err)
			continue
		}
		c.Room.SetVelocity(c.SessionID, in.VX, in.VY)
	}
}

// writePump 送出快照與心跳
//
// 54 秒 Ping 一次，留 6 秒給 Pong 在 60 秒讀取期限前到達。
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(c.frameType(), message); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			// 嘗試送出關閉幀，忽略錯誤（對端可能已斷線）
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.Conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeReason),
					time.Now().Add(time.Second))
			}
			return
		}
	}
}
