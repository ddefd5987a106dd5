package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	"github.com/koopa0/system-design/14-blob-arena/internal/codec"
	"github.com/koopa0/system-design/14-blob-arena/internal/events"
	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

const (
	pingPeriod     = 54 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxInputSize   = 1024
	welcomeType    = "welcome"
	reasonEaten    = "eliminated"
	reasonShutdown = "server shutdown"
)

// RoomFinder 依編號找房間（registry.Registry 實現）
type RoomFinder interface {
	Room(id int) (*arena.Room, error)
}

// Welcome 升級後送出的第一個訊息
type Welcome struct {
	Type      string  `json:"type" msgpack:"type"`
	SessionID string  `json:"session_id" msgpack:"session_id"`
	RoomID    int     `json:"room_id" msgpack:"room_id"`
	Width     float64 `json:"width" msgpack:"width"`
	Height    float64 `json:"height" msgpack:"height"`
}

// Input 客戶端送來的速度
type Input struct {
	VX float64 `json:"vx" msgpack:"vx"`
	VY float64 `json:"vy" msgpack:"vy"`
}

// Hub WebSocket 連接中心
//
// 連接以 session id 索引；同一個使用者名稱可以有多條連接，彼此獨立。
// Hub 同時是 arena.Observer：tick 報告中被吞噬的玩家由 Hub 關閉其連接。
type Hub struct {
	rooms    RoomFinder
	codec    codec.Codec
	events   events.Publisher
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connections map[string]*Connection // sessionID -> Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
	stopped     bool
}

// Option Hub 選項
type Option func(*Hub)

// WithCodec 快照與歡迎訊息的編碼
func WithCodec(c codec.Codec) Option {
	return func(h *Hub) { h.codec = c }
}

// WithEvents 玩家加入、離開事件的發佈者
func WithEvents(p events.Publisher) Option {
	return func(h *Hub) { h.events = p }
}

// NewHub 創建 WebSocket Hub
func NewHub(rooms RoomFinder, log *slog.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	h := &Hub{
		rooms:  rooms,
		codec:  codec.JSON{},
		events: events.Nop{},
		logger: log,
		upgrader: websocket.Upgrader{
			// 允許任何來源，瀏覽器客戶端可從其他網域連入
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		connections: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeWS 處理 GET /ws?username=<name>&index=<room>
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	username := strings.TrimSpace(query.Get("username"))
	if username == "" {
		_ = apperrors.WriteJSON(w, apperrors.ErrInvalidUsername)
		return
	}

	roomID := 0
	if idx := query.Get("index"); idx != "" {
		id, err := strconv.Atoi(idx)
		if err != nil {
			_ = apperrors.WriteJSON(w, apperrors.New(apperrors.ErrCodeInvalidInput, "index must be an integer").WithDetails(idx))
			return
		}
		roomID = id
	}

	room, err := h.rooms.Room(roomID)
	if err != nil {
		_ = apperrors.WriteJSON(w, err)
		return
	}

	if h.isStopped() {
		_ = apperrors.WriteJSON(w, apperrors.New(apperrors.ErrCodeUnavailable, "server shutting down"))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("升級 WebSocket 失敗", "error", err)
		return
	}

	sessionID := uuid.NewString()
	ctx := logger.WithRoomID(logger.WithSessionID(context.Background(), sessionID), roomID)
	c := newConnection(ctx, sessionID, username, room, ws, h)

	// 歡迎訊息在加入前直接寫出，此時還沒有其他 goroutine 使用這條連接
	if err := c.writeWelcome(); err != nil {
		h.logger.WarnContext(ctx, "送出歡迎訊息失敗", "error", err)
		_ = ws.Close()
		return
	}

	// 先註冊再進房：進房後的第一個 tick 就可能吞掉這位玩家，OnTick 必須找得到連接
	if !h.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reasonShutdown),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	if _, err := room.Join(sessionID, username, c); err != nil {
		h.unregister(c)
		h.logger.WarnContext(ctx, "加入房間失敗", "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	h.publish(ctx, c, events.PlayerJoined)

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()

	h.logger.InfoContext(ctx, "WebSocket 連接建立", "username", username)
}

func (h *Hub) isStopped() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stopped
}

// register 同時為讀寫 goroutine 計數；Stop 之後不再接受連接
func (h *Hub) register(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.connections[c.SessionID] = c
	h.wg.Add(2)
	return true
}

// unregister 撤銷 register；只在讀寫 goroutine 啟動前使用
func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	if h.connections[c.SessionID] == c {
		delete(h.connections, c.SessionID)
	}
	h.mu.Unlock()
	h.wg.Done()
	h.wg.Done()
}

// leave 讀取端結束時呼叫：移出房間、取消註冊、發佈離開事件
func (h *Hub) leave(c *Connection) {
	c.Room.Leave(c.SessionID)

	h.mu.Lock()
	if h.connections[c.SessionID] == c {
		delete(h.connections, c.SessionID)
	}
	h.mu.Unlock()

	h.publish(c.ctx, c, events.PlayerLeft)
	h.logger.InfoContext(c.ctx, "WebSocket 連接關閉", "username", c.Username)
}

func (h *Hub) publish(ctx context.Context, c *Connection, t events.Type) {
	err := h.events.Publish(ctx, events.Event{
		Type:      t,
		RoomID:    c.Room.ID,
		SessionID: c.SessionID,
		Username:  c.Username,
		At:        time.Now(),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "發佈連接事件失敗", "type", t, "error", err)
	}
}

// OnTick 實現 arena.Observer：關閉被吞噬玩家的連接
func (h *Hub) OnTick(report arena.TickReport) {
	if len(report.Absorptions) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, abs := range report.Absorptions {
		if c, ok := h.connections[abs.Victim.SessionID]; ok {
			c.close(websocket.CloseNormalClosure, reasonEaten)
			h.logger.InfoContext(c.ctx, "玩家被吞噬",
				"username", c.Username,
				"predator", abs.Predator.Username)
		}
	}
}

// ConnectionCount 目前連接數
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Stop 關閉所有連接並等待讀寫 goroutine 結束
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	for _, c := range h.connections {
		c.close(websocket.CloseGoingAway, reasonShutdown)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("WebSocket Hub 已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
