// Package handler 提供 HTTP 端點：房間列表、房間詳情、排行榜、健康檢查與 WebSocket 入口。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/internal/leaderboard"
	"github.com/koopa0/system-design/14-blob-arena/internal/registry"
	"github.com/koopa0/system-design/14-blob-arena/internal/transport"
	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
	"github.com/koopa0/system-design/14-blob-arena/pkg/logger"
)

// HealthCheck 外部依賴的健康檢查
type HealthCheck func(ctx context.Context) error

// Handler HTTP 請求處理器
type Handler struct {
	registry *registry.Registry
	board    leaderboard.Store
	hub      *transport.Hub
	logger   *slog.Logger

	wsLimit      func(http.Handler) http.Handler
	checks       map[string]HealthCheck
	defaultLimit int
}

// Option 處理器選項
type Option func(*Handler)

// WithRateLimit WebSocket 升級前的限流中介軟體
func WithRateLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.wsLimit = mw }
}

// WithHealthCheck 註冊一個依賴的健康檢查
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithLeaderboardSize 排行榜預設返回的名次數
func WithLeaderboardSize(n int) Option {
	return func(h *Handler) { h.defaultLimit = n }
}

// New 創建 HTTP 處理器
func New(reg *registry.Registry, board leaderboard.Store, hub *transport.Hub, log *slog.Logger, opts ...Option) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	h := &Handler{
		registry:     reg,
		board:        board,
		hub:          hub,
		logger:       log,
		wsLimit:      func(next http.Handler) http.Handler { return next },
		checks:       make(map[string]HealthCheck),
		defaultLimit: 10,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRoomSummaries))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/leaderboard", wrap(h.getLeaderboard))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	// WebSocket 升級不能包 loggerMiddleware（包裝後的 ResponseWriter 不支援 Hijack）
	mux.Handle("GET /ws", h.recoverer(h.wsLimit(http.HandlerFunc(h.hub.ServeWS)).ServeHTTP))

	return cors(mux)
}

// listRooms 房間編號與玩家數
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.registry.List(), http.StatusOK)
}

// listRoomSummaries 所有房間的概況
func (h *Handler) listRoomSummaries(w http.ResponseWriter, r *http.Request) {
	rooms := h.registry.Rooms()
	summaries := make([]any, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, room.Summary())
	}
	h.jsonResponse(w, map[string]any{
		"rooms": summaries,
		"total": len(summaries),
	}, http.StatusOK)
}

// getRoomDetail 房間概況
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	id, err := roomID(r)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	room, err := h.registry.Room(id)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, room.Summary(), http.StatusOK)
}

// getLeaderboard 房間排行榜
func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, err := roomID(r)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if _, err := h.registry.Room(id); err != nil {
		h.errorResponse(w, err)
		return
	}

	limit := h.defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	entries, err := h.board.Top(r.Context(), id, limit)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id": id,
		"entries": entries,
	}, http.StatusOK)
}

// health 健康檢查；任一依賴失敗時返回 503，但遊戲本身仍可運作
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	h.jsonResponse(w, map[string]any{
		"status":       status,
		"time":         time.Now().Unix(),
		"dependencies": deps,
	}, code)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"arena":       h.registry.Stats(),
		"connections": h.hub.ConnectionCount(),
	}, http.StatusOK)
}

func roomID(r *http.Request) (int, error) {
	raw := r.PathValue("room_id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "room id must be an integer").WithDetails(raw)
	}
	return id, nil
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 依錯誤碼決定狀態碼
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.Error("未分類的錯誤", "error", err)
	}
	if err := apperrors.WriteJSON(w, err); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}
