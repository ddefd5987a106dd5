package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	"github.com/koopa0/system-design/14-blob-arena/internal/handler"
	"github.com/koopa0/system-design/14-blob-arena/internal/leaderboard"
	"github.com/koopa0/system-design/14-blob-arena/internal/limiter"
	"github.com/koopa0/system-design/14-blob-arena/internal/registry"
	"github.com/koopa0/system-design/14-blob-arena/internal/transport"
	apperrors "github.com/koopa0/system-design/14-blob-arena/pkg/errors"
)

type failingStore struct{ panics bool }

func (s failingStore) Record(context.Context, int, []arena.PlayerView) error { return nil }

func (s failingStore) Top(context.Context, int, int) ([]leaderboard.Entry, error) {
	if s.panics {
		panic("store exploded")
	}
	return nil, apperrors.Wrap(errors.New("dial tcp: refused"), apperrors.ErrCodeUnavailable, apperrors.ErrLeaderboardUnavailable.Message)
}

type testServer struct {
	reg   *registry.Registry
	board leaderboard.Store
	srv   *httptest.Server
}

func newServer(t *testing.T, board leaderboard.Store, opts ...handler.Option) *testServer {
	t.Helper()

	reg, err := registry.New(4, 5, nil)
	require.NoError(t, err)
	if board == nil {
		board = leaderboard.NewMemoryStore()
	}
	hub := transport.NewHub(reg, nil)
	h := handler.New(reg, board, hub, nil, opts...)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
		srv.Close()
	})
	return &testServer{reg: reg, board: board, srv: srv}
}

func (s *testServer) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestListRooms(t *testing.T) {
	s := newServer(t, nil)
	room, _ := s.reg.Room(2)
	_, err := room.Join("s1", "alice", nil)
	require.NoError(t, err)

	var rooms []registry.RoomInfo
	resp := s.get(t, "/rooms", &rooms)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, []registry.RoomInfo{
		{ID: 0, Players: 0},
		{ID: 1, Players: 0},
		{ID: 2, Players: 1},
		{ID: 3, Players: 0},
	}, rooms)
}

func TestListRoomSummaries(t *testing.T) {
	s := newServer(t, nil)

	var body struct {
		Rooms []arena.Summary `json:"rooms"`
		Total int             `json:"total"`
	}
	resp := s.get(t, "/api/v1/rooms", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, body.Total)
	require.Len(t, body.Rooms, 4)
	assert.Equal(t, arena.MaxDots, body.Rooms[0].Dots)
}

func TestGetRoomDetail(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"existing room", "/api/v1/rooms/1", http.StatusOK, ""},
		{"unknown room", "/api/v1/rooms/9", http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"non-numeric id", "/api/v1/rooms/abc", http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			resp := s.get(t, tt.path, &body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["code"])
				return
			}
			assert.Equal(t, float64(1), body["id"])
			assert.Equal(t, float64(5), body["entry_fee"])
			assert.Equal(t, float64(arena.MaxViruses), body["viruses"])
		})
	}
}

func TestGetLeaderboard(t *testing.T) {
	s := newServer(t, nil, handler.WithLeaderboardSize(2))
	require.NoError(t, s.board.Record(context.Background(), 0, []arena.PlayerView{
		{ID: "a", Username: "alice", Radius: 40},
		{ID: "b", Username: "bob", Radius: 20},
		{ID: "c", Username: "carol", Radius: 30},
	}))

	t.Run("default size", func(t *testing.T) {
		var body struct {
			RoomID  int                 `json:"room_id"`
			Entries []leaderboard.Entry `json:"entries"`
		}
		resp := s.get(t, "/api/v1/rooms/0/leaderboard", &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, body.Entries, 2)
		assert.Equal(t, "alice", body.Entries[0].Username)
		assert.Equal(t, "carol", body.Entries[1].Username)
	})

	t.Run("explicit limit", func(t *testing.T) {
		var body struct {
			Entries []leaderboard.Entry `json:"entries"`
		}
		s.get(t, "/api/v1/rooms/0/leaderboard?limit=3", &body)
		assert.Len(t, body.Entries, 3)
	})

	t.Run("unknown room", func(t *testing.T) {
		resp := s.get(t, "/api/v1/rooms/42/leaderboard", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGetLeaderboard_StoreUnavailable(t *testing.T) {
	s := newServer(t, failingStore{})

	var body map[string]any
	resp := s.get(t, "/api/v1/rooms/0/leaderboard", &body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, apperrors.ErrCodeUnavailable, body["code"])
}

func TestRecoverer(t *testing.T) {
	s := newServer(t, failingStore{panics: true})

	var body map[string]any
	resp := s.get(t, "/api/v1/rooms/0/leaderboard", &body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, apperrors.ErrCodeInternal, body["code"])

	// 伺服器仍然正常
	resp = s.get(t, "/rooms", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		s := newServer(t, nil)
		var body map[string]any
		resp := s.get(t, "/health", &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("degraded dependency", func(t *testing.T) {
		s := newServer(t, nil,
			handler.WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
			handler.WithHealthCheck("nats", func(context.Context) error { return nil }),
		)
		var body struct {
			Status       string            `json:"status"`
			Dependencies map[string]string `json:"dependencies"`
		}
		resp := s.get(t, "/health", &body)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "connection refused", body.Dependencies["redis"])
		assert.Equal(t, "ok", body.Dependencies["nats"])
	})
}

func TestStats(t *testing.T) {
	s := newServer(t, nil)

	var body struct {
		Arena       registry.Stats `json:"arena"`
		Connections int            `json:"connections"`
	}
	resp := s.get(t, "/stats", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, body.Arena.Rooms)
	assert.Zero(t, body.Connections)
}

func TestCORS(t *testing.T) {
	s := newServer(t, nil)

	resp := s.get(t, "/rooms", nil)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodOptions, s.srv.URL+"/rooms", nil)
	require.NoError(t, err)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer preflight.Body.Close()
	assert.Equal(t, http.StatusNoContent, preflight.StatusCode)
	assert.Equal(t, "*", preflight.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocket_RateLimited(t *testing.T) {
	keyed := limiter.NewKeyed(1, 1)
	s := newServer(t, nil, handler.WithRateLimit(limiter.Middleware(limiter.Config{Limiter: keyed.Allow})))
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?username=alice"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
