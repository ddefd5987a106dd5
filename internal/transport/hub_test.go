package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-blob-arena/internal/arena"
	"github.com/koopa0/system-design/14-blob-arena/internal/codec"
	"github.com/koopa0/system-design/14-blob-arena/internal/events"
	"github.com/koopa0/system-design/14-blob-arena/internal/registry"
	"github.com/koopa0/system-design/14-blob-arena/internal/transport"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []events.Type
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type testEnv struct {
	reg    *registry.Registry
	hub    *transport.Hub
	pub    *recordingPublisher
	server *httptest.Server
}

func setup(t *testing.T, opts ...transport.Option) *testEnv {
	t.Helper()

	reg, err := registry.New(2, 5, nil, arena.WithoutPopulation())
	require.NoError(t, err)

	pub := &recordingPublisher{}
	hub := transport.NewHub(reg, nil, append([]transport.Option{transport.WithEvents(pub)}, opts...)...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
		server.Close()
	})

	return &testEnv{reg: reg, hub: hub, pub: pub, server: server}
}

func (e *testEnv) room(t *testing.T, id int) *arena.Room {
	t.Helper()
	room, err := e.reg.Room(id)
	require.NoError(t, err)
	return room
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readDoc(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

// join 連入並等到玩家真正進入房間，返回 session id
func (e *testEnv) join(t *testing.T, username string, roomID int) (*websocket.Conn, string) {
	t.Helper()
	before := e.room(t, roomID).PlayerCount()
	conn := e.dial(t, "username="+username+"&index="+strconv.Itoa(roomID))

	welcome := readDoc(t, conn)
	require.Equal(t, "welcome", welcome["type"])
	sessionID, _ := welcome["session_id"].(string)
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		return e.room(t, roomID).PlayerCount() == before+1
	}, time.Second, 5*time.Millisecond)
	return conn, sessionID
}

func player(room *arena.Room, sessionID string) (arena.Player, bool) {
	room.Mu.RLock()
	defer room.Mu.RUnlock()
	for _, p := range room.Players {
		if p.SessionID == sessionID {
			return *p, true
		}
	}
	return arena.Player{}, false
}

func TestServeWS_Welcome(t *testing.T) {
	env := setup(t)
	conn := env.dial(t, "username=alice&index=1")

	welcome := readDoc(t, conn)
	assert.Equal(t, "welcome", welcome["type"])
	assert.Equal(t, float64(1), welcome["room_id"])
	assert.Equal(t, arena.Width, welcome["width"])
	assert.Equal(t, arena.Height, welcome["height"])
	assert.NotEmpty(t, welcome["session_id"])

	require.Eventually(t, func() bool { return env.room(t, 1).PlayerCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.hub.ConnectionCount())
	require.Eventually(t, func() bool {
		return len(env.pub.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Type{events.PlayerJoined}, env.pub.types())
}

func TestServeWS_DefaultsToRoomZero(t *testing.T) {
	env := setup(t)
	conn := env.dial(t, "username=alice")

	welcome := readDoc(t, conn)
	assert.Equal(t, float64(0), welcome["room_id"])
}

func TestServeWS_Rejects(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   string
	}{
		{"missing username", "index=0", http.StatusBadRequest, "INVALID_INPUT"},
		{"blank username", "username=%20%20", http.StatusBadRequest, "INVALID_INPUT"},
		{"non-numeric index", "username=alice&index=abc", http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown room", "username=alice&index=7", http.StatusNotFound, "NOT_FOUND"},
		{"negative room", "username=alice&index=-1", http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(env.server.URL + "/ws?" + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestServeWS_SnapshotEachTick(t *testing.T) {
	env := setup(t)
	conn, sessionID := env.join(t, "alice", 0)
	room := env.room(t, 0)

	room.Advance()

	snap := readDoc(t, conn)
	assert.Equal(t, "snapshot", snap["type"])
	assert.Equal(t, float64(0), snap["id"])
	assert.Equal(t, float64(5), snap["entry_fee"])

	players := snap["players"].([]any)
	require.Len(t, players, 1)
	p := players[0].(map[string]any)
	assert.Equal(t, sessionID, p["id"])
	assert.Equal(t, "alice", p["username"])
	assert.NotContains(t, p, "vx")
}

func TestServeWS_Input(t *testing.T) {
	env := setup(t)
	conn, sessionID := env.join(t, "alice", 0)
	room := env.room(t, 0)

	velocity := func(vx, vy float64) func() bool {
		return func() bool {
			p, ok := player(room, sessionID)
			return ok && p.VX == vx && p.VY == vy
		}
	}

	t.Run("json text frame clamped", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"vx":10,"vy":-3}`)))
		require.Eventually(t, velocity(arena.MaxSpeed, -3), time.Second, 5*time.Millisecond)
	})

	t.Run("msgpack binary frame", func(t *testing.T) {
		data, err := codec.MsgPack{}.Marshal(transport.Input{VX: -1, VY: 2})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
		require.Eventually(t, velocity(-1, 2), time.Second, 5*time.Millisecond)
	})

	t.Run("malformed input dropped, connection stays open", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"vx":0.5,"vy":0.5}`)))
		require.Eventually(t, velocity(0.5, 0.5), time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, room.PlayerCount())
	})
}

func TestServeWS_DisconnectLeavesRoom(t *testing.T) {
	env := setup(t)
	conn, _ := env.join(t, "alice", 0)
	room := env.room(t, 0)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return room.PlayerCount() == 0 && env.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(env.pub.types()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Type{events.PlayerJoined, events.PlayerLeft}, env.pub.types())
}

func TestServeWS_SameUsernameTwice(t *testing.T) {
	env := setup(t)
	_, first := env.join(t, "alice", 0)
	_, second := env.join(t, "alice", 0)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, env.room(t, 0).PlayerCount())
}

func TestHub_EliminatedPlayerClosed(t *testing.T) {
	env := setup(t)
	bigConn, big := env.join(t, "big", 0)
	smallConn, small := env.join(t, "small", 0)
	room := env.room(t, 0)

	room.Mu.Lock()
	for _, p := range room.Players {
		switch p.SessionID {
		case big:
			p.X, p.Y, p.Radius = 500, 500, 30
		case small:
			p.X, p.Y, p.Radius = 505, 500, 10
		}
	}
	room.Mu.Unlock()

	report := room.Advance()
	require.Len(t, report.Absorptions, 1)
	env.hub.OnTick(report)

	// 被吞噬者只會收到關閉幀
	require.NoError(t, smallConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := smallConn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "eliminated", closeErr.Text)

	// 吞噬者繼續收到快照
	snap := readDoc(t, bigConn)
	assert.Equal(t, "snapshot", snap["type"])
	assert.Len(t, snap["players"], 1)

	require.Eventually(t, func() bool { return env.hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// 玩家一出現在房間就立刻推進一個 tick：新玩家必定落在覆蓋全場的大玩家體內，
// 連接最遲在此時必須已經註冊，才收得到 eliminated 關閉幀
func TestHub_EliminatedOnFirstTickAfterJoin(t *testing.T) {
	env := setup(t)
	room := env.room(t, 0)

	room.Mu.Lock()
	room.Players = append(room.Players, &arena.Player{
		SessionID: "whale",
		Username:  "whale",
		X:         arena.Width / 2,
		Y:         arena.Height / 2,
		Radius:    arena.Width,
	})
	room.Mu.Unlock()

	stop := make(chan struct{})
	reports := make(chan arena.TickReport, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if room.PlayerCount() == 2 {
				report := room.Advance()
				env.hub.OnTick(report)
				reports <- report
				return
			}
			runtime.Gosched()
		}
	}()
	t.Cleanup(func() { close(stop) })

	conn := env.dial(t, "username=minnow&index=0")
	welcome := readDoc(t, conn)
	require.Equal(t, "welcome", welcome["type"])

	var report arena.TickReport
	select {
	case report = <-reports:
	case <-time.After(2 * time.Second):
		t.Fatal("player never entered the room")
	}
	require.Len(t, report.Absorptions, 1)
	assert.Equal(t, welcome["session_id"], report.Absorptions[0].Victim.SessionID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "eliminated", closeErr.Text)

	require.Eventually(t, func() bool { return env.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_MsgPackCodec(t *testing.T) {
	env := setup(t, transport.WithCodec(codec.MsgPack{}))
	conn := env.dial(t, "username=alice&index=0")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)

	var welcome transport.Welcome
	require.NoError(t, codec.MsgPack{}.Unmarshal(data, &welcome))
	assert.Equal(t, "welcome", welcome.Type)
	assert.Equal(t, 0, welcome.RoomID)
}

func TestHub_Stop(t *testing.T) {
	env := setup(t)
	conn, _ := env.join(t, "alice", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	assert.Zero(t, env.room(t, 0).PlayerCount())

	// 停止後拒絕新連接
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?username=bob"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
