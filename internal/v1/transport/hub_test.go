package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardtop/tokenboard/internal/v1/api"
	"github.com/boardtop/tokenboard/internal/v1/ratelimit"
	"github.com/boardtop/tokenboard/internal/v1/roomstore"
	"github.com/boardtop/tokenboard/internal/v1/server"
)

const testRoomID = "1b671a64-40d5-491e-99b0-da01ff1f3341"

func newTestHub(t *testing.T, allowedOrigins string) (*Hub, string) {
	gin.SetMode(gin.TestMode)

	store := roomstore.NewMemoryRoomStore(roomstore.NewMemoryStorage())
	limiter := ratelimit.NewMemoryLimiter(ratelimit.DefaultLimits())
	game := server.NewGameStateServer(store, limiter)
	t.Cleanup(game.Shutdown)

	hub := NewHub(game, limiter, allowedOrigins, time.Minute)
	t.Cleanup(hub.Shutdown)

	router := gin.New()
	router.GET("/:roomId", hub.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, baseURL, roomID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/"+roomID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestServeWsConnectAndUpdate(t *testing.T) {
	_, baseURL := newTestHub(t, "")
	conn := dial(t, baseURL, testRoomID)

	connected := readFrame(t, conn)
	assert.Equal(t, "connected", connected["type"])
	assert.Empty(t, connected["data"])

	frame := `{"request_id": "req-1", "updates": [{"action": "create", "data": {
		"id": "t1", "type": "character",
		"contents": {"type": "icon", "icon_id": "knight"},
		"start_x": 0, "start_y": 0, "start_z": 0,
		"end_x": 1, "end_y": 1, "end_z": 1}}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	state := readFrame(t, conn)
	assert.Equal(t, "state", state["type"])
	assert.Equal(t, "req-1", state["request_id"])
	entities, ok := state["data"].([]any)
	require.True(t, ok)
	require.Len(t, entities, 1)
}

func TestServeWsRejectsNonUUIDRoom(t *testing.T) {
	_, baseURL := newTestHub(t, "")
	conn := dial(t, baseURL, "not-a-uuid")
	expectClose(t, conn, api.CloseInvalidUUID)
}

func TestServeWsClosesOnBadFrame(t *testing.T) {
	_, baseURL := newTestHub(t, "")
	conn := dial(t, baseURL, testRoomID)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	expectClose(t, conn, api.CloseInvalidRequest)
}

func TestServeWsCleanDisconnect(t *testing.T) {
	_, baseURL := newTestHub(t, "")
	conn := dial(t, baseURL, testRoomID)
	readFrame(t, conn)

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second)))
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestServeWsEnforcesAllowedOrigins(t *testing.T) {
	_, baseURL := newTestHub(t, "https://board.example.com")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(baseURL+"/"+testRoomID, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	if resp != nil {
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	header = http.Header{"Origin": []string{"https://board.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/"+testRoomID, header)
	require.NoError(t, err)
	defer conn.Close()
}

func TestConnectedIPsTracksConnections(t *testing.T) {
	hub, baseURL := newTestHub(t, "")
	assert.Equal(t, 0, hub.ConnectedIPs().Len())

	conn := dial(t, baseURL, testRoomID)
	readFrame(t, conn)
	assert.Equal(t, []string{"127.0.0.1"}, hub.ConnectedIPs().SortedList())
}

func TestCloseCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"clean disconnect", nil, websocket.CloseNormalClosure},
		{"connection error", &api.ConnectionError{Code: api.CloseInvalidRoom, Reason: "gone"}, api.CloseInvalidRoom},
		{"invalid request", fmt.Errorf("parse: %w", api.ErrInvalidRequest), api.CloseInvalidRequest},
		{"too many connections", ratelimit.ErrTooManyConnections, api.CloseTooManyConnections},
		{"room full", ratelimit.ErrRoomFull, api.CloseRoomFull},
		{"rooms per day", ratelimit.ErrTooManyRoomsCreated, api.CloseTooManyRoomsCreated},
		{"unexpected", errors.New("disk on fire"), websocket.CloseInternalServerErr},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := closeCodeFor(tc.err)
			assert.Equal(t, tc.code, code)
		})
	}

	_, reason := closeCodeFor(errors.New("disk on fire"))
	assert.Equal(t, "Something went wrong", reason)
}

func TestIsUUIDv4(t *testing.T) {
	assert.True(t, isUUIDv4(testRoomID))

	for name, id := range map[string]string{
		"empty":        "",
		"not a uuid":   "not-a-uuid",
		"uuid v1":      "646e1e52-81f0-11ee-b962-0242ac120002",
		"no hyphens":   "1b671a6440d5491e99b0da01ff1f3341",
		"with padding": " " + testRoomID,
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, isUUIDv4(id))
		})
	}
}
