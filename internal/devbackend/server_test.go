package devbackend

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anhtranbk/sockrpc"
)

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(DefaultConfig(), zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func dialServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	// A first round trip guarantees the server has registered the peer.
	env := roundTrip(t, conn, `{"id":"hello","event":"create_room","payload":{"room_id":"lobby"}}`)
	require.Equal(t, "hello", env.ID)
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) sockrpc.Envelope {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	return readEnvelope(t, conn)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) sockrpc.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env sockrpc.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestServerReplies(t *testing.T) {
	_, srv := startServer(t)
	conn := dialServer(t, srv)

	env := roundTrip(t, conn, `{"id":"1","event":"create_player","payload":{"player_id":"p1","room_id":"r1"}}`)
	assert.Equal(t, "1", env.ID)
	assert.Equal(t, sockrpc.EventCreatePlayer, env.Event)
	assert.JSONEq(t, `{"player_id":"p1","room_id":"r1","message":"Player created"}`, string(env.Payload))

	env = roundTrip(t, conn, `{"id":"2","event":"get_player","payload":{"player_id":"p1","room_id":"r1"}}`)
	assert.JSONEq(t, `{"player_id":"p1","room_id":"r1","status":"active"}`, string(env.Payload))

	env = roundTrip(t, conn, `{"id":"3","event":"get_player","payload":{"player_id":"ghost","room_id":"r1"}}`)
	assert.Equal(t, "3", env.ID)
	assert.Equal(t, "player not found", env.Error)
	assert.Empty(t, env.Payload)

	env = roundTrip(t, conn, `{"id":"4","event":"heartbeat","payload":{"player_id":""}}`)
	assert.Equal(t, "invalid data", env.Error)

	env = roundTrip(t, conn, `{"id":"5","event":"dance"}`)
	assert.Equal(t, `unknown event "dance"`, env.Error)
}

func TestServerSkipsMalformedAndNotifications(t *testing.T) {
	s, srv := startServer(t)
	conn := dialServer(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat","payload":{"player_id":"p1","room_id":"r1"}}`)))

	// The next reply on the wire belongs to the request after them.
	env := roundTrip(t, conn, `{"id":"7","event":"list_players","payload":{"room_id":"r1"}}`)
	assert.Equal(t, "7", env.ID)
	assert.JSONEq(t, `[{"player_id":"p1","room_id":"r1","status":"active"}]`, string(env.Payload))

	_, err := s.Store().Get("r1", "p1")
	assert.NoError(t, err)
}

func TestServerDeleteBroadcasts(t *testing.T) {
	_, srv := startServer(t)
	actor := dialServer(t, srv)
	watcher := dialServer(t, srv)

	roundTrip(t, actor, `{"id":"1","event":"create_player","payload":{"player_id":"p1","room_id":"r1"}}`)
	require.NoError(t, actor.WriteMessage(websocket.TextMessage, []byte(`{"id":"2","event":"delete_player","payload":{"player_id":"p1","room_id":"r1"}}`)))

	env := readEnvelope(t, watcher)
	assert.Empty(t, env.ID)
	assert.Equal(t, sockrpc.EventPlayerLeft, env.Event)
	assert.JSONEq(t, `{"player_id":"p1","room_id":"r1"}`, string(env.Payload))

	// The actor sees the broadcast before its own reply.
	assert.Equal(t, sockrpc.EventPlayerLeft, readEnvelope(t, actor).Event)
	reply := readEnvelope(t, actor)
	assert.Equal(t, "2", reply.ID)
	assert.JSONEq(t, `{"player_id":"p1","room_id":"r1","message":"Player deleted"}`, string(reply.Payload))
}

func TestServerExpireLeases(t *testing.T) {
	s, srv := startServer(t)
	watcher := dialServer(t, srv)

	require.NoError(t, s.Store().Heartbeat("r1", "p1", time.Now().Add(-time.Hour)))
	require.NoError(t, s.Store().Heartbeat("r1", "p2", time.Now()))
	s.ExpireLeases()

	env := readEnvelope(t, watcher)
	assert.Equal(t, sockrpc.EventPlayerLeft, env.Event)
	assert.JSONEq(t, `{"player_id":"p1","room_id":"r1"}`, string(env.Payload))
	_, err := s.Store().Get("r1", "p1")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
	_, err = s.Store().Get("r1", "p2")
	assert.NoError(t, err)
}

func TestServerHealthz(t *testing.T) {
	_, srv := startServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
