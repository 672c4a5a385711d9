package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/fanout"
	"github.com/rx3lixir/codearena/internal/game"
	"github.com/rx3lixir/codearena/internal/presence"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/internal/roomstore"
	"github.com/rx3lixir/codearena/internal/waitingroom"
	ws "github.com/rx3lixir/codearena/internal/websocket"
	"github.com/rx3lixir/codearena/pkg/jwt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type puzzles struct{}

func (puzzles) RandomApprovedPuzzle(context.Context) (string, error) { return "puzzle-1", nil }

type nopPersister struct{}

func (nopPersister) SaveResults(context.Context, game.Outcome) error { return nil }

type server struct {
	url      string
	tokens   *jwt.Service
	registry *registry.Registry
}

func newServer(t *testing.T, policy registry.Policy) *server {
	t.Helper()
	log := testLogger()

	bus := presence.NewLocalBus(log)
	t.Cleanup(func() { _ = bus.Close() })

	store := roomstore.NewMemoryStore()
	reg := registry.New(policy, log)
	notifier := fanout.New(bus, reg, "test", log)
	require.NoError(t, notifier.Start(context.Background()))

	games := game.NewManager(store, notifier, nopPersister{}, game.Config{Grace: time.Second, MinPlayers: 2}, log)
	t.Cleanup(games.Shutdown)

	lobby := waitingroom.NewManager(store, notifier, games, puzzles{}, waitingroom.Config{
		DefaultMaxPlayers: 4,
		MinPlayers:        2,
		CountdownSeconds:  1,
		TickInterval:      5 * time.Millisecond,
		GameDuration:      time.Minute,
	}, log)
	t.Cleanup(lobby.Shutdown)

	tokens := jwt.NewService("test-secret", time.Minute)
	handler := ws.NewHandler(auth.NewResolver(tokens), reg, lobby, games, nil, log)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		reg.CloseAll(registry.ReasonShutdown)
		srv.Close()
	})

	return &server{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		tokens:   tokens,
		registry: reg,
	}
}

func (s *server) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()

	token, err := s.tokens.GenerateAccessToken(uuid.New(), username)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type frame struct {
	Event   string          `json:"event"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	payload := map[string]any{"event": event}
	if data != nil {
		payload["data"] = data
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

// next reads frames until one named event arrives
func next(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		_, raw, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %s", event)

		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Event == event {
			return f
		}
	}
}

// closeError reads until the server closes the connection
func closeError(t *testing.T, conn *websocket.Conn) websocket.CloseError {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected a close frame, got %v", err)
		return ce
	}
}

func TestRejectsUnauthenticated(t *testing.T) {
	s := newServer(t, registry.PolicyReplace)

	t.Run("no token", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		require.NoError(t, err)
		defer conn.CloseNow()

		ce := closeError(t, conn)
		assert.Equal(t, websocket.StatusPolicyViolation, ce.Code)
		assert.Equal(t, ws.ReasonUnauthorized, ce.Reason)
	})

	t.Run("token without user", func(t *testing.T) {
		conn := s.dial(t, "")

		ce := closeError(t, conn)
		assert.Equal(t, websocket.StatusPolicyViolation, ce.Code)
		assert.Equal(t, ws.ReasonUserNotFound, ce.Reason)
	})
}

func TestHostAndJoinOverWebsocket(t *testing.T) {
	s := newServer(t, registry.PolicyReplace)

	alice := s.dial(t, "alice")
	next(t, alice, protocol.EventOverviewOfRooms)
	bob := s.dial(t, "bob")
	next(t, bob, protocol.EventOverviewOfRooms)

	send(t, alice, protocol.EventHostRoom, map[string]any{"maxPlayers": 2})

	var room protocol.OverviewRoom
	require.NoError(t, json.Unmarshal(next(t, alice, protocol.EventOverviewRoom).Data, &room))
	assert.Equal(t, "alice", room.Host)
	assert.Equal(t, 2, room.Config.MaxPlayers)

	var lobby protocol.OverviewOfRooms
	require.NoError(t, json.Unmarshal(next(t, bob, protocol.EventOverviewOfRooms).Data, &lobby))
	require.Len(t, lobby.Rooms, 1)
	assert.Equal(t, room.RoomID, lobby.Rooms[0].ID)

	send(t, bob, protocol.EventJoinRoom, map[string]any{"roomId": room.RoomID})

	for _, conn := range []*websocket.Conn{alice, bob} {
		var ov protocol.OverviewRoom
		for len(ov.Members) != 2 {
			require.NoError(t, json.Unmarshal(next(t, conn, protocol.EventOverviewRoom).Data, &ov))
		}
		assert.Equal(t, "alice", ov.Host)
	}

	// a full room answers with an error event and keeps the connection open
	carol := s.dial(t, "carol")
	next(t, carol, protocol.EventOverviewOfRooms)
	send(t, carol, protocol.EventJoinRoom, map[string]any{"roomId": room.RoomID})
	assert.Equal(t, roomstore.ErrRoomFull.Message, next(t, carol, protocol.EventError).Message)

	send(t, bob, protocol.EventSendMessage, map[string]any{"text": "hi"})
	var chat protocol.ChatMessage
	require.NoError(t, json.Unmarshal(next(t, alice, protocol.EventChatMessage).Data, &chat))
	assert.Equal(t, "bob", chat.Username)
}

func TestInvalidEventsGetErrorFrames(t *testing.T) {
	s := newServer(t, registry.PolicyReplace)
	conn := s.dial(t, "alice")
	next(t, conn, protocol.EventOverviewOfRooms)

	send(t, conn, "dance", nil)
	assert.Contains(t, next(t, conn, protocol.EventError).Message, "Unknown event")

	send(t, conn, protocol.EventJoinRoom, map[string]any{"roomId": "x", "extra": true})
	assert.Equal(t, "Invalid event payload", next(t, conn, protocol.EventError).Message)

	send(t, conn, protocol.EventLeaveRoom, nil)
	assert.Equal(t, waitingroom.ErrNotInRoom.Message, next(t, conn, protocol.EventError).Message)

	// still usable afterwards
	send(t, conn, protocol.EventHostRoom, nil)
	next(t, conn, protocol.EventOverviewRoom)
}

func TestDuplicateConnectionRejected(t *testing.T) {
	s := newServer(t, registry.PolicyReject)

	first := s.dial(t, "alice")
	next(t, first, protocol.EventOverviewOfRooms)

	second := s.dial(t, "alice")
	ce := closeError(t, second)
	assert.Equal(t, websocket.StatusPolicyViolation, ce.Code)
	assert.Equal(t, ws.ReasonAlreadyConnected, ce.Reason)

	// the original connection is untouched
	send(t, first, protocol.EventHostRoom, nil)
	next(t, first, protocol.EventOverviewRoom)
}

func TestDuplicateConnectionReplaces(t *testing.T) {
	s := newServer(t, registry.PolicyReplace)

	first := s.dial(t, "alice")
	next(t, first, protocol.EventOverviewOfRooms)
	send(t, first, protocol.EventHostRoom, nil)
	next(t, first, protocol.EventOverviewRoom)

	second := s.dial(t, "alice")

	ce := closeError(t, first)
	assert.Equal(t, websocket.StatusNormalClosure, ce.Code)
	assert.Equal(t, registry.ReasonReplaced, ce.Reason)

	// the new connection resumes the room and the old one's cleanup did
	// not take alice out of it
	next(t, second, protocol.EventOverviewRoom)
	send(t, second, protocol.EventSendMessage, map[string]any{"text": "still here"})
	next(t, second, protocol.EventChatMessage)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	s := newServer(t, registry.PolicyReplace)

	alice := s.dial(t, "alice")
	next(t, alice, protocol.EventOverviewOfRooms)
	send(t, alice, protocol.EventHostRoom, nil)

	var room protocol.OverviewRoom
	require.NoError(t, json.Unmarshal(next(t, alice, protocol.EventOverviewRoom).Data, &room))

	bob := s.dial(t, "bob")
	next(t, bob, protocol.EventOverviewOfRooms)
	send(t, bob, protocol.EventJoinRoom, map[string]any{"roomId": room.RoomID})
	next(t, bob, protocol.EventOverviewRoom)

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "bye"))

	var ov protocol.OverviewRoom
	for len(ov.Members) != 1 {
		require.NoError(t, json.Unmarshal(next(t, alice, protocol.EventOverviewRoom).Data, &ov))
	}
	assert.Equal(t, "alice", ov.Members[0].Username)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	s := newServer(t, registry.PolicyReplace)
	conn := s.dial(t, "alice")
	next(t, conn, protocol.EventOverviewOfRooms)

	s.registry.CloseAll(registry.ReasonShutdown)

	ce := closeError(t, conn)
	assert.Equal(t, websocket.StatusGoingAway, ce.Code)
}
