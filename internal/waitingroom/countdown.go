package waitingroom

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/game"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/internal/roomstore"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

const (
	storeTimeout = 5 * time.Second

	playersLeftMessage = "Not enough players left to start the game"
	startFailedMessage = "Could not start the game, try again"
)

// countdown ticks the room down to its game. Membership is re-read every
// tick; a room that drops below the minimum goes back to OPEN.
func (m *Manager) countdown(ctx context.Context, roomID, puzzleID string) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for remaining := m.cfg.CountdownSeconds; remaining > 0; remaining-- {
		room, ok := m.startingRoom(ctx, roomID)
		if !ok {
			return
		}

		m.notifier.ToMembers(ctx, roomID, room.Usernames(), protocol.Countdown{
			RoomID:           roomID,
			SecondsRemaining: remaining,
		}, nil)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.reopen(context.Background(), room, roomstore.StateStarting, "")
			return
		}
	}

	room, ok := m.startingRoom(ctx, roomID)
	if !ok {
		return
	}
	m.launch(ctx, room, puzzleID)
}

// startingRoom re-reads the room and aborts the countdown when it can't go on
func (m *Manager) startingRoom(ctx context.Context, roomID string) (roomstore.Room, bool) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	room, err := m.store.GetRoom(sctx, roomID)
	if err != nil {
		if !apperr.IsNotFound(err) {
			m.log.Error("countdown lost its room", "room_id", roomID, "error", err)
		}
		return roomstore.Room{}, false
	}
	if room.State != roomstore.StateStarting {
		return roomstore.Room{}, false
	}

	if len(room.Members) < m.cfg.MinPlayers {
		m.log.Info("countdown aborted", "room_id", roomID, "members", len(room.Members))
		m.reopen(ctx, room, roomstore.StateStarting, playersLeftMessage)
		return roomstore.Room{}, false
	}
	return room, true
}

// launch turns the STARTING room into a game. The game's players are the
// members the store froze at the transition, not the last countdown read:
// anyone who left in between is not in the game.
func (m *Manager) launch(ctx context.Context, room roomstore.Room, puzzleID string) {
	sessionID := uuid.NewString()

	roomID := room.ID

	room, err := m.store.StartGame(ctx, roomID, sessionID, m.now().Add(room.Config.Duration))
	if err != nil {
		if !apperr.IsNotFound(err) {
			m.log.Error("failed to move room in progress", "room_id", roomID, "error", err)
		}
		return
	}

	usernames := room.Usernames()
	if len(usernames) < m.cfg.MinPlayers {
		m.log.Info("countdown aborted", "room_id", room.ID, "members", len(usernames))
		m.reopen(ctx, room, roomstore.StateInProgress, playersLeftMessage)
		return
	}

	members := make([]auth.Identity, 0, len(usernames))
	for _, username := range usernames {
		members = append(members, auth.Identity{UserID: room.Members[username].UserID, Username: username})
	}

	info, err := m.games.Start(ctx, game.Snapshot{
		SessionID: sessionID,
		RoomID:    room.ID,
		PuzzleID:  puzzleID,
		Members:   members,
		Duration:  room.Config.Duration,
	})
	if err != nil {
		m.log.Error("failed to start game", "room_id", room.ID, "session_id", sessionID, "error", err)
		m.reopen(ctx, room, roomstore.StateInProgress, startFailedMessage)
		return
	}

	m.notifier.ToMembers(ctx, room.ID, usernames, protocol.GameStarted{
		SessionID: sessionID,
		RoomID:    room.ID,
		PuzzleID:  puzzleID,
		GameURL:   fmt.Sprintf(m.cfg.GameURL, sessionID),
		EndsAt:    info.EndsAt,
	}, &registry.Location{RoomID: room.ID, SessionID: sessionID})

	m.broadcastLobby(ctx)
}

// reopen puts the room back to OPEN from the given state. An empty message
// skips the error event.
func (m *Manager) reopen(ctx context.Context, room roomstore.Room, from roomstore.State, message string) {
	if err := m.store.Transition(ctx, room.ID, from, roomstore.StateOpen, ""); err != nil {
		m.log.Warn("failed to reopen room", "room_id", room.ID, "error", err)
		return
	}
	room.State = roomstore.StateOpen
	room.SessionID = ""
	room.EndsAt = time.Time{}

	if message != "" {
		m.notifier.ToMembers(ctx, room.ID, room.Usernames(), protocol.Error{Message: message}, nil)
	}
	m.broadcastRoom(ctx, room)
	m.broadcastLobby(ctx)
}
