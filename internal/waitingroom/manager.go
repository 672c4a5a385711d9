// Package waitingroom runs the lobby: hosting, joining and leaving rooms,
// chat, and the countdown that hands a full room over to a game.
package waitingroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/game"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/internal/roomstore"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

var (
	ErrNotInRoom        = apperr.New(apperr.CodeValidation, "You are not in a room")
	ErrNotHost          = apperr.New(apperr.CodeValidation, "Only the host can start the game")
	ErrNotEnoughPlayers = apperr.New(apperr.CodeValidation, "Not enough players to start the game")
	ErrGameInProgress   = apperr.New(apperr.CodeConflict, "The game is already in progress")
	ErrNoPuzzles        = apperr.New(apperr.CodeNotFound, "No approved puzzles available")
)

// Notifier reaches connections across every process
type Notifier interface {
	ToMembers(ctx context.Context, roomID string, usernames []string, ev protocol.ServerEvent, move *registry.Location)
	ToLobby(ctx context.Context, ev protocol.ServerEvent)
	ToUser(username string, ev protocol.ServerEvent)
	Move(loc registry.Location, usernames ...string)
}

// Games is the game session manager as seen from the lobby
type Games interface {
	Start(ctx context.Context, snap game.Snapshot) (game.Info, error)
	PlayerDisconnected(ctx context.Context, sessionID, username string) error
	PlayerReconnected(ctx context.Context, sessionID, username string) error
	// ReclaimOrphan ends a game whose owner is gone, reporting whether it did
	ReclaimOrphan(ctx context.Context, room roomstore.Room) (bool, error)
}

// PuzzleSource picks the puzzle for a new game. It returns ErrNoPuzzles
// when none is approved.
type PuzzleSource interface {
	RandomApprovedPuzzle(ctx context.Context) (string, error)
}

type Config struct {
	DefaultMaxPlayers int
	// MaxPlayers caps the room size a host may ask for
	MaxPlayers       int
	MinPlayers       int
	CountdownSeconds int
	// TickInterval is the countdown step, one second in production
	TickInterval    time.Duration
	GameDuration    time.Duration
	MaxGameDuration time.Duration
	// GameURL is a format string taking the session id
	GameURL string
}

type Manager struct {
	store    roomstore.Store
	notifier Notifier
	games    Games
	puzzles  PuzzleSource
	cfg      Config
	log      *slog.Logger

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store roomstore.Store, notifier Notifier, games Games, puzzles PuzzleSource, cfg Config, log *slog.Logger) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.GameURL == "" {
		cfg.GameURL = "/multiplayer/%s"
	}
	if cfg.MaxPlayers <= 0 || cfg.MaxPlayers > protocol.MaxRoomPlayers {
		cfg.MaxPlayers = protocol.MaxRoomPlayers
	}
	if ceiling := protocol.MaxGameSeconds * time.Second; cfg.MaxGameDuration <= 0 || cfg.MaxGameDuration > ceiling {
		cfg.MaxGameDuration = ceiling
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		notifier: notifier,
		games:    games,
		puzzles:  puzzles,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect greets a new connection with the lobby overview, or puts it back
// into the room or game the store still has it in
func (m *Manager) Connect(ctx context.Context, id auth.Identity) error {
	roomID, err := m.store.RoomOf(ctx, id.Username)
	if err != nil {
		return err
	}

	if roomID != "" {
		room, err := m.store.GetRoom(ctx, roomID)
		switch {
		case apperr.IsNotFound(err):
			// stale index entry, treat as lobby
		case err != nil:
			return err
		case room.State == roomstore.StateInProgress && room.SessionID != "" && m.reclaimed(ctx, room):
			// the game's owner is gone, the player is back in the lobby
		case room.State == roomstore.StateInProgress && room.SessionID != "":
			m.notifier.Move(registry.Location{RoomID: room.ID, SessionID: room.SessionID}, id.Username)
			if err := m.games.PlayerReconnected(ctx, room.SessionID, id.Username); err != nil {
				m.log.Warn("failed to mark player reconnected", "session_id", room.SessionID, "username", id.Username, "error", err)
			}
			return nil
		default:
			m.notifier.Move(registry.Location{RoomID: room.ID}, id.Username)
			m.notifier.ToUser(id.Username, roomOverview(room))
			return nil
		}
	}

	rooms, err := m.store.OpenRooms(ctx)
	if err != nil {
		return err
	}
	m.notifier.ToUser(id.Username, lobbyOverview(rooms))
	return nil
}

func (m *Manager) Host(ctx context.Context, id auth.Identity, req protocol.HostRoom) error {
	opts, err := m.roomOptions(req)
	if err != nil {
		return err
	}

	room, err := m.store.CreateRoom(ctx, id, opts)
	if errors.Is(err, roomstore.ErrAlreadyInRoom) && m.released(ctx, id.Username) {
		room, err = m.store.CreateRoom(ctx, id, opts)
	}
	if err != nil {
		return err
	}

	m.log.Info("room hosted", "room_id", room.ID, "username", id.Username, "visibility", room.Visibility)

	m.broadcastRoom(ctx, room)
	m.broadcastLobby(ctx)
	return nil
}

func (m *Manager) Join(ctx context.Context, id auth.Identity, roomID string) error {
	room, err := m.store.JoinRoom(ctx, roomID, id)
	if errors.Is(err, roomstore.ErrAlreadyInRoom) && m.released(ctx, id.Username) {
		room, err = m.store.JoinRoom(ctx, roomID, id)
	}
	if err != nil {
		return err
	}
	m.joined(ctx, id, room)
	return nil
}

func (m *Manager) JoinByInviteCode(ctx context.Context, id auth.Identity, code string) error {
	room, err := m.store.JoinByInviteCode(ctx, code, id)
	if errors.Is(err, roomstore.ErrAlreadyInRoom) && m.released(ctx, id.Username) {
		room, err = m.store.JoinByInviteCode(ctx, code, id)
	}
	if err != nil {
		return err
	}
	m.joined(ctx, id, room)
	return nil
}

func (m *Manager) joined(ctx context.Context, id auth.Identity, room roomstore.Room) {
	m.log.Info("room joined", "room_id", room.ID, "username", id.Username, "members", len(room.Members))

	m.broadcastRoom(ctx, room)
	m.broadcastLobby(ctx)
}

// Leave takes the user out of their room. The user lands in the lobby and
// gets the open-rooms overview with everyone else there.
func (m *Manager) Leave(ctx context.Context, id auth.Identity) error {
	room, err := m.currentRoom(ctx, id.Username)
	if err != nil {
		return err
	}
	if room.State == roomstore.StateInProgress {
		return ErrGameInProgress
	}

	m.notifier.Move(registry.Location{}, id.Username)
	return m.leave(ctx, id, room.ID)
}

// Disconnect runs after a connection's read loop has exited
func (m *Manager) Disconnect(ctx context.Context, id auth.Identity) error {
	room, err := m.currentRoom(ctx, id.Username)
	if errors.Is(err, ErrNotInRoom) {
		return nil
	}
	if err != nil {
		return err
	}

	if room.State == roomstore.StateInProgress && room.SessionID != "" {
		return m.games.PlayerDisconnected(ctx, room.SessionID, id.Username)
	}

	err = m.leave(ctx, id, room.ID)
	if errors.Is(err, roomstore.ErrRoomInGame) {
		// the countdown launched the game between our read and the leave
		room, err = m.store.GetRoom(ctx, room.ID)
		if err != nil {
			return err
		}
		return m.games.PlayerDisconnected(ctx, room.SessionID, id.Username)
	}
	return err
}

func (m *Manager) leave(ctx context.Context, id auth.Identity, roomID string) error {
	room, deleted, err := m.store.LeaveRoom(ctx, roomID, id)
	if err != nil {
		return err
	}

	m.log.Info("room left", "room_id", roomID, "username", id.Username, "deleted", deleted)

	if !deleted {
		m.broadcastRoom(ctx, room)
	}
	m.broadcastLobby(ctx)
	return nil
}

// Start begins the countdown of the caller's room. Only the creator may
// start it, and only with enough players and an approved puzzle.
func (m *Manager) Start(ctx context.Context, id auth.Identity) error {
	room, err := m.currentRoom(ctx, id.Username)
	if err != nil {
		return err
	}

	if creator, _ := room.Creator(); creator != id.Username {
		return ErrNotHost
	}
	if room.State != roomstore.StateOpen {
		return roomstore.ErrRoomNotOpen
	}
	if len(room.Members) < m.cfg.MinPlayers {
		return ErrNotEnoughPlayers
	}

	puzzleID, err := m.puzzles.RandomApprovedPuzzle(ctx)
	if errors.Is(err, ErrNoPuzzles) {
		m.notifier.ToUser(id.Username, protocol.NotEnoughPuzzles{})
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.store.Transition(ctx, room.ID, roomstore.StateOpen, roomstore.StateStarting, ""); err != nil {
		return err
	}

	m.log.Info("countdown started", "room_id", room.ID, "puzzle_id", puzzleID, "members", len(room.Members))

	// the room left the open list
	m.broadcastLobby(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.countdown(m.ctx, room.ID, puzzleID)
	}()
	return nil
}

// Chat relays a message to the sender's room
func (m *Manager) Chat(ctx context.Context, id auth.Identity, text string) error {
	room, err := m.currentRoom(ctx, id.Username)
	if err != nil {
		return err
	}

	m.notifier.ToMembers(ctx, room.ID, room.Usernames(), protocol.ChatMessage{
		RoomID:    room.ID,
		Username:  id.Username,
		Text:      text,
		CreatedAt: m.now().UTC(),
	}, nil)
	return nil
}

// Shutdown stops running countdowns and waits for them
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) currentRoom(ctx context.Context, username string) (roomstore.Room, error) {
	roomID, err := m.store.RoomOf(ctx, username)
	if err != nil {
		return roomstore.Room{}, err
	}
	if roomID == "" {
		return roomstore.Room{}, ErrNotInRoom
	}

	room, err := m.store.GetRoom(ctx, roomID)
	if apperr.IsNotFound(err) {
		return roomstore.Room{}, ErrNotInRoom
	}
	if err != nil {
		return roomstore.Room{}, err
	}
	if room.State == roomstore.StateInProgress && m.reclaimed(ctx, room) {
		return roomstore.Room{}, ErrNotInRoom
	}
	return room, nil
}

// reclaimed ends the room's game if its owning process is gone
func (m *Manager) reclaimed(ctx context.Context, room roomstore.Room) bool {
	ok, err := m.games.ReclaimOrphan(ctx, room)
	if err != nil {
		m.log.Warn("failed to reclaim orphaned game", "room_id", room.ID, "session_id", room.SessionID, "error", err)
		return false
	}
	return ok
}

// released reports whether the user is free to enter a room after clearing
// an orphaned game that still held them
func (m *Manager) released(ctx context.Context, username string) bool {
	_, err := m.currentRoom(ctx, username)
	return errors.Is(err, ErrNotInRoom)
}

func (m *Manager) roomOptions(req protocol.HostRoom) (roomstore.Options, error) {
	opts := roomstore.Options{
		Visibility: roomstore.Public,
		Config: roomstore.Config{
			MaxPlayers: m.cfg.DefaultMaxPlayers,
			Duration:   m.cfg.GameDuration,
			Languages:  req.Languages,
		},
	}
	if req.Visibility == string(roomstore.Private) {
		opts.Visibility = roomstore.Private
	}
	if req.MaxPlayers > 0 {
		if req.MaxPlayers < m.cfg.MinPlayers || req.MaxPlayers > m.cfg.MaxPlayers {
			return roomstore.Options{}, apperr.Validation(fmt.Sprintf("maxPlayers must be between %d and %d", m.cfg.MinPlayers, m.cfg.MaxPlayers))
		}
		opts.Config.MaxPlayers = req.MaxPlayers
	}
	if req.DurationSeconds > 0 {
		// compare in seconds so an oversized request can't overflow
		if maxSeconds := int(m.cfg.MaxGameDuration / time.Second); req.DurationSeconds > maxSeconds {
			return roomstore.Options{}, apperr.Validation(fmt.Sprintf("durationSeconds can be at most %d", maxSeconds))
		}
		opts.Config.Duration = time.Duration(req.DurationSeconds) * time.Second
	}
	return opts, nil
}

// broadcastRoom sends the full room overview to its members and moves them
// into the room
func (m *Manager) broadcastRoom(ctx context.Context, room roomstore.Room) {
	m.notifier.ToMembers(ctx, room.ID, room.Usernames(), roomOverview(room), &registry.Location{RoomID: room.ID})
}

// broadcastLobby refreshes everyone not in a room
func (m *Manager) broadcastLobby(ctx context.Context) {
	rooms, err := m.store.OpenRooms(ctx)
	if err != nil {
		m.log.Error("failed to list open rooms", "error", err)
		return
	}
	m.notifier.ToLobby(ctx, lobbyOverview(rooms))
}
