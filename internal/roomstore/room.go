// Package roomstore holds waiting-room state. Every mutation is atomic per
// room so several server processes can share one store.
package roomstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

type State string

const (
	StateOpen       State = "open"
	StateStarting   State = "starting"
	StateInProgress State = "in_progress"
)

const DefaultMaxPlayers = 4

var (
	ErrRoomNotFound   = apperr.New(apperr.CodeNotFound, "Room not found")
	ErrInviteNotFound = apperr.New(apperr.CodeNotFound, "No room matches this invite code")
	ErrRoomFull       = apperr.New(apperr.CodeConflict, "Room is full")
	ErrAlreadyInRoom  = apperr.New(apperr.CodeConflict, "You are already in another room")
	ErrDuplicateRoom  = apperr.New(apperr.CodeConflict, "Room id already exists")
	ErrRoomNotOpen    = apperr.New(apperr.CodeConflict, "Room is no longer accepting players")
	ErrStateConflict  = apperr.New(apperr.CodeConflict, "Room changed state, try again")
	ErrNotAMember     = apperr.New(apperr.CodeValidation, "You are not a member of this room")
	ErrRoomInGame     = apperr.New(apperr.CodeConflict, "The game is already in progress")
)

type Member struct {
	UserID   uuid.UUID `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Config struct {
	MaxPlayers int
	Duration   time.Duration
	Languages  []string
}

// Options are chosen by the host when creating a room
type Options struct {
	Visibility Visibility
	Config     Config
}

type Room struct {
	ID         string
	Members    map[string]Member
	Visibility Visibility
	Config     Config
	State      State
	InviteCode string
	SessionID  string
	// EndsAt is when the running game's match time runs out, zero outside a game
	EndsAt    time.Time
	CreatedAt time.Time
}

// Overview is the lobby's view of an open room
type Overview struct {
	RoomID      string
	MemberCount int
}

// Store is the shared room state. Implementations must make every method
// atomic with respect to concurrent calls on the same room.
type Store interface {
	CreateRoom(ctx context.Context, host auth.Identity, opts Options) (Room, error)
	JoinRoom(ctx context.Context, roomID string, id auth.Identity) (Room, error)
	JoinByInviteCode(ctx context.Context, code string, id auth.Identity) (Room, error)
	// LeaveRoom removes the member and reports whether that emptied and
	// deleted the room. Members of a room in progress can't leave.
	LeaveRoom(ctx context.Context, roomID string, id auth.Identity) (Room, bool, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	// RoomOf returns the room the user belongs to or "" when none
	RoomOf(ctx context.Context, username string) (string, error)
	OpenRooms(ctx context.Context) ([]Overview, error)
	Transition(ctx context.Context, roomID string, from, to State, sessionID string) error
	// StartGame moves a STARTING room in progress and returns it as the game
	// begins. Membership is fixed from then on.
	StartGame(ctx context.Context, roomID, sessionID string, endsAt time.Time) (Room, error)
	// EndGame deletes the room only while it still runs the given session,
	// returning the room as it was. Callers racing to end the same game see
	// ErrRoomNotFound or ErrStateConflict.
	EndGame(ctx context.Context, roomID, sessionID string) (Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	Ping(ctx context.Context) error
}

// Creator returns the member with the earliest join time. Ties go to the
// lexically smallest username so every process agrees.
func Creator(members map[string]Member) (string, bool) {
	var (
		creator string
		first   time.Time
		found   bool
	)
	for username, m := range members {
		if !found || m.JoinedAt.Before(first) || (m.JoinedAt.Equal(first) && username < creator) {
			creator, first, found = username, m.JoinedAt, true
		}
	}
	return creator, found
}

func (r Room) Creator() (string, bool) {
	return Creator(r.Members)
}

// Usernames lists members in join order
func (r Room) Usernames() []string {
	names := make([]string, 0, len(r.Members))
	for username := range r.Members {
		names = append(names, username)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.Members[names[i]], r.Members[names[j]]
		if a.JoinedAt.Equal(b.JoinedAt) {
			return names[i] < names[j]
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
	return names
}

func (r Room) IsMember(username string) bool {
	_, ok := r.Members[username]
	return ok
}

func normalizeOptions(opts Options) Options {
	if opts.Visibility == "" {
		opts.Visibility = Public
	}
	if opts.Config.MaxPlayers <= 0 {
		opts.Config.MaxPlayers = DefaultMaxPlayers
	}
	if opts.Config.Languages == nil {
		opts.Config.Languages = []string{}
	}
	return opts
}

func sortOverviews(rooms []Overview) {
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
}
