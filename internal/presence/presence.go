// Package presence propagates room and game events between server
// processes. Events are refresh signals: receivers must tolerate replays.
package presence

import (
	"context"
	"encoding/json"

	"github.com/rx3lixir/codearena/pkg/apperr"
)

// Channel names
const (
	WaitingRoom  = "waiting-room-events"
	GameCommands = "game-commands"
)

// Event kinds
const (
	KindFrame       = "frame"
	KindGameCommand = "game_command"
)

// ErrDegraded is returned by Publish while the transport is known to be down
// and events only reach local subscribers
var ErrDegraded = apperr.New(apperr.CodeUnavailable, "Presence channel is degraded")

// Location moves the audience of an event between lobby, room and game
type Location struct {
	RoomID    string `json:"roomId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type Event struct {
	Kind   string `json:"kind"`
	Origin string `json:"origin,omitempty"`

	// Frame events: Frame goes to the local connections of Audience, or to
	// every local lobby connection when Lobby is set
	RoomID   string          `json:"roomId,omitempty"`
	Audience []string        `json:"audience,omitempty"`
	Lobby    bool            `json:"lobby,omitempty"`
	Move     *Location       `json:"move,omitempty"`
	Frame    json.RawMessage `json:"frame,omitempty"`

	// Command events carry an opaque payload for the owning process
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Handler func(ctx context.Context, ev Event)

// Channel is a publish/subscribe fan-out. Publish must not block for long:
// when the transport is down it fails fast, delivers to this process's
// subscribers only and returns an Unavailable error for the caller to log.
type Channel interface {
	Publish(ctx context.Context, channel string, ev Event) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	Degraded() bool
	Close() error
}
