// Package fanout delivers server events to room members and to the lobby
// across every process through the presence channel.
package fanout

import (
	"context"
	"log/slog"

	"github.com/rx3lixir/codearena/internal/presence"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
)

// Notifier publishes events once and lets every process deliver them to
// its own connections
type Notifier struct {
	channel  presence.Channel
	registry *registry.Registry
	origin   string
	log      *slog.Logger
}

func New(channel presence.Channel, reg *registry.Registry, origin string, log *slog.Logger) *Notifier {
	return &Notifier{
		channel:  channel,
		registry: reg,
		origin:   origin,
		log:      log,
	}
}

// Start subscribes the notifier to room events
func (n *Notifier) Start(ctx context.Context) error {
	return n.channel.Subscribe(ctx, presence.WaitingRoom, n.Handle)
}

// ToMembers sends ev to the listed room members wherever they are
// connected. A non-nil move relocates them before delivery.
func (n *Notifier) ToMembers(ctx context.Context, roomID string, usernames []string, ev protocol.ServerEvent, move *registry.Location) {
	if len(usernames) == 0 {
		return
	}

	frame, err := protocol.Encode(ev)
	if err != nil {
		n.log.Error("failed to encode event", "room_id", roomID, "error", err)
		return
	}

	out := presence.Event{
		Kind:     presence.KindFrame,
		Origin:   n.origin,
		RoomID:   roomID,
		Audience: usernames,
		Frame:    frame,
	}
	if move != nil {
		out.Move = &presence.Location{RoomID: move.RoomID, SessionID: move.SessionID}
	}
	n.publish(ctx, out)
}

// ToLobby sends ev to every connection that is not in a room or a game
func (n *Notifier) ToLobby(ctx context.Context, ev protocol.ServerEvent) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		n.log.Error("failed to encode lobby event", "error", err)
		return
	}

	n.publish(ctx, presence.Event{
		Kind:   presence.KindFrame,
		Origin: n.origin,
		Lobby:  true,
		Frame:  frame,
	})
}

// ToUser sends ev to a single connection of this process. Replies to the
// requester never cross processes.
func (n *Notifier) ToUser(username string, ev protocol.ServerEvent) {
	n.registry.Send(username, ev)
}

// Move relocates local connections without sending anything
func (n *Notifier) Move(loc registry.Location, usernames ...string) {
	n.registry.SetLocation(loc, usernames...)
}

func (n *Notifier) publish(ctx context.Context, ev presence.Event) {
	if err := n.channel.Publish(ctx, presence.WaitingRoom, ev); err != nil {
		// the channel already delivered to this process
		n.log.Warn("presence publish failed", "room_id", ev.RoomID, "lobby", ev.Lobby, "error", err)
	}
}

// Handle delivers a received event to the local connections it addresses
func (n *Notifier) Handle(_ context.Context, ev presence.Event) {
	if ev.Kind != presence.KindFrame {
		return
	}

	if ev.Lobby {
		n.registry.BroadcastFrame(n.registry.Lobby(), ev.Frame)
		return
	}

	if ev.Move != nil {
		n.registry.SetLocation(registry.Location{
			RoomID:    ev.Move.RoomID,
			SessionID: ev.Move.SessionID,
		}, ev.Audience...)
	}
	n.registry.BroadcastFrame(ev.Audience, ev.Frame)
}
