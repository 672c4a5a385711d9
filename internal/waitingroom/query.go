package waitingroom

import (
	"context"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/roomstore"
)

// Lobby returns the same open-rooms overview a lobby connection sees
func (m *Manager) Lobby(ctx context.Context) (protocol.OverviewOfRooms, error) {
	rooms, err := m.store.OpenRooms(ctx)
	if err != nil {
		return protocol.OverviewOfRooms{}, err
	}
	return lobbyOverview(rooms), nil
}

// Room returns a room's overview as id may see it. Private rooms exist only
// for their members and the invite code is never shown to outsiders.
func (m *Manager) Room(ctx context.Context, id auth.Identity, roomID string) (protocol.OverviewRoom, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return protocol.OverviewRoom{}, err
	}

	member := room.IsMember(id.Username)
	if room.Visibility == roomstore.Private && !member {
		return protocol.OverviewRoom{}, roomstore.ErrRoomNotFound
	}

	ov := roomOverview(room)
	if !member {
		ov.InviteCode = ""
	}
	return ov, nil
}
