package waitingroom

import (
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/roomstore"
)

func roomOverview(room roomstore.Room) protocol.OverviewRoom {
	host, _ := room.Creator()

	usernames := room.Usernames()
	members := make([]protocol.Member, 0, len(usernames))
	for _, username := range usernames {
		m := room.Members[username]
		members = append(members, protocol.Member{
			Username: username,
			UserID:   m.UserID.String(),
			JoinedAt: m.JoinedAt,
		})
	}

	languages := room.Config.Languages
	if languages == nil {
		languages = []string{}
	}

	return protocol.OverviewRoom{
		RoomID:  room.ID,
		Members: members,
		Host:    host,
		Config: protocol.RoomConfig{
			MaxPlayers:      room.Config.MaxPlayers,
			DurationSeconds: int(room.Config.Duration.Seconds()),
			Languages:       languages,
		},
		Visibility: string(room.Visibility),
		InviteCode: room.InviteCode,
	}
}

func lobbyOverview(rooms []roomstore.Overview) protocol.OverviewOfRooms {
	summaries := make([]protocol.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		summaries = append(summaries, protocol.RoomSummary{ID: r.RoomID, MemberCount: r.MemberCount})
	}
	return protocol.OverviewOfRooms{Rooms: summaries}
}
