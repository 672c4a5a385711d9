package roomstore

import (
	"context"
	"sync"
	"time"

	"github.com/rx3lixir/codearena/internal/auth"
)

type memRoom struct {
	mu      sync.Mutex
	room    Room
	deleted bool
}

// MemoryStore keeps rooms in process memory. It serves single-instance
// deployments and tests; rooms are not visible to other processes.
//
// Lock order is index before room. Paths that need both either nest them in
// that order or take them one after the other.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]*memRoom
	users   map[string]string
	invites map[string]string
	gen     generators
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	gen := defaultGenerators()
	for _, opt := range opts {
		opt(&gen)
	}
	return &MemoryStore{
		rooms:   make(map[string]*memRoom),
		users:   make(map[string]string),
		invites: make(map[string]string),
		gen:     gen,
	}
}

func (s *MemoryStore) CreateRoom(ctx context.Context, host auth.Identity, opts Options) (Room, error) {
	opts = normalizeOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[host.Username]; ok {
		return Room{}, ErrAlreadyInRoom
	}

	id, err := s.freshKey(s.gen.newID, func(k string) bool { _, taken := s.rooms[k]; return taken }, ErrDuplicateRoom)
	if err != nil {
		return Room{}, err
	}

	var code string
	if opts.Visibility == Private {
		code, err = s.freshKey(s.gen.newCode, func(k string) bool { _, taken := s.invites[k]; return taken }, ErrDuplicateRoom)
		if err != nil {
			return Room{}, err
		}
		s.invites[code] = id
	}

	now := s.gen.now()
	room := Room{
		ID:         id,
		Members:    map[string]Member{host.Username: {UserID: host.UserID, JoinedAt: now}},
		Visibility: opts.Visibility,
		Config:     opts.Config,
		State:      StateOpen,
		InviteCode: code,
		CreatedAt:  now,
	}
	s.rooms[id] = &memRoom{room: room}
	s.users[host.Username] = id

	return cloneRoom(room), nil
}

func (s *MemoryStore) freshKey(gen func() string, taken func(string) bool, exhausted error) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if k := gen(); !taken(k) {
			return k, nil
		}
	}
	return "", exhausted
}

func (s *MemoryStore) JoinRoom(ctx context.Context, roomID string, id auth.Identity) (Room, error) {
	s.mu.Lock()
	mr, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return Room{}, ErrRoomNotFound
	}
	if current, in := s.users[id.Username]; in {
		s.mu.Unlock()
		if current != roomID {
			return Room{}, ErrAlreadyInRoom
		}
		return s.snapshot(mr)
	}
	// Claim the user before touching the room so a parallel join elsewhere
	// can't place them in two rooms
	s.users[id.Username] = roomID
	s.mu.Unlock()

	room, err := s.addMember(mr, id)
	if err != nil {
		s.releaseClaim(id.Username, roomID)
		return Room{}, err
	}
	return room, nil
}

func (s *MemoryStore) addMember(mr *memRoom, id auth.Identity) (Room, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	switch {
	case mr.deleted:
		return Room{}, ErrRoomNotFound
	case mr.room.State != StateOpen:
		return Room{}, ErrRoomNotOpen
	case len(mr.room.Members) >= mr.room.Config.MaxPlayers:
		return Room{}, ErrRoomFull
	}

	mr.room.Members[id.Username] = Member{UserID: id.UserID, JoinedAt: s.gen.now()}
	return cloneRoom(mr.room), nil
}

func (s *MemoryStore) releaseClaim(username, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[username] == roomID {
		delete(s.users, username)
	}
}

func (s *MemoryStore) JoinByInviteCode(ctx context.Context, code string, id auth.Identity) (Room, error) {
	s.mu.Lock()
	roomID, ok := s.invites[code]
	s.mu.Unlock()
	if !ok {
		return Room{}, ErrInviteNotFound
	}
	return s.JoinRoom(ctx, roomID, id)
}

func (s *MemoryStore) LeaveRoom(ctx context.Context, roomID string, id auth.Identity) (Room, bool, error) {
	mr, err := s.lookup(roomID)
	if err != nil {
		return Room{}, false, err
	}

	mr.mu.Lock()
	if mr.deleted {
		mr.mu.Unlock()
		return Room{}, false, ErrRoomNotFound
	}
	if _, member := mr.room.Members[id.Username]; !member {
		mr.mu.Unlock()
		return Room{}, false, ErrNotAMember
	}
	if mr.room.State == StateInProgress {
		mr.mu.Unlock()
		return Room{}, false, ErrRoomInGame
	}
	delete(mr.room.Members, id.Username)
	emptied := len(mr.room.Members) == 0
	if emptied {
		// Joiners check this flag under the room lock, so the empty room is
		// never observable
		mr.deleted = true
	}
	room := cloneRoom(mr.room)
	mr.mu.Unlock()

	s.mu.Lock()
	if s.users[id.Username] == roomID {
		delete(s.users, id.Username)
	}
	if emptied {
		delete(s.rooms, roomID)
		if room.InviteCode != "" {
			delete(s.invites, room.InviteCode)
		}
	}
	s.mu.Unlock()

	return room, emptied, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	mr, err := s.lookup(roomID)
	if err != nil {
		return Room{}, err
	}
	return s.snapshot(mr)
}

func (s *MemoryStore) RoomOf(ctx context.Context, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[username], nil
}

func (s *MemoryStore) OpenRooms(ctx context.Context) ([]Overview, error) {
	s.mu.Lock()
	candidates := make([]*memRoom, 0, len(s.rooms))
	for _, mr := range s.rooms {
		candidates = append(candidates, mr)
	}
	s.mu.Unlock()

	rooms := make([]Overview, 0, len(candidates))
	for _, mr := range candidates {
		mr.mu.Lock()
		if !mr.deleted && mr.room.Visibility == Public && mr.room.State == StateOpen && len(mr.room.Members) > 0 {
			rooms = append(rooms, Overview{RoomID: mr.room.ID, MemberCount: len(mr.room.Members)})
		}
		mr.mu.Unlock()
	}

	sortOverviews(rooms)
	return rooms, nil
}

func (s *MemoryStore) Transition(ctx context.Context, roomID string, from, to State, sessionID string) error {
	mr, err := s.lookup(roomID)
	if err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if mr.deleted {
		return ErrRoomNotFound
	}
	if mr.room.State != from {
		return ErrStateConflict
	}
	mr.room.State = to
	mr.room.SessionID = sessionID
	mr.room.EndsAt = time.Time{}
	return nil
}

func (s *MemoryStore) StartGame(ctx context.Context, roomID, sessionID string, endsAt time.Time) (Room, error) {
	mr, err := s.lookup(roomID)
	if err != nil {
		return Room{}, err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if mr.deleted {
		return Room{}, ErrRoomNotFound
	}
	if mr.room.State != StateStarting {
		return Room{}, ErrStateConflict
	}
	mr.room.State = StateInProgress
	mr.room.SessionID = sessionID
	mr.room.EndsAt = endsAt
	return cloneRoom(mr.room), nil
}

func (s *MemoryStore) EndGame(ctx context.Context, roomID, sessionID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if mr.deleted {
		return Room{}, ErrRoomNotFound
	}
	if mr.room.State != StateInProgress || mr.room.SessionID != sessionID {
		return Room{}, ErrStateConflict
	}
	room := cloneRoom(mr.room)
	s.dropLocked(mr)
	return room, nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[roomID]
	if !ok {
		return nil
	}

	mr.mu.Lock()
	s.dropLocked(mr)
	mr.mu.Unlock()
	return nil
}

// dropLocked removes the room and frees its members and invite code. The
// caller holds both the index and the room lock.
func (s *MemoryStore) dropLocked(mr *memRoom) {
	mr.deleted = true
	for username := range mr.room.Members {
		if s.users[username] == mr.room.ID {
			delete(s.users, username)
		}
	}
	if mr.room.InviteCode != "" {
		delete(s.invites, mr.room.InviteCode)
	}
	delete(s.rooms, mr.room.ID)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) lookup(roomID string) (*memRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return mr, nil
}

func (s *MemoryStore) snapshot(mr *memRoom) (Room, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if mr.deleted {
		return Room{}, ErrRoomNotFound
	}
	return cloneRoom(mr.room), nil
}

func cloneRoom(r Room) Room {
	members := make(map[string]Member, len(r.Members))
	for k, v := range r.Members {
		members[k] = v
	}
	r.Members = members
	r.Config.Languages = append([]string{}, r.Config.Languages...)
	return r
}
