package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

const (
	roomPrefix   = "room:"
	userPrefix   = "user:"
	userSuffix   = ":room"
	invitePrefix = "invite:"
	publicRooms  = "rooms:public"
)

func roomKey(id string) string       { return roomPrefix + id }
func membersKey(id string) string    { return roomPrefix + id + ":members" }
func userKey(username string) string { return userPrefix + username + userSuffix }
func inviteKey(code string) string   { return invitePrefix + code }

// Script results
const (
	resOK            = "ok"
	resDeleted       = "deleted"
	resNotFound      = "not_found"
	resAlreadyMember = "already_member"
	resAlreadyInRoom = "already_in_room"
	resDuplicateID   = "duplicate_id"
	resDuplicateCode = "duplicate_code"
	resNotOpen       = "not_open"
	resFull          = "full"
	resNotMember     = "not_member"
	resConflict      = "conflict"
	resInGame        = "in_game"
)

// A user key pointing at a room that no longer exists is stale and does not
// block joining another room.
//
// KEYS: room, members, user, public set, [invite]
// ARGV: id, username, member json, visibility, max players, duration ms,
// languages json, invite code, created at ms, state, room prefix
var createScript = redis.NewScript(`
local current = redis.call('GET', KEYS[3])
if current and redis.call('EXISTS', ARGV[11] .. current) == 1 then
	return 'already_in_room'
end
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'duplicate_id'
end
if #KEYS >= 5 and redis.call('EXISTS', KEYS[5]) == 1 then
	return 'duplicate_code'
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1],
	'visibility', ARGV[4],
	'max_players', ARGV[5],
	'duration_ms', ARGV[6],
	'languages', ARGV[7],
	'invite_code', ARGV[8],
	'created_at', ARGV[9],
	'state', ARGV[10],
	'session_id', '',
	'ends_at', '')
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('SET', KEYS[3], ARGV[1])
if ARGV[4] == 'public' then
	redis.call('SADD', KEYS[4], ARGV[1])
end
if #KEYS >= 5 then
	redis.call('SET', KEYS[5], ARGV[1])
end
return 'ok'
`)

// KEYS: room, members, user
// ARGV: id, username, member json, room prefix
var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'not_found'
end
local current = redis.call('GET', KEYS[3])
if current == ARGV[1] and redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
	return 'already_member'
end
if current and current ~= ARGV[1] and redis.call('EXISTS', ARGV[4] .. current) == 1 then
	return 'already_in_room'
end
if redis.call('HGET', KEYS[1], 'state') ~= 'open' then
	return 'not_open'
end
local max = tonumber(redis.call('HGET', KEYS[1], 'max_players'))
if redis.call('HLEN', KEYS[2]) >= max then
	return 'full'
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('SET', KEYS[3], ARGV[1])
return 'ok'
`)

// Removing the last member deletes the room in the same script, so no
// client can observe an empty room.
//
// KEYS: room, members, user, public set
// ARGV: id, username, invite prefix, in progress state
var leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'not_found'
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then
	return 'not_member'
end
if redis.call('HGET', KEYS[1], 'state') == ARGV[4] then
	return 'in_game'
end
redis.call('HDEL', KEYS[2], ARGV[2])
if redis.call('GET', KEYS[3]) == ARGV[1] then
	redis.call('DEL', KEYS[3])
end
if redis.call('HLEN', KEYS[2]) > 0 then
	return 'ok'
end
local code = redis.call('HGET', KEYS[1], 'invite_code')
if code and code ~= '' then
	redis.call('DEL', ARGV[3] .. code)
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[4], ARGV[1])
return 'deleted'
`)

// KEYS: room
// ARGV: from, to, session id
var transitionScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'not_found'
end
if state ~= ARGV[1] then
	return 'conflict'
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'session_id', ARGV[3], 'ends_at', '')
return 'ok'
`)

// KEYS: room
// ARGV: starting state, in progress state, session id, ends at ms
var startGameScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'not_found'
end
if state ~= ARGV[1] then
	return 'conflict'
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'session_id', ARGV[3], 'ends_at', ARGV[4])
return 'ok'
`)

// dropRoom frees every member's user key and the invite code, then deletes
// the room.
//
// KEYS: room, members, public set
// ARGV: id, user prefix, user suffix, invite prefix
const dropRoom = `
local names = redis.call('HKEYS', KEYS[2])
for _, name in ipairs(names) do
	local key = ARGV[2] .. name .. ARGV[3]
	if redis.call('GET', key) == ARGV[1] then
		redis.call('DEL', key)
	end
end
local code = redis.call('HGET', KEYS[1], 'invite_code')
if code and code ~= '' then
	redis.call('DEL', ARGV[4] .. code)
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 'ok'
`

var deleteScript = redis.NewScript(dropRoom)

// KEYS: room, members, public set
// ARGV: as dropRoom, then session id, in progress state
var endGameScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'not_found'
end
if state ~= ARGV[6] or redis.call('HGET', KEYS[1], 'session_id') ~= ARGV[5] then
	return 'conflict'
end
` + dropRoom)

// RedisStore keeps rooms in redis. Each mutation is one Lua script, which
// redis runs atomically, so processes need no locks of their own.
//
// The scripts reach keys they derive at run time (a room's member user keys,
// the invite key, the room a user key points at), so every key must live on
// one node. The store takes a single-node client for that reason; cluster
// mode would route scripts by their declared keys only.
type RedisStore struct {
	client *redis.Client
	gen    generators
}

func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	gen := defaultGenerators()
	for _, opt := range opts {
		opt(&gen)
	}
	return &RedisStore{client: client, gen: gen}
}

func (s *RedisStore) CreateRoom(ctx context.Context, host auth.Identity, opts Options) (Room, error) {
	opts = normalizeOptions(opts)

	languages, err := json.Marshal(opts.Config.Languages)
	if err != nil {
		return Room{}, fmt.Errorf("failed to encode languages: %w", err)
	}

	now := s.gen.now()
	member, err := json.Marshal(Member{UserID: host.UserID, JoinedAt: now})
	if err != nil {
		return Room{}, fmt.Errorf("failed to encode member: %w", err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := s.gen.newID()
		keys := []string{roomKey(id), membersKey(id), userKey(host.Username), publicRooms}

		var code string
		if opts.Visibility == Private {
			code = s.gen.newCode()
			keys = append(keys, inviteKey(code))
		}

		res, err := createScript.Run(ctx, s.client, keys,
			id,
			host.Username,
			member,
			string(opts.Visibility),
			opts.Config.MaxPlayers,
			opts.Config.Duration.Milliseconds(),
			languages,
			code,
			now.UnixMilli(),
			string(StateOpen),
			roomPrefix,
		).Text()
		if err != nil {
			return Room{}, unavailable(err)
		}

		switch res {
		case resOK:
			return Room{
				ID:         id,
				Members:    map[string]Member{host.Username: {UserID: host.UserID, JoinedAt: now}},
				Visibility: opts.Visibility,
				Config:     opts.Config,
				State:      StateOpen,
				InviteCode: code,
				CreatedAt:  time.UnixMilli(now.UnixMilli()).UTC(),
			}, nil
		case resDuplicateID, resDuplicateCode:
			continue
		default:
			return Room{}, scriptError(res)
		}
	}

	return Room{}, ErrDuplicateRoom
}

func (s *RedisStore) JoinRoom(ctx context.Context, roomID string, id auth.Identity) (Room, error) {
	member, err := json.Marshal(Member{UserID: id.UserID, JoinedAt: s.gen.now()})
	if err != nil {
		return Room{}, fmt.Errorf("failed to encode member: %w", err)
	}

	res, err := joinScript.Run(ctx, s.client,
		[]string{roomKey(roomID), membersKey(roomID), userKey(id.Username)},
		roomID, id.Username, member, roomPrefix,
	).Text()
	if err != nil {
		return Room{}, unavailable(err)
	}

	switch res {
	case resOK, resAlreadyMember:
		return s.GetRoom(ctx, roomID)
	default:
		return Room{}, scriptError(res)
	}
}

func (s *RedisStore) JoinByInviteCode(ctx context.Context, code string, id auth.Identity) (Room, error) {
	roomID, err := s.client.Get(ctx, inviteKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrInviteNotFound
	}
	if err != nil {
		return Room{}, unavailable(err)
	}
	return s.JoinRoom(ctx, roomID, id)
}

func (s *RedisStore) LeaveRoom(ctx context.Context, roomID string, id auth.Identity) (Room, bool, error) {
	res, err := leaveScript.Run(ctx, s.client,
		[]string{roomKey(roomID), membersKey(roomID), userKey(id.Username), publicRooms},
		roomID, id.Username, invitePrefix, string(StateInProgress),
	).Text()
	if err != nil {
		return Room{}, false, unavailable(err)
	}

	switch res {
	case resDeleted:
		return Room{ID: roomID, Members: map[string]Member{}}, true, nil
	case resOK:
		room, err := s.GetRoom(ctx, roomID)
		if apperr.IsNotFound(err) {
			// Emptied by someone else right after our leave
			return Room{ID: roomID, Members: map[string]Member{}}, false, nil
		}
		return room, false, err
	default:
		return Room{}, false, scriptError(res)
	}
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var fields, members *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, roomKey(roomID))
		members = pipe.HGetAll(ctx, membersKey(roomID))
		return nil
	})
	if err != nil {
		return Room{}, unavailable(err)
	}

	if len(fields.Val()) == 0 {
		return Room{}, ErrRoomNotFound
	}
	return decodeRoom(fields.Val(), members.Val())
}

func (s *RedisStore) RoomOf(ctx context.Context, username string) (string, error) {
	roomID, err := s.client.Get(ctx, userKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable(err)
	}
	return roomID, nil
}

func (s *RedisStore) OpenRooms(ctx context.Context) ([]Overview, error) {
	ids, err := s.client.SMembers(ctx, publicRooms).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []Overview{}, nil
	}

	states := make([]*redis.StringCmd, len(ids))
	counts := make([]*redis.IntCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			states[i] = pipe.HGet(ctx, roomKey(id), "state")
			counts[i] = pipe.HLen(ctx, membersKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	rooms := make([]Overview, 0, len(ids))
	for i, id := range ids {
		if states[i].Val() != string(StateOpen) || counts[i].Val() == 0 {
			continue
		}
		rooms = append(rooms, Overview{RoomID: id, MemberCount: int(counts[i].Val())})
	}

	sortOverviews(rooms)
	return rooms, nil
}

func (s *RedisStore) Transition(ctx context.Context, roomID string, from, to State, sessionID string) error {
	res, err := transitionScript.Run(ctx, s.client,
		[]string{roomKey(roomID)},
		string(from), string(to), sessionID,
	).Text()
	if err != nil {
		return unavailable(err)
	}
	if res != resOK {
		return scriptError(res)
	}
	return nil
}

func (s *RedisStore) StartGame(ctx context.Context, roomID, sessionID string, endsAt time.Time) (Room, error) {
	res, err := startGameScript.Run(ctx, s.client,
		[]string{roomKey(roomID)},
		string(StateStarting), string(StateInProgress), sessionID, endsAt.UnixMilli(),
	).Text()
	if err != nil {
		return Room{}, unavailable(err)
	}
	if res != resOK {
		return Room{}, scriptError(res)
	}
	// leaves and joins are refused from here on, so this read is the
	// membership the game starts with
	return s.GetRoom(ctx, roomID)
}

func (s *RedisStore) EndGame(ctx context.Context, roomID, sessionID string) (Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}

	res, err := endGameScript.Run(ctx, s.client,
		[]string{roomKey(roomID), membersKey(roomID), publicRooms},
		roomID, userPrefix, userSuffix, invitePrefix, sessionID, string(StateInProgress),
	).Text()
	if err != nil {
		return Room{}, unavailable(err)
	}
	if res != resOK {
		return Room{}, scriptError(res)
	}
	return room, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	err := deleteScript.Run(ctx, s.client,
		[]string{roomKey(roomID), membersKey(roomID), publicRooms},
		roomID, userPrefix, userSuffix, invitePrefix,
	).Err()
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func decodeRoom(fields, members map[string]string) (Room, error) {
	maxPlayers, err := strconv.Atoi(fields["max_players"])
	if err != nil {
		return Room{}, fmt.Errorf("corrupt room %s: max_players: %w", fields["id"], err)
	}
	durationMs, err := strconv.ParseInt(fields["duration_ms"], 10, 64)
	if err != nil {
		return Room{}, fmt.Errorf("corrupt room %s: duration_ms: %w", fields["id"], err)
	}
	createdMs, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Room{}, fmt.Errorf("corrupt room %s: created_at: %w", fields["id"], err)
	}

	var endsAt time.Time
	if raw := fields["ends_at"]; raw != "" {
		endsMs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Room{}, fmt.Errorf("corrupt room %s: ends_at: %w", fields["id"], err)
		}
		endsAt = time.UnixMilli(endsMs).UTC()
	}

	languages := []string{}
	if raw := fields["languages"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &languages); err != nil {
			return Room{}, fmt.Errorf("corrupt room %s: languages: %w", fields["id"], err)
		}
	}

	room := Room{
		ID:         fields["id"],
		Members:    make(map[string]Member, len(members)),
		Visibility: Visibility(fields["visibility"]),
		Config: Config{
			MaxPlayers: maxPlayers,
			Duration:   time.Duration(durationMs) * time.Millisecond,
			Languages:  languages,
		},
		State:      State(fields["state"]),
		InviteCode: fields["invite_code"],
		SessionID:  fields["session_id"],
		EndsAt:     endsAt,
		CreatedAt:  time.UnixMilli(createdMs).UTC(),
	}

	for username, raw := range members {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return Room{}, fmt.Errorf("corrupt member %s in room %s: %w", username, room.ID, err)
		}
		room.Members[username] = m
	}

	return room, nil
}

func scriptError(res string) error {
	switch res {
	case resNotFound:
		return ErrRoomNotFound
	case resAlreadyInRoom:
		return ErrAlreadyInRoom
	case resNotOpen:
		return ErrRoomNotOpen
	case resFull:
		return ErrRoomFull
	case resNotMember:
		return ErrNotAMember
	case resConflict:
		return ErrStateConflict
	case resInGame:
		return ErrRoomInGame
	default:
		return fmt.Errorf("unexpected room script result %q", res)
	}
}

func unavailable(err error) error {
	return apperr.Unavailable(err, "Room store")
}
