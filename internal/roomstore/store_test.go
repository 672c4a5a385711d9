package roomstore_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/roomstore"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

// stepClock advances one millisecond per call so join order is explicit
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type storeFactory func(t *testing.T, opts ...roomstore.Option) roomstore.Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...roomstore.Option) roomstore.Store {
			return roomstore.NewMemoryStore(opts...)
		},
		"redis": func(t *testing.T, opts ...roomstore.Option) roomstore.Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return roomstore.NewRedisStore(client, opts...)
		},
	}
}

// forEachStore runs fn against every implementation
func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory)
		})
	}
}

func user(name string) auth.Identity {
	return auth.Identity{UserID: uuid.New(), Username: name}
}

func TestCreateRoom(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, roomstore.WithClock(newStepClock().Now))
		alice := user("alice")

		room, err := store.CreateRoom(ctx, alice, roomstore.Options{})
		require.NoError(t, err)

		assert.NotEmpty(t, room.ID)
		assert.Equal(t, roomstore.StateOpen, room.State)
		assert.Equal(t, roomstore.Public, room.Visibility)
		assert.Equal(t, roomstore.DefaultMaxPlayers, room.Config.MaxPlayers)
		assert.Empty(t, room.InviteCode)

		creator, ok := room.Creator()
		require.True(t, ok)
		assert.Equal(t, "alice", creator)

		stored, err := store.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, stored.Usernames())
		assert.Equal(t, alice.UserID, stored.Members["alice"].UserID)

		open, err := store.OpenRooms(ctx)
		require.NoError(t, err)
		assert.Equal(t, []roomstore.Overview{{RoomID: room.ID, MemberCount: 1}}, open)

		in, err := store.RoomOf(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, room.ID, in)

		_, err = store.CreateRoom(ctx, alice, roomstore.Options{})
		assert.ErrorIs(t, err, roomstore.ErrAlreadyInRoom)
	})
}

func TestRoomConfigIsStored(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)

		room, err := store.CreateRoom(ctx, user("alice"), roomstore.Options{
			Config: roomstore.Config{MaxPlayers: 2, Duration: 5 * time.Minute, Languages: []string{"go", "rust"}},
		})
		require.NoError(t, err)

		stored, err := store.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.Config.MaxPlayers)
		assert.Equal(t, 5*time.Minute, stored.Config.Duration)
		assert.Equal(t, []string{"go", "rust"}, stored.Config.Languages)
	})
}

func TestHostThenJoinIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		alice := user("alice")

		room, err := store.CreateRoom(ctx, alice, roomstore.Options{})
		require.NoError(t, err)

		again, err := store.JoinRoom(ctx, room.ID, alice)
		require.NoError(t, err)
		assert.Len(t, again.Members, 1)
		assert.Equal(t, room.Members["alice"].JoinedAt.UnixMilli(), again.Members["alice"].JoinedAt.UnixMilli())
	})
}

func TestJoinErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)

		small, err := store.CreateRoom(ctx, user("host1"), roomstore.Options{Config: roomstore.Config{MaxPlayers: 1}})
		require.NoError(t, err)
		other, err := store.CreateRoom(ctx, user("host2"), roomstore.Options{})
		require.NoError(t, err)

		_, err = store.JoinRoom(ctx, "missing", user("x"))
		assert.ErrorIs(t, err, roomstore.ErrRoomNotFound)
		assert.True(t, apperr.IsNotFound(err))

		_, err = store.JoinRoom(ctx, small.ID, user("x"))
		assert.ErrorIs(t, err, roomstore.ErrRoomFull)
		assert.True(t, apperr.IsConflict(err))

		_, err = store.JoinRoom(ctx, other.ID, user("host1"))
		assert.ErrorIs(t, err, roomstore.ErrAlreadyInRoom)

		// A failed join must not leave the user claimed by the full room
		in, err := store.RoomOf(ctx, "x")
		require.NoError(t, err)
		assert.Empty(t, in)
		_, err = store.JoinRoom(ctx, other.ID, user("x"))
		assert.NoError(t, err)
	})
}

func TestConcurrentJoinsForLastSlot(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)

		room, err := store.CreateRoom(ctx, user("host"), roomstore.Options{Config: roomstore.Config{MaxPlayers: 2}})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			full      atomic.Int32
			start     = make(chan struct{})
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := store.JoinRoom(ctx, room.ID, user(fmt.Sprintf("racer-%d", i)))
				switch {
				case err == nil:
					successes.Add(1)
				case assert.ErrorIs(t, err, roomstore.ErrRoomFull):
					full.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, 1, successes.Load())
		assert.EqualValues(t, 1, full.Load())

		stored, err := store.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Members, 2)
	})
}

func TestCreatorSuccession(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, roomstore.WithClock(newStepClock().Now))

		a, b, c, d := user("a"), user("b"), user("c"), user("d")
		room, err := store.CreateRoom(ctx, a, roomstore.Options{})
		require.NoError(t, err)
		for _, id := range []auth.Identity{b, c, d} {
			_, err := store.JoinRoom(ctx, room.ID, id)
			require.NoError(t, err)
		}

		// The creator and a later member leave at the same time
		var wg sync.WaitGroup
		for _, id := range []auth.Identity{a, c} {
			wg.Add(1)
			go func(id auth.Identity) {
				defer wg.Done()
				_, _, err := store.LeaveRoom(ctx, room.ID, id)
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		stored, err := store.GetRoom(ctx, room.ID)
		require.NoError(t, err)

		creator, ok := stored.Creator()
		require.True(t, ok)
		assert.Equal(t, "b", creator)
		assert.Equal(t, []string{"b", "d"}, stored.Usernames())

		// Recomputing gives the same answer
		again, _ := stored.Creator()
		assert.Equal(t, creator, again)
	})
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		a, b := user("a"), user("b")

		room, err := store.CreateRoom(ctx, a, roomstore.Options{})
		require.NoError(t, err)
		_, err = store.JoinRoom(ctx, room.ID, b)
		require.NoError(t, err)

		after, deleted, err := store.LeaveRoom(ctx, room.ID, a)
		require.NoError(t, err)
		assert.False(t, deleted)
		assert.Equal(t, []string{"b"}, after.Usernames())

		_, _, err = store.LeaveRoom(ctx, room.ID, a)
		assert.ErrorIs(t, err, roomstore.ErrNotAMember)

		_, deleted, err = store.LeaveRoom(ctx, room.ID, b)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = store.GetRoom(ctx, room.ID)
		assert.ErrorIs(t, err, roomstore.ErrRoomNotFound)

		open, err := store.OpenRooms(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		_, _, err = store.LeaveRoom(ctx, room.ID, b)
		assert.ErrorIs(t, err, roomstore.ErrRoomNotFound)

		_, err = store.JoinRoom(ctx, room.ID, user("late"))
		assert.ErrorIs(t, err, roomstore.ErrRoomNotFound)
	})
}

func TestRandomJoinLeaveKeepsInvariants(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		rng := rand.New(rand.NewSource(7))

		people := make([]auth.Identity, 6)
		for i := range people {
			people[i] = user(fmt.Sprintf("p%d", i))
		}

		room, err := store.CreateRoom(ctx, people[0], roomstore.Options{})
		require.NoError(t, err)
		roomID := room.ID

		for step := 0; step < 200; step++ {
			id := people[rng.Intn(len(people))]
			if rng.Intn(2) == 0 {
				_, err := store.JoinRoom(ctx, roomID, id)
				if apperr.IsNotFound(err) {
					// Room emptied earlier; start a fresh one
					r, err := store.CreateRoom(ctx, id, roomstore.Options{})
					require.NoError(t, err)
					roomID = r.ID
				}
			} else {
				_, _, _ = store.LeaveRoom(ctx, roomID, id)
			}

			open, err := store.OpenRooms(ctx)
			require.NoError(t, err)
			for _, o := range open {
				assert.Positive(t, o.MemberCount)
			}

			current, err := store.GetRoom(ctx, roomID)
			if err == nil {
				assert.NotEmpty(t, current.Members, "a stored room is never empty")
				assert.LessOrEqual(t, len(current.Members), current.Config.MaxPlayers)
			} else {
				assert.ErrorIs(t, err, roomstore.ErrRoomNotFound)
				for _, o := range open {
					assert.NotEqual(t, roomID, o.RoomID)
				}
			}
		}
	})
}

func TestPrivateRoomsAndInviteCodes(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		host, guest := user("host"), user("guest")

		room, err := store.CreateRoom(ctx, host, roomstore.Options{Visibility: roomstore.Private})
		require.NoError(t, err)
		require.Len(t, room.InviteCode, 6)

		open, err := store.OpenRooms(ctx)
		require.NoError(t, err)
		assert.Empty(t, open, "private rooms are not listed")

		joined, err := store.JoinByInviteCode(ctx, room.InviteCode, guest)
		require.NoError(t, err)
		assert.Equal(t, room.ID, joined.ID)
		assert.Len(t, joined.Members, 2)

		_, err = store.JoinByInviteCode(ctx, "ZZZZZZ", user("other"))
		assert.ErrorIs(t, err, roomstore.ErrInviteNotFound)

		_, _, err = store.LeaveRoom(ctx, room.ID, host)
		require.NoError(t, err)
		_, _, err = store.LeaveRoom(ctx, room.ID, guest)
		require.NoError(t, err)

		_, err = store.JoinByInviteCode(ctx, room.InviteCode, user("other"))
		assert.ErrorIs(t, err, roomstore.ErrInviteNotFound)
	})
}

func TestIDCollisionRetries(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()

		var mu sync.Mutex
		ids := []string{"dup", "dup", "fresh"}
		next := func() string {
			mu.Lock()
			defer mu.Unlock()
			id := ids[0]
			if len(ids) > 1 {
				ids = ids[1:]
			}
			return id
		}

		store := newStore(t, roomstore.WithIDGenerator(next))

		first, err := store.CreateRoom(ctx, user("a"), roomstore.Options{})
		require.NoError(t, err)
		assert.Equal(t, "dup", first.ID)

		second, err := store.CreateRoom(ctx, user("b"), roomstore.Options{})
		require.NoError(t, err)
		assert.Equal(t, "fresh", second.ID)
	})
}

func TestIDCollisionExhausted(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, roomstore.WithIDGenerator(func() string { return "same" }))

		_, err := store.CreateRoom(ctx, user("a"), roomstore.Options{})
		require.NoError(t, err)

		_, err = store.CreateRoom(ctx, user("b"), roomstore.Options{})
		assert.ErrorIs(t, err, roomstore.ErrDuplicateRoom)

		in, err := store.RoomOf(ctx, "b")
		require.NoError(t, err)
		assert.Empty(t, in)
	})
}

func TestTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)

		room, err := store.CreateRoom(ctx, user("host"), roomstore.Options{})
		require.NoError(t, err)

		require.NoError(t, store.Transition(ctx, room.ID, roomstore.StateOpen, roomstore.StateStarting, ""))

		err = store.Transition(ctx, room.ID, roomstore.StateOpen, roomstore.StateStarting, "")
		assert.ErrorIs(t, err, roomstore.ErrStateConflict)

		_, err = store.JoinRoom(ctx, room.ID, user("late"))
		assert.ErrorIs(t, err, roomstore.ErrRoomNotOpen)

		open, err := store.OpenRooms(ctx)
		require.NoError(t, err)
		assert.Empty(t, open, "starting rooms are not open")

		require.NoError(t, store.Transition(ctx, room.ID, roomstore.StateStarting, roomstore.StateInProgress, "session-1"))
		stored, err := store.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, roomstore.StateInProgress, stored.State)
		assert.Equal(t, "session-1", stored.SessionID)

		err = store.Transition(ctx, "missing", roomstore.StateOpen, roomstore.StateStarting, "")
		assert.ErrorIs(t, err, roomstore.ErrRoomNotFound)
	})
}

func TestDeleteRoomFreesMembers(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		a, b := user("a"), user("b")

		room, err := store.CreateRoom(ctx, a, roomstore.Options{Visibility: roomstore.Private})
		require.NoError(t, err)
		_, err = store.JoinRoom(ctx, room.ID, b)
		require.NoError(t, err)

		require.NoError(t, store.DeleteRoom(ctx, room.ID))
		require.NoError(t, store.DeleteRoom(ctx, room.ID), "delete is idempotent")

		for _, name := range []string{"a", "b"} {
			in, err := store.RoomOf(ctx, name)
			require.NoError(t, err)
			assert.Empty(t, in)
		}

		_, err = store.JoinByInviteCode(ctx, room.InviteCode, user("c"))
		assert.ErrorIs(t, err, roomstore.ErrInviteNotFound)

		_, err = store.CreateRoom(ctx, a, roomstore.Options{})
		assert.NoError(t, err)
	})
}

func TestStartGameFreezesMembership(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, roomstore.WithClock(newStepClock().Now))
		host, guest, late := user("host"), user("guest"), user("late")
		endsAt := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

		room, err := store.CreateRoom(ctx, host, roomstore.Options{})
		require.NoError(t, err)
		_, err = store.JoinRoom(ctx, room.ID, guest)
		require.NoError(t, err)
		_, err = store.JoinRoom(ctx, room.ID, late)
		require.NoError(t, err)

		_, err = store.StartGame(ctx, room.ID, "session-1", endsAt)
		assert.ErrorIs(t, err, roomstore.ErrStateConflict, "only a STARTING room can begin a game")

		require.NoError(t, store.Transition(ctx, room.ID, roomstore.StateOpen, roomstore.StateStarting, ""))
		_, _, err = store.LeaveRoom(ctx, room.ID, late)
		require.NoError(t, err)

		started, err := store.StartGame(ctx, room.ID, "session-1", endsAt)
		require.NoError(t, err)
		assert.Equal(t, roomstore.StateInProgress, started.State)
		assert.Equal(t, "session-1", started.SessionID)
		assert.True(t, endsAt.Equal(started.EndsAt))
		assert.Equal(t, []string{"host", "guest"}, started.Usernames())

		_, _, err = store.LeaveRoom(ctx, room.ID, guest)
		assert.ErrorIs(t, err, roomstore.ErrRoomInGame)

		stored, err := store.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, started.Usernames(), stored.Usernames())
		assert.True(t, endsAt.Equal(stored.EndsAt))

		// reopening clears the game
		require.NoError(t, store.Transition(ctx, room.ID, roomstore.StateInProgress, roomstore.StateOpen, ""))
		stored, err = store.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.True(t, stored.EndsAt.IsZero())
		assert.Empty(t, stored.SessionID)

		_, err = store.StartGame(ctx, "missing", "session-2", endsAt)
		assert.ErrorIs(t, err, roomstore.ErrRoomNotFound)
	})
}

func TestEndGame(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		a, b := user("a"), user("b")

		room, err := store.CreateRoom(ctx, a, roomstore.Options{Visibility: roomstore.Private})
		require.NoError(t, err)
		_, err = store.JoinRoom(ctx, room.ID, b)
		require.NoError(t, err)

		_, err = store.EndGame(ctx, room.ID, "session-1")
		assert.ErrorIs(t, err, roomstore.ErrStateConflict, "an open room runs no game")

		require.NoError(t, store.Transition(ctx, room.ID, roomstore.StateOpen, roomstore.StateStarting, ""))
		_, err = store.StartGame(ctx, room.ID, "session-1", time.Now())
		require.NoError(t, err)

		_, err = store.EndGame(ctx, room.ID, "session-other")
		assert.ErrorIs(t, err, roomstore.ErrStateConflict)

		ended, err := store.EndGame(ctx, room.ID, "session-1")
		require.NoError(t, err)
		assert.Len(t, ended.Members, 2)

		_, err = store.EndGame(ctx, room.ID, "session-1")
		assert.ErrorIs(t, err, roomstore.ErrRoomNotFound, "a game ends once")

		for _, name := range []string{"a", "b"} {
			in, err := store.RoomOf(ctx, name)
			require.NoError(t, err)
			assert.Empty(t, in)
		}
		_, err = store.JoinByInviteCode(ctx, room.InviteCode, user("c"))
		assert.ErrorIs(t, err, roomstore.ErrInviteNotFound)
	})
}
