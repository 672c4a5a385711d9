package roomstore

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	inviteAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	inviteCodeLength = 6

	// maxAttempts bounds id and invite code regeneration on collision
	maxAttempts = 5
)

// generators holds the sources of ids, codes and time so tests can force
// collisions and control join order
type generators struct {
	now     func() time.Time
	newID   func() string
	newCode func() string
}

func defaultGenerators() generators {
	return generators{
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		newCode: generateInviteCode,
	}
}

// Option customizes a store
type Option func(*generators)

func WithClock(now func() time.Time) Option {
	return func(g *generators) { g.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(g *generators) { g.newID = newID }
}

func WithInviteCodeGenerator(newCode func() string) Option {
	return func(g *generators) { g.newCode = newCode }
}

func generateInviteCode() string {
	max := big.NewInt(int64(len(inviteAlphabet)))
	b := make([]byte, inviteCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			n = big.NewInt(time.Now().UnixNano() % max.Int64())
		}
		b[i] = inviteAlphabet[n.Int64()]
	}
	return string(b)
}
