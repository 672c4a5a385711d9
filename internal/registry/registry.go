package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

// Policy decides what happens when an identity that already has a live
// connection registers a second one
type Policy string

const (
	PolicyReplace Policy = "replace"
	PolicyReject  Policy = "reject"
)

// Close reasons handed to Conn.Close
const (
	ReasonReplaced = "replaced by a newer connection"
	ReasonShutdown = "server shutting down"
)

var ErrAlreadyConnected = apperr.New(apperr.CodeConflict, "already connected")

// Conn is the registry's view of a live connection
type Conn interface {
	// Enqueue hands a frame to the connection's writer without blocking.
	// It reports false when the frame was dropped.
	Enqueue(frame []byte) bool
	Close(reason string)
}

// Location describes which broadcast audience a connection belongs to
type Location struct {
	RoomID    string
	SessionID string
}

// InLobby reports whether the connection is neither in a room nor a game
func (l Location) InLobby() bool {
	return l.RoomID == "" && l.SessionID == ""
}

type entry struct {
	identity auth.Identity
	conn     Conn
	location Location
}

type Metrics struct {
	Connected     int   `json:"connected"`
	FramesSent    int64 `json:"framesSent"`
	FramesDropped int64 `json:"framesDropped"`
}

// Registry tracks the live connections of this process keyed by username
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	policy  Policy
	log     *slog.Logger

	sent    atomic.Int64
	dropped atomic.Int64
}

func New(policy Policy, log *slog.Logger) *Registry {
	if policy == "" {
		policy = PolicyReplace
	}
	return &Registry{
		entries: make(map[string]*entry),
		policy:  policy,
		log:     log,
	}
}

// Register associates conn with the identity. Under PolicyReject a second
// connection fails with ErrAlreadyConnected; under PolicyReplace the old
// connection is closed and its location carries over.
func (r *Registry) Register(id auth.Identity, conn Conn) error {
	r.mu.Lock()
	old, exists := r.entries[id.Username]
	if exists && r.policy == PolicyReject {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}

	e := &entry{identity: id, conn: conn}
	if exists {
		e.location = old.location
	}
	r.entries[id.Username] = e
	r.mu.Unlock()

	if exists {
		r.log.Info("connection replaced", "username", id.Username)
		old.conn.Close(ReasonReplaced)
	}

	r.log.Debug("connection registered", "username", id.Username, "user_id", id.UserID)
	return nil
}

// Unregister removes whatever connection is registered for username
func (r *Registry) Unregister(username string) {
	r.mu.Lock()
	delete(r.entries, username)
	r.mu.Unlock()
}

// Release removes the entry only while conn is still the registered
// connection. It reports whether it removed anything.
func (r *Registry) Release(username string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[username]
	if !ok || e.conn != conn {
		return false
	}
	delete(r.entries, username)
	return true
}

// Send encodes ev and delivers it to username if connected here
func (r *Registry) Send(username string, ev protocol.ServerEvent) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		r.log.Error("failed to encode event", "username", username, "error", err)
		return
	}
	r.SendFrame(username, frame)
}

// SendFrame delivers an already encoded frame. Absent users and full
// buffers are dropped silently.
func (r *Registry) SendFrame(username string, frame []byte) {
	r.mu.RLock()
	e, ok := r.entries[username]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if e.conn.Enqueue(frame) {
		r.sent.Add(1)
		return
	}

	r.dropped.Add(1)
	r.log.Warn("client buffer full, frame dropped", "username", username)
}

// Broadcast delivers ev to every listed username connected here
func (r *Registry) Broadcast(usernames []string, ev protocol.ServerEvent) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		r.log.Error("failed to encode event", "error", err)
		return
	}
	r.BroadcastFrame(usernames, frame)
}

func (r *Registry) BroadcastFrame(usernames []string, frame []byte) {
	for _, username := range usernames {
		r.SendFrame(username, frame)
	}
}

// SetLocation moves the listed usernames that are connected here. Unknown
// usernames are ignored.
func (r *Registry) SetLocation(loc Location, usernames ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, username := range usernames {
		if e, ok := r.entries[username]; ok {
			e.location = loc
		}
	}
}

func (r *Registry) Location(username string) (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[username]
	if !ok {
		return Location{}, false
	}
	return e.location, true
}

// Lobby returns the usernames connected here that are not in a room or game
func (r *Registry) Lobby() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lobby := make([]string, 0, len(r.entries))
	for username, e := range r.entries {
		if e.location.InLobby() {
			lobby = append(lobby, username)
		}
	}
	return lobby
}

func (r *Registry) Identity(username string) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[username]
	if !ok {
		return auth.Identity{}, false
	}
	return e.identity, true
}

func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	connected := len(r.entries)
	r.mu.RUnlock()

	return Metrics{
		Connected:     connected,
		FramesSent:    r.sent.Load(),
		FramesDropped: r.dropped.Load(),
	}
}

// CloseAll closes every connection and clears the registry
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.conn.Close(reason)
	}
	r.log.Info("registry closed", "connections", len(entries))
}
