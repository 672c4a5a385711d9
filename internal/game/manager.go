package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/presence"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/internal/roomstore"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

const (
	persistTimeout      = 10 * time.Second
	defaultReclaimAfter = time.Minute

	notEnoughConnectedMessage = "Not enough players are connected to finish this game fairly"
)

type Config struct {
	// Grace is added to the match duration before the deadline fires
	Grace time.Duration
	// MinPlayers below which remaining players are warned
	MinPlayers int
	// DisconnectForfeit marks disconnected players as forfeited instead of
	// waiting for them until the deadline
	DisconnectForfeit bool
	// ReclaimAfter is how long past its deadline a game may sit in the store
	// before any process ends it as orphaned
	ReclaimAfter time.Duration
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithArchive(a SubmissionArchive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithCommands lets submissions for sessions owned by another process be
// forwarded to it
func WithCommands(ch presence.Channel, origin string) Option {
	return func(m *Manager) {
		m.commands = ch
		m.origin = origin
	}
}

type playerState struct {
	identity  auth.Identity
	submitted bool
	forfeited bool
	connected bool
	result    *Result
}

type session struct {
	mu        sync.Mutex
	id        string
	roomID    string
	puzzleID  string
	startedAt time.Time
	endsAt    time.Time
	deadline  time.Time
	order     []string
	players   map[string]*playerState
	timer     Timer
	done      bool
}

// Manager owns the game sessions started by this process. Each session has
// its own lock; there is none across sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	rooms     Rooms
	notifier  Notifier
	persister ResultPersister
	archive   SubmissionArchive
	commands  presence.Channel
	origin    string

	cfg   Config
	clock Clock
	log   *slog.Logger
}

func NewManager(rooms Rooms, notifier Notifier, persister ResultPersister, cfg Config, log *slog.Logger, opts ...Option) *Manager {
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = defaultReclaimAfter
	}

	m := &Manager{
		sessions:  make(map[string]*session),
		rooms:     rooms,
		notifier:  notifier,
		persister: persister,
		cfg:       cfg,
		clock:     realClock{},
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start freezes the snapshot's membership and arms the deadline timer
func (m *Manager) Start(ctx context.Context, snap Snapshot) (Info, error) {
	if len(snap.Members) == 0 {
		return Info{}, ErrNoPlayers
	}

	id := snap.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	now := m.clock.Now()
	s := &session{
		id:        id,
		roomID:    snap.RoomID,
		puzzleID:  snap.PuzzleID,
		startedAt: now,
		endsAt:    now.Add(snap.Duration),
		deadline:  now.Add(snap.Duration + m.cfg.Grace),
		order:     make([]string, 0, len(snap.Members)),
		players:   make(map[string]*playerState, len(snap.Members)),
	}
	for _, member := range snap.Members {
		if _, dup := s.players[member.Username]; dup {
			continue
		}
		s.order = append(s.order, member.Username)
		s.players[member.Username] = &playerState{identity: member, connected: true}
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return Info{}, ErrSessionExists
	}
	m.sessions[id] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.timer = m.clock.AfterFunc(snap.Duration+m.cfg.Grace, func() { m.expire(id) })
	s.mu.Unlock()

	m.log.Info("game started",
		"session_id", id,
		"room_id", snap.RoomID,
		"puzzle_id", snap.PuzzleID,
		"players", len(s.order),
		"deadline", s.deadline,
	)

	return Info{SessionID: id, StartedAt: now, EndsAt: s.endsAt, Deadline: s.deadline}, nil
}

// RecordSubmission stores the player's latest result. Sessions owned by
// another process get the submission forwarded.
func (m *Manager) RecordSubmission(ctx context.Context, sessionID string, id auth.Identity, sub Submission) error {
	s := m.session(sessionID)
	if s == nil {
		return m.forwardSubmission(ctx, sessionID, id, sub)
	}
	return m.record(ctx, s, id, sub)
}

func (m *Manager) record(ctx context.Context, s *session, id auth.Identity, sub Submission) error {
	s.mu.Lock()
	err := s.acceptsLocked(id.Username, m.clock.Now())
	s.mu.Unlock()
	if err != nil {
		return err
	}

	result := &Result{Submission: sub}
	if sub.Code != "" && m.archive != nil {
		key, err := m.archive.ArchiveSubmission(ctx, s.id, id.Username, sub)
		if err != nil {
			m.log.Warn("failed to archive submission", "session_id", s.id, "username", id.Username, "error", err)
		} else {
			result.ArchiveKey = key
		}
	}

	now := m.clock.Now()

	s.mu.Lock()
	// re-check: the deadline may have fired while archiving
	if err := s.acceptsLocked(id.Username, now); err != nil {
		s.mu.Unlock()
		return err
	}

	result.SubmittedAt = now
	p := s.players[id.Username]
	p.result = result
	p.submitted = true

	members := append([]string(nil), s.order...)
	outcome, complete := s.completeLocked(ReasonAllSubmitted, now, s.allSubmittedLocked())
	s.mu.Unlock()

	m.log.Info("submission recorded", "session_id", s.id, "username", id.Username, "status", sub.Status)

	m.notifier.ToMembers(ctx, s.roomID, members, protocol.PlayerSubmitted{
		SessionID: s.id,
		Username:  id.Username,
		Status:    sub.Status,
	}, nil)

	if complete {
		m.finish(ctx, s, outcome)
	}
	return nil
}

// PlayerDisconnected applies the disconnect policy to a player's session
func (m *Manager) PlayerDisconnected(ctx context.Context, sessionID, username string) error {
	s := m.session(sessionID)
	if s == nil {
		return m.forward(ctx, command{Op: opDisconnect, SessionID: sessionID, Identity: auth.Identity{Username: username}})
	}
	return m.disconnect(ctx, s, username)
}

func (m *Manager) disconnect(ctx context.Context, s *session, username string) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}

	p, ok := s.players[username]
	if !ok {
		s.mu.Unlock()
		return ErrNotAMember
	}

	p.connected = false
	if m.cfg.DisconnectForfeit {
		p.forfeited = true
	}

	connected := s.connectedLocked()

	var (
		outcome  Outcome
		complete bool
	)
	if m.cfg.DisconnectForfeit {
		if s.activeLocked() == 0 {
			outcome, complete = s.completeLocked(ReasonAbandoned, m.clock.Now(), true)
		} else {
			outcome, complete = s.completeLocked(ReasonAllSubmitted, m.clock.Now(), s.allSubmittedLocked())
		}
	}
	s.mu.Unlock()

	m.log.Info("player disconnected from game",
		"session_id", s.id,
		"username", username,
		"forfeited", m.cfg.DisconnectForfeit,
		"connected", len(connected),
	)

	if complete {
		m.finish(ctx, s, outcome)
		return nil
	}

	if len(connected) > 0 && len(connected) < m.cfg.MinPlayers {
		m.notifier.ToMembers(ctx, s.roomID, connected, protocol.Error{Message: notEnoughConnectedMessage}, nil)
	}
	return nil
}

// PlayerReconnected marks a returning player as connected again
func (m *Manager) PlayerReconnected(ctx context.Context, sessionID, username string) error {
	s := m.session(sessionID)
	if s == nil {
		return m.forward(ctx, command{Op: opReconnect, SessionID: sessionID, Identity: auth.Identity{Username: username}})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[username]
	if !ok {
		return ErrNotAMember
	}
	if !p.forfeited {
		p.connected = true
	}
	return nil
}

// ActiveSessions counts the sessions owned by this process
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown ends every session this process still owns. Nothing else can
// finish them once the process exits, so they complete as interrupted with
// the submissions recorded so far.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	owned := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		owned = append(owned, s)
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	interrupted := 0
	var wg sync.WaitGroup
	for _, s := range owned {
		s.mu.Lock()
		outcome, complete := s.completeLocked(ReasonInterrupted, now, true)
		s.mu.Unlock()
		if !complete {
			continue
		}

		interrupted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.finish(context.Background(), s, outcome)
		}()
	}
	wg.Wait()

	m.log.Info("game manager stopped", "interrupted", interrupted)
}

// ReclaimOrphan ends a game nobody owns anymore and reports whether this
// call ended it. A live owner finishes its game at the deadline, so a room
// still in progress ReclaimAfter past it lost its owner. Submissions died
// with the owner and are not persisted; players are told the game was
// interrupted and moved back to the lobby.
func (m *Manager) ReclaimOrphan(ctx context.Context, room roomstore.Room) (bool, error) {
	if room.State != roomstore.StateInProgress || room.SessionID == "" || room.EndsAt.IsZero() {
		return false, nil
	}
	if m.session(room.SessionID) != nil {
		return false, nil
	}
	if m.clock.Now().Before(room.EndsAt.Add(m.cfg.Grace + m.cfg.ReclaimAfter)) {
		return false, nil
	}

	ended, err := m.rooms.EndGame(ctx, room.ID, room.SessionID)
	if apperr.IsNotFound(err) || apperr.IsConflict(err) {
		// another process reclaimed it first
		return false, nil
	}
	if err != nil {
		return false, err
	}

	usernames := ended.Usernames()
	outcome := Outcome{
		SessionID: ended.SessionID,
		RoomID:    ended.ID,
		Reason:    ReasonInterrupted,
		Players:   make([]PlayerOutcome, 0, len(usernames)),
	}
	for _, username := range usernames {
		outcome.Players = append(outcome.Players, PlayerOutcome{
			Identity: auth.Identity{UserID: ended.Members[username].UserID, Username: username},
		})
	}

	m.notifier.ToMembers(ctx, ended.ID, usernames, protocol.GameCompleted{
		SessionID: ended.SessionID,
		Reason:    ReasonInterrupted,
		Results:   outcome.Results(),
	}, &registry.Location{})

	m.log.Warn("reclaimed orphaned game", "session_id", ended.SessionID, "room_id", ended.ID, "ends_at", ended.EndsAt)
	return true, nil
}

func (m *Manager) expire(sessionID string) {
	s := m.session(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	outcome, complete := s.completeLocked(ReasonDeadline, m.clock.Now(), true)
	s.mu.Unlock()

	if complete {
		m.finish(context.Background(), s, outcome)
	}
}

// finish runs once per session: persist, drop the room, tell the players,
// forget the session
func (m *Manager) finish(ctx context.Context, s *session, outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
	}()

	if m.persister != nil {
		if err := m.persister.SaveResults(ctx, outcome); err != nil {
			m.log.Error("failed to persist game results", "session_id", s.id, "error", err)
		}
	}

	if _, err := m.rooms.EndGame(ctx, s.roomID, s.id); err != nil {
		if apperr.IsNotFound(err) || apperr.IsConflict(err) {
			// another process reclaimed the room and told the players
			m.log.Warn("finished game was already ended", "session_id", s.id, "room_id", s.roomID)
			return
		}
		m.log.Error("failed to delete finished room", "session_id", s.id, "room_id", s.roomID, "error", err)
	}

	usernames := make([]string, 0, len(outcome.Players))
	for _, p := range outcome.Players {
		usernames = append(usernames, p.Identity.Username)
	}

	m.notifier.ToMembers(ctx, s.roomID, usernames, protocol.GameCompleted{
		SessionID: s.id,
		Reason:    outcome.Reason,
		Results:   outcome.Results(),
	}, &registry.Location{})

	m.log.Info("game completed", "session_id", s.id, "room_id", s.roomID, "reason", outcome.Reason)
}

func (m *Manager) session(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (s *session) acceptsLocked(username string, now time.Time) error {
	if s.done {
		return ErrSessionNotFound
	}
	p, ok := s.players[username]
	if !ok {
		return ErrNotAMember
	}
	if p.forfeited {
		return ErrForfeited
	}
	if !now.Before(s.deadline) {
		return ErrDeadlinePassed
	}
	return nil
}

// completeLocked marks the session done when cond holds and it isn't
// already. Only the caller that gets complete=true may finish it.
func (s *session) completeLocked(reason string, now time.Time, cond bool) (Outcome, bool) {
	if s.done || !cond {
		return Outcome{}, false
	}

	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}

	outcome := Outcome{
		SessionID: s.id,
		RoomID:    s.roomID,
		PuzzleID:  s.puzzleID,
		Reason:    reason,
		StartedAt: s.startedAt,
		EndedAt:   now,
		Players:   make([]PlayerOutcome, 0, len(s.order)),
	}
	for _, username := range s.order {
		p := s.players[username]
		outcome.Players = append(outcome.Players, PlayerOutcome{
			Identity:     p.identity,
			HasSubmitted: p.submitted,
			Forfeited:    p.forfeited,
			Result:       p.result,
		})
	}
	return outcome, true
}

func (s *session) allSubmittedLocked() bool {
	active := 0
	for _, p := range s.players {
		if p.forfeited {
			continue
		}
		active++
		if !p.submitted {
			return false
		}
	}
	return active > 0
}

func (s *session) activeLocked() int {
	n := 0
	for _, p := range s.players {
		if !p.forfeited {
			n++
		}
	}
	return n
}

func (s *session) connectedLocked() []string {
	var names []string
	for _, username := range s.order {
		p := s.players[username]
		if p.connected && !p.forfeited {
			names = append(names, username)
		}
	}
	return names
}
