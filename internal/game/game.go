// Package game runs in-progress matches: it collects submissions until every
// active player has submitted or the deadline passes, then hands the results
// off for persistence and returns players to the lobby.
package game

import (
	"context"
	"time"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/internal/roomstore"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

var (
	ErrSessionNotFound = apperr.New(apperr.CodeNotFound, "Game session not found")
	ErrSessionExists   = apperr.New(apperr.CodeConflict, "Game session already exists")
	ErrNotAMember      = apperr.New(apperr.CodeValidation, "You are not a player in this game")
	ErrDeadlinePassed  = apperr.New(apperr.CodeValidation, "Submission deadline has passed")
	ErrForfeited       = apperr.New(apperr.CodeValidation, "You have forfeited this game")
	ErrNoPlayers       = apperr.New(apperr.CodeValidation, "A game needs at least one player")
)

// Completion reasons
const (
	ReasonAllSubmitted = "all_submitted"
	ReasonDeadline     = "deadline"
	ReasonAbandoned    = "abandoned"
	// ReasonInterrupted ends games whose owning process stopped or died
	ReasonInterrupted = "interrupted"
)

// Snapshot is the frozen room a game starts from. An empty SessionID gets
// a fresh one.
type Snapshot struct {
	SessionID string
	RoomID    string
	PuzzleID  string
	Members   []auth.Identity
	Duration  time.Duration
}

// Info describes a started session
type Info struct {
	SessionID string
	StartedAt time.Time
	EndsAt    time.Time
	Deadline  time.Time
}

// Submission is the execution service's verdict for one player's code
type Submission struct {
	SubmissionID    string   `json:"submissionId,omitempty"`
	Status          string   `json:"status"`
	ExecutionTimeMs *float64 `json:"executionTimeMs,omitempty"`
	Language        string   `json:"language,omitempty"`
	Code            string   `json:"code,omitempty"`
}

// Result is a recorded submission
type Result struct {
	Submission
	SubmittedAt time.Time
	ArchiveKey  string
}

type PlayerOutcome struct {
	Identity     auth.Identity
	HasSubmitted bool
	Forfeited    bool
	Result       *Result
}

// Outcome is what a finished session hands to persistence
type Outcome struct {
	SessionID string
	RoomID    string
	PuzzleID  string
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	Players   []PlayerOutcome
}

// Rooms is the part of the room store the game manager needs
type Rooms interface {
	GetRoom(ctx context.Context, roomID string) (roomstore.Room, error)
	RoomOf(ctx context.Context, username string) (string, error)
	EndGame(ctx context.Context, roomID, sessionID string) (roomstore.Room, error)
}

// Notifier reaches players wherever they are connected
type Notifier interface {
	ToMembers(ctx context.Context, roomID string, usernames []string, ev protocol.ServerEvent, move *registry.Location)
}

type ResultPersister interface {
	SaveResults(ctx context.Context, outcome Outcome) error
}

// SubmissionArchive stores submitted source code and returns its key
type SubmissionArchive interface {
	ArchiveSubmission(ctx context.Context, sessionID, username string, sub Submission) (string, error)
}

func (o Outcome) Results() []protocol.PlayerResult {
	results := make([]protocol.PlayerResult, 0, len(o.Players))
	for _, p := range o.Players {
		r := protocol.PlayerResult{
			Username:     p.Identity.Username,
			UserID:       p.Identity.UserID.String(),
			HasSubmitted: p.HasSubmitted,
			Forfeited:    p.Forfeited,
		}
		if p.Result != nil {
			r.Status = p.Result.Status
			r.SubmissionID = p.Result.SubmissionID
			r.ExecutionTimeMs = p.Result.ExecutionTimeMs
		}
		results = append(results, r)
	}
	return results
}
