package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rx3lixir/codearena/internal/game"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

var ErrGameNotFound = apperr.New(apperr.CodeNotFound, "Game not found")

// GameRecord is a persisted game with its players
type GameRecord struct {
	SessionID string         `json:"sessionId"`
	RoomID    string         `json:"roomId"`
	PuzzleID  string         `json:"puzzleId"`
	Reason    string         `json:"reason"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt"`
	Players   []PlayerRecord `json:"players"`
}

type PlayerRecord struct {
	UserID          uuid.UUID  `json:"userId"`
	Username        string     `json:"username"`
	HasSubmitted    bool       `json:"hasSubmitted"`
	Forfeited       bool       `json:"forfeited"`
	Status          *string    `json:"status,omitempty"`
	SubmissionID    *string    `json:"submissionId,omitempty"`
	ExecutionTimeMs *float64   `json:"executionTimeMs,omitempty"`
	Language        *string    `json:"language,omitempty"`
	ArchiveKey      *string    `json:"archiveKey,omitempty"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
}

// SaveResults writes a finished game and every player's outcome in one
// transaction. Saving the same session twice is a no-op.
func (s *Store) SaveResults(ctx context.Context, outcome game.Outcome) error {
	sessionID, err := uuid.Parse(outcome.SessionID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", outcome.SessionID, err)
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO game_sessions (id, room_id, puzzle_id, reason, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`,
			sessionID,
			outcome.RoomID,
			outcome.PuzzleID,
			outcome.Reason,
			outcome.StartedAt,
			outcome.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert game session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, p := range outcome.Players {
			batch.Queue(`
				INSERT INTO game_players (
					session_id, user_id, username, has_submitted, forfeited,
					status, submission_id, execution_time_ms, language, archive_key, submitted_at
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, playerArgs(sessionID, p)...)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert game players: %w", err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}
		return err
	}

	return nil
}

func playerArgs(sessionID uuid.UUID, p game.PlayerOutcome) []any {
	var (
		status, submissionID, language, archiveKey *string
		execTime                                   *float64
		submittedAt                                *time.Time
	)
	if r := p.Result; r != nil {
		status = &r.Status
		execTime = r.ExecutionTimeMs
		submittedAt = &r.SubmittedAt
		submissionID = nonEmpty(r.SubmissionID)
		language = nonEmpty(r.Language)
		archiveKey = nonEmpty(r.ArchiveKey)
	}

	return []any{
		sessionID,
		p.Identity.UserID,
		p.Identity.Username,
		p.HasSubmitted,
		p.Forfeited,
		status,
		submissionID,
		execTime,
		language,
		archiveKey,
		submittedAt,
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetGame retrieves a finished game by session id
func (s *Store) GetGame(ctx context.Context, sessionID uuid.UUID) (*GameRecord, error) {
	query := `
		SELECT id, room_id, puzzle_id, reason, started_at, ended_at
		FROM game_sessions
		WHERE id = $1
	`
	var id uuid.UUID
	rec := &GameRecord{}
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&id,
		&rec.RoomID,
		&rec.PuzzleID,
		&rec.Reason,
		&rec.StartedAt,
		&rec.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	rec.SessionID = id.String()

	rows, err := s.db.Query(ctx, `
		SELECT user_id, username, has_submitted, forfeited,
			status, submission_id, execution_time_ms, language, archive_key, submitted_at
		FROM game_players
		WHERE session_id = $1
		ORDER BY submitted_at ASC NULLS LAST, username ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get game players: %w", err)
	}
	defer rows.Close()

	rec.Players = []PlayerRecord{}
	for rows.Next() {
		var p PlayerRecord
		err := rows.Scan(
			&p.UserID,
			&p.Username,
			&p.HasSubmitted,
			&p.Forfeited,
			&p.Status,
			&p.SubmissionID,
			&p.ExecutionTimeMs,
			&p.Language,
			&p.ArchiveKey,
			&p.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan game player: %w", err)
		}
		rec.Players = append(rec.Players, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating game players: %w", err)
	}

	return rec, nil
}
