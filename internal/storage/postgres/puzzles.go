package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rx3lixir/codearena/internal/waitingroom"
)

// RandomApprovedPuzzle picks one approved puzzle uniformly at random
func (s *Store) RandomApprovedPuzzle(ctx context.Context) (string, error) {
	query := `
		SELECT id
		FROM puzzles
		WHERE visibility = 'approved'
		ORDER BY random()
		LIMIT 1
	`

	var id string
	if err := s.db.QueryRow(ctx, query).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", waitingroom.ErrNoPuzzles
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("operation cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("failed to pick puzzle: %w", err)
	}

	return id, nil
}
