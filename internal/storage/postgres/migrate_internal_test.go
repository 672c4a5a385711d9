package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@db:5432/arena?sslmode=disable", "pgx5://u:p@db:5432/arena?sslmode=disable"},
		{"postgresql://u:p@db/arena", "pgx5://u:p@db/arena"},
		{"pgx5://u:p@db/arena", "pgx5://u:p@db/arena"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, migrateURL(tt.dsn))
		})
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_game_results.up.sql")
	assert.Contains(t, names, "000001_game_results.down.sql")
}
