package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
general_params:
  env: test
  secret_key: secret
http_server_params:
  http_server_address: 127.0.0.1
  http_server_port: "9090"
main_db_params:
  db_username: u
  db_password: p
  db_name: arena
  db_host: db
  db_port: 5432
s3_params:
  endpoint: s3:9000
  access_key_id: a
  secret_access_key: b
  bucket_name: submissions
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cm, err := NewConfigManager(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	c := cm.GetConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, "127.0.0.1:9090", c.HttpServerParams.GetAddress())
	assert.Empty(t, c.HttpServerParams.AllowedOrigins)
	assert.Equal(t, 4, c.RoomParams.DefaultMaxPlayers)
	assert.Equal(t, 2, c.RoomParams.MinPlayers)
	assert.Equal(t, 5, c.RoomParams.CountdownSeconds)
	assert.Equal(t, 15*time.Minute, c.RoomParams.GameDuration)
	assert.Equal(t, 16, c.RoomParams.MaxPlayers)
	assert.Equal(t, 2*time.Hour, c.RoomParams.MaxGameDuration)
	assert.Equal(t, time.Minute, c.RoomParams.ReclaimAfter)
	assert.Equal(t, 10*time.Second, c.RoomParams.SubmissionGrace)
	assert.Equal(t, "replace", c.RoomParams.DuplicatePolicy)
	assert.False(t, c.RoomParams.DisconnectForfeit)
	assert.True(t, c.RedisParams.Enabled)
	assert.Equal(t, 500*time.Millisecond, c.PresenceParams.PublishTimeout)
	assert.Equal(t, "postgres://u:p@db:5432/arena?connect_timeout=0&sslmode=disable", c.MainDBParams.GetDSN())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("APP_ROOM_PARAMS_DUPLICATE_POLICY", "reject")
	t.Setenv("APP_ROOM_PARAMS_MIN_PLAYERS", "3")

	cm, err := NewConfigManager(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	c := cm.GetConfig()
	assert.Equal(t, "reject", c.RoomParams.DuplicatePolicy)
	assert.Equal(t, 3, c.RoomParams.MinPlayers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad env", func(c *Config) { c.GeneralParams.Env = "staging" }, "env parameter is invalid"},
		{"missing secret", func(c *Config) { c.GeneralParams.SecretKey = "" }, "secret_key is required"},
		{"bad policy", func(c *Config) { c.RoomParams.DuplicatePolicy = "ignore" }, "duplicate_policy is invalid"},
		{"min above max", func(c *Config) { c.RoomParams.MinPlayers = 9 }, "min_players"},
		{"no duration", func(c *Config) { c.RoomParams.GameDuration = 0 }, "game_duration"},
		{"max players below default", func(c *Config) { c.RoomParams.MaxPlayers = 3 }, "max_players"},
		{"max duration below default", func(c *Config) { c.RoomParams.MaxGameDuration = time.Minute }, "max_game_duration"},
		{"negative reclaim", func(c *Config) { c.RoomParams.ReclaimAfter = -time.Second }, "reclaim_after"},
		{"redis without addr", func(c *Config) { c.RedisParams.Addr = "" }, "redis addr"},
		{"game url placeholder", func(c *Config) { c.GeneralParams.GameURL = "/games" }, "game_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm, err := NewConfigManager(writeConfig(t, minimalYAML))
			require.NoError(t, err)

			c := cm.GetConfig()
			tt.mutate(c)
			err = c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
