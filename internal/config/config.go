package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	GeneralParams    GeneralParams
	HttpServerParams HttpServerParams
	MainDBParams     MainDBParams
	S3Params         S3Params
	RedisParams      RedisParams
	RoomParams       RoomParams
	PresenceParams   PresenceParams
}

type GeneralParams struct {
	Env       string
	LogLevel  string
	SecretKey string
	GameURL   string
}

type HttpServerParams struct {
	Address string
	Port    string
	// AllowedOrigins are host patterns accepted on websocket upgrades
	// besides the request's own host
	AllowedOrigins []string
}

type MainDBParams struct {
	Username string
	Password string
	Name     string
	Port     int
	Host     string
	Timeout  int
}

type S3Params struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	BucketName      string
}

// RedisParams configures the shared room store and presence channel.
// With Enabled=false the process runs single-instance on in-memory state.
type RedisParams struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type RoomParams struct {
	DefaultMaxPlayers int
	MaxPlayers        int
	MinPlayers        int
	CountdownSeconds  int
	GameDuration      time.Duration
	MaxGameDuration   time.Duration
	SubmissionGrace   time.Duration
	// ReclaimAfter is how long past its deadline an unfinished game waits
	// before another instance ends it
	ReclaimAfter      time.Duration
	DuplicatePolicy   string
	DisconnectForfeit bool
}

type PresenceParams struct {
	PublishTimeout time.Duration
	HealthInterval time.Duration
}

type ConfigManager struct {
	v      *viper.Viper
	config *Config
}

// NewConfigManager creates new config manager that handles
// all viper config options and loads a config from yaml
func NewConfigManager(configPath string) (*ConfigManager, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cm := &ConfigManager{v: v}

	if err := cm.loadConfig(); err != nil {
		return nil, err
	}

	return cm, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general_params.game_url", "/multiplayer/%s")

	v.SetDefault("redis_params.enabled", true)
	v.SetDefault("redis_params.addr", "localhost:6379")

	v.SetDefault("room_params.default_max_players", 4)
	v.SetDefault("room_params.max_players", 16)
	v.SetDefault("room_params.min_players", 2)
	v.SetDefault("room_params.countdown_seconds", 5)
	v.SetDefault("room_params.game_duration", 15*time.Minute)
	v.SetDefault("room_params.max_game_duration", 2*time.Hour)
	v.SetDefault("room_params.submission_grace", 10*time.Second)
	v.SetDefault("room_params.reclaim_after", time.Minute)
	v.SetDefault("room_params.duplicate_policy", "replace")
	v.SetDefault("room_params.disconnect_forfeit", false)

	v.SetDefault("presence_params.publish_timeout", 500*time.Millisecond)
	v.SetDefault("presence_params.health_interval", 10*time.Second)
}

// Extracting data from yaml file and loading into Config
func (cm *ConfigManager) loadConfig() error {
	cm.config = &Config{
		GeneralParams: GeneralParams{
			Env:       cm.v.GetString("general_params.env"),
			LogLevel:  cm.v.GetString("general_params.log_level"),
			SecretKey: cm.v.GetString("general_params.secret_key"),
			GameURL:   cm.v.GetString("general_params.game_url"),
		},
		HttpServerParams: HttpServerParams{
			Address: cm.v.GetString("http_server_params.http_server_address"),
			Port:    cm.v.GetString("http_server_params.http_server_port"),

			AllowedOrigins: cm.v.GetStringSlice("http_server_params.allowed_origins"),
		},
		MainDBParams: MainDBParams{
			Username: cm.v.GetString("main_db_params.db_username"),
			Password: cm.v.GetString("main_db_params.db_password"),
			Name:     cm.v.GetString("main_db_params.db_name"),
			Port:     cm.v.GetInt("main_db_params.db_port"),
			Host:     cm.v.GetString("main_db_params.db_host"),
			Timeout:  cm.v.GetInt("main_db_params.db_timeout"),
		},
		S3Params: S3Params{
			Endpoint:        cm.v.GetString("s3_params.endpoint"),
			AccessKeyID:     cm.v.GetString("s3_params.access_key_id"),
			SecretAccessKey: cm.v.GetString("s3_params.secret_access_key"),
			Region:          cm.v.GetString("s3_params.region"),
			UseSSL:          cm.v.GetBool("s3_params.use_ssl"),
			BucketName:      cm.v.GetString("s3_params.bucket_name"),
		},
		RedisParams: RedisParams{
			Enabled:  cm.v.GetBool("redis_params.enabled"),
			Addr:     cm.v.GetString("redis_params.addr"),
			Password: cm.v.GetString("redis_params.password"),
			DB:       cm.v.GetInt("redis_params.db"),
		},
		RoomParams: RoomParams{
			DefaultMaxPlayers: cm.v.GetInt("room_params.default_max_players"),
			MaxPlayers:        cm.v.GetInt("room_params.max_players"),
			MinPlayers:        cm.v.GetInt("room_params.min_players"),
			CountdownSeconds:  cm.v.GetInt("room_params.countdown_seconds"),
			GameDuration:      cm.v.GetDuration("room_params.game_duration"),
			MaxGameDuration:   cm.v.GetDuration("room_params.max_game_duration"),
			SubmissionGrace:   cm.v.GetDuration("room_params.submission_grace"),
			ReclaimAfter:      cm.v.GetDuration("room_params.reclaim_after"),
			DuplicatePolicy:   cm.v.GetString("room_params.duplicate_policy"),
			DisconnectForfeit: cm.v.GetBool("room_params.disconnect_forfeit"),
		},
		PresenceParams: PresenceParams{
			PublishTimeout: cm.v.GetDuration("presence_params.publish_timeout"),
			HealthInterval: cm.v.GetDuration("presence_params.health_interval"),
		},
	}
	return nil
}

// Geting config instance
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config
}

// Compiling a string to connect to main_db
func (db *MainDBParams) GetDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?connect_timeout=%d&sslmode=disable",
		db.Username,
		db.Password,
		db.Host,
		db.Port,
		db.Name,
		db.Timeout,
	)
}

func (h *HttpServerParams) GetAddress() string {
	return fmt.Sprintf(
		"%s:%s",
		h.Address,
		h.Port,
	)
}

func (c *Config) Validate() error {
	// Checking secret key
	if c.GeneralParams.SecretKey == "" {
		return fmt.Errorf("parameter secret_key is required")
	}

	// Checking out enviroment variable
	switch c.GeneralParams.Env {
	case "dev", "prod", "test":
	default:
		return fmt.Errorf("env parameter is invalid: %s. try dev/prod/test instead", c.GeneralParams.Env)
	}

	if !strings.Contains(c.GeneralParams.GameURL, "%s") {
		return fmt.Errorf("game_url must contain a %%s placeholder for the session id")
	}

	// Checking http server parameters
	if c.HttpServerParams.Address == "" {
		return fmt.Errorf("http server address is required")
	}
	if c.HttpServerParams.Port == "" {
		return fmt.Errorf("http server port is required")
	}

	// Checking MainDbparams
	if c.MainDBParams.Host == "" {
		return fmt.Errorf("MainDB: host is required")
	}
	if c.MainDBParams.Username == "" {
		return fmt.Errorf("MainDB: username is required")
	}
	if c.MainDBParams.Password == "" {
		return fmt.Errorf("MainDB: password is requred")
	}
	if c.MainDBParams.Port <= 0 || c.MainDBParams.Port > 65535 {
		return fmt.Errorf("MainDB: port is invalid")
	}

	// Checking S3 params
	if c.S3Params.Endpoint == "" {
		return fmt.Errorf("S3 endpoint is required")
	}
	if c.S3Params.AccessKeyID == "" {
		return fmt.Errorf("S3 access_key id is required")
	}
	if c.S3Params.SecretAccessKey == "" {
		return fmt.Errorf("S3 secret_access_key is required")
	}
	if c.S3Params.BucketName == "" {
		return fmt.Errorf("S3 bucket name is required")
	}

	if c.RedisParams.Enabled && c.RedisParams.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	return c.RoomParams.validate()
}

func (r *RoomParams) validate() error {
	if r.DefaultMaxPlayers < 1 {
		return fmt.Errorf("default_max_players must be at least 1")
	}
	if r.MinPlayers < 1 || r.MinPlayers > r.DefaultMaxPlayers {
		return fmt.Errorf("min_players must be between 1 and default_max_players")
	}
	if r.CountdownSeconds < 0 {
		return fmt.Errorf("countdown_seconds can't be negative")
	}
	if r.MaxPlayers < r.DefaultMaxPlayers {
		return fmt.Errorf("max_players can't be below default_max_players")
	}
	if r.GameDuration <= 0 {
		return fmt.Errorf("game_duration must be positive")
	}
	if r.MaxGameDuration < r.GameDuration {
		return fmt.Errorf("max_game_duration can't be below game_duration")
	}
	if r.SubmissionGrace < 0 {
		return fmt.Errorf("submission_grace can't be negative")
	}
	if r.ReclaimAfter < 0 {
		return fmt.Errorf("reclaim_after can't be negative")
	}

	switch r.DuplicatePolicy {
	case "replace", "reject":
	default:
		return fmt.Errorf("duplicate_policy is invalid: %s. try replace/reject instead", r.DuplicatePolicy)
	}

	return nil
}
