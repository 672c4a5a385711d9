package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/config"
	"github.com/rx3lixir/codearena/internal/fanout"
	"github.com/rx3lixir/codearena/internal/game"
	"github.com/rx3lixir/codearena/internal/httpserver"
	"github.com/rx3lixir/codearena/internal/presence"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/internal/roomstore"
	"github.com/rx3lixir/codearena/internal/storage/postgres"
	"github.com/rx3lixir/codearena/internal/storage/s3"
	"github.com/rx3lixir/codearena/internal/waitingroom"
	"github.com/rx3lixir/codearena/internal/websocket"
	"github.com/rx3lixir/codearena/pkg/jwt"
	"github.com/rx3lixir/codearena/pkg/logger"
)

func main() {
	// Initializing and validating config
	cm, err := config.NewConfigManager("internal/config/config.yaml")
	if err != nil {
		fmt.Printf("Error getting config file: %v\n", err)
		os.Exit(1)
	}
	c := cm.GetConfig()
	if err := c.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Identifies this process on the shared channel
	origin := uuid.NewString()

	// Initializing logger
	log, err := logger.New(logger.Config{
		Env:       c.GeneralParams.Env,
		Level:     c.GeneralParams.LogLevel,
		AddSource: true,
		Attrs: []slog.Attr{
			slog.String("service", "codearena"),
			slog.String("origin", origin),
		},
	})
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}

	log.Info(
		"Config loaded successfully!",
		"env", c.GeneralParams.Env,
		"http_server_address", c.HttpServerParams.GetAddress(),
		"database", c.MainDBParams.Name,
		"redis_enabled", c.RedisParams.Enabled,
	)

	// Global context with cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Room store and presence channel: shared through redis, or local to
	// this process when redis is disabled
	var (
		store   roomstore.Store
		channel presence.Channel
	)
	if c.RedisParams.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:         c.RedisParams.Addr,
			Password:     c.RedisParams.Password,
			DB:           c.RedisParams.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Error("Failed to connect to redis", "addr", c.RedisParams.Addr, "error", err)
			os.Exit(1)
		}

		store = roomstore.NewRedisStore(rdb)
		channel = presence.NewRedisChannel(rdb, presence.RedisConfig{
			PublishTimeout: c.PresenceParams.PublishTimeout,
			HealthInterval: c.PresenceParams.HealthInterval,
		}, log.Component("presence"))

		log.Info("Redis connection established", "addr", c.RedisParams.Addr)
	} else {
		store = roomstore.NewMemoryStore()
		channel = presence.NewLocalBus(log.Component("presence"))

		log.Warn("Redis disabled, rooms are local to this process")
	}

	// Creating database connection and init Postgres
	if err := postgres.Migrate(c.MainDBParams.GetDSN(), log.Component("migrate")); err != nil {
		log.Error("Failed to migrate database", "error", err, "db", c.MainDBParams.Name)
		os.Exit(1)
	}

	pool, err := postgres.NewPool(ctx, c.MainDBParams.GetDSN())
	if err != nil {
		log.Error(
			"Failed to create postgres pool",
			"error", err,
			"db", c.MainDBParams.Name,
		)
		os.Exit(1)
	}
	defer pool.Close()

	log.Info("Database connection established", "db", c.MainDBParams.Name)

	pgStore := postgres.NewStore(pool)

	// Object storage for submitted code
	minioClient, err := s3.Connect(ctx, s3.Options{
		Endpoint:        c.S3Params.Endpoint,
		AccessKeyID:     c.S3Params.AccessKeyID,
		SecretAccessKey: c.S3Params.SecretAccessKey,
		Region:          c.S3Params.Region,
		UseSSL:          c.S3Params.UseSSL,
		Bucket:          c.S3Params.BucketName,
	})
	if err != nil {
		log.Error("Failed to set up object storage", "error", err, "bucket", c.S3Params.BucketName)
		os.Exit(1)
	}

	// JWT Service intialization
	jwtService := jwt.NewService(c.GeneralParams.SecretKey, time.Minute*15)
	resolver := auth.NewResolver(jwtService)

	// Connections and cross-process fan-out
	reg := registry.New(registry.Policy(c.RoomParams.DuplicatePolicy), log.Component("registry"))

	notifier := fanout.New(channel, reg, origin, log.Component("fanout"))
	if err := notifier.Start(ctx); err != nil {
		log.Error("Failed to subscribe to waiting room events", "error", err)
		os.Exit(1)
	}

	games := game.NewManager(
		store,
		notifier,
		pgStore,
		game.Config{
			Grace:             c.RoomParams.SubmissionGrace,
			MinPlayers:        c.RoomParams.MinPlayers,
			DisconnectForfeit: c.RoomParams.DisconnectForfeit,
			ReclaimAfter:      c.RoomParams.ReclaimAfter,
		},
		log.Component("game"),
		game.WithArchive(s3.NewArchive(minioClient, c.S3Params.BucketName)),
		game.WithCommands(channel, origin),
	)
	if err := games.ListenCommands(ctx); err != nil {
		log.Error("Failed to subscribe to game commands", "error", err)
		os.Exit(1)
	}

	lobby := waitingroom.NewManager(
		store,
		notifier,
		games,
		pgStore,
		waitingroom.Config{
			DefaultMaxPlayers: c.RoomParams.DefaultMaxPlayers,
			MaxPlayers:        c.RoomParams.MaxPlayers,
			MinPlayers:        c.RoomParams.MinPlayers,
			CountdownSeconds:  c.RoomParams.CountdownSeconds,
			GameDuration:      c.RoomParams.GameDuration,
			MaxGameDuration:   c.RoomParams.MaxGameDuration,
			GameURL:           c.GeneralParams.GameURL,
		},
		log.Component("waitingroom"),
	)

	wsHandler := websocket.NewHandler(
		resolver,
		reg,
		lobby,
		games,
		c.HttpServerParams.AllowedOrigins,
		log.Component("websocket"),
	)

	// Creates HTTP server
	router := httpserver.NewRouter(httpserver.RouterConfig{
		Websocket: wsHandler,
		Resolver:  resolver,
		Rooms:     lobby,
		Games:     pgStore,
		Health: httpserver.HealthConfig{
			Store:    store,
			Presence: channel,
			Registry: reg,
			Sessions: games,
		},
		Log: log.Component("http"),
	})
	server := httpserver.New(c.HttpServerParams.GetAddress(), router, log.Logger)

	serverErrors := make(chan error, 1)

	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we recieve a signal or error
	select {
	case err := <-serverErrors:
		log.Error("Server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("Shutdown signal received", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", "error", err)
	}

	// Running countdowns go back to OPEN, then games owned here end as
	// interrupted while their players can still hear about it
	lobby.Shutdown()
	games.Shutdown()

	// Connections go away without leaving their rooms, so a restarted
	// process or another instance can pick them up again
	reg.CloseAll(registry.ReasonShutdown)
	wsHandler.Wait()

	if err := channel.Close(); err != nil {
		log.Error("Failed to close presence channel", "error", err)
	}

	log.Info("Shutdown complete")
}
