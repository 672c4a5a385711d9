package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/pkg/httputil"
)

type RouterConfig struct {
	Websocket http.Handler
	Resolver  *auth.Resolver
	Rooms     RoomQueries
	Games     GameRecords
	Health    HealthConfig
	Log       *slog.Logger
}

func NewRouter(config RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	h := &handlers{rooms: config.Rooms, games: config.Games, health: config.Health}
	log := config.Log

	// Middleware block
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)

	// Authenticates itself so it can answer with websocket close codes
	r.Handle("/ws/waiting-room", config.Websocket)

	// Protected routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequestLogger(log))
		r.Use(middleware.Compress(5))
		r.Use(auth.Middleware(config.Resolver, log))

		r.Get("/rooms", httputil.Handler(h.handleListRooms, log))
		r.Get("/rooms/{roomID}", httputil.Handler(h.handleGetRoom, log))

		if config.Games != nil {
			r.Get("/games/{sessionID}", httputil.Handler(h.handleGetGame, log))
		}
	})

	return r
}
