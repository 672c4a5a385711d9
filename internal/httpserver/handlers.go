package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/internal/storage/postgres"
	"github.com/rx3lixir/codearena/pkg/httputil"
)

type RoomQueries interface {
	Lobby(ctx context.Context) (protocol.OverviewOfRooms, error)
	Room(ctx context.Context, id auth.Identity, roomID string) (protocol.OverviewRoom, error)
}

type GameRecords interface {
	GetGame(ctx context.Context, sessionID uuid.UUID) (*postgres.GameRecord, error)
}

// HealthConfig holds what /healthz reports on. Nil fields are skipped.
type HealthConfig struct {
	Store    interface{ Ping(ctx context.Context) error }
	Presence interface{ Degraded() bool }
	Registry interface{ Metrics() registry.Metrics }
	Sessions interface{ ActiveSessions() int }
}

type healthResponse struct {
	Status         string            `json:"status"`
	Store          string            `json:"store"`
	PresenceMode   string            `json:"presence"`
	Connections    *registry.Metrics `json:"connections,omitempty"`
	ActiveSessions int               `json:"activeSessions"`
}

type handlers struct {
	rooms  RoomQueries
	games  GameRecords
	health HealthConfig
}

func (h *handlers) handleListRooms(w http.ResponseWriter, r *http.Request) error {
	lobby, err := h.rooms.Lobby(r.Context())
	if err != nil {
		return err
	}
	if lobby.Rooms == nil {
		lobby.Rooms = []protocol.RoomSummary{}
	}
	return httputil.RespondJSON(w, http.StatusOK, lobby)
}

func (h *handlers) handleGetRoom(w http.ResponseWriter, r *http.Request) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return httputil.Unauthorized("Unauthorized")
	}

	room, err := h.rooms.Room(r.Context(), id, chi.URLParam(r, "roomID"))
	if err != nil {
		return err
	}
	return httputil.RespondJSON(w, http.StatusOK, room)
}

func (h *handlers) handleGetGame(w http.ResponseWriter, r *http.Request) error {
	sessionID, err := httputil.ParseUUID(r, "sessionID")
	if err != nil {
		return err
	}

	rec, err := h.games.GetGame(r.Context(), sessionID)
	if err != nil {
		return err
	}
	return httputil.RespondJSON(w, http.StatusOK, rec)
}

// handleHealth answers 503 only when the room store is unreachable. A
// degraded presence channel still serves this process's connections.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", PresenceMode: "shared"}
	status := http.StatusOK

	if h.health.Store != nil {
		if err := h.health.Store.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Store = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if h.health.Presence != nil && h.health.Presence.Degraded() {
		resp.PresenceMode = "local"
		if status == http.StatusOK {
			resp.Status = "degraded"
		}
	}
	if h.health.Registry != nil {
		m := h.health.Registry.Metrics()
		resp.Connections = &m
	}
	if h.health.Sessions != nil {
		resp.ActiveSessions = h.health.Sessions.ActiveSessions()
	}

	_ = httputil.RespondJSON(w, status, resp)
}
