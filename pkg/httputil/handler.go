package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// retryAfter is advertised when a backing store is down
const retryAfter = "5"

// HandlerFunc is an API handler that reports failure by returning it
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// ErrorBody is the JSON every failed API call answers with
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func Handler(h HandlerFunc, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			RespondError(w, r, err, log)
		}
	}
}

// RespondError writes err as an ErrorBody. Only server-side failures are
// logged as errors; a missing room or a bad id is routine in the lobby.
func RespondError(w http.ResponseWriter, r *http.Request, err error, log *slog.Logger) {
	httpErr := FromError(err)
	reqID := middleware.GetReqID(r.Context())

	level := slog.LevelInfo
	if httpErr.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	log.Log(r.Context(), level, "api request failed",
		"error", err,
		"code", httpErr.Code,
		"status", httpErr.Status,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", reqID,
	)

	if httpErr.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfter)
	}

	_ = RespondJSON(w, httpErr.Status, ErrorBody{
		Error:     httpErr.Message,
		Code:      httpErr.Code,
		RequestID: reqID,
		Details:   httpErr.Details,
	})
}

func RespondJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ParseUUID reads a UUID path parameter
func ParseUUID(r *http.Request, param string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, param))
	if raw == "" {
		return uuid.Nil, BadRequest(param + " is required")
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, BadRequest(param+" must be a UUID", map[string]string{param: raw})
	}
	return id, nil
}
