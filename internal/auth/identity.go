package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rx3lixir/codearena/pkg/jwt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUserNotFound = errors.New("user not found")
)

// Identity is the authenticated user behind a connection. It never changes
// for the lifetime of that connection.
type Identity struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
}

// Resolver turns an incoming request into an Identity using the platform's
// access tokens
type Resolver struct {
	tokens *jwt.Service
}

func NewResolver(tokens *jwt.Service) *Resolver {
	return &Resolver{tokens: tokens}
}

// Resolve returns ErrUnauthorized when no valid token is present and
// ErrUserNotFound when the token is valid but names no user
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	token := TokenFromRequest(req)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	claims, err := r.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrMissingIdentity) {
			return Identity{}, ErrUserNotFound
		}
		return Identity{}, ErrUnauthorized
	}

	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query param for browsers that can't set headers
// on websocket upgrades
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
