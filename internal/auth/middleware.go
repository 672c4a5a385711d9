package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rx3lixir/codearena/pkg/httputil"
)

type contextKey string

const identityKey contextKey = "identity"

// Middleware rejects requests without a resolvable identity and stores the
// identity in the request context
func Middleware(resolver *Resolver, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r)
			if err != nil {
				httputil.RespondError(w, r, httputil.Unauthorized(err.Error()), log)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity stored by Middleware
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
