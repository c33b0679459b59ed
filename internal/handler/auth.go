package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Identity headers set by the upstream gateway after authenticating the caller.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type Principal struct {
	UserID uuid.UUID
	Role   string
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireRole rejects requests without a valid caller identity (401) or whose
// role is not in allowed (403).
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	roles := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		roles[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))

			userID, err := uuid.FromString(rawID)
			if err != nil || userID == uuid.Nil || role == "" {
				log.Ctx(r.Context()).Warn().Str("user_id", rawID).Msg("Request without valid caller identity")
				respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required")
				return
			}

			if _, ok := roles[role]; !ok {
				log.Ctx(r.Context()).Warn().Str("user_id", rawID).Str("role", role).Msg("Caller role is not allowed")
				respondWithError(w, http.StatusForbidden, CodeForbidden, "Access denied")
				return
			}

			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("user_id", userID.String())
			})

			ctx := context.WithValue(r.Context(), principalKey{}, Principal{UserID: userID, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
