package httpapi

import (
	"context"
	"net/http"
	"strings"

	"caseflow/auth"
)

type contextKey string

const (
	ctxUserID contextKey = "user_id"
	ctxRole   contextKey = "role"
)

// TokenVerifier is the slice of the auth service the middleware needs.
type TokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

// requireAuth extracts and validates the bearer token, putting the caller's
// identity on the request context. WebSocket clients may pass the token as a
// query parameter since browsers cannot set headers on upgrade requests.
func requireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing token")
				return
			}

			userID, role, err := verifier.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxRole, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func callerID(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}

func callerRole(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxRole).(auth.Role)
	return role
}
