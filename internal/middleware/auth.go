package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"unicode"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/identity"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserIDFromContext retrieves the authenticated user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}

// WithUserID returns a new context with the given user ID set. Useful for
// testing handlers that depend on auth middleware.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userIDKey, uid)
}

// Authenticate returns middleware implementing C1: it first checks for an
// internal service-to-service token (X-Internal-Auth + X-User-ID), falling
// back to the identity gate's bearer-token verification.
func Authenticate(gate *identity.Gate, internalSecret string) func(http.Handler) http.Handler {
	secretBytes := []byte(internalSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			internalToken := r.Header.Get("X-Internal-Auth")
			userID := r.Header.Get("X-User-ID")

			if internalToken != "" && userID != "" && len(secretBytes) > 0 {
				if subtle.ConstantTimeCompare([]byte(internalToken), secretBytes) == 1 {
					userID = strings.TrimSpace(userID)
					if userID == "" || len(userID) > 256 || !isPrintableASCII(userID) {
						apierr.New(apierr.ValidationError, "invalid user id").WriteJSON(w)
						return
					}
					ctx := context.WithValue(r.Context(), userIDKey, userID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				apierr.New(apierr.Unauthorized, "invalid internal auth token").WriteJSON(w)
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				apierr.New(apierr.Unauthorized, "missing authorization token").WriteJSON(w)
				return
			}

			id, err := gate.Authenticate(r.Context(), token)
			if err != nil {
				apierr.New(apierr.Unauthorized, "invalid or expired token").WriteJSON(w)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, id.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// isPrintableASCII checks that every rune is a printable ASCII character.
func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
