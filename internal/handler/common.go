package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/identity"
	"github.com/flowreader/flowreader-backend/internal/middleware"
)

// writeJSON writes a success body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err through the C14 error taxonomy and writes its JSON
// envelope, logging the cause for anything that isn't client-caused.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	ae := apierr.As(err)
	if ae.K == apierr.Internal || ae.K == apierr.Upstream {
		slog.Error("request failed", "path", r.URL.Path, "method", r.Method, "error", err)
	}
	ae.WriteJSON(w)
}

// requireUser pulls the authenticated caller's id from context, writing an
// Unauthorized response and returning ok=false when absent. Authenticate
// middleware should make this unreachable in practice; it's a defensive
// boundary check, not the primary auth gate.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := middleware.UserIDFromContext(r.Context())
	if uid == "" {
		apierr.New(apierr.Unauthorized, "authentication required").WriteJSON(w)
		return "", false
	}
	return uid, true
}

// notFoundFromOwnership maps identity.AssertOwnership's sentinel to the
// taxonomy's NotFound kind, and anything else to Internal.
func notFoundFromOwnership(err error) *apierr.Error {
	if identity.IsNotFound(err) {
		return apierr.New(apierr.NotFound, "resource not found")
	}
	return apierr.Wrap(apierr.Internal, "ownership check failed", err)
}

// parsePagination reads limit/offset query params, defaulting limit to 20.
func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}
