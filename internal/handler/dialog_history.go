package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/identity"
	"github.com/flowreader/flowreader-backend/internal/model"
)

// DialogHistoryReader returns a book's recent dialog turns for one user.
type DialogHistoryReader interface {
	Recent(ctx context.Context, userID, bookID string, limit int) ([]model.DialogMessage, error)
}

const defaultDialogHistoryLimit = 20

// DialogHistory handles GET /api/dialog/history?bookId=...&limit=...
func DialogHistory(books BookLookup, history DialogHistoryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		bookID := r.URL.Query().Get("bookId")
		if !validateUUID(bookID) {
			apierr.New(apierr.ValidationError, "invalid book id").WriteJSON(w)
			return
		}

		limit := defaultDialogHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}

		if err := identity.AssertOwnership(r.Context(), userID, bookID, bookOwnerChecker(books)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		msgs, err := history.Recent(r.Context(), userID, bookID, limit)
		if err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to load dialog history", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
	}
}
