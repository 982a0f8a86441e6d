package handler

import (
	"encoding/json"
	"net/http"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/dialog"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/validate"
)

type chatRequestBody struct {
	BookID    string           `json:"bookId"`
	Intent    string           `json:"intent"`
	Selection *model.Selection `json:"selection,omitempty"`
	Query     string           `json:"query"`
}

// ChatStream handles POST /api/chat/stream.
func ChatStream(engine *dialog.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var body chatRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierr.New(apierr.ValidationError, "invalid request body").WriteJSON(w)
			return
		}
		if !validateUUID(body.BookID) {
			apierr.New(apierr.ValidationError, "invalid book id").WriteJSON(w)
			return
		}
		if verr := validate.Intent(body.Intent); verr != nil {
			verr.WriteJSON(w)
			return
		}
		if body.Selection != nil {
			if verr := validate.SelectionText(body.Selection.Text); verr != nil {
				verr.WriteJSON(w)
				return
			}
		}

		req := dialog.Request{
			UserID:    userID,
			BookID:    body.BookID,
			Intent:    model.Intent(body.Intent),
			Selection: body.Selection,
			Query:     validate.Sanitize(body.Query),
		}

		if err := engine.StreamChat(r.Context(), w, req); err != nil {
			writeErr(w, r, err)
			return
		}
	}
}
