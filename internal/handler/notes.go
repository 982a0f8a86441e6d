package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/identity"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/notegen"
	"github.com/flowreader/flowreader-backend/internal/notes"
	"github.com/flowreader/flowreader-backend/internal/validate"
)

// NoteCreator persists a manually authored note.
type NoteCreator interface {
	Create(ctx context.Context, n model.Note) (model.Note, error)
}

// NoteLookup resolves a single note, used for the detail endpoint and as
// the ownership check's backing lookup.
type NoteLookup interface {
	GetByID(ctx context.Context, id string) (*model.Note, error)
}

// NoteAutoGenerator runs the auto-note routing/confidence-gate pipeline.
type NoteAutoGenerator interface {
	Generate(ctx context.Context, req notegen.Request) (model.Note, error)
}

// NoteSearcher runs a notes-discovery search.
type NoteSearcher interface {
	Search(ctx context.Context, req notes.Request) (notes.Result, error)
}

func noteOwnerChecker(n NoteLookup) identity.OwnerChecker {
	return func(ctx context.Context, resourceID string) (string, bool, error) {
		note, err := n.GetByID(ctx, resourceID)
		if err != nil {
			if ae := apierr.As(err); ae.K == apierr.NotFound {
				return "", false, nil
			}
			return "", false, err
		}
		return note.OwnerUserID, true, nil
	}
}

type createNoteRequest struct {
	BookID    string           `json:"bookId"`
	ChapterID string           `json:"chapterId,omitempty"`
	Selection *model.Selection `json:"selection,omitempty"`
	Content   string           `json:"content"`
	Tags      []string         `json:"tags,omitempty"`
}

// CreateNote handles POST /api/notes.
func CreateNote(books BookLookup, creator NoteCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req createNoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.New(apierr.ValidationError, "invalid request body").WriteJSON(w)
			return
		}
		if !validateUUID(req.BookID) {
			apierr.New(apierr.ValidationError, "invalid book id").WriteJSON(w)
			return
		}
		if verr := validate.NoteContent(req.Content); verr != nil {
			verr.WriteJSON(w)
			return
		}
		if req.Selection != nil {
			if verr := validate.SelectionText(req.Selection.Text); verr != nil {
				verr.WriteJSON(w)
				return
			}
		}

		if err := identity.AssertOwnership(r.Context(), userID, req.BookID, bookOwnerChecker(books)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		note := model.Note{
			ID:          uuid.NewString(),
			OwnerUserID: userID,
			BookID:      req.BookID,
			Selection:   req.Selection,
			Content:     validate.Sanitize(req.Content),
			Source:      model.SourceManual,
			Tags:        req.Tags,
		}
		if req.ChapterID != "" {
			if !validateUUID(req.ChapterID) {
				apierr.New(apierr.ValidationError, "invalid chapter id").WriteJSON(w)
				return
			}
			chapterID := req.ChapterID
			note.ChapterID = &chapterID
		}

		created, err := creator.Create(r.Context(), note)
		if err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to create note", err))
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

type autoNoteRequest struct {
	BookID       string           `json:"bookId"`
	Intent       string           `json:"intent,omitempty"`
	ContextScope string           `json:"contextScope,omitempty"`
	ChapterID    string           `json:"chapterId,omitempty"`
	Selection    *model.Selection `json:"selection,omitempty"`
}

// CreateAutoNote handles POST /api/notes/auto.
func CreateAutoNote(books BookLookup, generator NoteAutoGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req autoNoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.New(apierr.ValidationError, "invalid request body").WriteJSON(w)
			return
		}
		if !validateUUID(req.BookID) {
			apierr.New(apierr.ValidationError, "invalid book id").WriteJSON(w)
			return
		}
		if verr := validate.Intent(req.Intent); verr != nil {
			verr.WriteJSON(w)
			return
		}
		if verr := validate.ContextScope(req.ContextScope); verr != nil {
			verr.WriteJSON(w)
			return
		}
		if req.Selection != nil {
			if verr := validate.SelectionText(req.Selection.Text); verr != nil {
				verr.WriteJSON(w)
				return
			}
		}

		if err := identity.AssertOwnership(r.Context(), userID, req.BookID, bookOwnerChecker(books)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		genReq := notegen.Request{
			UserID:       userID,
			BookID:       req.BookID,
			ContextScope: model.ContextScope(req.ContextScope),
			ChapterID:    req.ChapterID,
			Selection:    req.Selection,
		}
		if req.Intent != "" {
			intent := model.Intent(req.Intent)
			genReq.Intent = &intent
		}

		note, err := generator.Generate(r.Context(), genReq)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, note)
	}
}

// SearchNotes handles GET /api/notes/search.
func SearchNotes(searcher NoteSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		limit, offset := parsePagination(r)

		var filters notes.Filters
		filters.BookID = q.Get("bookId")
		filters.ChapterID = q.Get("chapterId")
		if src := q.Get("source"); src != "" {
			filters.Source = notes.SourceFilter(src)
		}
		if intent := q.Get("intent"); intent != "" {
			if verr := validate.Intent(intent); verr != nil {
				verr.WriteJSON(w)
				return
			}
			in := model.Intent(intent)
			filters.Intent = &in
		}
		if tags := q.Get("tags"); tags != "" {
			filters.Tags = strings.Split(tags, ",")
		}
		if mc := q.Get("minConfidence"); mc != "" {
			if v, err := strconv.ParseFloat(mc, 64); err == nil {
				filters.MinConfidence = &v
			}
		}

		req := notes.Request{
			UserID:  userID,
			Filters: filters,
			Query:   q.Get("q"),
			Sort:    notes.SortKey(q.Get("sort")),
			Dir:     notes.SortDir(q.Get("dir")),
			Page:    notes.Page{Limit: limit, Offset: offset},
		}

		result, err := searcher.Search(r.Context(), req)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// GetNote handles GET /api/notes/{noteId}.
func GetNote(lookup NoteLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		noteID := chi.URLParam(r, "noteId")
		if !validateUUID(noteID) {
			apierr.New(apierr.ValidationError, "invalid note id").WriteJSON(w)
			return
		}

		if err := identity.AssertOwnership(r.Context(), userID, noteID, noteOwnerChecker(lookup)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		note, err := lookup.GetByID(r.Context(), noteID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, note)
	}
}
