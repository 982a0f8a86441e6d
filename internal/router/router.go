package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowreader/flowreader-backend/internal/dialog"
	"github.com/flowreader/flowreader-backend/internal/handler"
	"github.com/flowreader/flowreader-backend/internal/identity"
	"github.com/flowreader/flowreader-backend/internal/middleware"
	"github.com/flowreader/flowreader-backend/internal/ratelimit"
)

// Dependencies holds every service the router wires into FlowReader's
// handlers.
type Dependencies struct {
	DB          handler.DBPinger
	Gate        *identity.Gate
	FrontendURL string
	Version     string
	Metrics     *middleware.Metrics
	MetricsReg  *prometheus.Registry

	InternalAuthSecret string

	MaxUploadSizeBytes int64
	UploadSigner       handler.UploadSigner
	Books              interface {
		handler.BookCreator
		handler.BookLister
		handler.BookLookup
	}
	Chapters interface {
		handler.ChapterLister
		handler.ChapterLookup
	}
	Tasks         handler.TaskCreator
	TaskLookup    handler.TaskLookup
	IngestPub     handler.IngestPublisher
	Positions     handler.PositionStore
	ChatEngine    *dialog.Engine
	DialogHistory handler.DialogHistoryReader
	NoteCreator   handler.NoteCreator
	NoteLookup    handler.NoteLookup
	AutoGenerator handler.NoteAutoGenerator
	NoteSearcher  handler.NoteSearcher

	RateLimiter *ratelimit.Limiter
}

// New builds the chi router serving every FlowReader endpoint behind the
// spec's middleware chain: security headers, logging, CORS, metrics,
// authentication, then per-class rate limiting and a request timeout.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(deps.Gate, deps.InternalAuthSecret))

		apiLimit := rateLimitOrNoop(deps.RateLimiter, ratelimit.ClassAPI, deps.Metrics)
		uploadLimit := rateLimitOrNoop(deps.RateLimiter, ratelimit.ClassUpload, deps.Metrics)
		chatLimit := rateLimitOrNoop(deps.RateLimiter, ratelimit.ClassChat, deps.Metrics)
		autoNoteLimit := rateLimitOrNoop(deps.RateLimiter, ratelimit.ClassAutoNote, deps.Metrics)

		timeout30s := middleware.Timeout(30 * time.Second)

		r.With(apiLimit, timeout30s).Post("/api/upload/signed-url", handler.SignedUploadURL(deps.UploadSigner, deps.MaxUploadSizeBytes))
		r.With(uploadLimit, middleware.Timeout(120*time.Second)).Post("/api/upload/process", handler.ProcessUpload(deps.Books, deps.Tasks, deps.IngestPub))
		r.With(apiLimit, timeout30s).Get("/api/tasks/{taskId}/status", handler.TaskStatus(deps.TaskLookup))

		r.With(apiLimit, timeout30s).Get("/api/books", handler.ListBooks(deps.Books))
		r.With(apiLimit, timeout30s).Get("/api/books/{bookId}", handler.GetBook(deps.Books))
		r.With(apiLimit, timeout30s).Get("/api/books/{bookId}/chapters", handler.ListChapters(deps.Books, deps.Chapters))
		r.With(apiLimit, timeout30s).Get("/api/chapters/{chapterId}", handler.GetChapter(deps.Chapters, deps.Books))
		r.With(apiLimit, timeout30s).Post("/api/position", handler.UpdatePosition(deps.Books, deps.Positions))

		// Chat is an SSE stream — no write timeout, a stricter rate class.
		r.With(chatLimit).Post("/api/chat/stream", handler.ChatStream(deps.ChatEngine))
		r.With(apiLimit, timeout30s).Get("/api/dialog/history", handler.DialogHistory(deps.Books, deps.DialogHistory))

		r.With(apiLimit, timeout30s).Post("/api/notes", handler.CreateNote(deps.Books, deps.NoteCreator))
		r.With(autoNoteLimit, middleware.Timeout(60*time.Second)).Post("/api/notes/auto", handler.CreateAutoNote(deps.Books, deps.AutoGenerator))
		r.With(apiLimit, timeout30s).Get("/api/notes/search", handler.SearchNotes(deps.NoteSearcher))
		r.With(apiLimit, timeout30s).Get("/api/notes/{noteId}", handler.GetNote(deps.NoteLookup))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"code": "NOT_FOUND", "message": "route not found"})
	})

	return r
}

// rateLimitOrNoop wraps middleware.RateLimit, or passes requests through
// untouched when no limiter is configured (e.g. local dev without Redis).
func rateLimitOrNoop(rl *ratelimit.Limiter, class ratelimit.Class, m *middleware.Metrics) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(rl, class, m)
}
