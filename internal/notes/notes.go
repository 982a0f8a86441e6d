// Package notes implements C13: the notes discovery service. It validates
// and normalizes a search request, delegates the actual filter/full-text/
// pagination query to a Searcher backed by Postgres full-text search
// (mirroring the teacher's ts_vector/ts_rank_cd/GIN-index approach in
// repository/bm25.go, generalized from chunks to notes), and times the
// round trip for the metrics.queryMs the spec asks for.
package notes

import (
	"context"
	"time"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
)

const defaultLimit = 20
const maxLimit = 100

// SortKey is one of the columns a search may order by.
type SortKey string

const (
	SortCreatedAt     SortKey = "createdAt"
	SortConfidence    SortKey = "confidence"
	SortContentLength SortKey = "contentLength"
	SortRelevance     SortKey = "relevance"
)

func (k SortKey) valid() bool {
	switch k {
	case SortCreatedAt, SortConfidence, SortContentLength, SortRelevance:
		return true
	}
	return false
}

// SortDir is ascending or descending.
type SortDir string

const (
	DirAsc  SortDir = "asc"
	DirDesc SortDir = "desc"
)

// SourceFilter extends model.NoteSource with "any" for an unfiltered search.
type SourceFilter string

const (
	SourceAny    SourceFilter = "any"
	SourceManual SourceFilter = SourceFilter(model.SourceManual)
	SourceAuto   SourceFilter = SourceFilter(model.SourceAuto)
)

// Filters narrows a search to a subset of a user's notes. A zero value
// selects every note.
type Filters struct {
	BookID        string
	ChapterID     string
	Source        SourceFilter
	Intent        *model.Intent
	Tags          []string // AND-combined
	MinConfidence *float64 // auto notes only
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page bounds a result page.
type Page struct {
	Limit  int
	Offset int
}

// normalize applies the spec's default limit and caps it at maxLimit.
func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Request is one notes-discovery search.
type Request struct {
	UserID  string
	Filters Filters
	Query   string
	Sort    SortKey
	Dir     SortDir
	Page    Page
}

// Metrics carries the observability the spec requires on every response.
type Metrics struct {
	QueryMs int64 `json:"queryMs"`
}

// Result is one page of matching notes.
type Result struct {
	Items   []model.Note `json:"items"`
	Total   int          `json:"total"`
	HasMore bool         `json:"hasMore"`
	Metrics Metrics      `json:"metrics"`
}

// Searcher executes the filter/full-text/pagination query against storage.
// The implementation owns every predicate named in Filters plus case
// insensitive, prefix-capable full text search over content and tags.
type Searcher interface {
	Search(ctx context.Context, userID string, filters Filters, query string, sort SortKey, dir SortDir, page Page) ([]model.Note, int, error)
}

// Service validates requests and times the search for metrics.queryMs.
type Service struct {
	searcher Searcher
}

func New(searcher Searcher) *Service {
	return &Service{searcher: searcher}
}

// Search runs req, defaulting sort to createdAt/desc, relevance only being
// meaningful once a query is present.
func (s *Service) Search(ctx context.Context, req Request) (Result, error) {
	sort := req.Sort
	if sort == "" {
		sort = SortCreatedAt
	}
	if !sort.valid() {
		return Result{}, apierr.New(apierr.ValidationError, "unknown sort key")
	}
	if sort == SortRelevance && req.Query == "" {
		return Result{}, apierr.New(apierr.ValidationError, "relevance sort requires a query")
	}

	dir := req.Dir
	if dir == "" {
		dir = DirDesc
	}
	if dir != DirAsc && dir != DirDesc {
		return Result{}, apierr.New(apierr.ValidationError, "sort direction must be asc or desc")
	}

	if req.Filters.MinConfidence != nil && req.Filters.Source == SourceManual {
		return Result{}, apierr.New(apierr.ValidationError, "minConfidence only applies to auto notes")
	}

	page := req.Page.normalize()

	start := time.Now()
	items, total, err := s.searcher.Search(ctx, req.UserID, req.Filters, req.Query, sort, dir, page)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Internal, "notes search failed", err)
	}
	queryMs := time.Since(start).Milliseconds()

	return Result{
		Items:   items,
		Total:   total,
		HasMore: (page.Offset + len(items)) < total,
		Metrics: Metrics{QueryMs: queryMs},
	}, nil
}
