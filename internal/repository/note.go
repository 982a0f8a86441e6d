package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/notegen"
	"github.com/flowreader/flowreader-backend/internal/notes"
)

// NoteRepo implements notegen.NoteStore (persisting a generated note) and
// notes.Searcher (the filter/full-text/pagination query), generalizing the
// teacher's ts_vector/ts_rank_cd/GIN-index chunk search from document
// chunks to saved notes.
type NoteRepo struct {
	pool *pgxpool.Pool
}

// NewNoteRepo creates a NoteRepo.
func NewNoteRepo(pool *pgxpool.Pool) *NoteRepo {
	return &NoteRepo{pool: pool}
}

var (
	_ notes.Searcher   = (*NoteRepo)(nil)
	_ notegen.NoteStore = (*NoteRepo)(nil)
)

// Create persists a note, manual or auto-generated.
func (r *NoteRepo) Create(ctx context.Context, n model.Note) (model.Note, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(n.Meta)
	if err != nil {
		return model.Note{}, fmt.Errorf("repository.Create: marshal meta: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notes (id, owner_user_id, book_id, chapter_id, selection, content, source, tags, meta, citations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.OwnerUserID, n.BookID, n.ChapterID, selectionJSON(n.Selection), n.Content,
		string(n.Source), pq.Array(n.Tags), metaJSON, []byte(n.Citations), n.CreatedAt,
	)
	if err != nil {
		return model.Note{}, fmt.Errorf("repository.Create: %w", err)
	}
	return n, nil
}

// GetByID loads a single note, scoped to its owner by the caller, backing
// the note detail endpoint.
func (r *NoteRepo) GetByID(ctx context.Context, id string) (*model.Note, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, book_id, chapter_id, selection, content, source, tags, meta, citations, created_at
		FROM notes WHERE id = $1`, id,
	)
	n, err := scanNote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "note not found")
		}
		return nil, fmt.Errorf("repository.GetByID: %w", err)
	}
	return &n, nil
}

func selectionJSON(s *model.Selection) []byte {
	if s == nil {
		return nil
	}
	b, _ := json.Marshal(s)
	return b
}

// Search implements notes.Searcher: every predicate in notes.Filters plus
// case-insensitive, prefix-capable full text search over content and tags.
func (r *NoteRepo) Search(ctx context.Context, userID string, filters notes.Filters, query string, sort notes.SortKey, dir notes.SortDir, page notes.Page) ([]model.Note, int, error) {
	where := []string{"owner_user_id = $1"}
	args := []any{userID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.BookID != "" {
		where = append(where, "book_id = "+arg(filters.BookID))
	}
	if filters.ChapterID != "" {
		where = append(where, "chapter_id = "+arg(filters.ChapterID))
	}
	if filters.Source != "" && filters.Source != notes.SourceAny {
		where = append(where, "source = "+arg(string(filters.Source)))
	}
	if filters.Intent != nil {
		where = append(where, "meta->>'intent' = "+arg(string(*filters.Intent)))
	}
	if len(filters.Tags) > 0 {
		where = append(where, "tags @> "+arg(pq.Array(filters.Tags))+"::text[]")
	}
	if filters.MinConfidence != nil {
		where = append(where, "source = 'auto' AND (meta->>'confidence')::float8 >= "+arg(*filters.MinConfidence))
	}
	if filters.CreatedAfter != nil {
		where = append(where, "created_at >= "+arg(*filters.CreatedAfter))
	}
	if filters.CreatedBefore != nil {
		where = append(where, "created_at <= "+arg(*filters.CreatedBefore))
	}

	var tsQuery string
	if query != "" {
		tsQuery = prefixTSQuery(query)
		where = append(where, "(to_tsvector('english', content || ' ' || array_to_string(tags, ' ')) @@ to_tsquery('english', "+arg(tsQuery)+"))")
	}

	whereSQL := strings.Join(where, " AND ")

	var total int
	countSQL := "SELECT count(*) FROM notes WHERE " + whereSQL
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("repository.Search: count: %w", err)
	}

	orderSQL := sortColumn(sort, tsQuery)
	if dir == notes.DirAsc {
		orderSQL += " ASC"
	} else {
		orderSQL += " DESC"
	}

	limitArg := arg(page.Limit)
	offsetArg := arg(page.Offset)
	selectSQL := fmt.Sprintf(`
		SELECT id, owner_user_id, book_id, chapter_id, selection, content, source, tags, meta, citations, created_at
		FROM notes WHERE %s ORDER BY %s LIMIT %s OFFSET %s`,
		whereSQL, orderSQL, limitArg, offsetArg,
	)

	rows, err := r.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("repository.Search: query: %w", err)
	}
	defer rows.Close()

	var items []model.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("repository.Search: scan: %w", err)
		}
		items = append(items, n)
	}

	return items, total, nil
}

// rowScanner is the subset of pgx.Rows scanNote needs, so it can also be
// used against a single QueryRow result.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (model.Note, error) {
	var n model.Note
	var source string
	var selectionJSON, metaJSON, citations []byte
	var chapterID *string

	if err := row.Scan(&n.ID, &n.OwnerUserID, &n.BookID, &chapterID, &selectionJSON,
		&n.Content, &source, pq.Array(&n.Tags), &metaJSON, &citations, &n.CreatedAt); err != nil {
		return model.Note{}, err
	}

	n.ChapterID = chapterID
	n.Source = model.NoteSource(source)
	n.Citations = citations

	if len(selectionJSON) > 0 {
		var sel model.Selection
		if err := json.Unmarshal(selectionJSON, &sel); err != nil {
			return model.Note{}, fmt.Errorf("unmarshal selection: %w", err)
		}
		n.Selection = &sel
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &n.Meta); err != nil {
			return model.Note{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}

	return n, nil
}

// sortColumn maps a notes.SortKey to its SQL ordering expression. Relevance
// ranks against the same tsquery text the WHERE clause filtered with, so
// the rank reflects the actual match rather than a detached recompute.
func sortColumn(key notes.SortKey, tsQuery string) string {
	switch key {
	case notes.SortConfidence:
		return "(meta->>'confidence')::float8"
	case notes.SortContentLength:
		return "length(content)"
	case notes.SortRelevance:
		if tsQuery != "" {
			escaped := strings.ReplaceAll(tsQuery, "'", "''")
			return "ts_rank_cd(to_tsvector('english', content || ' ' || array_to_string(tags, ' ')), to_tsquery('english', '" + escaped + "'))"
		}
		return "created_at"
	default:
		return "created_at"
	}
}

// prefixTSQuery turns free text into a prefix-matching tsquery expression
// (each term gets a trailing :* so a partial word still matches), since
// plainto_tsquery has no prefix support.
func prefixTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r == '\'' || r == '\\' {
				return -1
			}
			return r
		}, f)
		if f == "" {
			continue
		}
		terms = append(terms, f+":*")
	}
	if len(terms) == 0 {
		return ""
	}
	return strings.Join(terms, " & ")
}
