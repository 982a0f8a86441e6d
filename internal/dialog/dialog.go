// Package dialog implements C11: the streaming dialog engine that turns one
// reader turn into a sequence of Server-Sent Events. It composes retrieval
// (C8), the response cache (C9), the prompt/model policy table (C10), and a
// streaming model client into the five-event contract a reader's client
// expects: session, sources, token*, usage, and exactly one of done|error.
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowreader/flowreader-backend/internal/accounting"
	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/cache"
	"github.com/flowreader/flowreader-backend/internal/llmclient"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/promptpolicy"
	"github.com/flowreader/flowreader-backend/internal/retrieval"
)

// streamTimeout bounds one chat turn end to end. The teacher's chat handler
// used 120s; a reader-facing dialog turn has no business running that long,
// so this is deliberately shorter.
const streamTimeout = 30 * time.Second

// BookLookup resolves a book for ownership and readiness checks.
type BookLookup interface {
	GetByID(ctx context.Context, bookID string) (*model.Book, error)
}

// MessageRecorder persists a dialog turn. Nil is a valid Engine dependency;
// the engine simply skips persistence.
type MessageRecorder interface {
	Record(ctx context.Context, msg model.DialogMessage) error
}

// Request is one chat turn.
type Request struct {
	UserID    string
	BookID    string
	Intent    model.Intent
	Selection *model.Selection
	Query     string
}

// Engine wires together retrieval, caching, policy, and generation to answer
// one dialog turn as a stream of SSE events written directly to w.
type Engine struct {
	books        BookLookup
	retrieval    *retrieval.Engine
	cache        *cache.ResponseCache
	contextCache *cache.ContextCache
	llm          llmclient.Client
	accounting   accounting.Sink
	recorder     MessageRecorder

	primaryModel      string
	costOptimizedModel string
}

// Option configures optional Engine dependencies.
type Option func(*Engine)

func WithAccounting(sink accounting.Sink) Option {
	return func(e *Engine) { e.accounting = sink }
}

func WithRecorder(r MessageRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithContextCache spares repeat AssembleContext calls for an identical
// (user, book, query) turn within the cache's TTL — a stream retry or a
// double-submitted question shouldn't re-run vector search.
func WithContextCache(c *cache.ContextCache) Option {
	return func(e *Engine) { e.contextCache = c }
}

// New builds a dialog Engine. primaryModel and costOptimizedModel are the
// Vertex AI model names promptpolicy's two tiers resolve to.
func New(books BookLookup, ret *retrieval.Engine, respCache *cache.ResponseCache, llm llmclient.Client, primaryModel, costOptimizedModel string, opts ...Option) *Engine {
	e := &Engine{
		books:             books,
		retrieval:         ret,
		cache:             respCache,
		llm:               llm,
		primaryModel:      primaryModel,
		costOptimizedModel: costOptimizedModel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// modelFor resolves a policy's tier to a concrete model name.
func (e *Engine) modelFor(tier promptpolicy.ModelTier) string {
	if tier == promptpolicy.TierPrimary {
		return e.primaryModel
	}
	return e.costOptimizedModel
}

// eventSink wraps the SSE writer pair. A nil *eventSink is valid and simply
// discards every emit call — it lets the non-streaming Complete path reuse
// the exact same generation code as StreamChat.
type eventSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *eventSink) emit(event, data string) {
	if s == nil {
		return
	}
	sendEvent(s.w, s.f, event, data)
}

// StreamChat answers req by writing SSE events to w. A non-nil returned
// error means the turn was rejected before any bytes were written to w (an
// ownership failure or a not-ready book) and the caller should map it
// through the normal JSON error envelope. Once the SSE headers are written,
// every failure is instead reported in-band as an "error" event and
// StreamChat returns nil.
func (e *Engine) StreamChat(ctx context.Context, w http.ResponseWriter, req Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	if _, err := e.resolveReadyBook(ctx, req); err != nil {
		return err
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return apierr.New(apierr.Internal, "streaming not supported by this response writer")
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := &eventSink{w: w, f: flusher}
	messageID := uuid.NewString()
	sink.emit("session", mustJSON(map[string]string{"messageId": messageID}))

	answer, metrics, source, err := e.complete(ctx, req, sink)
	if err != nil {
		e.fail(sink, "generation failed", err)
		return nil
	}

	usage := usagePayload{Tokens: metrics.Tokens, CostUSD: metrics.Cost, LatencyMs: metrics.LatencyMs}
	if source != cache.SourceMiss {
		usage.CacheSource = string(source)
	}
	sink.emit("usage", mustJSON(usage))
	sink.emit("done", `{}`)

	e.record(ctx, req, metrics, answer)
	return nil
}

// Complete resolves req to a final answer without streaming anything,
// exactly the "invoke C11 non-streaming" path the auto-note generator uses.
func (e *Engine) Complete(ctx context.Context, req Request) (string, model.DialogMetrics, error) {
	if err := validateRequest(req); err != nil {
		return "", model.DialogMetrics{}, err
	}
	if _, err := e.resolveReadyBook(ctx, req); err != nil {
		return "", model.DialogMetrics{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	answer, metrics, _, err := e.complete(ctx, req, nil)
	if err != nil {
		return "", model.DialogMetrics{}, apierr.Wrap(apierr.Upstream, "generation failed", err)
	}
	return answer, metrics, nil
}

func validateRequest(req Request) error {
	if !req.Intent.Valid() {
		return apierr.New(apierr.ValidationError, "unknown intent")
	}
	if strings.TrimSpace(req.Query) == "" {
		return apierr.New(apierr.ValidationError, "query must not be empty")
	}
	return nil
}

func (e *Engine) resolveReadyBook(ctx context.Context, req Request) (*model.Book, error) {
	book, err := e.books.GetByID(ctx, req.BookID)
	if err != nil {
		if isNotFound(err) {
			return nil, apierr.New(apierr.NotFound, "book not found")
		}
		return nil, apierr.Wrap(apierr.Internal, "failed to load book", err)
	}
	// A cross-tenant request gets the same "not found" response as a
	// missing book — it must never be able to distinguish the two.
	if book.OwnerUserID != req.UserID {
		return nil, apierr.New(apierr.NotFound, "book not found")
	}
	if !retrieval.IsBookReady(book.Status) {
		return nil, apierr.New(apierr.NotReady, "book is still being processed")
	}
	return book, nil
}

// complete assembles retrieval context, emits the "sources" event (if sink
// is non-nil), resolves the answer from cache or generation, and returns it
// along with usage metrics and the cache source it came from.
func (e *Engine) complete(ctx context.Context, req Request, sink *eventSink) (string, model.DialogMetrics, cache.CacheSource, error) {
	start := time.Now()
	policy := promptpolicy.For(req.Intent)

	// Assemble retrieval context and persist the inbound user turn
	// concurrently — persistence has no bearing on what gets generated.
	var retrieved *retrieval.Context
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if e.contextCache != nil {
			if cached, ok := e.contextCache.Get(req.UserID, req.BookID, req.Query); ok {
				retrieved = cached
				return nil
			}
		}
		rc, rErr := e.retrieval.AssembleContext(gCtx, req.UserID, req.BookID, req.Query)
		if rErr != nil {
			return rErr
		}
		if e.contextCache != nil {
			e.contextCache.Set(req.UserID, req.BookID, req.Query, rc)
		}
		retrieved = rc
		return nil
	})
	g.Go(func() error {
		if e.recorder == nil {
			return nil
		}
		return e.recorder.Record(gCtx, model.DialogMessage{
			ID:          uuid.NewString(),
			BookID:      req.BookID,
			OwnerUserID: req.UserID,
			Role:        model.RoleUser,
			Content:     req.Query,
			Intent:      &req.Intent,
			Completed:   true,
			CreatedAt:   start,
		})
	})
	if err := g.Wait(); err != nil {
		return "", model.DialogMetrics{}, cache.SourceMiss, err
	}

	sink.emit("sources", mustJSON(sourcesPayload(retrieved)))

	fp := e.fingerprint(req, policy, retrieved)

	answer, source, err := e.answer(ctx, fp, req, policy, retrieved, sink)
	if err != nil {
		return "", model.DialogMetrics{}, cache.SourceMiss, err
	}

	metrics := model.DialogMetrics{
		Tokens:    estimateTokens(answer),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	metrics.Cost = estimateCost(policy, metrics.Tokens)
	return answer, metrics, source, nil
}

// answer resolves a completion for req either from the response cache or by
// generating one, streaming token events as they arrive from the model.
// Every generated completion is written to the response cache; no quality
// score is computed or checked before the write.
func (e *Engine) answer(ctx context.Context, fp cache.Fingerprint, req Request, policy promptpolicy.Policy, retrieved *retrieval.Context, sink *eventSink) (string, cache.CacheSource, error) {
	if cached, source, ok := e.cache.Get(fp); ok {
		text, _ := cached.(string)
		for _, tok := range splitIntoTokens(text) {
			sink.emit("token", mustJSON(map[string]string{"text": tok}))
		}
		return text, source, nil
	}

	result, err, _ := e.cache.BuildOnce(ctx, fp, func(buildCtx context.Context) (any, error) {
		return e.generate(buildCtx, req, policy, retrieved, sink)
	})
	if err != nil {
		return "", cache.SourceMiss, err
	}
	text, _ := result.(string)

	e.cache.Set(fp, text)
	return text, cache.SourceMiss, nil
}

// generate runs the model and streams each token chunk as it arrives.
func (e *Engine) generate(ctx context.Context, req Request, policy promptpolicy.Policy, retrieved *retrieval.Context, sink *eventSink) (string, error) {
	userPrompt := buildUserPrompt(req, retrieved)
	modelName := e.modelFor(policy.Tier)

	chunks, err := e.llm.StreamGenerate(ctx, modelName, policy.SystemPrompt, userPrompt, policy.MaxOutputTokens)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			sink.emit("token", mustJSON(map[string]string{"text": chunk.Text}))
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

func (e *Engine) fail(sink *eventSink, message string, cause error) {
	slog.Error("dialog turn failed", "error", cause)
	sink.emit("error", mustJSON(map[string]string{"message": message}))
}

func (e *Engine) record(ctx context.Context, req Request, metrics model.DialogMetrics, answer string) {
	if e.accounting != nil {
		e.accounting.Record(ctx, accounting.Usage{
			Operation:  "dialog_turn",
			Model:      e.modelFor(promptpolicy.For(req.Intent).Tier),
			UserID:     req.UserID,
			InputUnits: metrics.Tokens,
			CostUSD:    metrics.Cost,
		})
	}
	if e.recorder != nil {
		_ = e.recorder.Record(ctx, model.DialogMessage{
			ID:          uuid.NewString(),
			BookID:      req.BookID,
			OwnerUserID: req.UserID,
			Role:        model.RoleAssistant,
			Content:     answer,
			Intent:      &req.Intent,
			Metrics:     &metrics,
			Completed:   true,
			CreatedAt:   time.Now(),
		})
	}
}

func (e *Engine) fingerprint(req Request, policy promptpolicy.Policy, retrieved *retrieval.Context) cache.Fingerprint {
	return cache.Fingerprint{
		UserID:           req.UserID,
		BookID:           req.BookID,
		Intent:           string(req.Intent),
		NormalizedQuery:  normalizeQuery(req.Query),
		ModelTier:        string(policy.Tier),
		ContextSignature: contextSignature(retrieved),
		QueryEmbedding:   retrieved.QueryVector,
	}
}

type sourcePayload struct {
	ChapterID    string  `json:"chapterId"`
	ChunkOrdinal int     `json:"chunkOrdinal"`
	Score        float64 `json:"score"`
	SpanStart    int     `json:"spanStart"`
	SpanEnd      int     `json:"spanEnd"`
}

func sourcesPayload(retrieved *retrieval.Context) []sourcePayload {
	out := make([]sourcePayload, 0, len(retrieved.Passages))
	for _, p := range retrieved.Passages {
		out = append(out, sourcePayload{
			ChapterID:    p.ChapterID,
			ChunkOrdinal: p.ChunkOrdinal,
			Score:        p.Score,
			SpanStart:    p.SpanStart,
			SpanEnd:      p.SpanEnd,
		})
	}
	return out
}

type usagePayload struct {
	Tokens      int     `json:"tokens"`
	CostUSD     float64 `json:"cost"`
	LatencyMs   int64   `json:"latencyMs"`
	CacheSource string  `json:"cacheSource,omitempty"`
}

func buildUserPrompt(req Request, retrieved *retrieval.Context) string {
	var sb strings.Builder
	sb.WriteString("Context passages:\n")
	for _, p := range retrieved.Passages {
		fmt.Fprintf(&sb, "[chapter %s, chunk %d] %s\n", p.ChapterID, p.ChunkOrdinal, p.Content)
	}
	if req.Selection != nil && req.Selection.Text != "" {
		fmt.Fprintf(&sb, "\nReader's selection:\n%s\n", req.Selection.Text)
	}
	fmt.Fprintf(&sb, "\nReader's query:\n%s\n", req.Query)
	return sb.String()
}

func contextSignature(retrieved *retrieval.Context) string {
	ids := make([]string, 0, len(retrieved.Passages))
	for _, p := range retrieved.Passages {
		ids = append(ids, fmt.Sprintf("%s:%d", p.ChapterID, p.ChunkOrdinal))
	}
	return strings.Join(ids, ",")
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func splitIntoTokens(text string) []string {
	return strings.Fields(text)
}

func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return words + words/3
}

func estimateCost(policy promptpolicy.Policy, tokens int) float64 {
	perThousand := 0.00025
	if policy.Tier == promptpolicy.TierPrimary {
		perThousand = 0.00125
	}
	return float64(tokens) / 1000 * perThousand
}

func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func isNotFound(err error) bool {
	ae := apierr.As(err)
	return ae != nil && ae.K == apierr.NotFound
}
