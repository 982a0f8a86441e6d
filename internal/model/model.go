// Package model holds the persisted entity types shared across FlowReader's
// services and repositories.
package model

import (
	"encoding/json"
	"time"
)

// BookStatus tracks the ingestion state machine for a Book.
// processing -> ready (terminal) | processing -> failed (terminal).
type BookStatus string

const (
	BookProcessing BookStatus = "processing"
	BookReady      BookStatus = "ready"
	BookFailed     BookStatus = "failed"
)

// Book is an ordered sequence of chapters owned by one user.
type Book struct {
	ID           string     `json:"id"`
	OwnerUserID  string     `json:"ownerUserId"`
	Title        string     `json:"title"`
	Author       *string    `json:"author,omitempty"`
	UploadKey    string     `json:"uploadKey"`
	Status       BookStatus `json:"status"`
	FailedStage  *string    `json:"failedStage,omitempty"`
	FailedReason *string    `json:"failedReason,omitempty"`
	ChapterCount int        `json:"chapterCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Chapter is one chunk of a book's reading order.
type Chapter struct {
	ID        string    `json:"id"`
	BookID    string    `json:"bookId"`
	Idx       int       `json:"idx"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	WordCount int       `json:"wordCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChapterEmbedding is a per-chunk vector over a chapter's content.
type ChapterEmbedding struct {
	ID            string    `json:"id"`
	ChapterID     string    `json:"chapterId"`
	BookID        string    `json:"bookId"`
	ChunkOrdinal  int       `json:"chunkOrdinal"`
	Vector        []float32 `json:"-"`
	SpanStart     int       `json:"spanStart"`
	SpanEnd       int       `json:"spanEnd"`
	TokenCount    int       `json:"tokenCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DialogRole distinguishes a dialog turn's speaker.
type DialogRole string

const (
	RoleUser      DialogRole = "user"
	RoleAssistant DialogRole = "assistant"
)

// DialogMetrics captures accounting data for one dialog turn.
type DialogMetrics struct {
	Tokens    int     `json:"tokens"`
	Cost      float64 `json:"cost"`
	LatencyMs int64   `json:"latencyMs"`
}

// DialogMessage is one persisted turn of a chat stream.
type DialogMessage struct {
	ID          string         `json:"id"`
	BookID      string         `json:"bookId"`
	OwnerUserID string         `json:"ownerUserId"`
	Role        DialogRole     `json:"role"`
	Content     string         `json:"content"`
	Intent      *Intent        `json:"intent,omitempty"`
	Metrics     *DialogMetrics `json:"metrics,omitempty"`
	Completed   bool           `json:"completed"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Intent is the tagged variant replacing the source system's overloaded
// intent strings.
type Intent string

const (
	IntentTranslate Intent = "translate"
	IntentExplain   Intent = "explain"
	IntentAnalyze   Intent = "analyze"
	IntentAsk       Intent = "ask"
	IntentEnhance   Intent = "enhance"
	IntentSummarize Intent = "summarize"
	IntentQuestion  Intent = "question"
)

func (i Intent) Valid() bool {
	switch i {
	case IntentTranslate, IntentExplain, IntentAnalyze, IntentAsk, IntentEnhance, IntentSummarize, IntentQuestion:
		return true
	}
	return false
}

// ContextScope controls how the auto-note generator sources context.
type ContextScope string

const (
	ScopeSelection     ContextScope = "selection"
	ScopeRecentDialog  ContextScope = "recent_dialog"
	ScopeChapter       ContextScope = "chapter"
)

func (s ContextScope) Valid() bool {
	switch s {
	case ScopeSelection, ScopeRecentDialog, ScopeChapter:
		return true
	}
	return false
}

// NoteSource distinguishes a manually authored note from a generated one.
type NoteSource string

const (
	SourceManual NoteSource = "manual"
	SourceAuto   NoteSource = "auto"
)

// GenerationMethod is the auto-note routing outcome.
type GenerationMethod string

const (
	MethodKnowledgeEnhancement GenerationMethod = "knowledge_enhancement"
	MethodContextAnalysis     GenerationMethod = "context_analysis"
	MethodDialogSummary       GenerationMethod = "dialog_summary"
)

// Selection anchors a note or dialog turn to a span of chapter text.
type Selection struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// NoteMeta carries generation provenance for auto notes; zero value is
// appropriate for manual notes.
type NoteMeta struct {
	Intent           *Intent          `json:"intent,omitempty"`
	GenerationMethod GenerationMethod `json:"generationMethod,omitempty"`
	Confidence       float64          `json:"confidence,omitempty"`
	QualityScore     float64          `json:"qualityScore,omitempty"`
	ProcessingInfo   string           `json:"processingInfo,omitempty"`
}

// Note is a saved textual artifact, manual or machine-generated.
type Note struct {
	ID          string          `json:"id"`
	OwnerUserID string          `json:"ownerUserId"`
	BookID      string          `json:"bookId"`
	ChapterID   *string         `json:"chapterId,omitempty"`
	Selection   *Selection      `json:"selection,omitempty"`
	Content     string          `json:"content"`
	Source      NoteSource      `json:"source"`
	Tags        []string        `json:"tags"`
	Meta        NoteMeta        `json:"meta"`
	Citations   json.RawMessage `json:"citations,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// HasTag reports whether t is present among the note's tags.
func (n *Note) HasTag(t string) bool {
	for _, tag := range n.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// MinConfidence is the confidence gate floor from the spec's Note
// invariant: source=auto notes must clear this or be tagged "fallback".
const MinConfidence = 0.6

// TaskState tracks an asynchronous ingestion job surfaced to the client.
type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// Task is the client-visible handle for one ingestion job.
type Task struct {
	ID          string    `json:"id"`
	BookID      string    `json:"bookId"`
	OwnerUserID string    `json:"ownerUserId"`
	State       TaskState `json:"state"`
	Progress    int       `json:"progress"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ReadPosition tracks where a reader last left off in a book, one row per
// (user, book) pair.
type ReadPosition struct {
	OwnerUserID string    `json:"ownerUserId"`
	BookID      string    `json:"bookId"`
	ChapterID   string    `json:"chapterId"`
	Offset      int       `json:"offset"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SecurityEventKind enumerates the append-only security log's record types.
type SecurityEventKind string

const (
	EventAuthFailure      SecurityEventKind = "auth_failure"
	EventLimiterDegraded  SecurityEventKind = "limiter_degraded"
	EventRateLimited      SecurityEventKind = "rate_limited"
	EventOwnershipDenied  SecurityEventKind = "ownership_denied"
)

// SecurityEvent is an append-only audit record; never mutated once written.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Kind      SecurityEventKind `json:"kind"`
	UserID    string            `json:"userId,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
