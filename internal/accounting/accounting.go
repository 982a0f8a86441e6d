// Package accounting records token and cost usage for billable operations
// (embedding calls, LLM completions) without owning how that usage is
// persisted or billed. Components depend on the Sink interface; main wires
// a concrete implementation.
package accounting

import (
	"context"
	"log/slog"
)

// Usage is one billable event.
type Usage struct {
	Operation  string // "embed_document", "embed_query", "dialog_turn"
	Model      string
	UserID     string
	InputUnits int // tokens or characters, depending on Operation
	CostUSD    float64
}

// Sink records a Usage event. Implementations must not block the caller's
// hot path on anything slower than an in-memory append or a log write.
type Sink interface {
	Record(ctx context.Context, u Usage)
}

// LogSink is a Sink that writes usage events to the structured logger. It is
// the default wired in cmd/server until a billing system exists to replace it.
type LogSink struct{}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink { return &LogSink{} }

// Record logs the usage event at info level.
func (LogSink) Record(_ context.Context, u Usage) {
	slog.Info("usage recorded",
		"operation", u.Operation,
		"model", u.Model,
		"user_id", u.UserID,
		"input_units", u.InputUnits,
		"cost_usd", u.CostUSD,
	)
}
