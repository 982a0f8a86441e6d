package notegen

import (
	"context"
	"strings"
	"testing"

	"github.com/flowreader/flowreader-backend/internal/dialog"
	"github.com/flowreader/flowreader-backend/internal/model"
)

type fakeDialog struct {
	textByIntent map[model.Intent]string
	latencyMs    int64
	err          error
}

func (f *fakeDialog) Complete(_ context.Context, req dialog.Request) (string, model.DialogMetrics, error) {
	if f.err != nil {
		return "", model.DialogMetrics{}, f.err
	}
	text := f.textByIntent[req.Intent]
	return text, model.DialogMetrics{LatencyMs: f.latencyMs}, nil
}

type fakeChapters struct {
	chapter model.Chapter
}

func (f *fakeChapters) GetByID(_ context.Context, _ string) (*model.Chapter, error) {
	c := f.chapter
	return &c, nil
}

type fakeHistory struct {
	turns []model.DialogMessage
}

func (f *fakeHistory) Recent(_ context.Context, _, _ string, _ int) ([]model.DialogMessage, error) {
	return f.turns, nil
}

type fakeNotes struct {
	created model.Note
}

func (f *fakeNotes) Create(_ context.Context, n model.Note) (model.Note, error) {
	f.created = n
	return n, nil
}

func longText(words int) string {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = "word"
	}
	return strings.Join(parts, " ")
}

func TestGenerate_KnowledgeEnhancementRouteClearsGate(t *testing.T) {
	intent := model.IntentEnhance
	d := &fakeDialog{textByIntent: map[model.Intent]string{model.IntentEnhance: longText(150)}, latencyMs: 500}
	notes := &fakeNotes{}
	g := New(d, &fakeChapters{}, &fakeHistory{}, notes)

	note, err := g.Generate(context.Background(), Request{
		UserID: "u1", BookID: "b1", Intent: &intent,
		Selection: &model.Selection{Text: "a passage"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if note.Meta.GenerationMethod != model.MethodKnowledgeEnhancement {
		t.Fatalf("method = %v, want knowledge_enhancement", note.Meta.GenerationMethod)
	}
	if note.HasTag("fallback") {
		t.Fatal("did not expect a fallback tag when the gate clears on the first attempt")
	}
}

func TestGenerate_LowConfidenceFallsBackToSimplerMethod(t *testing.T) {
	intent := model.IntentEnhance
	d := &fakeDialog{
		textByIntent: map[model.Intent]string{
			model.IntentEnhance: "short",       // enhancement path -> low confidence
			model.IntentAnalyze: longText(150), // context_analysis fallback, selection present
		},
		latencyMs: 500,
	}
	notes := &fakeNotes{}
	g := New(d, &fakeChapters{}, &fakeHistory{}, notes)

	note, err := g.Generate(context.Background(), Request{
		UserID: "u1", BookID: "b1", Intent: &intent,
		Selection: &model.Selection{Text: "a passage"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if note.Meta.GenerationMethod != model.MethodContextAnalysis {
		t.Fatalf("method = %v, want context_analysis after fallback", note.Meta.GenerationMethod)
	}
	if !note.HasTag("fallback") {
		t.Fatal("expected fallback tag after retrying with a simpler method")
	}
}

func TestGenerate_RecentDialogScopeRoutesToDialogSummary(t *testing.T) {
	d := &fakeDialog{textByIntent: map[model.Intent]string{model.IntentSummarize: longText(150)}, latencyMs: 500}
	history := &fakeHistory{turns: []model.DialogMessage{
		{Role: model.RoleUser, Content: "what happens"},
		{Role: model.RoleAssistant, Content: "the hero arrives"},
	}}
	notes := &fakeNotes{}
	g := New(d, &fakeChapters{}, history, notes)

	note, err := g.Generate(context.Background(), Request{
		UserID: "u1", BookID: "b1", ContextScope: model.ScopeRecentDialog,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if note.Meta.GenerationMethod != model.MethodDialogSummary {
		t.Fatalf("method = %v, want dialog_summary", note.Meta.GenerationMethod)
	}
}

func TestGenerate_NoSelectionRoutesToDialogSummaryNotContextAnalysis(t *testing.T) {
	d := &fakeDialog{textByIntent: map[model.Intent]string{model.IntentSummarize: longText(150)}, latencyMs: 500}
	history := &fakeHistory{turns: []model.DialogMessage{{Role: model.RoleUser, Content: "hi"}}}
	notes := &fakeNotes{}
	g := New(d, &fakeChapters{}, history, notes)

	note, err := g.Generate(context.Background(), Request{UserID: "u1", BookID: "b1", ChapterID: "ch1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if note.Meta.GenerationMethod != model.MethodDialogSummary {
		t.Fatalf("method = %v, want dialog_summary per the routing table's '(or no selection)' clause", note.Meta.GenerationMethod)
	}
}

func TestGenerate_SelectionWithoutEnhanceRoutesToContextAnalysis(t *testing.T) {
	d := &fakeDialog{textByIntent: map[model.Intent]string{model.IntentAnalyze: longText(150)}, latencyMs: 500}
	notes := &fakeNotes{}
	g := New(d, &fakeChapters{}, &fakeHistory{}, notes)

	note, err := g.Generate(context.Background(), Request{
		UserID: "u1", BookID: "b1", Selection: &model.Selection{Text: "a passage"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if note.Meta.GenerationMethod != model.MethodContextAnalysis {
		t.Fatalf("method = %v, want context_analysis", note.Meta.GenerationMethod)
	}
}

func TestGenerate_PersistedNoteAlwaysMeetsConfidenceOrFallbackInvariant(t *testing.T) {
	intent := model.IntentEnhance
	d := &fakeDialog{textByIntent: map[model.Intent]string{
		model.IntentAnalyze:   "short",
		model.IntentSummarize: "also short",
	}, latencyMs: 500}
	notes := &fakeNotes{}
	g := New(d, &fakeChapters{}, &fakeHistory{}, notes)

	note, err := g.Generate(context.Background(), Request{
		UserID: "u1", BookID: "b1", Intent: &intent,
		Selection: &model.Selection{Text: "a passage"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if note.Meta.Confidence < model.MinConfidence && !note.HasTag("fallback") {
		t.Fatal("invariant violated: low-confidence note must carry a fallback tag")
	}
}
