// Package promptpolicy implements C10: a pure table mapping dialog intent to
// system prompt, model tier, output budget, and streaming requirement. Kept
// as a literal table rather than control flow, so an intent's behavior can
// be tuned without touching the engine that executes it.
package promptpolicy

import "github.com/flowreader/flowreader-backend/internal/model"

// ModelTier selects which backing model serves a request.
type ModelTier string

const (
	TierPrimary      ModelTier = "primary"
	TierCostOptimized ModelTier = "cost_optimized"
)

// Policy is the full behavior attached to one intent.
type Policy struct {
	SystemPrompt  string
	Tier          ModelTier
	MaxOutputTokens int
	Streaming     bool
}

const maxSystemPromptLen = 2000

var table = map[model.Intent]Policy{
	model.IntentTranslate: {
		SystemPrompt:    "Translate the selected passage faithfully, preserving tone and register. Do not add commentary.",
		Tier:            TierCostOptimized,
		MaxOutputTokens: 512,
		Streaming:       true,
	},
	model.IntentExplain: {
		SystemPrompt:    "Explain the selected passage clearly, in plain language, grounded only in the provided book context.",
		Tier:            TierCostOptimized,
		MaxOutputTokens: 768,
		Streaming:       true,
	},
	model.IntentAnalyze: {
		SystemPrompt:    "Analyze the selected passage: themes, devices, and its place in the surrounding narrative, grounded only in the provided context.",
		Tier:            TierPrimary,
		MaxOutputTokens: 1024,
		Streaming:       true,
	},
	model.IntentAsk: {
		SystemPrompt:    "Answer the reader's question about this book using only the provided context. If the context does not contain the answer, say so.",
		Tier:            TierCostOptimized,
		MaxOutputTokens: 768,
		Streaming:       true,
	},
	model.IntentEnhance: {
		SystemPrompt:    "Produce a high-quality, well-structured note from the provided context. Quality matters more than brevity here.",
		Tier:            TierPrimary,
		MaxOutputTokens: 1024,
		Streaming:       false,
	},
	model.IntentSummarize: {
		SystemPrompt:    "Summarize the provided context concisely, preserving the key facts and narrative beats.",
		Tier:            TierCostOptimized,
		MaxOutputTokens: 640,
		Streaming:       true,
	},
	model.IntentQuestion: {
		SystemPrompt:    "Generate a short comprehension question grounded only in the provided context.",
		Tier:            TierCostOptimized,
		MaxOutputTokens: 256,
		Streaming:       false,
	},
}

var defaultPolicy = table[model.IntentAsk]

// For returns the Policy for intent, falling back to the "ask" policy for an
// unrecognized or empty intent rather than failing the request.
func For(intent model.Intent) Policy {
	if p, ok := table[intent]; ok {
		return p
	}
	return defaultPolicy
}

// ForQuotaConstrained returns a cost-optimized variant of the usual policy,
// used when the caller's quota or an explicit request hint demands the
// cheaper tier even for an intent that would otherwise use primary.
func ForQuotaConstrained(intent model.Intent) Policy {
	p := For(intent)
	p.Tier = TierCostOptimized
	return p
}

func init() {
	for intent, p := range table {
		if len(p.SystemPrompt) > maxSystemPromptLen {
			panic("promptpolicy: system prompt for " + string(intent) + " exceeds max length")
		}
	}
}
