package ingest

import (
	"fmt"
	"math"
	"strings"
)

// Chunk is one chapter chunk ready for embedding, with its character span
// into the chapter's original content so the retrieval engine can cite and
// the reader UI can highlight the exact passage a dialog answer drew on.
type Chunk struct {
	Ordinal    int
	Content    string
	TokenCount int
	SpanStart  int
	SpanEnd    int
}

// Chunker splits chapter text into overlapping chunks sized for the
// embedding model's context window.
type Chunker struct {
	chunkSizeTokens int
	overlapPct      float64
}

// NewChunker builds a Chunker. chunkSizeTokens and overlapPct fall back to
// 512 tokens / 15% overlap, matching the upload pipeline's defaults, when
// given non-positive values.
func NewChunker(chunkSizeTokens int, overlapPct float64) *Chunker {
	if chunkSizeTokens <= 0 {
		chunkSizeTokens = 512
	}
	if overlapPct <= 0 || overlapPct >= 1 {
		overlapPct = 0.15
	}
	return &Chunker{chunkSizeTokens: chunkSizeTokens, overlapPct: overlapPct}
}

// Chunk splits chapter content into ordered, overlapping chunks.
func (c *Chunker) Chunk(content string) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("ingest.Chunk: content is empty")
	}

	paragraphs := splitParagraphsWithSpans(content)
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("ingest.Chunk: no content after splitting")
	}

	segments := c.buildSegments(paragraphs)
	overlapped := c.applyOverlap(segments, content)

	chunks := make([]Chunk, 0, len(overlapped))
	for _, seg := range overlapped {
		trimmed := strings.TrimSpace(seg.content)
		if trimmed == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:    trimmed,
			TokenCount: estimateTokens(trimmed),
			SpanStart:  seg.start,
			SpanEnd:    seg.end,
		})
	}
	for i := range chunks {
		chunks[i].Ordinal = i
	}

	return chunks, nil
}

type paragraphSpan struct {
	text       string
	start, end int
}

// splitParagraphsWithSpans splits on blank lines while tracking each
// paragraph's byte offset into the original content.
func splitParagraphsWithSpans(content string) []paragraphSpan {
	var out []paragraphSpan
	cursor := 0
	for _, raw := range strings.Split(content, "\n\n") {
		start := cursor
		end := start + len(raw)
		cursor = end + len("\n\n")

		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		leadingSpace := strings.Index(raw, trimmed)
		out = append(out, paragraphSpan{text: trimmed, start: start + leadingSpace, end: start + leadingSpace + len(trimmed)})
	}
	return out
}

type segment struct {
	content    string
	start, end int
}

// buildSegments merges consecutive paragraphs up to chunkSizeTokens and
// splits any single paragraph that alone exceeds the budget.
func (c *Chunker) buildSegments(paragraphs []paragraphSpan) []segment {
	var segments []segment
	var current strings.Builder
	segStart := -1
	segEnd := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		segments = append(segments, segment{content: current.String(), start: segStart, end: segEnd})
		current.Reset()
		segStart = -1
	}

	for _, p := range paragraphs {
		tokens := estimateTokens(p.text)
		currentTokens := estimateTokens(current.String())

		if currentTokens > 0 && currentTokens+tokens > c.chunkSizeTokens {
			flush()
		}

		if tokens > c.chunkSizeTokens {
			flush()
			for _, sub := range splitLargeParagraph(p.text, c.chunkSizeTokens) {
				segments = append(segments, segment{content: sub, start: p.start, end: p.end})
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		} else {
			segStart = p.start
		}
		current.WriteString(p.text)
		segEnd = p.end
	}
	flush()

	return segments
}

// applyOverlap prepends the tail of each chunk to the chunk that follows it,
// so retrieval near a chunk boundary still has surrounding context. The
// prepended span is widened to cover the borrowed text.
func (c *Chunker) applyOverlap(segments []segment, content string) []segment {
	if len(segments) <= 1 {
		return segments
	}

	out := make([]segment, len(segments))
	out[0] = segments[0]

	for i := 1; i < len(segments); i++ {
		prev := segments[i-1]
		overlapWords := int(math.Ceil(float64(wordCount(prev.content)) * c.overlapPct))
		tail := lastNWords(prev.content, overlapWords)

		if tail == "" {
			out[i] = segments[i]
			continue
		}

		start := segments[i].start
		if idx := strings.LastIndex(content[:segments[i].start], tail); idx >= 0 {
			start = idx
		}
		out[i] = segment{
			content: tail + "\n\n" + segments[i].content,
			start:   start,
			end:     segments[i].end,
		}
	}

	return out
}

func splitLargeParagraph(text string, chunkSizeTokens int) []string {
	sentences := splitSentences(text)
	var chunks []string
	var current strings.Builder

	for _, sent := range sentences {
		sentTokens := estimateTokens(sent)
		currentTokens := estimateTokens(current.String())
		if currentTokens > 0 && currentTokens+sentTokens > chunkSizeTokens {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if sentTokens > chunkSizeTokens {
			chunks = append(chunks, splitByWords(sent, chunkSizeTokens)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) == 0 && len(text) > 0 {
		chunks = splitByWords(text, chunkSizeTokens)
	}
	return chunks
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}

func splitByWords(text string, chunkSizeTokens int) []string {
	words := strings.Fields(text)
	wordsPerChunk := int(float64(chunkSizeTokens) / 1.3)
	if wordsPerChunk <= 0 {
		wordsPerChunk = 1
	}
	var chunks []string
	for i := 0; i < len(words); i += wordsPerChunk {
		end := i + wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

func wordCount(text string) int { return len(strings.Fields(text)) }

func lastNWords(text string, n int) string {
	words := strings.Fields(text)
	if n >= len(words) {
		return text
	}
	return strings.Join(words[len(words)-n:], " ")
}
