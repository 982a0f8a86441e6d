// Package llmclient wraps Vertex AI's Gemini models for streaming chat
// completion. It mirrors the dual-path construction the rest of this
// codebase's Vertex clients use: the "global" pseudo-region has no Go SDK
// support and is driven over a hand-rolled REST SSE parse, while a real
// region uses the generative-AI SDK directly.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
)

// StreamChunk is one incremental piece of a streamed completion.
type StreamChunk struct {
	Text     string
	Done     bool
	Err      error
	Tokens   int
	Latency  int64
}

// Client generates chat completions against one Vertex AI model.
type Client interface {
	// StreamGenerate streams a completion for systemPrompt+userPrompt over the
	// returned channel, closing it after the final chunk (Done=true) or an
	// error chunk (Err != nil). The channel never sends both.
	StreamGenerate(ctx context.Context, model, systemPrompt, userPrompt string, maxOutputTokens int) (<-chan StreamChunk, error)
}

// VertexClient talks to Vertex AI's generative models, either through the
// SDK (regional locations) or a manual REST SSE parse (the "global" location,
// which the SDK does not support).
type VertexClient struct {
	project  string
	location string
	http     *http.Client
}

// NewVertexClient constructs a client bound to one GCP project and region.
// location == "global" switches every call onto the REST path.
func NewVertexClient(ctx context.Context, project, location string) (*VertexClient, error) {
	httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("llmclient: default credentials: %w", err)
	}
	return &VertexClient{project: project, location: location, http: httpClient}, nil
}

func (c *VertexClient) StreamGenerate(ctx context.Context, model, systemPrompt, userPrompt string, maxOutputTokens int) (<-chan StreamChunk, error) {
	if c.location == "global" {
		return c.streamREST(ctx, model, systemPrompt, userPrompt, maxOutputTokens)
	}
	return c.streamSDK(ctx, model, systemPrompt, userPrompt, maxOutputTokens)
}

func (c *VertexClient) streamSDK(ctx context.Context, modelName, systemPrompt, userPrompt string, maxOutputTokens int) (<-chan StreamChunk, error) {
	client, err := withRetry(ctx, "vertex_sdk_connect", func() (*genai.Client, error) {
		return genai.NewClient(ctx, c.project, c.location)
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: sdk client: %w", err)
	}

	gm := client.GenerativeModel(modelName)
	gm.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	maxTok := int32(maxOutputTokens)
	gm.MaxOutputTokens = &maxTok

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer client.Close()

		iter := gm.GenerateContentStream(ctx, genai.Text(userPrompt))
		var totalTokens int
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				out <- StreamChunk{Done: true, Tokens: totalTokens}
				return
			}
			if err != nil {
				out <- StreamChunk{Err: fmt.Errorf("llmclient: stream: %w", err)}
				return
			}
			if resp.UsageMetadata != nil {
				totalTokens = int(resp.UsageMetadata.TotalTokenCount)
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if text, ok := part.(genai.Text); ok {
						select {
						case out <- StreamChunk{Text: string(text)}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return out, nil
}

type restRequest struct {
	Contents         []restContent    `json:"contents"`
	SystemInstruction *restContent    `json:"systemInstruction,omitempty"`
	GenerationConfig restGenConfig    `json:"generationConfig"`
}

type restContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []restPart `json:"parts"`
}

type restPart struct {
	Text string `json:"text"`
}

type restGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens"`
}

type restStreamChunk struct {
	Candidates []struct {
		Content restContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *VertexClient) streamREST(ctx context.Context, modelName, systemPrompt, userPrompt string, maxOutputTokens int) (<-chan StreamChunk, error) {
	reqBody := restRequest{
		Contents: []restContent{{Role: "user", Parts: []restPart{{Text: userPrompt}}}},
		GenerationConfig: restGenConfig{MaxOutputTokens: maxOutputTokens},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &restContent{Parts: []restPart{{Text: systemPrompt}}}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	url := fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:streamGenerateContent?alt=sse",
		c.project, modelName,
	)
	resp, err := withRetry(ctx, "vertex_rest_connect", func() (*http.Response, error) {
		req, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if buildErr != nil {
			return nil, buildErr
		}
		req.Header.Set("Content-Type", "application/json")

		r, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			b, _ := io.ReadAll(r.Body)
			return nil, fmt.Errorf("status %d: %s", r.StatusCode, string(b))
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: request: %w", err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var totalTokens int
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var chunk restStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				out <- StreamChunk{Err: fmt.Errorf("llmclient: decode chunk: %w", err)}
				return
			}
			if chunk.UsageMetadata.TotalTokenCount > 0 {
				totalTokens = chunk.UsageMetadata.TotalTokenCount
			}
			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case out <- StreamChunk{Text: part.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("llmclient: scan stream: %w", err)}
			return
		}
		out <- StreamChunk{Done: true, Tokens: totalTokens}
	}()
	return out, nil
}

// HealthCheck issues a minimal generation request to confirm the model and
// credentials are reachable.
func (c *VertexClient) HealthCheck(ctx context.Context, model string) error {
	ch, err := c.StreamGenerate(ctx, model, "", "ping", 8)
	if err != nil {
		return err
	}
	for chunk := range ch {
		if chunk.Err != nil {
			return chunk.Err
		}
		if chunk.Done {
			return nil
		}
	}
	return nil
}
