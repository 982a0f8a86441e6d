package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/google"
)

// Client abstracts the Vertex AI text embedding REST API so the service can
// be tested without real credentials.
type Client interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VertexClient calls the Vertex AI text-embedding endpoint directly over
// REST, the same way the teacher's gcpclient.EmbeddingAdapter does, since
// the Go SDK's embedding surface lags the REST API's task_type support.
type VertexClient struct {
	project  string
	location string
	model    string
	http     *http.Client
}

// NewVertexClient builds a VertexClient using application default credentials.
func NewVertexClient(ctx context.Context, project, location, model string) (*VertexClient, error) {
	httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("embedding.NewVertexClient: %w", err)
	}
	return &VertexClient{project: project, location: location, model: model, http: httpClient}, nil
}

type embedRequest struct {
	Instances []embedInstance `json:"instances"`
}

type embedInstance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type embedResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedDocuments embeds chapter chunks using RETRIEVAL_DOCUMENT task type.
func (c *VertexClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return withRetry(ctx, "EmbedDocuments", func() ([][]float32, error) {
		return c.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
	})
}

// EmbedQuery embeds a single dialog query using RETRIEVAL_QUERY task type,
// which Vertex places in a vector space optimized for asymmetric retrieval
// against RETRIEVAL_DOCUMENT vectors.
func (c *VertexClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := withRetry(ctx, "EmbedQuery", func() ([][]float32, error) {
		return c.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding.EmbedQuery: expected 1 vector, got %d", len(vecs))
	}
	return vecs[0], nil
}

func (c *VertexClient) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	instances := make([]embedInstance, len(texts))
	for i, t := range texts {
		instances[i] = embedInstance{Content: t, TaskType: taskType}
	}

	body, err := json.Marshal(embedRequest{Instances: instances})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: status %d: %s", resp.StatusCode, raw)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode: %w", err)
	}

	out := make([][]float32, len(parsed.Predictions))
	for i, p := range parsed.Predictions {
		out[i] = p.Embeddings.Values
	}
	return out, nil
}

// endpointURL mirrors the teacher's handling of the "global" pseudo-region,
// which is not addressed via a regional subdomain.
func (c *VertexClient) endpointURL() string {
	if c.location == "global" {
		return fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:predict",
			c.project, c.model,
		)
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.location, c.project, c.location, c.model,
	)
}

// HealthCheck confirms the embedding endpoint is reachable and authenticated.
func (c *VertexClient) HealthCheck(ctx context.Context) error {
	_, err := c.EmbedQuery(ctx, "health check")
	if err != nil {
		return fmt.Errorf("embedding: health check failed: %w", err)
	}
	return nil
}
