// Package config loads FlowReader's runtime configuration from the
// environment. It is immutable after Load returns.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-driven setting the core depends on.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	DatabaseURL      string `env:"DATABASE_URL,required"`
	DatabaseMaxConns int    `env:"DATABASE_MAX_CONNS" envDefault:"25"`

	GCPProject string `env:"GOOGLE_CLOUD_PROJECT,required"`
	GCPRegion  string `env:"GCP_REGION" envDefault:"us-east4"`

	VertexAILocation string `env:"VERTEX_AI_LOCATION" envDefault:"global"`
	VertexAIModel    string `env:"VERTEX_AI_MODEL" envDefault:"gemini-3-pro-preview"`
	CostOptimizedModel string `env:"VERTEX_AI_COST_MODEL" envDefault:"gemini-3-flash-preview"`

	EmbeddingLocation   string `env:"VERTEX_AI_EMBEDDING_LOCATION" envDefault:"us-east4"`
	EmbeddingModel      string `env:"VERTEX_AI_EMBEDDING_MODEL" envDefault:"text-embedding-004"`
	EmbeddingDimensions int    `env:"EMBEDDING_DIMENSIONS" envDefault:"768"`
	EmbeddingCacheTTL   time.Duration `env:"EMBEDDING_CACHE_TTL" envDefault:"1h"`
	EmbeddingBatchSize  int    `env:"EMBEDDING_BATCH_SIZE" envDefault:"250"`

	GCSBucketName      string        `env:"GCS_BUCKET_NAME"`
	GCSSignedURLExpiry time.Duration `env:"GCS_SIGNED_URL_EXPIRY" envDefault:"15m"`

	FirebaseProjectID string `env:"FIREBASE_PROJECT_ID"`
	JWTJWKSURL        string `env:"IDENTITY_JWKS_URL"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	PubSubTopic        string `env:"PUBSUB_INGEST_TOPIC" envDefault:"flowreader-ingest"`
	PubSubSubscription string `env:"PUBSUB_INGEST_SUBSCRIPTION" envDefault:"flowreader-ingest-worker"`

	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	MaxUploadSizeBytes int64 `env:"MAX_UPLOAD_SIZE_BYTES" envDefault:"104857600"`
	MaxEPUBEntries     int   `env:"MAX_EPUB_ENTRIES" envDefault:"10000"`
	MaxEPUBUncompressedBytes int64 `env:"MAX_EPUB_UNCOMPRESSED_BYTES" envDefault:"524288000"`

	ChunkSizeTokens     int `env:"CHUNK_SIZE_TOKENS" envDefault:"768"`
	ChunkOverlapPercent int `env:"CHUNK_OVERLAP_PERCENT" envDefault:"20"`

	RetrievalTopKInitial      int     `env:"RETRIEVAL_TOPK_INITIAL" envDefault:"8"`
	RetrievalSimilarityFloor  float64 `env:"RETRIEVAL_SIMILARITY_FLOOR" envDefault:"0.75"`
	RetrievalDedupThreshold   float64 `env:"RETRIEVAL_DEDUP_THRESHOLD" envDefault:"0.9"`
	RetrievalRelevanceDelta   float64 `env:"RETRIEVAL_RELEVANCE_DELTA" envDefault:"0.15"`
	RetrievalTopKFinal        int     `env:"RETRIEVAL_TOPK_FINAL" envDefault:"3"`
	RetrievalTokenBudget      int     `env:"RETRIEVAL_TOKEN_BUDGET" envDefault:"1500"`

	CacheTTL               time.Duration `env:"RESPONSE_CACHE_TTL" envDefault:"15m"`
	CacheMaxEntries        int           `env:"RESPONSE_CACHE_MAX_ENTRIES" envDefault:"2000"`
	CacheSemanticThreshold float64       `env:"RESPONSE_CACHE_SEMANTIC_THRESHOLD" envDefault:"0.95"`

	ConfidenceGate float64 `env:"CONFIDENCE_GATE" envDefault:"0.6"`

	ChatTimeout      time.Duration `env:"CHAT_TIMEOUT" envDefault:"30s"`
	SimpleTimeout    time.Duration `env:"SIMPLE_REQUEST_TIMEOUT" envDefault:"10s"`
	IngestParseTimeout time.Duration `env:"INGEST_PARSE_TIMEOUT" envDefault:"120s"`

	LLMRetryAttempts int `env:"LLM_RETRY_ATTEMPTS" envDefault:"2"`

	InternalAuthSecret string `env:"INTERNAL_AUTH_SECRET"`
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}
