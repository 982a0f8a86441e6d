package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"

	"github.com/flowreader/flowreader-backend/internal/accounting"
	"github.com/flowreader/flowreader-backend/internal/config"
	"github.com/flowreader/flowreader-backend/internal/embedding"
	"github.com/flowreader/flowreader-backend/internal/ingest"
	"github.com/flowreader/flowreader-backend/internal/objectstore"
	"github.com/flowreader/flowreader-backend/internal/repository"
)

// build assembles the ingestion pipeline and its Pub/Sub subscriber.
func build(ctx context.Context, cfg *config.Config) (*ingest.Subscriber, *ingest.Pipeline, func(), error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build: db pool: %w", err)
	}

	store, err := objectstore.New(ctx, cfg.GCSBucketName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build: objectstore: %w", err)
	}

	embedClient, err := embedding.NewVertexClient(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build: embedding client: %w", err)
	}
	embedSvc := embedding.New(embedClient, cfg.EmbeddingBatchSize, cfg.EmbeddingDimensions,
		embedding.WithAccounting(accounting.NewLogSink()),
	)

	books := repository.NewBookRepo(pool)
	embeddings := repository.NewEmbeddingRepo(pool)

	pipeline := ingest.New(books, embeddings, store, embedSvc, ingest.Config{
		MaxEPUBEntries:           cfg.MaxEPUBEntries,
		MaxEPUBUncompressedBytes: cfg.MaxEPUBUncompressedBytes,
		MaxUploadSizeBytes:       cfg.MaxUploadSizeBytes,
		ChunkSizeTokens:          cfg.ChunkSizeTokens,
		ChunkOverlapPercent:      float64(cfg.ChunkOverlapPercent) / 100,
	})

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCPProject)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build: pubsub client: %w", err)
	}
	subscriber := ingest.NewSubscriber(pubsubClient.Subscription(cfg.PubSubSubscription), pipeline)

	cleanup := func() {
		pool.Close()
		store.Close()
		pubsubClient.Close()
	}
	return subscriber, pipeline, cleanup, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subscriber, pipeline, cleanup, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer cleanup()

	// Resume any book left mid-pipeline by a crashed worker or a dropped
	// transport message before pulling new work.
	if err := pipeline.ResumeIncomplete(ctx); err != nil {
		slog.Error("resume incomplete books failed", "error", err)
	}

	slog.Info("flowreader-worker starting", "subscription", cfg.PubSubSubscription)
	if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run: subscriber: %w", err)
	}

	slog.Info("worker stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
