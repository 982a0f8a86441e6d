package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/flowreader/flowreader-backend/internal/accounting"
	"github.com/flowreader/flowreader-backend/internal/cache"
	"github.com/flowreader/flowreader-backend/internal/config"
	"github.com/flowreader/flowreader-backend/internal/dialog"
	"github.com/flowreader/flowreader-backend/internal/embedding"
	"github.com/flowreader/flowreader-backend/internal/identity"
	"github.com/flowreader/flowreader-backend/internal/ingest"
	"github.com/flowreader/flowreader-backend/internal/llmclient"
	"github.com/flowreader/flowreader-backend/internal/middleware"
	"github.com/flowreader/flowreader-backend/internal/notegen"
	"github.com/flowreader/flowreader-backend/internal/notes"
	"github.com/flowreader/flowreader-backend/internal/objectstore"
	"github.com/flowreader/flowreader-backend/internal/ratelimit"
	"github.com/flowreader/flowreader-backend/internal/repository"
	"github.com/flowreader/flowreader-backend/internal/retrieval"
	"github.com/flowreader/flowreader-backend/internal/router"
)

// Version is stamped into the health response and startup log.
const Version = "0.1.0"

func runMigrations(cfg *config.Config) error {
	m, err := migrate.New("file://migrations", migrateDSN(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("runMigrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("runMigrations: %w", err)
	}
	return nil
}

// migrateDSN rewrites a postgres:// connection string to the pgx/v5 driver
// scheme golang-migrate's database/pgx/v5 package registers under.
func migrateDSN(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgres://") {
		return "pgx5://" + strings.TrimPrefix(databaseURL, "postgres://")
	}
	if strings.HasPrefix(databaseURL, "postgresql://") {
		return "pgx5://" + strings.TrimPrefix(databaseURL, "postgresql://")
	}
	return databaseURL
}

// build wires every FlowReader component into a router.Dependencies, the
// same shape the teacher's main assembled by hand rather than through a DI
// container.
func build(ctx context.Context, cfg *config.Config) (*router.Dependencies, func(), error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("build: db pool: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProjectID})
	if err != nil {
		return nil, nil, fmt.Errorf("build: firebase app: %w", err)
	}
	fbAuth, err := fbApp.Auth(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("build: firebase auth: %w", err)
	}
	gate := identity.NewGate(identity.NewFirebaseVerifier(fbAuth))

	store, err := objectstore.New(ctx, cfg.GCSBucketName)
	if err != nil {
		return nil, nil, fmt.Errorf("build: objectstore: %w", err)
	}

	embedClient, err := embedding.NewVertexClient(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		return nil, nil, fmt.Errorf("build: embedding client: %w", err)
	}
	embeddingCache := cache.NewEmbeddingCache(cfg.EmbeddingCacheTTL)
	accountingSink := accounting.NewLogSink()
	embedSvc := embedding.New(embedClient, cfg.EmbeddingBatchSize, cfg.EmbeddingDimensions,
		embedding.WithQueryCache(embeddingCache),
		embedding.WithAccounting(accountingSink),
	)

	llm, err := llmclient.NewVertexClient(ctx, cfg.GCPProject, cfg.VertexAILocation)
	if err != nil {
		return nil, nil, fmt.Errorf("build: llm client: %w", err)
	}

	books := repository.NewBookRepo(pool)
	chapters := repository.NewChapterRepo(pool)
	notesRepo := repository.NewNoteRepo(pool)
	dialogRepo := repository.NewDialogRepo(pool)
	positions := repository.NewPositionRepo(pool)
	tasks := repository.NewTaskRepo(pool)
	embeddings := repository.NewEmbeddingRepo(pool)
	securityEvents := repository.NewSecurityEventRepo(pool)

	retrievalEngine := retrieval.New(embedSvc, embeddings, retrieval.Config{
		TopKInitial:     cfg.RetrievalTopKInitial,
		SimilarityFloor: cfg.RetrievalSimilarityFloor,
		DedupThreshold:  cfg.RetrievalDedupThreshold,
		RelevanceDelta:  cfg.RetrievalRelevanceDelta,
		TopKFinal:       cfg.RetrievalTopKFinal,
		TokenBudget:     cfg.RetrievalTokenBudget,
	})

	respCache := cache.NewResponseCache(cfg.CacheTTL, cfg.CacheMaxEntries, cfg.CacheSemanticThreshold)
	contextCache := cache.NewContextCache(cfg.CacheTTL)

	chatEngine := dialog.New(books, retrievalEngine, respCache, llm, cfg.VertexAIModel, cfg.CostOptimizedModel,
		dialog.WithAccounting(accountingSink),
		dialog.WithRecorder(dialogRepo),
		dialog.WithContextCache(contextCache),
	)

	autoNoteGen := notegen.New(chatEngine, chapters, dialogRepo, notesRepo)
	notesSvc := notes.New(notesRepo)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCPProject)
	if err != nil {
		return nil, nil, fmt.Errorf("build: pubsub client: %w", err)
	}
	publisher := ingest.NewPublisher(pubsubClient.Topic(cfg.PubSubTopic))

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)
	limiter := ratelimit.New(rdb, securityEvents.NotifyDegraded)

	deps := &router.Dependencies{
		DB:                 pool,
		Gate:               gate,
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         reg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		MaxUploadSizeBytes: cfg.MaxUploadSizeBytes,
		UploadSigner:       store,
		Books:              books,
		Chapters:           chapters,
		Tasks:              tasks,
		TaskLookup:         tasks,
		IngestPub:          publisher,
		Positions:          positions,
		ChatEngine:         chatEngine,
		DialogHistory:      dialogRepo,
		NoteCreator:        notesRepo,
		NoteLookup:         notesRepo,
		AutoGenerator:      autoNoteGen,
		NoteSearcher:       notesSvc,
		RateLimiter:        limiter,
	}

	cleanup := func() {
		pool.Close()
		rdb.Close()
		store.Close()
		pubsubClient.Close()
	}
	return deps, cleanup, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if err := runMigrations(cfg); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer cleanup()

	r := router.New(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // chat streams hold the connection open past any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("flowreader-backend starting", "version", Version, "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("run: server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("run: graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
