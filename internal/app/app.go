// Package app wires the application's components together: configuration,
// database pool, model client, retrieval engine, pipeline and services.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumakb/luma/db"
	"github.com/lumakb/luma/internal/audit"
	"github.com/lumakb/luma/internal/chat"
	"github.com/lumakb/luma/internal/config"
	"github.com/lumakb/luma/internal/database"
	"github.com/lumakb/luma/internal/gemini"
	"github.com/lumakb/luma/internal/knowledge"
	"github.com/lumakb/luma/internal/log"
	"github.com/lumakb/luma/internal/pipeline"
	"github.com/lumakb/luma/internal/retrieval"
	"github.com/lumakb/luma/internal/vectorstore"
)

// App holds the initialized application components.
type App struct {
	Config *config.Config
	Logger log.Logger

	DBPool *pgxpool.Pool
	Gemini *gemini.Client

	VectorStore *vectorstore.Store
	Engine      *retrieval.Engine
	Pipeline    *pipeline.Pipeline
	AuditStore  *audit.Store

	Chat      *chat.Service
	Knowledge *knowledge.Service
}

// Setup creates and initializes the application. Call Close to release the
// resources it acquired.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg}

	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	a.Logger = log.New(log.Config{
		Level: cfg.SlogLevel(),
		JSON:  cfg.LogJSON,
	})

	// Migrations run on startup; applying an already-applied migration is a
	// no-op.
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.DBPool = pool

	client, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:        cfg.GeminiAPIKey,
		Model:         cfg.ModelName,
		EmbedderModel: cfg.EmbedderModel,
		Dimension:     cfg.EmbedderDimension,
		Temperature:   cfg.Temperature,
		EmbedInterval: cfg.EmbedInterval,
		EmbedWorkers:  cfg.EmbedWorkers,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}
	a.Gemini = client

	store, err := vectorstore.New(pool, cfg.EmbedderDimension, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}
	a.VectorStore = store

	chunker, err := retrieval.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("creating chunker: %w", err)
	}

	engine, err := retrieval.NewEngine(chunker, client, store, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating retrieval engine: %w", err)
	}
	a.Engine = engine

	p, err := pipeline.New(client, engine, cfg.RetrievalLimit, cfg.SimilarityThreshold, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	a.Pipeline = p

	auditStore, err := audit.New(pool, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating audit store: %w", err)
	}
	a.AuditStore = auditStore

	chatSvc, err := chat.NewService(p, auditStore, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating chat service: %w", err)
	}
	a.Chat = chatSvc

	knowledgeSvc, err := knowledge.NewService(engine, client, store, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge service: %w", err)
	}
	a.Knowledge = knowledgeSvc

	return a, nil
}

// Close releases the resources held by the application.
func (a *App) Close() {
	if a.Gemini != nil {
		a.Gemini.Close()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
}
