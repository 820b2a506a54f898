package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"deckcheck/internal/analysis"
	"deckcheck/internal/llm"
	"deckcheck/internal/llm/gemini"
	"deckcheck/internal/llm/openai"
	"deckcheck/internal/notify"
	"deckcheck/internal/pipeline"
	"deckcheck/internal/queue"
	"deckcheck/internal/render"
	"deckcheck/internal/runs"
	"deckcheck/internal/services/health"
	"deckcheck/internal/shared/config"
	"deckcheck/internal/shared/server"
	"deckcheck/internal/shared/server/middleware"
	"deckcheck/internal/shared/storage/db"
	"deckcheck/internal/shared/storage/object"
	localstore "deckcheck/internal/shared/storage/object/local"
	s3store "deckcheck/internal/shared/storage/object/s3"
	"deckcheck/internal/shared/telemetry"
)

// Engine is the render and analysis stack shared by the API server and the CLI.
type Engine struct {
	LLM      llm.Client
	Prompts  llm.PromptSet
	Renderer *render.Quarto
	Analyzer *analysis.Analyzer
}

// App holds shared dependencies.
type App struct {
	Config       config.Config
	Router       *gin.Engine
	DB           *sql.DB
	Store        object.ObjectStore
	Queue        queue.Client
	Runs         runs.Repo
	Notifier     *notify.Center
	Engine       Engine
	Orchestrator *pipeline.Orchestrator
	Health       *health.Service
}

// Build prepares every dependency and the router.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}

	engine, err := BuildEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var runRepo runs.Repo
	if sqlDB != nil {
		runRepo = &runs.PGRepo{DB: sqlDB}
	} else {
		runRepo = runs.NewMemoryRepo()
	}

	center := notify.NewCenter(queueClient)
	orch, err := pipeline.New(pipeline.Config{
		Renderer: engine.Renderer,
		Analyzer: engine.Analyzer,
		Runs:     runRepo,
		Notifier: center,
		Workers:  cfg.PipelineWorkers,
		WorkDir:  cfg.WorkDir,
		Provider: engine.LLM.Provider(),
		Model:    engine.LLM.Model(),
	})
	if err != nil {
		return nil, err
	}

	var pinger health.Pinger
	if sqlDB != nil {
		pinger = sqlDB
	}

	app := &App{
		Config:       cfg,
		DB:           sqlDB,
		Store:        store,
		Queue:        queueClient,
		Runs:         runRepo,
		Notifier:     center,
		Engine:       engine,
		Orchestrator: orch,
		Health:       health.NewService(pinger, cfg.QuartoBin, engine.LLM.Provider(), engine.LLM.Model()),
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		PipelineHandler: pipeline.NewHandler(orch, store, cfg.MaxUploadBytes),
		RunsHandler:     runs.NewHandler(runRepo),
		NotifyHandler:   notify.NewHandler(center),
		Health:          app.Health,
		RateLimiter:     middleware.NewRateLimiter(nil),
	})

	telemetry.Info("bootstrap.ready", map[string]any{
		"env":          cfg.Env,
		"llm_provider": engine.LLM.Provider(),
		"llm_model":    engine.LLM.Model(),
		"object_store": cfg.ObjectStoreType,
		"run_log":      runLogKind(sqlDB),
		"notify_queue": queueClient != nil,
		"workers":      cfg.PipelineWorkers,
	})
	return app, nil
}

// Close drains in-flight runs and releases the database.
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

// BuildEngine wires the model client, prompt set, renderer, and analyzer.
func BuildEngine(ctx context.Context, cfg config.Config) (Engine, error) {
	client, err := buildLLM(ctx, cfg)
	if err != nil {
		return Engine{}, err
	}

	prompts, err := buildPrompts(cfg)
	if err != nil {
		return Engine{}, err
	}

	analyzer, err := analysis.New(llm.WithRetry(client), prompts)
	if err != nil {
		return Engine{}, fmt.Errorf("build analyzer: %w", err)
	}

	return Engine{
		LLM:      client,
		Prompts:  prompts,
		Renderer: render.NewQuarto(cfg.QuartoBin, cfg.RenderTimeout),
		Analyzer: analyzer,
	}, nil
}

func buildLLM(ctx context.Context, cfg config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for LLM_PROVIDER=gemini")
		}
		return gemini.NewClient(ctx, gemini.Config{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.LLMModel,
			Timeout: cfg.LLMTimeout,
		})
	default:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for LLM_PROVIDER=openai")
		}
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.LLMModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.LLMTimeout,
		})
	}
}

func buildPrompts(cfg config.Config) (llm.PromptSet, error) {
	if strings.TrimSpace(cfg.PromptFile) == "" {
		return llm.DefaultPromptSet()
	}
	prompts, err := llm.LoadPromptSet(cfg.PromptFile)
	if err != nil {
		return llm.PromptSet{}, fmt.Errorf("load prompt file: %w", err)
	}
	return prompts, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Info("bootstrap.memory_run_log", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.ServerOptions(cfg)
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err == nil {
		err = db.RunMigrations(ctx, sqlDB)
		if err != nil {
			_ = sqlDB.Close()
		}
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_run_log", map[string]any{"reason": "database unavailable", "error": err})
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.NotifySQSURL) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx, cfg.NotifySQSURL, cfg.AWSRegion)
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func runLogKind(sqlDB *sql.DB) string {
	if sqlDB == nil {
		return "memory"
	}
	return "postgres"
}
