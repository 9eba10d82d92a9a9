package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/aggregate"
	"github.com/refusal-audit/pipeline/internal/api/handlers"
	"github.com/refusal-audit/pipeline/internal/backends"
	"github.com/refusal-audit/pipeline/internal/cache/redis"
	"github.com/refusal-audit/pipeline/internal/catalog"
	"github.com/refusal-audit/pipeline/internal/classifier"
	"github.com/refusal-audit/pipeline/internal/corpus"
	"github.com/refusal-audit/pipeline/internal/metrics"
	"github.com/refusal-audit/pipeline/internal/oracle"
	"github.com/refusal-audit/pipeline/internal/orchestrator"
	"github.com/refusal-audit/pipeline/internal/pipeline"
	"github.com/refusal-audit/pipeline/internal/scorer"
	"github.com/refusal-audit/pipeline/internal/storage/sqlite"
	"github.com/refusal-audit/pipeline/internal/synth"
	"github.com/refusal-audit/pipeline/pkg/config"
	appLogger "github.com/refusal-audit/pipeline/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting refusal-disparity audit pipeline")

	metrics.Init()

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		appLogger.Fatal("Failed to load attribute catalog", zap.Error(err))
	}

	axes, err := cat.Select(cfg.Run.Axes)
	if err != nil {
		appLogger.Fatal("Failed to select axes", zap.Error(err))
	}

	basePrompts, err := corpus.Load(cfg.Corpus.Path)
	if err != nil {
		appLogger.Fatal("Failed to load base-prompt corpus", zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		appLogger.Fatal("Failed to create data dir", zap.Error(err))
	}

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var cache oracle.Cache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, oracle cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			cache = redisClient
		}
	}

	oracleClient := oracle.NewClient(oracle.Options{
		APIKey:         cfg.Oracle.APIKey,
		Model:          cfg.Oracle.Model,
		VisionModel:    cfg.Oracle.VisionModel,
		EmbeddingModel: cfg.Oracle.EmbeddingModel,
		Temperature:    cfg.Oracle.Temperature,
		MaxTokens:      cfg.Oracle.MaxTokens,
		TimeoutSec:     cfg.Oracle.TimeoutSec,
	}, cache)

	runID := cfg.Run.ID
	if runID == "" {
		runID = pipeline.NewRunID()
	}
	runDir := pipeline.RunDir(cfg.Run.Dir, cfg.Run.Backend, runID)

	artifacts, err := backends.NewArtifactStore(filepath.Join(runDir, "artifacts"))
	if err != nil {
		appLogger.Fatal("Failed to create artifact store", zap.Error(err))
	}

	adapter, err := buildAdapter(cfg, artifacts)
	if err != nil {
		appLogger.Fatal("Failed to build backend adapter", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blankSig := blankSignature(ctx, oracleClient, cfg.Classifier.BlankCaption)

	clf := classifier.New(oracleClient, artifacts, cfg.Classifier.SimilarityThreshold, blankSig)

	runLog, err := orchestrator.OpenRunLog(runDir)
	if err != nil {
		appLogger.Fatal("Failed to open run log", zap.Error(err))
	}

	orch := orchestrator.New(adapter, clf, runLog, orchestrator.Config{
		MaxAttempts: cfg.Run.MaxAttempts,
		Timeout:     time.Duration(cfg.Run.TimeoutSec) * time.Second,
		Workers:     cfg.Run.Workers,
	})

	sc := scorer.New(oracleClient, cfg.Scorer.Votes, time.Duration(cfg.Scorer.TimeoutSec)*time.Second)

	var rewriteOracle synth.RewriteOracle
	if cfg.Synth.BoundaryRewrite {
		rewriteOracle = oracleClient
	}
	synthesizer := synth.New(rewriteOracle, time.Duration(cfg.Synth.OracleTimeoutSec)*time.Second)

	pl := pipeline.New(synthesizer, orch, sc, artifacts, db, pipeline.Options{
		RunID:          runID,
		RunDir:         runDir,
		Backend:        cfg.Run.Backend,
		SourceImageDir: cfg.Run.SourceImageDir,
		AggOpts:        aggregate.Options{IncludeEmpty: cfg.Aggregate.IncludeEmpty},
	})

	var app *fiber.App
	if cfg.Server.Enabled {
		app = buildServer(cfg, db, cat, artifacts, orch)
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			appLogger.Info("Review server starting", zap.String("address", addr))
			if err := app.Listen(addr); err != nil {
				appLogger.Error("Review server stopped", zap.Error(err))
			}
		}()
	}

	out, err := pl.Run(ctx, basePrompts, axes, synth.Options{
		Seed:           cfg.Run.Seed,
		SampleSize:     cfg.Run.SampleSize,
		Intersectional: cfg.Run.Intersectional,
	}, cfg.Run.ResumeFrom)
	if err != nil {
		appLogger.Error("Run did not complete", zap.Error(err))
	}

	if out != nil {
		appLogger.Info("Audit run finished",
			zap.String("run_id", runID),
			zap.Int("requests", len(out.Requests)),
			zap.Int("results", len(out.Results)),
			zap.Int("evaluations", len(out.Evaluations)),
			zap.Int("evaluations_missing", out.Missing),
			zap.Int("reports", len(out.Reports)),
		)
		for _, report := range out.Reports {
			appLogger.Info("Disparity report",
				zap.String("axis", report.Axis),
				zap.Float64("delta_refusal", report.DeltaRefusal),
				zap.Float64("delta_erasure", report.DeltaErasure),
				zap.Strings("empty_values", report.EmptyValues),
			)
		}
	}

	if app != nil {
		appLogger.Info("Serving exports until interrupted")
		<-ctx.Done()
		app.Shutdown()
	}

	appLogger.Info("Pipeline stopped")
}

func buildAdapter(cfg *config.Config, artifacts *backends.ArtifactStore) (backends.Adapter, error) {
	switch cfg.Run.Backend {
	case "openai":
		return backends.NewOpenAIAdapter(backends.OpenAIOptions{
			APIKey:  cfg.Backends.OpenAI.APIKey,
			Model:   cfg.Backends.OpenAI.ImageModel,
			Size:    cfg.Backends.OpenAI.ImageSize,
			RPS:     cfg.Backends.OpenAI.RPS,
			Burst:   cfg.Backends.OpenAI.Burst,
			Workers: cfg.Backends.OpenAI.Workers,
		}, artifacts), nil
	case "sdwebui":
		return backends.NewSDWebUIAdapter(cfg.Backends.SDWebUI.BaseURL, backends.SDWebUIParams{
			Steps:             cfg.Backends.SDWebUI.Steps,
			CFGScale:          cfg.Backends.SDWebUI.CFGScale,
			Sampler:           cfg.Backends.SDWebUI.Sampler,
			DenoisingStrength: cfg.Backends.SDWebUI.DenoisingStrength,
			Width:             cfg.Backends.SDWebUI.Width,
			Height:            cfg.Backends.SDWebUI.Height,
			TimeoutSec:        cfg.Backends.SDWebUI.TimeoutSec,
		}, artifacts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Run.Backend)
	}
}

// blankSignature embeds the configured blank-placeholder caption once at
// startup. Best effort: without it the classifier just skips the blank
// check for text-to-image results.
func blankSignature(ctx context.Context, client *oracle.Client, caption string) []float32 {
	if caption == "" {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sig, err := client.EmbedText(embedCtx, caption)
	if err != nil {
		appLogger.Warn("Blank signature unavailable", zap.Error(err))
		return nil
	}
	return sig
}

func buildServer(
	cfg *config.Config,
	db *sqlite.Client,
	cat *catalog.Catalog,
	artifacts *backends.ArtifactStore,
	orch *orchestrator.Orchestrator,
) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, OPTIONS",
	}))

	reportHandler := handlers.NewReportHandler(db, cat, aggregate.Options{IncludeEmpty: cfg.Aggregate.IncludeEmpty})
	exportHandler := handlers.NewExportHandler(db, artifacts)
	progressHandler := handlers.NewProgressHandler(orch.Events())

	api := app.Group("/api/v1")

	api.Get("/report", reportHandler.HandleReport)
	api.Get("/survey-items", exportHandler.HandleSurveyItems)
	api.Get("/artifacts/:ref", exportHandler.HandleArtifact)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/progress", websocket.New(progressHandler.HandleConnection))

	return app
}
