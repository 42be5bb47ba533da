package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/ipsibridge-backend/internal/agent"
	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/clients/pinecone"
	"github.com/yungbote/ipsibridge-backend/internal/clients/redis"
	"github.com/yungbote/ipsibridge-backend/internal/db"
	"github.com/yungbote/ipsibridge-backend/internal/functions"
	ipsihttp "github.com/yungbote/ipsibridge-backend/internal/http"
	"github.com/yungbote/ipsibridge-backend/internal/http/handlers"
	"github.com/yungbote/ipsibridge-backend/internal/http/middleware"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/observability"
	"github.com/yungbote/ipsibridge-backend/internal/repos"
	"github.com/yungbote/ipsibridge-backend/internal/score"
	"github.com/yungbote/ipsibridge-backend/internal/services"
	"github.com/yungbote/ipsibridge-backend/internal/utils"
)

const (
	exitConfigError     = 1
	exitDependencyError = 2
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing (no-op unless OTEL_ENABLED)
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "ipsibridge",
		Environment: os.Getenv("APP_ENV"),
		Version:     os.Getenv("APP_VERSION"),
	})
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}
	metrics := observability.NewMetrics()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(exitDependencyError)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(exitDependencyError)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos...")
	sessionRepo := repos.NewSessionRepo(thePG, log)
	messageRepo := repos.NewMessageRepo(thePG, log)
	documentRepo := repos.NewDocumentRepo(thePG, log)
	chunkRepo := repos.NewDocumentChunkRepo(thePG, log)
	counterRepo := repos.NewUsageCounterRepo(thePG, log)
	turnLogRepo := repos.NewTurnLogRepo(thePG, log)

	// Model gateway
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init model client", "error", err)
		os.Exit(exitConfigError)
	}

	// Embedding cache (optional)
	var embedCache redis.EmbedCache
	if cache, err := redis.NewEmbedCache(log); err != nil {
		log.Warn("Embedding cache disabled", "error", err)
	} else {
		embedCache = cache
		defer cache.Close()
	}

	// Vector index (optional; retrieval falls back to the SQL scan)
	var vectors pinecone.VectorStore
	if apiKey := os.Getenv("PINECONE_API_KEY"); apiKey != "" {
		pc, err := pinecone.New(log, pinecone.Config{APIKey: apiKey})
		if err != nil {
			log.Warn("Vector index disabled", "error", err)
		} else if store, err := pinecone.NewVectorStore(log, pc); err != nil {
			log.Warn("Vector index disabled", "error", err)
		} else {
			vectors = store
		}
	} else {
		log.Warn("PINECONE_API_KEY not set; vector index disabled")
	}

	// The stored corpus, the vector index and the embedding model must
	// agree on dimensionality before any query is served.
	embeddingDim := utils.GetEnvAsInt("EMBEDDING_DIM", 768, log)
	if corpusDim, err := chunkRepo.SampleEmbeddingDim(ctx, nil); err != nil {
		log.Warn("Could not sample corpus embedding dimension", "error", err)
	} else if corpusDim != 0 && corpusDim != embeddingDim {
		log.Error("Corpus embedding dimension mismatch", "corpus", corpusDim, "configured", embeddingDim)
		os.Exit(exitConfigError)
	}
	if vectors != nil {
		if indexDim := vectors.Dimension(); indexDim != 0 && indexDim != embeddingDim {
			log.Error("Vector index dimension mismatch", "index", indexDim, "configured", embeddingDim)
			os.Exit(exitConfigError)
		}
	}

	// Score engine (embedded conversion tables)
	engine, err := score.New(nil)
	if err != nil {
		log.Error("Score engine init failed", "error", err)
		os.Exit(exitConfigError)
	}
	log.Info("Score engine loaded", "version", engine.Version(), "exam_year", engine.ExamYear())

	// The router's university vocabulary: every school with documents,
	// plus every school with a conversion formula.
	universities := engine.Universities()
	if names, err := documentRepo.ListSchoolNames(ctx, nil); err != nil {
		log.Warn("Could not list corpus school names", "error", err)
	} else {
		universities = mergeNames(universities, names)
	}

	// Services
	log.Info("Setting up services...")
	chatService := services.NewChatService(log, sessionRepo, messageRepo)
	quotaCfg, err := services.QuotaConfigFromEnv(log)
	if err != nil {
		log.Error("Quota config invalid", "error", err)
		os.Exit(exitConfigError)
	}
	quotaService := services.NewQuotaService(log, counterRepo, quotaCfg)
	routerAgent := agent.NewRouter(log, openaiClient, universities)
	synthesizer := agent.NewSynthesizer(log, openaiClient)
	univFunc := functions.NewUnivFunc(log, openaiClient, embedCache, vectors, documentRepo, chunkRepo)
	consultFunc := functions.NewConsultFunc(log, engine)
	pipelineService := services.NewPipelineService(
		log,
		services.PipelineConfigFromEnv(log),
		metrics,
		openaiClient,
		routerAgent,
		synthesizer,
		univFunc,
		consultFunc,
		chatService,
		quotaService,
		turnLogRepo,
	)

	// Old usage counters are dead weight after the retention window.
	pruneCtx, pruneCancel := context.WithCancel(ctx)
	defer pruneCancel()
	go pruneCounters(pruneCtx, log, quotaService, utils.GetEnvAsInt("QUOTA_RETAIN_DAYS", 7, log))

	// Handlers, middleware, router
	log.Info("Setting up HTTP layer...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	authMiddleware := middleware.NewAuthMiddleware(log, jwtSecretKey)
	server := ipsihttp.NewServer(ipsihttp.RouterConfig{
		Log:            log,
		Metrics:        metrics,
		AuthMiddleware: authMiddleware,
		ChatHandler:    handlers.NewChatHandler(log, pipelineService),
		SessionHandler: handlers.NewSessionHandler(chatService),
		HealthHandler:  handlers.NewHealthHandler(thePG),
	})

	port := utils.GetEnv("PORT", "8080", log)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(":" + port) }()
	log.Info("Server listening", "port", port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Server failed", "error", err)
			os.Exit(exitDependencyError)
		}
	case sig := <-stop:
		log.Info("Shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Graceful shutdown incomplete", "error", err)
		}
	}
}

func pruneCounters(ctx context.Context, log *logger.Logger, quota services.QuotaService, retainDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := quota.PruneOld(ctx, retainDays); err != nil {
			log.Warn("Usage counter prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func mergeNames(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
