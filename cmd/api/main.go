package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskpilot-ai/agent-platform/internal/config"
	"github.com/taskpilot-ai/agent-platform/internal/handler"
	"github.com/taskpilot-ai/agent-platform/internal/llm"
	"github.com/taskpilot-ai/agent-platform/internal/middleware"
	"github.com/taskpilot-ai/agent-platform/internal/nats"
	"github.com/taskpilot-ai/agent-platform/internal/orchestrator"
	"github.com/taskpilot-ai/agent-platform/internal/store"
	"github.com/taskpilot-ai/agent-platform/internal/tasks"
	"github.com/taskpilot-ai/agent-platform/internal/tool"
	"github.com/taskpilot-ai/agent-platform/pkg/logger"
	"github.com/taskpilot-ai/agent-platform/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.Init(ctx, "agent-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Fatal("failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Error("failed to shut down tracing", zap.Error(err))
			}
		}()
	}

	natsClient, err := nats.Connect(ctx, nats.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	st, err := store.NewJetStreamStore(ctx, natsClient)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		log.Fatal("failed to initialize LLM client", zap.Error(err))
	}
	log.Info("LLM client ready", zap.String("provider", llmClient.Name()), zap.String("model", cfg.DefaultModel))

	tasksAPI := tasks.NewClient(cfg.TasksAPIURL, cfg.TasksAPITimeout)
	registry := tool.NewRegistry(tasksAPI)

	orch := orchestrator.New(st, llmClient, registry, log, orchestrator.Config{
		Model:        cfg.DefaultModel,
		RoundLimit:   cfg.TurnRoundLimit,
		RoundTimeout: cfg.RoundTimeout,
		HistoryLimit: cfg.HistoryLimit,
	})
	active := orchestrator.NewActiveTurns()

	chatHandler := handler.NewChatHandler(st, orch, active, log, handler.ChatConfig{
		MaxMessageChars:   cfg.MaxMessageChars,
		DailyMessageQuota: cfg.DailyMessageQuota,
		TurnTimeout:       cfg.TurnTimeout,
	})
	threadHandler := handler.NewThreadHandler(st, log)
	healthHandler := handler.NewHealthHandler(natsClient)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logging(log))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/chat", chatHandler.SendMessage)
		r.Get("/threads", threadHandler.ListThreads)
		r.Get("/threads/{threadID}/messages", threadHandler.ListMessages)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildLLMClient selects the provider from the configured API keys;
// Anthropic wins when both are set.
func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	if cfg.AnthropicAPIKey != "" {
		return llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	return nil, errors.New("no LLM API key configured")
}
