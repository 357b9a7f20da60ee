package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atoms-tech/maice/internal/agentruntime"
	"github.com/atoms-tech/maice/internal/agents"
	"github.com/atoms-tech/maice/internal/api"
	"github.com/atoms-tech/maice/internal/audit"
	"github.com/atoms-tech/maice/internal/authshim"
	"github.com/atoms-tech/maice/internal/bus"
	"github.com/atoms-tech/maice/internal/evaluation"
	"github.com/atoms-tech/maice/internal/health"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/metrics"
	"github.com/atoms-tech/maice/internal/orchestrator"
	"github.com/atoms-tech/maice/internal/ratelimit"
	"github.com/atoms-tech/maice/internal/repository"
	"github.com/atoms-tech/maice/internal/resilience"
	"github.com/atoms-tech/maice/internal/session"
	"github.com/atoms-tech/maice/internal/streampipe"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and every agent runtime in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config) error {
	logging.SetGlobalLevel(mustParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("maiced: connecting to redis: %w", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("maiced: opening postgres: %w", err)
	}
	defer db.Close()
	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("maiced: migrating schema: %w", err)
	}

	rawRepo, err := repository.NewPostgresRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("maiced: connecting repository: %w", err)
	}
	defer rawRepo.Close()

	breakers := resilience.NewRegistry(resilience.DefaultCBConfig())
	breakers.Register("repository", repository.DefaultCircuitBreaker())
	repo := repository.NewResilient(rawRepo, breakers.GetOrCreate("repository"))

	auditLogger, err := audit.New(db, 20)
	if err != nil {
		return fmt.Errorf("maiced: constructing audit logger: %w", err)
	}
	defer auditLogger.Close()

	sessions := session.New(repo, auditLogger)

	registry := prometheus.NewRegistry()
	sidecar := metrics.New(rdb, registry)
	go sidecar.Run(ctx)

	b := bus.New(rdb, cfg.busConfig())

	limiter := ratelimit.New(rdb, cfg.rateLimitConfig())
	orch := orchestrator.New(slog.Default(), b, sessions, rdb, limiter, cfg.orchestratorConfig())

	pipeline := streampipe.New(b, sidecar, cfg.pipelineConfig())

	model := llm.NewResilientClient(llm.NewDeterministicClient(), breakers.GetOrCreate("llm"))

	behaviors := []agentruntime.Behavior{
		agents.NewClassifier(sessions, orch, model),
		agents.NewClarifier(sessions, orch, model),
		agents.NewAnswerer(sessions, orch, model),
		agents.NewObserver(sessions, orch, model),
		agents.NewCurriculum(sessions, orch, model),
		agents.NewFreeTalker(sessions, orch, model),
	}
	for _, behavior := range behaviors {
		runtime := agentruntime.New(behavior, b, sidecar, orch, "maiced-"+behavior.Name(), cfg.runtimeConfig())
		go func(r *agentruntime.Runtime) {
			if err := r.Run(ctx); err != nil {
				logging.GetLogger("default").WithError(err).Error("maiced: agent runtime exited")
			}
		}(runtime)
	}

	eval := evaluation.New(sessions, repo, model, cfg.EvaluationParallelism)
	checker := health.New(db, rdb, breakers)

	var verifier *authshim.Verifier
	if cfg.JWTSecret != "" {
		verifier = authshim.New(cfg.JWTSecret)
	}

	server := api.New(orch, sessions, pipeline, sidecar, eval, checker, verifier, model)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logging.GetLogger("default").WithField("addr", cfg.HTTPAddr).Info("maiced: serving")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func mustParseLevel(s string) logging.LogLevel {
	return logging.ParseLogLevel(s)
}
