package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atoms-tech/maice/internal/audit"
	"github.com/atoms-tech/maice/internal/evaluation"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/repository"
	"github.com/atoms-tech/maice/internal/resilience"
	"github.com/atoms-tech/maice/internal/session"
)

func newEvaluateCmd() *cobra.Command {
	var sessionID int64
	var all bool
	var onlyUnevaluated bool

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score one session, or every active session, against the rubric",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runEvaluate(cmd.Context(), cfg, sessionID, all, onlyUnevaluated)
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session-id", 0, "evaluate a single session")
	cmd.Flags().BoolVar(&all, "all", false, "evaluate every active session")
	cmd.Flags().BoolVar(&onlyUnevaluated, "only-unevaluated", false, "skip sessions that already have a recorded evaluation")
	return cmd
}

func runEvaluate(ctx context.Context, cfg config, sessionID int64, all, onlyUnevaluated bool) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("maiced evaluate: opening postgres: %w", err)
	}
	defer db.Close()

	rawRepo, err := repository.NewPostgresRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("maiced evaluate: connecting repository: %w", err)
	}
	defer rawRepo.Close()
	repo := repository.NewResilient(rawRepo, repository.DefaultCircuitBreaker())

	auditLogger, err := audit.New(db, 0)
	if err != nil {
		return fmt.Errorf("maiced evaluate: constructing audit logger: %w", err)
	}
	defer auditLogger.Close()

	sessions := session.New(repo, auditLogger)
	model := llm.NewResilientClient(llm.NewDeterministicClient(), resilience.MustNewCircuitBreaker("llm", resilience.DefaultCBConfig()))
	workflow := evaluation.New(sessions, repo, model, cfg.EvaluationParallelism)

	switch {
	case all:
		result, err := workflow.EvaluateAll(ctx, onlyUnevaluated)
		if err != nil {
			return err
		}
		fmt.Printf("evaluated %d/%d sessions (%d failed)\n", result.Successful, result.Total, result.Failed)
		for _, e := range result.Errors {
			fmt.Println("  error:", e)
		}
	case sessionID != 0:
		rec, err := workflow.EvaluateSession(ctx, sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("session %d scored %d/40 (A=%d B=%d C=%d)\n", rec.SessionID, rec.Overall, rec.SectionA, rec.SectionB, rec.SectionC)
	default:
		return fmt.Errorf("maiced evaluate: either --session-id or --all is required")
	}
	return nil
}
