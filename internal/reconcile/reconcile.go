// Package reconcile implements the startup reconciliation sweep (spec
// §9): any Task, Job phase, or Evaluation row left Pending in the
// database has no corresponding in-memory TaskManager entry, because
// the process that created it is the one that just restarted. Before
// the server starts serving requests, every such row is marked
// Canceled in one pass so it can never be mistaken for live work.
package reconcile

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
	"github.com/nixbuild/typhon/internal/repos"
)

// Result reports how many rows each per-class sweep canceled, for
// startup logging.
type Result struct {
	Tasks       int64
	JobPhases   int64
	Evaluations int64
}

// Sweeper runs the reconciliation sweep across the three row classes.
type Sweeper struct {
	log      *logger.Logger
	taskRepo repos.TaskRepo
	jobRepo  repos.JobRepo
	evalRepo repos.EvaluationRepo
}

// New builds a Sweeper.
func New(baseLog *logger.Logger, taskRepo repos.TaskRepo, jobRepo repos.JobRepo, evalRepo repos.EvaluationRepo) *Sweeper {
	return &Sweeper{
		log:      baseLog.With("component", "ReconcileSweeper"),
		taskRepo: taskRepo,
		jobRepo:  jobRepo,
		evalRepo: evalRepo,
	}
}

// Run executes the three per-class scans concurrently and returns once
// all have committed. Call this once, before any TaskManager starts
// accepting work, so a row canceled here can't race a real runner.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var result Result
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := s.taskRepo.CancelAllPending(dbctx.Context{Ctx: gctx})
		if err != nil {
			return fmt.Errorf("cancel pending tasks: %w", err)
		}
		result.Tasks = n
		return nil
	})

	g.Go(func() error {
		n, err := s.jobRepo.CancelAllPendingPhases(dbctx.Context{Ctx: gctx})
		if err != nil {
			return fmt.Errorf("cancel pending job phases: %w", err)
		}
		result.JobPhases = n
		return nil
	})

	g.Go(func() error {
		n, err := s.evalRepo.CancelAllPendingEvaluations(dbctx.Context{Ctx: gctx})
		if err != nil {
			return fmt.Errorf("cancel pending evaluations: %w", err)
		}
		result.Evaluations = n
		return nil
	})

	if err := g.Wait(); err != nil {
		return result, err
	}

	s.log.Info("startup reconciliation complete",
		"canceled_tasks", result.Tasks,
		"canceled_job_phases", result.JobPhases,
		"canceled_evaluations", result.Evaluations,
	)
	return result, nil
}
