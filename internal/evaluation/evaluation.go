// Package evaluation implements the EvaluationDriver (spec §4.4): runs
// as a single TaskManager entry (class Evaluations, id: evaluation row
// id). The enumerate-jobs step and the transactional materialisation of
// Job rows are two distinct bodies chained via TaskManager's
// continuation mechanism (spec §9): the first body's finaliser returns
// a Spec naming the materialisation body instead of finalising
// directly, keeping the evaluation "live" under the same id until jobs
// have actually been created and their coordinators started.
package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/evaluator"
	"github.com/nixbuild/typhon/internal/gcroots"
	jobpkg "github.com/nixbuild/typhon/internal/job"
	"github.com/nixbuild/typhon/internal/livelog"
	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
	"github.com/nixbuild/typhon/internal/repos"
	"github.com/nixbuild/typhon/internal/taskdata"
	"github.com/nixbuild/typhon/internal/taskengine"
	"github.com/nixbuild/typhon/internal/taskrecord"

	"gorm.io/gorm"
)

// stageResult threads the enumerate-jobs output, and later the
// materialisation outcome, through the two chained bodies.
type stageResult struct {
	newJobs []evaluator.JobSpec
	jobs    []*models.Job
}

// Driver runs evaluations.
type Driver struct {
	log *logger.Logger
	db  *gorm.DB

	manager *taskengine.Manager[int64, stageResult]
	cache   *livelog.Cache[int64]

	eval evaluator.Evaluator
	gc   *gcroots.Refresher

	evalRepo repos.EvaluationRepo
	jobRepo  repos.JobRepo
	logRepo  repos.LogRepo
	taskRepo repos.TaskRepo

	bus   *eventbus.Bus
	coord *jobpkg.Coordinator

	adapter *taskrecord.Adapter[int64]
}

// New builds an EvaluationDriver.
func New(
	baseLog *logger.Logger,
	db *gorm.DB,
	eval evaluator.Evaluator,
	gc *gcroots.Refresher,
	evalRepo repos.EvaluationRepo,
	jobRepo repos.JobRepo,
	logRepo repos.LogRepo,
	taskRepo repos.TaskRepo,
	bus *eventbus.Bus,
	coord *jobpkg.Coordinator,
) *Driver {
	log := baseLog.With("component", "EvaluationDriver")
	cache := livelog.New[int64](log, string(taskdata.ClassEvaluation))
	return &Driver{
		log:      log,
		db:       db,
		manager:  taskengine.New[int64, stageResult](log, string(taskdata.ClassEvaluation)),
		cache:    cache,
		eval:     eval,
		gc:       gc,
		evalRepo: evalRepo,
		jobRepo:  jobRepo,
		logRepo:  logRepo,
		taskRepo: taskRepo,
		bus:      bus,
		coord:    coord,
		adapter:  taskrecord.New[int64](log, taskRepo, logRepo, cache),
	}
}

// Shutdown tears down the Evaluations TaskManager singleton, per spec
// §5's requirement that every static TaskManager be shut down.
func (d *Driver) Shutdown() {
	d.manager.Shutdown()
}

// Run schedules the evaluation's TaskManager entry, keyed by eval.ID.
func (d *Driver) Run(ctx context.Context, eval *models.Evaluation, flake bool) error {
	dbc := dbctx.Context{Ctx: ctx}
	row, err := d.adapter.Prepare(dbc, eval.ID)
	if err != nil {
		return fmt.Errorf("evaluation %d: prepare task record: %w", eval.ID, err)
	}
	d.bus.Emit(ctx, eventbus.Event{Kind: eventbus.EvaluationNew, Handle: eval.ID})

	var started time.Time

	body := func(ctx context.Context) (stageResult, error) {
		started = time.Now()
		_ = d.adapter.MarkStarted(dbctx.Context{Ctx: ctx}, row.TaskID, started)
		jobs, err := d.eval.Evaluate(ctx, eval.URL, flake)
		if err != nil {
			return stageResult{}, err
		}
		return stageResult{newJobs: jobs}, nil
	}

	finish := func(ctx context.Context, result stageResult, err error, canceled bool) *taskengine.Spec[stageResult] {
		if canceled || err != nil {
			d.finalizeFailure(ctx, eval, row, started, err, canceled)
			return nil
		}
		return &taskengine.Spec[stageResult]{
			Body:   d.materializeBody(eval, result.newJobs),
			Finish: d.materializeFinish(eval, row, started),
		}
	}

	if err := d.manager.Run(ctx, eval.ID, taskengine.Spec[stageResult]{Body: body, Finish: finish}); err != nil {
		return fmt.Errorf("evaluation %d: schedule: %w", eval.ID, err)
	}
	return nil
}

// materializeBody is the continuation: in a single transaction, insert
// two Log rows and a Job row (all phases Pending) per NewJobs entry,
// then start a JobCoordinator for each (spec §4.4 finaliser step 1-2).
func (d *Driver) materializeBody(eval *models.Evaluation, newJobs []evaluator.JobSpec) func(context.Context) (stageResult, error) {
	return func(ctx context.Context) (stageResult, error) {
		var created []*models.Job
		err := d.withTransaction(ctx, func(dbc dbctx.Context) error {
			for _, spec := range newJobs {
				beginLog, err := d.logRepo.Create(dbc)
				if err != nil {
					return err
				}
				endLog, err := d.logRepo.Create(dbc)
				if err != nil {
					return err
				}
				job := &models.Job{
					EvaluationID: eval.ID,
					System:       spec.System,
					Name:         spec.Name,
					BuildDrv:     spec.Drv,
					BuildOut:     spec.Out,
					Dist:         spec.Dist,
					BeginStatus:  models.StatusPending,
					BeginLogID:   beginLog.ID,
					BuildStatus:  models.StatusPending,
					EndStatus:    models.StatusPending,
					EndLogID:     endLog.ID,
				}
				if _, err := d.jobRepo.CreateMany(dbc, []*models.Job{job}); err != nil {
					return err
				}
				created = append(created, job)
			}
			return nil
		})
		if err != nil {
			return stageResult{}, err
		}

		evalCtx := jobpkg.EvalContext{
			JobsetID:    eval.JobsetID,
			Num:         eval.Num,
			Flake:       eval.Flake,
			URL:         eval.URL,
			ActionsPath: eval.ActionsPath,
		}
		for _, job := range created {
			if err := d.coord.Run(ctx, job, evalCtx); err != nil {
				d.log.Error("failed to start job coordinator", "error", err, "job_id", job.ID)
			}
		}
		return stageResult{jobs: created}, nil
	}
}

func (d *Driver) materializeFinish(eval *models.Evaluation, row taskrecord.Row, started time.Time) taskengine.Finish[stageResult] {
	return func(ctx context.Context, result stageResult, err error, canceled bool) *taskengine.Spec[stageResult] {
		if canceled || err != nil {
			d.finalizeFailure(ctx, eval, row, started, err, canceled)
			return nil
		}
		d.finalizeSuccess(ctx, eval, row, started)
		return nil
	}
}

func (d *Driver) finalizeSuccess(ctx context.Context, eval *models.Evaluation, row taskrecord.Row, started time.Time) {
	dbc := dbctx.Context{Ctx: ctx}
	finish := time.Now()
	var start *time.Time
	if !started.IsZero() {
		start = &started
	}
	d.adapter.Finalize(dbc, eval.ID, row, taskdata.Success, start, finish)

	_ = d.evalRepo.UpdateFields(dbc, eval.ID, map[string]interface{}{
		"status":        models.StatusSuccess,
		"time_finished": finish,
	})
	if d.gc != nil {
		d.gc.RequestRefresh()
	}
	d.bus.Emit(ctx, eventbus.Event{Kind: eventbus.EvaluationFinished, Handle: eval.ID})
}

func (d *Driver) finalizeFailure(ctx context.Context, eval *models.Evaluation, row taskrecord.Row, started time.Time, err error, canceled bool) {
	dbc := dbctx.Context{Ctx: ctx}
	kind := taskdata.Error
	if canceled {
		kind = taskdata.Canceled
	}
	if err != nil {
		d.cache.Line(eval.ID, err.Error())
	}
	finish := time.Now()
	var start *time.Time
	if !started.IsZero() {
		start = &started
	}
	d.adapter.Finalize(dbc, eval.ID, row, kind, start, finish)

	_ = d.evalRepo.UpdateFields(dbc, eval.ID, map[string]interface{}{
		"status":        kind.String(),
		"time_finished": finish,
	})
	d.bus.Emit(ctx, eventbus.Event{Kind: eventbus.EvaluationFinished, Handle: eval.ID})
}

// withTransaction runs fn inside a single GORM transaction, so the Log
// and Job row inserts for an entire evaluation's NewJobs commit
// atomically (spec §4.4 finaliser step 1: "in a single transaction").
func (d *Driver) withTransaction(ctx context.Context, fn func(dbctx.Context) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}
