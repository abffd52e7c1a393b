// Package job implements the JobCoordinator: the three-phase state
// machine for a single Job (spec §4.3). Begin and Build run
// concurrently; End waits on both via TaskManager.Wait, then reads
// Build's terminal status off a one-shot channel and runs its own
// action. Grounded on typhon/src/jobs.rs's Job::run, translated from
// nested async closures into three Manager.Run calls sharing a channel.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nixbuild/typhon/internal/actionexec"
	"github.com/nixbuild/typhon/internal/buildstore"
	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/livelog"
	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
	"github.com/nixbuild/typhon/internal/repos"
	"github.com/nixbuild/typhon/internal/taskdata"
	"github.com/nixbuild/typhon/internal/taskengine"
	"github.com/nixbuild/typhon/internal/taskrecord"
)

// Input is the shape of the JSON blob mkInput builds for an action
// script and for the default (no-script) log, per spec §4.3 step 1.
type Input struct {
	Drv        string `json:"drv"`
	Evaluation int64  `json:"evaluation"`
	Flake      bool   `json:"flake"`
	Job        string `json:"job"`
	Jobset     int64  `json:"jobset"`
	Out        string `json:"out"`
	Status     string `json:"status"`
	System     string `json:"system"`
	URL        string `json:"url"`
}

// EvalContext is the slice of an Evaluation row a job body needs to
// build its input JSON, passed in by the EvaluationDriver rather than
// re-fetched per phase.
type EvalContext struct {
	JobsetID    int64
	Num         int64
	Flake       bool
	URL         string
	ActionsPath *string
}

// Managers bundles the three per-job-phase TaskManagers, shared across
// every job and keyed by job row id, plus the LiveLogCaches backing
// the two action phases (Build's cache lives inside buildstore.Store,
// keyed by derivation instead of job id).
type Managers struct {
	Begin *taskengine.Manager[int64, string]
	Build *taskengine.Manager[int64, struct{}]
	End   *taskengine.Manager[int64, string]

	BeginLog *livelog.Cache[int64]
	EndLog   *livelog.Cache[int64]
}

// NewManagers constructs the three job-phase managers and their caches.
func NewManagers(baseLog *logger.Logger) *Managers {
	return &Managers{
		Begin:    taskengine.New[int64, string](baseLog, string(taskdata.ClassJobBegin)),
		Build:    taskengine.New[int64, struct{}](baseLog, string(taskdata.ClassJobBuild)),
		End:      taskengine.New[int64, string](baseLog, string(taskdata.ClassJobEnd)),
		BeginLog: livelog.New[int64](baseLog, string(taskdata.ClassJobBegin)),
		EndLog:   livelog.New[int64](baseLog, string(taskdata.ClassJobEnd)),
	}
}

// Coordinator runs the three phases for one Job row.
type Coordinator struct {
	log *logger.Logger

	managers *Managers
	builds   *buildstore.Store
	actions  *actionexec.Executor
	bus      *eventbus.Bus

	jobRepo  repos.JobRepo
	logRepo  repos.LogRepo
	taskRepo repos.TaskRepo

	beginAdapter *taskrecord.Adapter[int64]
	endAdapter   *taskrecord.Adapter[int64]
}

// New builds a Coordinator. managers and builds are process-wide
// singletons shared across every job; jobRepo/logRepo/taskRepo and bus
// are the usual repo/event-bus dependencies.
func New(
	baseLog *logger.Logger,
	managers *Managers,
	builds *buildstore.Store,
	actions *actionexec.Executor,
	bus *eventbus.Bus,
	jobRepo repos.JobRepo,
	logRepo repos.LogRepo,
	taskRepo repos.TaskRepo,
) *Coordinator {
	return &Coordinator{
		log:          baseLog.With("component", "JobCoordinator"),
		managers:     managers,
		builds:       builds,
		actions:      actions,
		bus:          bus,
		jobRepo:      jobRepo,
		logRepo:      logRepo,
		taskRepo:     taskRepo,
		beginAdapter: taskrecord.New[int64](baseLog, taskRepo, logRepo, managers.BeginLog),
		endAdapter:   taskrecord.New[int64](baseLog, taskRepo, logRepo, managers.EndLog),
	}
}

// Run prepares the Begin and End Log/Task rows, then schedules the
// three TaskManager entries for job, keyed by job.ID. It returns once
// all three have been scheduled, not once they finish; callers that
// need completion call Wait.
func (c *Coordinator) Run(ctx context.Context, job *models.Job, eval EvalContext) error {
	dbc := dbctx.Context{Ctx: ctx}

	beginRow, err := c.beginAdapter.Prepare(dbc, job.ID)
	if err != nil {
		return fmt.Errorf("job %d: prepare begin record: %w", job.ID, err)
	}
	endRow, err := c.endAdapter.Prepare(dbc, job.ID)
	if err != nil {
		return fmt.Errorf("job %d: prepare end record: %w", job.ID, err)
	}

	built := make(chan string, 1)

	if err := c.managers.Begin.Run(ctx, job.ID, c.beginSpec(job, eval, beginRow)); err != nil {
		return fmt.Errorf("job %d: schedule begin: %w", job.ID, err)
	}
	if err := c.managers.Build.Run(ctx, job.ID, c.buildSpec(job, built)); err != nil {
		return fmt.Errorf("job %d: schedule build: %w", job.ID, err)
	}
	if err := c.managers.End.Run(ctx, job.ID, c.endSpec(job, eval, endRow, built)); err != nil {
		return fmt.Errorf("job %d: schedule end: %w", job.ID, err)
	}
	return nil
}

func mkInput(job *models.Job, eval EvalContext, status string) Input {
	return Input{
		Drv:        job.BuildDrv,
		Evaluation: eval.Num,
		Flake:      eval.Flake,
		Job:        job.Name,
		Jobset:     eval.JobsetID,
		Out:        job.BuildOut,
		Status:     status,
		System:     job.System,
		URL:        eval.URL,
	}
}

func (c *Coordinator) beginSpec(job *models.Job, eval EvalContext, row taskrecord.Row) taskengine.Spec[string] {
	var started time.Time

	body := func(ctx context.Context) (string, error) {
		started = time.Now()
		dbc := dbctx.Context{Ctx: ctx}
		_ = c.beginAdapter.MarkStarted(dbc, row.TaskID, started)
		_ = c.jobRepo.UpdatePhase(dbc, job.ID, map[string]interface{}{
			"begin_time_started": started.Unix(),
		})

		input := mkInput(job, eval, taskdata.Pending.String())
		return c.runActionOrDefault(ctx, job.ID, c.managers.BeginLog, eval.ActionsPath, "begin", input)
	}

	finish := func(ctx context.Context, log string, err error, canceled bool) *taskengine.Spec[string] {
		kind := terminalKind(err, canceled)
		dbc := dbctx.Context{Ctx: ctx}
		finish := time.Now()
		var start *time.Time
		if !started.IsZero() {
			start = &started
		}
		c.beginAdapter.Finalize(dbc, job.ID, row, kind, start, finish)

		_ = c.jobRepo.UpdatePhase(dbc, job.ID, map[string]interface{}{
			"begin_status":        kind.String(),
			"begin_time_finished": finish.Unix(),
		})
		c.bus.Emit(ctx, eventbus.Event{Kind: eventbus.JobUpdated, Handle: job.ID})
		return nil
	}

	return taskengine.Spec[string]{Body: body, Finish: finish}
}

func (c *Coordinator) buildSpec(job *models.Job, built chan string) taskengine.Spec[struct{}] {
	body := func(ctx context.Context) (struct{}, error) {
		start := time.Now()
		_ = c.jobRepo.UpdatePhase(dbctx.Context{Ctx: ctx}, job.ID, map[string]interface{}{
			"build_time_started": start.Unix(),
		})
		result := c.builds.Run(ctx, job.BuildDrv)
		if result.Err != nil {
			return struct{}{}, result.Err
		}
		return struct{}{}, nil
	}

	finish := func(ctx context.Context, _ struct{}, err error, canceled bool) *taskengine.Spec[struct{}] {
		kind := terminalKind(err, canceled)
		dbc := dbctx.Context{Ctx: ctx}
		finish := time.Now()
		_ = c.jobRepo.UpdatePhase(dbc, job.ID, map[string]interface{}{
			"build_status":        kind.String(),
			"build_time_finished": finish.Unix(),
		})
		built <- kind.String()
		close(built)
		c.bus.Emit(ctx, eventbus.Event{Kind: eventbus.JobUpdated, Handle: job.ID})
		return nil
	}

	return taskengine.Spec[struct{}]{Body: body, Finish: finish}
}

func (c *Coordinator) endSpec(job *models.Job, eval EvalContext, row taskrecord.Row, built <-chan string) taskengine.Spec[string] {
	var started time.Time

	body := func(ctx context.Context) (string, error) {
		c.managers.Begin.Wait(ctx, job.ID)
		c.managers.Build.Wait(ctx, job.ID)

		buildStatus, ok := <-built
		if !ok {
			buildStatus = taskdata.Canceled.String()
		}

		started = time.Now()
		dbc := dbctx.Context{Ctx: ctx}
		_ = c.endAdapter.MarkStarted(dbc, row.TaskID, started)
		_ = c.jobRepo.UpdatePhase(dbc, job.ID, map[string]interface{}{
			"end_time_started": started.Unix(),
		})

		input := mkInput(job, eval, buildStatus)
		return c.runActionOrDefault(ctx, job.ID, c.managers.EndLog, eval.ActionsPath, "end", input)
	}

	finish := func(ctx context.Context, log string, err error, canceled bool) *taskengine.Spec[string] {
		kind := terminalKind(err, canceled)
		dbc := dbctx.Context{Ctx: ctx}
		finish := time.Now()
		var start *time.Time
		if !started.IsZero() {
			start = &started
		}
		c.endAdapter.Finalize(dbc, job.ID, row, kind, start, finish)

		_ = c.jobRepo.UpdatePhase(dbc, job.ID, map[string]interface{}{
			"end_status":        kind.String(),
			"end_time_finished": finish.Unix(),
		})
		c.bus.Emit(ctx, eventbus.Event{Kind: eventbus.JobUpdated, Handle: job.ID})
		return nil
	}

	return taskengine.Spec[string]{Body: body, Finish: finish}
}

// runActionOrDefault runs <actionsPath>/<phase> through the sandboxed
// executor if it exists, otherwise emits the pretty-printed input as
// the log, per spec §4.3 steps 1 and 3.
func (c *Coordinator) runActionOrDefault(ctx context.Context, jobID int64, cache *livelog.Cache[int64], actionsPath *string, phase string, input Input) (string, error) {
	pretty, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", err
	}
	defaultLog := string(pretty)

	if actionsPath == nil {
		cache.Line(jobID, defaultLog)
		return defaultLog, nil
	}
	scriptPath := filepath.Join(*actionsPath, phase)
	if _, statErr := os.Stat(scriptPath); statErr != nil {
		cache.Line(jobID, defaultLog)
		return defaultLog, nil
	}

	inputMap := map[string]interface{}{}
	raw, _ := json.Marshal(input)
	_ = json.Unmarshal(raw, &inputMap)

	secretsPath := filepath.Join(*actionsPath, "secrets")
	stdout, stderr, runErr := c.actions.Run(ctx, scriptPath, secretsPath, inputMap)
	cache.Line(jobID, stdout)
	if runErr != nil {
		return stderr, runErr
	}
	return stderr, nil
}

func terminalKind(err error, canceled bool) taskdata.Kind {
	switch {
	case canceled:
		return taskdata.Canceled
	case err != nil:
		return taskdata.Error
	default:
		return taskdata.Success
	}
}

// Cancel aborts all three of job's phases plus the shared build entry
// for its derivation (spec §4.3's Job.cancel()).
func (c *Coordinator) Cancel(job *models.Job) {
	c.managers.Begin.Cancel(job.ID)
	c.managers.Build.Cancel(job.ID)
	c.managers.End.Cancel(job.ID)
	c.builds.Abort(job.BuildDrv)
}

// Delete cancels job's phases, waits for all three to finalise, then
// removes its Job row along with the begin/end Log rows it owns.
// Cancellation always precedes deletion so finalisers cannot race with
// row removal (spec §4.3; log cleanup grounded on
// typhon/src/jobs.rs's Job::delete).
func (c *Coordinator) Delete(ctx context.Context, job *models.Job) error {
	c.Cancel(job)
	c.managers.Begin.Wait(ctx, job.ID)
	c.managers.Build.Wait(ctx, job.ID)
	c.managers.End.Wait(ctx, job.ID)

	dbc := dbctx.Context{Ctx: ctx}
	if err := c.jobRepo.Delete(dbc, job.ID); err != nil {
		return err
	}
	if err := c.logRepo.Delete(dbc, job.BeginLogID); err != nil {
		c.log.Error("failed to delete begin log row", "error", err, "job_id", job.ID, "log_id", job.BeginLogID)
	}
	if err := c.logRepo.Delete(dbc, job.EndLogID); err != nil {
		c.log.Error("failed to delete end log row", "error", err, "job_id", job.ID, "log_id", job.EndLogID)
	}
	return nil
}
