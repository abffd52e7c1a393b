// Package taskrecord implements the TaskRecord adapter from spec §4.2:
// it binds a TaskManager entry to a persistent Log+Task row pair,
// forwards a task body's emitted lines into the owning LiveLogCache,
// and on finalisation writes the terminal status, drains the cache into
// the Log row, resets the cache entry, and hands back the terminal
// TaskStatus for the caller (JobCoordinator, EvaluationDriver) to copy
// into its own denormalised phase columns and emit the right event.
//
// The manager keys used by JobCoordinator and EvaluationDriver are the
// owning Job/Evaluation row id directly (spec §4.3/§4.4 name the
// TaskManager id as "the job's row id" / "the evaluation row id"); the
// Log/Task rows created here have their own independent primary keys,
// referenced only internally to populate the Log row and are not
// themselves used as the TaskManager key.
package taskrecord

import (
	"time"

	"github.com/google/uuid"

	"github.com/nixbuild/typhon/internal/livelog"
	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
	"github.com/nixbuild/typhon/internal/repos"
	"github.com/nixbuild/typhon/internal/taskdata"
)

// LineCapacity is the buffer size of the channel LineSender returns. A
// send on a full channel blocks until the forwarding goroutine drains
// it; it does not fail or stop the task body.
const LineCapacity = 1024

// Row is the pair of persisted ids backing one TaskManager entry.
type Row struct {
	TaskID int64
	LogID  int64
}

// Adapter wires one task class's LiveLogCache to its repos.
type Adapter[Id comparable] struct {
	log      *logger.Logger
	tasks    repos.TaskRepo
	logs     repos.LogRepo
	cache    *livelog.Cache[Id]
}

// New builds an Adapter for one task class.
func New[Id comparable](baseLog *logger.Logger, tasks repos.TaskRepo, logs repos.LogRepo, cache *livelog.Cache[Id]) *Adapter[Id] {
	return &Adapter[Id]{
		log:   baseLog.With("component", "TaskRecord"),
		tasks: tasks,
		logs:  logs,
		cache: cache,
	}
}

// Prepare creates the Log and Task rows for a new run, in status
// Pending with no start timestamp yet, and ensures the LiveLogCache has
// an entry for id before the body starts (so an immediate Listen sees
// "present, zero lines" rather than "absent").
func (a *Adapter[Id]) Prepare(dbc dbctx.Context, id Id) (Row, error) {
	logRow, err := a.logs.Create(dbc)
	if err != nil {
		return Row{}, err
	}
	taskRow, err := a.tasks.Create(dbc, &models.Task{LogID: logRow.ID, TraceID: uuid.New()})
	if err != nil {
		return Row{}, err
	}
	a.cache.Ensure(id)
	return Row{TaskID: taskRow.ID, LogID: logRow.ID}, nil
}

// MarkStarted records the wall-clock time the body actually began.
func (a *Adapter[Id]) MarkStarted(dbc dbctx.Context, taskID int64, when time.Time) error {
	return a.tasks.MarkStarted(dbc, taskID, when)
}

// LineSender returns a bounded channel the task body writes lines into,
// and starts a goroutine forwarding each line to the LiveLogCache under
// id until the channel is closed by the caller (normally via defer
// close(lines) around the body's execution).
func (a *Adapter[Id]) LineSender(id Id) chan<- string {
	lines := make(chan string, LineCapacity)
	go func() {
		for line := range lines {
			a.cache.Line(id, line)
		}
	}()
	return lines
}

// Finalize writes the terminal Task row, drains the cache into the Log
// row's stderr column, and resets the cache entry. Returns the
// taskdata.Status the caller should copy into its own denormalised
// columns. Database failures are logged, not returned as fatal: the
// in-memory world (and the caller's own denormalised write) proceeds
// regardless, per spec §4.2's failure-semantics note.
func (a *Adapter[Id]) Finalize(dbc dbctx.Context, id Id, row Row, kind taskdata.Kind, start *time.Time, finish time.Time) taskdata.Status {
	stderr := a.cache.Drain(id)
	if err := a.logs.SetStderr(dbc, row.LogID, stderr); err != nil {
		a.log.Warn("failed to persist drained log", "error", err, "log_id", row.LogID)
	}
	if err := a.tasks.MarkTerminal(dbc, row.TaskID, int(kind), finish); err != nil {
		a.log.Warn("failed to persist terminal task status", "error", err, "task_id", row.TaskID)
	}
	a.cache.Reset(id)

	if kind == taskdata.Canceled && start == nil {
		return taskdata.CanceledBeforeStart()
	}
	var s time.Time
	if start != nil {
		s = *start
	}
	return taskdata.Terminal(kind, s, finish)
}
