package evaluation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixbuild/typhon/internal/actionexec"
	"github.com/nixbuild/typhon/internal/buildbackend"
	"github.com/nixbuild/typhon/internal/buildstore"
	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/evaluation"
	"github.com/nixbuild/typhon/internal/evaluator"
	jobpkg "github.com/nixbuild/typhon/internal/job"
	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
	"github.com/nixbuild/typhon/internal/repos"
	"github.com/nixbuild/typhon/internal/repos/testutil"

	"gorm.io/gorm"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

type fixture struct {
	db       *gorm.DB
	evalRepo repos.EvaluationRepo
	jobRepo  repos.JobRepo
	logRepo  repos.LogRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testLogger(t)
	return &fixture{
		db:       db,
		evalRepo: repos.NewEvaluationRepo(db, log),
		jobRepo:  repos.NewJobRepo(db, log),
		logRepo:  repos.NewLogRepo(db, log),
	}
}

func newDriver(t *testing.T, f *fixture, eval evaluator.Evaluator) *evaluation.Driver {
	t.Helper()
	log := testLogger(t)
	taskRepo := repos.NewTaskRepo(f.db, log)

	managers := jobpkg.NewManagers(log)
	builds := buildstore.New(log, &buildbackend.Fake{})
	actions := actionexec.New(log, "/bin/true", "")
	bus := eventbus.New(log, nil)
	t.Cleanup(bus.Shutdown)

	coord := jobpkg.New(log, managers, builds, actions, bus, f.jobRepo, f.logRepo, taskRepo)
	return evaluation.New(log, f.db, eval, nil, f.evalRepo, f.jobRepo, f.logRepo, taskRepo, bus, coord)
}

func newPendingEvaluation(t *testing.T, f *fixture, dbc dbctx.Context) *models.Evaluation {
	t.Helper()
	logRow, err := f.logRepo.Create(dbc)
	require.NoError(t, err)
	ev, err := f.evalRepo.Create(dbc, &models.Evaluation{
		JobsetID: 1,
		Num:      1,
		Status:   models.StatusPending,
		URL:      "https://example.com/flake",
		LogID:    logRow.ID,
	})
	require.NoError(t, err)
	return ev
}

func waitForStatus(t *testing.T, f *fixture, dbc dbctx.Context, id int64) *models.Evaluation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.evalRepo.GetByID(dbc, id)
		require.NoError(t, err)
		if got.Status != models.StatusPending {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for evaluation to finish")
	return nil
}

func TestDriverMaterializesJobsOnSuccessfulEvaluation(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	ev := newPendingEvaluation(t, f, dbc)

	fake := &evaluator.Fake{Jobs: []evaluator.JobSpec{
		{System: "x86_64-linux", Name: "build", Drv: "/nix/store/a.drv", Out: "/nix/store/a"},
		{System: "x86_64-linux", Name: "test", Drv: "/nix/store/b.drv", Out: "/nix/store/b"},
	}}
	driver := newDriver(t, f, fake)

	require.NoError(t, driver.Run(context.Background(), ev, false))

	got := waitForStatus(t, f, dbc, ev.ID)
	assert.Equal(t, models.StatusSuccess, got.Status)
	require.NotNil(t, got.TimeFinished)

	jobs, err := f.jobRepo.ListByEvaluation(dbc, ev.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDriverFailsEvaluationWhenEvaluatorErrors(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	ev := newPendingEvaluation(t, f, dbc)

	fake := &evaluator.Fake{Err: errors.New("bad flake")}
	driver := newDriver(t, f, fake)

	require.NoError(t, driver.Run(context.Background(), ev, true))

	got := waitForStatus(t, f, dbc, ev.ID)
	assert.Equal(t, models.StatusError, got.Status)

	jobs, err := f.jobRepo.ListByEvaluation(dbc, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDriverNoJobsStillSucceeds(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	ev := newPendingEvaluation(t, f, dbc)

	driver := newDriver(t, f, &evaluator.Fake{})
	require.NoError(t, driver.Run(context.Background(), ev, false))

	got := waitForStatus(t, f, dbc, ev.ID)
	assert.Equal(t, models.StatusSuccess, got.Status)
}
