package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixbuild/typhon/internal/actionexec"
	"github.com/nixbuild/typhon/internal/buildbackend"
	"github.com/nixbuild/typhon/internal/buildstore"
	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/job"
	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
	"github.com/nixbuild/typhon/internal/repos"
	"github.com/nixbuild/typhon/internal/repos/testutil"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func newCoordinator(t *testing.T, backend buildbackend.Backend) (*job.Coordinator, repos.JobRepo, repos.LogRepo) {
	t.Helper()
	log := testLogger(t)
	db := testutil.DB(t)

	jobRepo := repos.NewJobRepo(db, log)
	logRepo := repos.NewLogRepo(db, log)
	taskRepo := repos.NewTaskRepo(db, log)

	managers := job.NewManagers(log)
	builds := buildstore.New(log, backend)
	actions := actionexec.New(log, "/bin/true", "")
	bus := eventbus.New(log, nil)
	t.Cleanup(bus.Shutdown)

	coord := job.New(log, managers, builds, actions, bus, jobRepo, logRepo, taskRepo)
	return coord, jobRepo, logRepo
}

func newPendingJob(t *testing.T, jobRepo repos.JobRepo, logRepo repos.LogRepo, dbc dbctx.Context, drv string) *models.Job {
	t.Helper()
	beginLog, err := logRepo.Create(dbc)
	require.NoError(t, err)
	endLog, err := logRepo.Create(dbc)
	require.NoError(t, err)

	created, err := jobRepo.CreateMany(dbc, []*models.Job{{
		EvaluationID: 1,
		System:       "x86_64-linux",
		Name:         "build",
		BuildDrv:     drv,
		BeginStatus:  models.StatusPending,
		BeginLogID:   beginLog.ID,
		BuildStatus:  models.StatusPending,
		EndStatus:    models.StatusPending,
		EndLogID:     endLog.ID,
	}})
	require.NoError(t, err)
	return created[0]
}

func waitForEndStatus(t *testing.T, jobRepo repos.JobRepo, dbc dbctx.Context, id int64) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := jobRepo.GetByID(dbc, id)
		require.NoError(t, err)
		if got.EndStatus != models.StatusPending {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for end phase to finish")
	return nil
}

func TestCoordinatorRunsAllThreePhasesToSuccess(t *testing.T) {
	coord, jobRepo, logRepo := newCoordinator(t, &buildbackend.Fake{})
	dbc := dbctx.Context{Ctx: context.Background()}

	j := newPendingJob(t, jobRepo, logRepo, dbc, "/nix/store/ok.drv")

	require.NoError(t, coord.Run(context.Background(), j, job.EvalContext{
		JobsetID: 1, Num: 1, URL: "https://example.com",
	}))

	got := waitForEndStatus(t, jobRepo, dbc, j.ID)
	assert.Equal(t, models.StatusSuccess, got.BeginStatus)
	assert.Equal(t, models.StatusSuccess, got.BuildStatus)
	assert.Equal(t, models.StatusSuccess, got.EndStatus)
	require.NotNil(t, got.BeginTimeStarted)
	require.NotNil(t, got.BeginTimeFinished)
	assert.GreaterOrEqual(t, *got.BeginTimeFinished, *got.BeginTimeStarted)
}

func TestCoordinatorRunsEndAfterBuildFailure(t *testing.T) {
	drv := "/nix/store/fails.drv"
	backend := &buildbackend.Fake{
		Outcome: map[string]buildbackend.Result{
			drv: {Err: assertErr},
		},
	}
	coord, jobRepo, logRepo := newCoordinator(t, backend)
	dbc := dbctx.Context{Ctx: context.Background()}

	j := newPendingJob(t, jobRepo, logRepo, dbc, drv)

	require.NoError(t, coord.Run(context.Background(), j, job.EvalContext{
		JobsetID: 1, Num: 1, URL: "https://example.com",
	}))

	got := waitForEndStatus(t, jobRepo, dbc, j.ID)
	assert.Equal(t, models.StatusSuccess, got.BeginStatus)
	assert.Equal(t, models.StatusError, got.BuildStatus)
	// End still runs its own action regardless of build's outcome.
	assert.Equal(t, models.StatusSuccess, got.EndStatus)
}

func TestCoordinatorDeleteWaitsThenRemoves(t *testing.T) {
	coord, jobRepo, logRepo := newCoordinator(t, &buildbackend.Fake{})
	dbc := dbctx.Context{Ctx: context.Background()}

	j := newPendingJob(t, jobRepo, logRepo, dbc, "/nix/store/del.drv")
	require.NoError(t, coord.Run(context.Background(), j, job.EvalContext{
		JobsetID: 1, Num: 1, URL: "https://example.com",
	}))

	require.NoError(t, coord.Delete(context.Background(), j))

	_, err := jobRepo.GetByID(dbc, j.ID)
	assert.Error(t, err)

	_, err = logRepo.GetByID(dbc, j.BeginLogID)
	assert.Error(t, err, "begin log row should be deleted alongside the job")
	_, err = logRepo.GetByID(dbc, j.EndLogID)
	assert.Error(t, err, "end log row should be deleted alongside the job")
}

func TestCoordinatorCancelMidBuildLandsOnCanceled(t *testing.T) {
	backend := &blockingBackend{}
	coord, jobRepo, logRepo := newCoordinator(t, backend)
	dbc := dbctx.Context{Ctx: context.Background()}

	j := newPendingJob(t, jobRepo, logRepo, dbc, "/nix/store/blocked.drv")

	require.NoError(t, coord.Run(context.Background(), j, job.EvalContext{
		JobsetID: 1, Num: 1, URL: "https://example.com",
	}))

	// Let Begin finish and Build start (and block) before canceling.
	time.Sleep(50 * time.Millisecond)
	coord.Cancel(j)

	got := waitForEndStatus(t, jobRepo, dbc, j.ID)
	assert.Equal(t, models.StatusCanceled, got.BuildStatus)
	assert.NotEqual(t, models.StatusSuccess, got.BuildStatus)
	assert.NotEqual(t, models.StatusError, got.BuildStatus)
}

// blockingBackend never completes on its own; it only resolves once its
// context is canceled, modeling a build still running when Cancel is
// called.
type blockingBackend struct{}

func (b *blockingBackend) Run(ctx context.Context, drv string) (<-chan string, <-chan buildbackend.Result) {
	lines := make(chan string, 1)
	result := make(chan buildbackend.Result, 1)

	go func() {
		defer close(lines)
		defer close(result)
		lines <- "building " + drv
		<-ctx.Done()
		result <- buildbackend.Result{Err: ctx.Err()}
	}()

	return lines, result
}

var assertErr = errSentinel("build failed")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
