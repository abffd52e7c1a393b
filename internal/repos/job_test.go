package repos_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixbuild/typhon/internal/models"
	pkgerrors "github.com/nixbuild/typhon/internal/pkg/errors"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
	"github.com/nixbuild/typhon/internal/repos"
	"github.com/nixbuild/typhon/internal/repos/testutil"
)

func newJobFixture(t *testing.T, logs repos.LogRepo, dbc dbctx.Context) *models.Job {
	t.Helper()
	beginLog, err := logs.Create(dbc)
	require.NoError(t, err)
	endLog, err := logs.Create(dbc)
	require.NoError(t, err)
	return &models.Job{
		EvaluationID: 1,
		System:       "x86_64-linux",
		Name:         "build",
		BuildDrv:     "/nix/store/abc.drv",
		BeginStatus:  models.StatusPending,
		BeginLogID:   beginLog.ID,
		BuildStatus:  models.StatusPending,
		EndStatus:    models.StatusPending,
		EndLogID:     endLog.ID,
	}
}

func TestJobRepoCreateManyAndGet(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	logs := repos.NewLogRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	job := newJobFixture(t, logs, dbc)
	created, err := jobs.CreateMany(dbc, []*models.Job{job})
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NotZero(t, created[0].ID)

	got, err := jobs.GetByID(dbc, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.BeginStatus)

	byEval, err := jobs.ListByEvaluation(dbc, job.EvaluationID)
	require.NoError(t, err)
	assert.Len(t, byEval, 1)
}

func TestJobRepoGetByIDNotFound(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := jobs.GetByID(dbc, 123)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestJobRepoUpdatePhaseAndDelete(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	logs := repos.NewLogRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	job := newJobFixture(t, logs, dbc)
	created, err := jobs.CreateMany(dbc, []*models.Job{job})
	require.NoError(t, err)

	require.NoError(t, jobs.UpdatePhase(dbc, created[0].ID, map[string]interface{}{
		"begin_status": models.StatusSuccess,
	}))
	got, err := jobs.GetByID(dbc, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.BeginStatus)

	require.NoError(t, jobs.Delete(dbc, created[0].ID))
	_, err = jobs.GetByID(dbc, created[0].ID)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestJobRepoCancelAllPendingPhases(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	logs := repos.NewLogRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	pendingJob := newJobFixture(t, logs, dbc)
	created, err := jobs.CreateMany(dbc, []*models.Job{pendingJob})
	require.NoError(t, err)

	doneJob := newJobFixture(t, logs, dbc)
	doneJob.BeginStatus = models.StatusSuccess
	doneJob.BuildStatus = models.StatusSuccess
	doneJob.EndStatus = models.StatusSuccess
	doneCreated, err := jobs.CreateMany(dbc, []*models.Job{doneJob})
	require.NoError(t, err)

	n, err := jobs.CancelAllPendingPhases(dbc)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n) // begin + build + end, all pending on pendingJob

	got, err := jobs.GetByID(dbc, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.BeginStatus)
	assert.Equal(t, models.StatusCanceled, got.BuildStatus)
	assert.Equal(t, models.StatusCanceled, got.EndStatus)
	require.NotNil(t, got.BeginTimeFinished)

	gotDone, err := jobs.GetByID(dbc, doneCreated[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, gotDone.BeginStatus)
}
