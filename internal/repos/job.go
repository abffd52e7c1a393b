package repos

import (
	"time"

	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
)

type JobRepo interface {
	CreateMany(dbc dbctx.Context, jobs []*models.Job) ([]*models.Job, error)
	GetByID(dbc dbctx.Context, id int64) (*models.Job, error)
	ListByEvaluation(dbc dbctx.Context, evaluationID int64) ([]*models.Job, error)
	UpdatePhase(dbc dbctx.Context, id int64, fields map[string]interface{}) error
	Delete(dbc dbctx.Context, id int64) error
	CancelAllPendingPhases(dbc dbctx.Context) (int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobRepo) CreateMany(dbc dbctx.Context, jobs []*models.Job) ([]*models.Job, error) {
	if len(jobs) == 0 {
		return []*models.Job{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id int64) (*models.Job, error) {
	var row models.Job
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &row, nil
}

func (r *jobRepo) ListByEvaluation(dbc dbctx.Context, evaluationID int64) ([]*models.Job, error) {
	var out []*models.Job
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("evaluation_id = ?", evaluationID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdatePhase(dbc dbctx.Context, id int64, fields map[string]interface{}) error {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *jobRepo) Delete(dbc dbctx.Context, id int64) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&models.Job{}).Error
}

// CancelAllPendingPhases marks any phase (begin/build/end) still Pending
// as Canceled, stamping its finish time. Used by the startup
// reconciliation sweep (spec §9): a Pending phase at boot has no live
// TaskManager entry behind it, so it can never otherwise terminate.
func (r *jobRepo) CancelAllPendingPhases(dbc dbctx.Context) (int64, error) {
	now := time.Now().Unix()
	var total int64

	res := r.tx(dbc).WithContext(dbc.Ctx).Model(&models.Job{}).
		Where("begin_status = ?", models.StatusPending).
		Updates(map[string]interface{}{
			"begin_status":        models.StatusCanceled,
			"begin_time_finished": now,
		})
	if res.Error != nil {
		return total, res.Error
	}
	total += res.RowsAffected

	res = r.tx(dbc).WithContext(dbc.Ctx).Model(&models.Job{}).
		Where("build_status = ?", models.StatusPending).
		Updates(map[string]interface{}{
			"build_status":        models.StatusCanceled,
			"build_time_finished": now,
		})
	if res.Error != nil {
		return total, res.Error
	}
	total += res.RowsAffected

	res = r.tx(dbc).WithContext(dbc.Ctx).Model(&models.Job{}).
		Where("end_status = ?", models.StatusPending).
		Updates(map[string]interface{}{
			"end_status":        models.StatusCanceled,
			"end_time_finished": now,
		})
	if res.Error != nil {
		return total, res.Error
	}
	total += res.RowsAffected

	return total, nil
}
