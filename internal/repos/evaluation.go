package repos

import (
	"time"

	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
)

type EvaluationRepo interface {
	Create(dbc dbctx.Context, eval *models.Evaluation) (*models.Evaluation, error)
	GetByID(dbc dbctx.Context, id int64) (*models.Evaluation, error)
	UpdateFields(dbc dbctx.Context, id int64, fields map[string]interface{}) error
	NextNum(dbc dbctx.Context, jobsetID int64) (int64, error)
	CancelAllPendingEvaluations(dbc dbctx.Context) (int64, error)
}

type evaluationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEvaluationRepo(db *gorm.DB, baseLog *logger.Logger) EvaluationRepo {
	return &evaluationRepo{db: db, log: baseLog.With("repo", "EvaluationRepo")}
}

func (r *evaluationRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *evaluationRepo) Create(dbc dbctx.Context, eval *models.Evaluation) (*models.Evaluation, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(eval).Error; err != nil {
		return nil, err
	}
	return eval, nil
}

func (r *evaluationRepo) GetByID(dbc dbctx.Context, id int64) (*models.Evaluation, error) {
	var row models.Evaluation
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "evaluation", id)
	}
	return &row, nil
}

func (r *evaluationRepo) UpdateFields(dbc dbctx.Context, id int64, fields map[string]interface{}) error {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&models.Evaluation{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// NextNum returns the next monotonic evaluation number for a jobset,
// i.e. one past the current maximum.
func (r *evaluationRepo) NextNum(dbc dbctx.Context, jobsetID int64) (int64, error) {
	var maxNum int64
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&models.Evaluation{}).
		Where("jobset_id = ?", jobsetID).
		Select("COALESCE(MAX(num), 0)").
		Scan(&maxNum).Error
	if err != nil {
		return 0, err
	}
	return maxNum + 1, nil
}

// CancelAllPendingEvaluations marks any evaluation still Pending as
// Canceled, stamping its finish time. Part of the startup reconciliation
// sweep (spec §9): a Pending evaluation at boot has no live
// TaskManager entry behind it.
func (r *evaluationRepo) CancelAllPendingEvaluations(dbc dbctx.Context) (int64, error) {
	now := time.Now()
	res := r.tx(dbc).WithContext(dbc.Ctx).Model(&models.Evaluation{}).
		Where("status = ?", models.StatusPending).
		Updates(map[string]interface{}{
			"status":        models.StatusCanceled,
			"time_finished": now,
		})
	return res.RowsAffected, res.Error
}
