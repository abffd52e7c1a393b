package repos

import (
	"time"

	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, task *models.Task) (*models.Task, error)
	GetByID(dbc dbctx.Context, id int64) (*models.Task, error)
	MarkStarted(dbc dbctx.Context, id int64, startedAt time.Time) error
	MarkTerminal(dbc dbctx.Context, id int64, status int, finishedAt time.Time) error
	ListPending(dbc dbctx.Context) ([]*models.Task, error)
	CancelAllPending(dbc dbctx.Context) (int64, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Create(dbc dbctx.Context, task *models.Task) (*models.Task, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id int64) (*models.Task, error) {
	var task models.Task
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, notFound(err, "task", id)
	}
	return &task, nil
}

func (r *taskRepo) MarkStarted(dbc dbctx.Context, id int64, startedAt time.Time) error {
	unix := startedAt.Unix()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&models.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"time_started": unix}).Error
}

func (r *taskRepo) MarkTerminal(dbc dbctx.Context, id int64, status int, finishedAt time.Time) error {
	unix := finishedAt.Unix()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&models.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"time_finished": unix,
		}).Error
}

func (r *taskRepo) ListPending(dbc dbctx.Context) ([]*models.Task, error) {
	var out []*models.Task
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("status = ?", 0).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) CancelAllPending(dbc dbctx.Context) (int64, error) {
	now := time.Now().Unix()
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&models.Task{}).
		Where("status = ?", 0).
		Updates(map[string]interface{}{
			"status":        3, // taskdata.Canceled
			"time_finished": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
