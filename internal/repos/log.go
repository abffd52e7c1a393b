package repos

import (
	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/models"
	"github.com/nixbuild/typhon/internal/pkg/dbctx"
)

type LogRepo interface {
	Create(dbc dbctx.Context) (*models.Log, error)
	GetByID(dbc dbctx.Context, id int64) (*models.Log, error)
	SetStderr(dbc dbctx.Context, id int64, stderr string) error
	Delete(dbc dbctx.Context, id int64) error
}

type logRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLogRepo(db *gorm.DB, baseLog *logger.Logger) LogRepo {
	return &logRepo{db: db, log: baseLog.With("repo", "LogRepo")}
}

func (r *logRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *logRepo) Create(dbc dbctx.Context) (*models.Log, error) {
	row := &models.Log{}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *logRepo) GetByID(dbc dbctx.Context, id int64) (*models.Log, error) {
	var row models.Log
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "log", id)
	}
	return &row, nil
}

func (r *logRepo) SetStderr(dbc dbctx.Context, id int64, stderr string) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&models.Log{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"stderr": stderr}).Error
}

func (r *logRepo) Delete(dbc dbctx.Context, id int64) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&models.Log{}).Error
}
