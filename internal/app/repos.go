package app

import (
	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/repos"
)

// Repos bundles the four GORM-backed repositories the core reads and
// writes through.
type Repos struct {
	Task       repos.TaskRepo
	Log        repos.LogRepo
	Job        repos.JobRepo
	Evaluation repos.EvaluationRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Task:       repos.NewTaskRepo(db, log),
		Log:        repos.NewLogRepo(db, log),
		Job:        repos.NewJobRepo(db, log),
		Evaluation: repos.NewEvaluationRepo(db, log),
	}
}
