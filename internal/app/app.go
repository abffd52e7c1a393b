package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/buildbackend"
	"github.com/nixbuild/typhon/internal/db"
	"github.com/nixbuild/typhon/internal/evaluator"
	"github.com/nixbuild/typhon/internal/logger"
)

// App is the fully wired process: DB, repos, the background engine
// (Core), and the thin HTTP pass-through layer in front of it.
type App struct {
	Log     *logger.Logger
	DB      *gorm.DB
	Router  *gin.Engine
	Cfg     Config
	Repos   Repos
	Clients Clients
	Core    Core

	cancel context.CancelFunc
}

// New wires the whole process. The build backend and evaluator it
// passes to wireCore are the in-process buildbackend.Fake and
// evaluator.Fake; this repository has no other implementation of
// either.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	reposet := wireRepos(theDB, log)

	clients, err := wireClients(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	core, err := wireCore(theDB, log, cfg, reposet, clients, &buildbackend.Fake{}, &evaluator.Fake{})
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, core)
	router := wireRouter(handlerset)

	return &App{
		Log:     log,
		DB:      theDB,
		Router:  router,
		Cfg:     cfg,
		Repos:   reposet,
		Clients: clients,
		Core:    core,
	}, nil
}

// Start runs the startup reconciliation sweep (spec §9) and launches
// every background component. Must complete before the HTTP listener
// starts accepting requests.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Cfg.ReconcileOnStart {
		result, err := a.Core.Reconcile.Run(ctx)
		if err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
		a.Log.Info("reconciliation sweep finished",
			"canceled_tasks", result.Tasks,
			"canceled_job_phases", result.JobPhases,
			"canceled_evaluations", result.Evaluations,
		)
	}

	a.Core.GCRoots.Start()
	if err := a.Core.Bus.StartRemoteForwarding(runCtx); err != nil {
		return fmt.Errorf("start remote event forwarding: %w", err)
	}
	return nil
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.Core.Close()
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
