package app

import (
	"context"

	"github.com/nixbuild/typhon/internal/actionexec"
	"github.com/nixbuild/typhon/internal/buildbackend"
	"github.com/nixbuild/typhon/internal/buildstore"
	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/evaluation"
	"github.com/nixbuild/typhon/internal/evaluator"
	"github.com/nixbuild/typhon/internal/gcroots"
	"github.com/nixbuild/typhon/internal/job"
	"github.com/nixbuild/typhon/internal/logger"
	"github.com/nixbuild/typhon/internal/reconcile"

	"gorm.io/gorm"
)

// Core bundles the running engine: the event bus, the per-job-phase and
// evaluation TaskManagers, the build coalescer, the sandboxed action
// executor, the GC-roots refresher, and the startup reconciliation
// sweeper. This plays the role the teacher's Services struct plays for
// its request-serving business logic, except nearly everything here
// keeps running in the background rather than being called per-request.
type Core struct {
	Bus *eventbus.Bus

	JobManagers *job.Managers
	Builds      *buildstore.Store
	Actions     *actionexec.Executor
	Evaluator   evaluator.Evaluator

	Coordinator *job.Coordinator
	Evaluations *evaluation.Driver

	GCRoots   *gcroots.Refresher
	Reconcile *reconcile.Sweeper
}

// wireCore constructs every long-lived component and wires them
// together. buildBackend and eval are the pluggable external
// collaborators named in spec §6; New currently supplies
// buildbackend.Fake / evaluator.Fake for both.
func wireCore(
	db *gorm.DB,
	log *logger.Logger,
	cfg Config,
	reposet Repos,
	clients Clients,
	buildBackend buildbackend.Backend,
	eval evaluator.Evaluator,
) (Core, error) {
	log.Info("Wiring core engine...")

	bus := eventbus.New(log, clients.EventForwarder)

	jobManagers := job.NewManagers(log)
	builds := buildstore.New(log, buildBackend)
	actions := actionexec.New(log, cfg.SandboxBin, cfg.AgeKey)

	coord := job.New(log, jobManagers, builds, actions, bus, reposet.Job, reposet.Log, reposet.Task)

	gcRoots := gcroots.New(log, noopGCUpdater, cfg.GCRootsSchedule)

	evalDriver := evaluation.New(log, db, eval, gcRoots, reposet.Evaluation, reposet.Job, reposet.Log, reposet.Task, bus, coord)

	sweeper := reconcile.New(log, reposet.Task, reposet.Job, reposet.Evaluation)

	return Core{
		Bus:         bus,
		JobManagers: jobManagers,
		Builds:      builds,
		Actions:     actions,
		Evaluator:   eval,
		Coordinator: coord,
		Evaluations: evalDriver,
		GCRoots:     gcRoots,
		Reconcile:   sweeper,
	}, nil
}

// noopGCUpdater is the production GC-roots updater until the Nix store
// walk named in spec §4.4 step 3 is wired; the refresher itself (cadence,
// coalescing, on-demand triggers) is fully functional ahead of that.
func noopGCUpdater(ctx context.Context) error { return nil }

func (c *Core) Close() {
	if c == nil {
		return
	}
	if c.GCRoots != nil {
		c.GCRoots.Stop()
	}
	if c.JobManagers != nil {
		c.JobManagers.Begin.Shutdown()
		c.JobManagers.Build.Shutdown()
		c.JobManagers.End.Shutdown()
	}
	if c.Evaluations != nil {
		c.Evaluations.Shutdown()
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
	}
}
