// Package gcroots refreshes the persisted set of Nix garbage-collector
// roots. Spec §4.4 step 3 calls this "out of scope for detail" but
// still requires it to run after every successful evaluation; we also
// give it a periodic cron-scheduled sweep (spec §4.4 mentions nothing
// about cadence, so a background refresh covers roots whose owning
// derivation was GC'd and rebuilt outside an evaluation).
package gcroots

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nixbuild/typhon/internal/logger"
)

// Updater performs the actual root-set refresh. The app wires
// noopGCUpdater (internal/app), which does nothing and returns nil.
type Updater func(ctx context.Context) error

// Refresher coordinates on-demand and cron-scheduled calls to Updater,
// collapsing concurrent requests the same way buildstore collapses
// concurrent builds of the same derivation: a refresh already in flight
// satisfies every request that arrived before it started.
type Refresher struct {
	log     *logger.Logger
	update  Updater
	cronJob *cron.Cron

	mu      sync.Mutex
	running bool
	pending bool
}

// New builds a Refresher. schedule is a six-field cron expression with
// a leading seconds field (e.g. "0 */15 * * * *") for the periodic
// sweep; empty disables it.
func New(baseLog *logger.Logger, update Updater, schedule string) *Refresher {
	r := &Refresher{
		log:    baseLog.With("component", "GCRootsRefresher"),
		update: update,
	}
	if schedule != "" {
		r.cronJob = cron.New(cron.WithSeconds())
		_, err := r.cronJob.AddFunc(schedule, func() {
			r.RequestRefresh()
		})
		if err != nil {
			r.log.Error("invalid gc-roots refresh schedule, periodic sweep disabled", "error", err, "schedule", schedule)
			r.cronJob = nil
		}
	}
	return r
}

// Start launches the cron scheduler, if one was configured.
func (r *Refresher) Start() {
	if r.cronJob != nil {
		r.cronJob.Start()
	}
}

// Stop halts the cron scheduler, if running, and waits for any
// in-flight job to finish.
func (r *Refresher) Stop() {
	if r.cronJob != nil {
		ctx := r.cronJob.Stop()
		<-ctx.Done()
	}
}

// RequestRefresh triggers a refresh if none is currently running,
// otherwise marks one pending so it runs again immediately after the
// current one finishes (coalescing bursts of requests from concurrent
// evaluation finalisers into at most one extra pass).
func (r *Refresher) RequestRefresh() {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.runLoop()
}

func (r *Refresher) runLoop() {
	for {
		if err := r.update(context.Background()); err != nil {
			r.log.Warn("gc-roots refresh failed", "error", err)
		}

		r.mu.Lock()
		if !r.pending {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}
