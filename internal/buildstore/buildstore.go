// Package buildstore implements shared-derivation build coalescing
// (spec §4.6): two jobs that reference the same derivation share a
// single backend invocation, independent of either job's own
// TaskManager entry. The JobCoordinator's Build phase subscribes to
// this store; its own per-job task-manager entry still tracks
// per-job cancellation, status, and timestamps independently.
package buildstore

import (
	"context"
	"sync"

	"github.com/nixbuild/typhon/internal/buildbackend"
	"github.com/nixbuild/typhon/internal/livelog"
	"github.com/nixbuild/typhon/internal/logger"
)

type shared struct {
	subscribers int
	cancel      context.CancelFunc
	ready       chan struct{}
	result      buildbackend.Result
}

// Store coalesces concurrent Run calls for the same derivation path.
type Store struct {
	log     *logger.Logger
	backend buildbackend.Backend
	cache   *livelog.Cache[string]

	mu      sync.Mutex
	entries map[string]*shared
}

// New builds a Store backed by backend, with its own live-log cache
// keyed by derivation path (spec §4.6's listen(drv)).
func New(baseLog *logger.Logger, backend buildbackend.Backend) *Store {
	log := baseLog.With("component", "BuildStore")
	return &Store{
		log:     log,
		backend: backend,
		cache:   livelog.New[string](log, "build"),
		entries: make(map[string]*shared),
	}
}

// Run starts (or joins) a running build of drv and returns its shared
// result once it completes. Every caller that joins before the build
// finishes is counted as a subscriber for Abort's purposes.
func (s *Store) Run(ctx context.Context, drv string) buildbackend.Result {
	s.mu.Lock()
	e, exists := s.entries[drv]
	if !exists {
		runCtx, cancel := context.WithCancel(context.Background())
		e = &shared{cancel: cancel, ready: make(chan struct{})}
		s.entries[drv] = e
		go s.drive(runCtx, drv, e)
	}
	e.subscribers++
	s.mu.Unlock()

	select {
	case <-e.ready:
		return e.result
	case <-ctx.Done():
		return buildbackend.Result{Err: ctx.Err()}
	}
}

func (s *Store) drive(ctx context.Context, drv string, e *shared) {
	lines, resultCh := s.backend.Run(ctx, drv)
	for line := range lines {
		s.cache.Line(drv, line)
	}
	result := <-resultCh

	s.mu.Lock()
	e.result = result
	close(e.ready)
	s.mu.Unlock()
}

// Abort decrements drv's subscriber count; if it reaches zero, the
// backend invocation is canceled. If other subscribers remain, it is
// left running.
func (s *Store) Abort(drv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[drv]
	if !ok {
		return
	}
	e.subscribers--
	if e.subscribers <= 0 {
		e.cancel()
		delete(s.entries, drv)
		s.cache.Reset(drv)
	}
}

// Listen mirrors livelog.Cache.Listen, keyed on derivation path rather
// than task id.
func (s *Store) Listen(drv string) (lines <-chan string, cancel func(), ok bool) {
	return s.cache.Listen(drv)
}
