// Package taskengine implements TaskManager[Id, T]: the generic,
// cancellable, single-flight runner that owns the lifecycle of every
// long-running operation (evaluation, pre-action, build, post-action).
// One Manager instance exists per task class (Evaluations, JobBegin,
// JobBuild, JobEnd); all four share this same generic implementation.
//
// The map of live entries is guarded by a mutex rather than run behind
// a channel actor — the same choice the teacher's SSEHub makes for its
// subscription table, and the one ygrebnov-workers' lifecycleCoordinator
// makes for tracking in-flight work — because `wait` needs to
// synchronously observe whether an id is currently tracked before
// deciding whether to block on its done channel.
package taskengine

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nixbuild/typhon/internal/logger"
)

// Body is a task's unit of work. It must be responsive to ctx
// cancellation at every suspension point (subprocess I/O, DB queries,
// wait() on sibling entries, bounded channel sends).
type Body[T any] func(ctx context.Context) (T, error)

// Finish is the finaliser: invoked exactly once per run() call, with
// either (value, nil, false) on success, (value, err, false) on error,
// or (value, err, true) when the body returned an error after its
// context was canceled. It may return a non-nil *Spec to re-enter Running under the
// same id instead of finalising — the "replace me with this task"
// continuation spec §4.1 requires for evaluation→jobs materialisation.
type Finish[T any] func(ctx context.Context, value T, err error, canceled bool) *Spec[T]

// Spec pairs a Body with the Finish that will run when it terminates.
type Spec[T any] struct {
	Body   Body[T]
	Finish Finish[T]
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is a TaskManager for one task class, output type T, keyed by
// Id. Zero value is not usable; construct with New.
type Manager[Id comparable, T any] struct {
	log       *logger.Logger
	class     string
	tracer    trace.Tracer
	mu        sync.Mutex
	entries   map[Id]*entry
	shuttingDown bool
}

// New constructs a Manager for the named task class. class is used both
// for log tagging and as the OTel tracer/span name prefix.
func New[Id comparable, T any](baseLog *logger.Logger, class string) *Manager[Id, T] {
	return &Manager[Id, T]{
		log:     baseLog.With("component", "TaskManager", "class", class),
		class:   class,
		tracer:  otel.Tracer("typhon/taskengine/" + class),
		entries: make(map[Id]*entry),
	}
}

// ErrAlreadyLive is returned by Run when id is currently tracked and has
// not yet finalised.
var ErrAlreadyLive = fmt.Errorf("taskengine: id already live")

// ErrShuttingDown is returned by Run once Shutdown has been called.
var ErrShuttingDown = fmt.Errorf("taskengine: manager is shutting down")

// Run registers id as live and spawns spec.Body. When the body returns,
// spec.Finish runs to completion before id is released (or, if Finish
// returns a continuation, before the manager re-enters Running under
// the same id with the new body).
func (m *Manager[Id, T]) Run(ctx context.Context, id Id, spec Spec[T]) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, live := m.entries[id]; live {
		m.mu.Unlock()
		return ErrAlreadyLive
	}
	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{cancel: cancel, done: make(chan struct{})}
	m.entries[id] = e
	m.mu.Unlock()

	go m.drive(runCtx, id, e, spec)
	return nil
}

func (m *Manager[Id, T]) drive(ctx context.Context, id Id, e *entry, spec Spec[T]) {
	spanCtx, span := m.tracer.Start(ctx, m.class)
	value, err := spec.Body(spanCtx)
	canceled := ctx.Err() != nil && err != nil
	span.End()

	next := spec.Finish(context.Background(), value, err, canceled)
	if next != nil {
		m.log.Debug("task continuation", "class", m.class)
		runCtx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		e.cancel = cancel
		m.mu.Unlock()
		go m.drive(runCtx, id, e, *next)
		return
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	close(e.done)
}

// Cancel aborts id's body if it is live, which causes its Finish to run
// with canceled=true. No-op if id is not live. Returns immediately; the
// finaliser may still be in flight.
func (m *Manager[Id, T]) Cancel(id Id) {
	m.mu.Lock()
	e, live := m.entries[id]
	m.mu.Unlock()
	if !live {
		return
	}
	e.cancel()
}

// Wait resolves when id is no longer live: either it never was, or its
// finaliser (including any continuation chain) has completed. A caller
// that calls Run(id, ...) then Wait(id) observes the finaliser's
// database writes on return, since Wait only unblocks after the done
// channel close that follows Finish.
func (m *Manager[Id, T]) Wait(ctx context.Context, id Id) {
	m.mu.Lock()
	e, live := m.entries[id]
	m.mu.Unlock()
	if !live {
		return
	}
	select {
	case <-e.done:
	case <-ctx.Done():
	}
}

// IsLive reports whether id is currently tracked.
func (m *Manager[Id, T]) IsLive(id Id) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, live := m.entries[id]
	return live
}

// Shutdown cancels every live entry, waits for all finalisers, and
// rejects subsequent Run calls. Safe to call once; a second call would
// simply find an empty entry set.
func (m *Manager[Id, T]) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	dones := make([]chan struct{}, 0, len(m.entries))
	for _, e := range m.entries {
		e.cancel()
		dones = append(dones, e.done)
	}
	m.mu.Unlock()

	for _, d := range dones {
		<-d
	}
}
