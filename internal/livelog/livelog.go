// Package livelog implements the per-class in-memory line cache that
// fans out a running task's stdout/stderr to an arbitrary number of
// late-joining subscribers, with replay-then-tail semantics, and hands
// off to persistent storage once the task finishes.
//
// One Cache instance exists for each of the Evaluations, JobBegin and
// JobEnd task classes, plus one for shared builds keyed by derivation
// path (internal/buildstore); the JobBuild class has no cache of its
// own. Implemented as a mutex-guarded map, the
// same shape as the teacher's SSEHub, since Listen needs a synchronous
// replay of the existing buffer before it can start tailing — a shape
// a pure channel actor would have to replicate anyway.
package livelog

import (
	"sync"

	"github.com/nixbuild/typhon/internal/logger"
)

// tailCapacity bounds each subscriber's tail channel. A subscriber that
// falls behind is dropped, never allowed to block the writer.
const tailCapacity = 256

type entry struct {
	lines     []string
	subs      map[int64]chan string
	nextSubID int64
}

// Cache is a single task class's live-log cache, keyed by Id (an int64
// task id for the three task-class caches, a derivation string for the
// shared-build cache).
type Cache[Id comparable] struct {
	log *logger.Logger
	mu  sync.Mutex
	m   map[Id]*entry
}

// New returns an empty cache for one task class.
func New[Id comparable](baseLog *logger.Logger, class string) *Cache[Id] {
	return &Cache[Id]{
		log: baseLog.With("component", "LiveLogCache", "class", class),
		m:   make(map[Id]*entry),
	}
}

// Line appends line to id's buffer and delivers it to every currently
// registered subscriber. A subscriber whose channel is full is dropped.
func (c *Cache[Id]) Line(id Id, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[id]
	if !ok {
		e = &entry{subs: make(map[int64]chan string)}
		c.m[id] = e
	}
	e.lines = append(e.lines, line)
	for subID, ch := range e.subs {
		select {
		case ch <- line:
		default:
			c.log.Warn("dropping live-log line for slow subscriber", "subscriber_id", subID)
			delete(e.subs, subID)
			close(ch)
		}
	}
}

// Reset removes all state for id: its line buffer and every subscriber
// channel is closed. Called by the TaskRecord finaliser once it has
// transcribed the buffer into the Log row.
func (c *Cache[Id]) Reset(id Id) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[id]
	if !ok {
		return
	}
	for _, ch := range e.subs {
		close(ch)
	}
	delete(c.m, id)
}

// Listen returns a channel that first replays every line emitted for id
// so far, then forwards subsequent lines until Reset runs, at which
// point the channel closes. If no entry exists for id, ok is false: the
// caller should fall back to the persisted Log row.
func (c *Cache[Id]) Listen(id Id) (lines <-chan string, cancel func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.m[id]
	if !exists {
		return nil, nil, false
	}

	replay := make([]string, len(e.lines))
	copy(replay, e.lines)

	e.nextSubID++
	subID := e.nextSubID
	ch := make(chan string, tailCapacity)
	e.subs[subID] = ch

	out := make(chan string, tailCapacity)
	go func() {
		for _, l := range replay {
			out <- l
		}
		for l := range ch {
			out <- l
		}
		close(out)
	}()

	cancelFn := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e2, ok := c.m[id]; ok {
			if sub, ok := e2.subs[subID]; ok {
				delete(e2.subs, subID)
				close(sub)
			}
		}
	}
	return out, cancelFn, true
}

// Drain returns the concatenation of every line emitted for id so far,
// without registering a subscriber — used by the finaliser to populate
// the Log row's stderr column before calling Reset.
func (c *Cache[Id]) Drain(id Id) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[id]
	if !ok {
		return ""
	}
	out := ""
	for i, l := range e.lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// Ensure creates an empty entry for id if one does not already exist,
// so that Listen observes "present with zero lines" rather than
// "absent" for a task that has been registered but has not logged yet.
func (c *Cache[Id]) Ensure(id Id) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[id]; !ok {
		c.m[id] = &entry{subs: make(map[int64]chan string)}
	}
}
