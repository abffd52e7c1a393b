// Package eventbus is the process-wide broadcast channel that notifies
// external consumers of lifecycle transitions. It is a single-writer,
// many-readers actor: one goroutine owns the subscriber set and every
// mutation reaches it as a message, mirroring the teacher's SSEHub
// shape but run as a channel actor (matching spec §5's "single-writer,
// many readers" requirement for the event bus specifically).
package eventbus

import (
	"context"
	"sync"

	"github.com/nixbuild/typhon/internal/logger"
)

// Kind enumerates the lifecycle transitions the bus carries.
type Kind string

const (
	ProjectNew             Kind = "ProjectNew"
	ProjectDeleted         Kind = "ProjectDeleted"
	ProjectJobsetsUpdated  Kind = "ProjectJobsetsUpdated"
	ProjectUpdated         Kind = "ProjectUpdated"
	EvaluationNew          Kind = "EvaluationNew"
	EvaluationFinished     Kind = "EvaluationFinished"
	JobUpdated             Kind = "JobUpdated"
)

// Event is one lifecycle transition, carrying the handle (row id) of the
// entity it concerns.
type Event struct {
	Kind   Kind   `json:"kind"`
	Handle int64  `json:"handle"`
}

// subscriberCapacity bounds each subscriber's channel; a slow reader is
// dropped rather than allowed to block the bus (spec §4.7: "a subscriber
// whose channel is full or closed is silently dropped from the set").
const subscriberCapacity = 64

type subscriber struct {
	id int64
	ch chan Event
}

type command struct {
	emit      *Event
	subscribe chan *subscriber
	unsubID   int64
	shutdown  chan struct{}
}

// Forwarder publishes events to, and receives events from, an external
// transport so that multiple API processes converge on one stream. The
// production implementation is Redis-backed (internal/eventbus lives
// next to it so the in-process actor need not know about Redis).
type Forwarder interface {
	Publish(ctx context.Context, evt Event) error
	StartForwarder(ctx context.Context, onEvent func(Event)) error
	Close() error
}

// Bus is the in-process actor. Construct with New; it is safe for
// concurrent use and must be shut down via Shutdown.
type Bus struct {
	log     *logger.Logger
	cmds    chan command
	nextID  chan int64
	forward Forwarder

	shutdownOnce sync.Once
}

// New starts the bus's actor goroutine. forward may be nil, meaning
// events never leave this process.
func New(baseLog *logger.Logger, forward Forwarder) *Bus {
	b := &Bus{
		log:     baseLog.With("component", "EventBus"),
		cmds:    make(chan command, 256),
		forward: forward,
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	subs := make(map[int64]*subscriber)
	var nextID int64
	for cmd := range b.cmds {
		switch {
		case cmd.emit != nil:
			for id, s := range subs {
				select {
				case s.ch <- *cmd.emit:
				default:
					b.log.Warn("dropping event for slow subscriber", "subscriber_id", id, "kind", cmd.emit.Kind)
					delete(subs, id)
					close(s.ch)
				}
			}
		case cmd.subscribe != nil:
			nextID++
			s := &subscriber{id: nextID, ch: make(chan Event, subscriberCapacity)}
			subs[nextID] = s
			cmd.subscribe <- s
		case cmd.unsubID != 0:
			if s, ok := subs[cmd.unsubID]; ok {
				delete(subs, cmd.unsubID)
				close(s.ch)
			}
		case cmd.shutdown != nil:
			for id, s := range subs {
				delete(subs, id)
				close(s.ch)
			}
			close(cmd.shutdown)
			return
		}
	}
}

// Emit delivers evt to every current subscriber, and forwards it to the
// external transport (if configured) so other processes observe it too.
func (b *Bus) Emit(ctx context.Context, evt Event) {
	b.cmds <- command{emit: &evt}
	if b.forward != nil {
		if err := b.forward.Publish(ctx, evt); err != nil {
			b.log.Warn("failed to publish event to forwarder", "error", err, "kind", evt.Kind)
		}
	}
}

// Listen registers a new subscriber and returns its event channel plus a
// cancel function that unsubscribes it. The channel is closed when the
// subscriber is dropped (slow-consumer eviction, explicit cancel, or bus
// shutdown) — never before.
func (b *Bus) Listen() (<-chan Event, func()) {
	reply := make(chan *subscriber, 1)
	b.cmds <- command{subscribe: reply}
	s := <-reply
	cancel := func() { b.cmds <- command{unsubID: s.id} }
	return s.ch, cancel
}

// StartRemoteForwarding wires the configured Forwarder's inbound stream
// back into this bus's local subscribers, so events emitted by other
// processes reach this process's listeners too.
func (b *Bus) StartRemoteForwarding(ctx context.Context) error {
	if b.forward == nil {
		return nil
	}
	return b.forward.StartForwarder(ctx, func(evt Event) {
		b.cmds <- command{emit: &evt}
	})
}

// Shutdown cancels all subscribers and stops the actor. Idempotent:
// calls after the first return immediately.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		done := make(chan struct{})
		b.cmds <- command{shutdown: done}
		<-done
		if b.forward != nil {
			_ = b.forward.Close()
		}
	})
}
