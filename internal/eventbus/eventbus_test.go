package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestEmitReachesAllSubscribers(t *testing.T) {
	bus := eventbus.New(testLogger(t), nil)
	defer bus.Shutdown()

	ch1, cancel1 := bus.Listen()
	defer cancel1()
	ch2, cancel2 := bus.Listen()
	defer cancel2()

	bus.Emit(context.Background(), eventbus.Event{Kind: eventbus.JobUpdated, Handle: 1})

	select {
	case evt := <-ch1:
		assert.Equal(t, eventbus.JobUpdated, evt.Kind)
		assert.Equal(t, int64(1), evt.Handle)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on ch1")
	}

	select {
	case evt := <-ch2:
		assert.Equal(t, eventbus.JobUpdated, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on ch2")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := eventbus.New(testLogger(t), nil)
	defer bus.Shutdown()

	ch, cancel := bus.Listen()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestShutdownClosesAllSubscribers(t *testing.T) {
	bus := eventbus.New(testLogger(t), nil)

	ch1, _ := bus.Listen()
	ch2, _ := bus.Listen()

	bus.Shutdown()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	bus := eventbus.New(testLogger(t), nil)
	defer bus.Shutdown()

	ch, _ := bus.Listen()

	// Flood past capacity without ever draining ch; the bus must evict
	// rather than block the actor loop.
	for i := 0; i < 200; i++ {
		bus.Emit(context.Background(), eventbus.Event{Kind: eventbus.JobUpdated, Handle: int64(i)})
	}

	// Drain whatever made it through, then confirm the channel was closed
	// (evicted) rather than left open and simply lossy.
	closed := false
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				closed = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, closed, "slow subscriber's channel should eventually be closed")
}
