package buildstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixbuild/typhon/internal/buildbackend"
	"github.com/nixbuild/typhon/internal/buildstore"
	"github.com/nixbuild/typhon/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

// countingBackend runs exactly one invocation per drv that blocks on
// release until told to finish, so concurrent Run callers can be proven
// to share it.
type countingBackend struct {
	mu       sync.Mutex
	runs     int32
	release  chan struct{}
}

func (b *countingBackend) Run(ctx context.Context, drv string) (<-chan string, <-chan buildbackend.Result) {
	atomic.AddInt32(&b.runs, 1)
	lines := make(chan string, 4)
	result := make(chan buildbackend.Result, 1)

	go func() {
		defer close(lines)
		defer close(result)
		lines <- "building " + drv
		select {
		case <-b.release:
		case <-ctx.Done():
			result <- buildbackend.Result{Err: ctx.Err()}
			return
		}
		result <- buildbackend.Result{Outputs: []string{drv + "-out"}}
	}()

	return lines, result
}

func TestRunCoalescesConcurrentCallsForSameDerivation(t *testing.T) {
	backend := &countingBackend{release: make(chan struct{})}
	store := buildstore.New(testLogger(t), backend)

	var wg sync.WaitGroup
	results := make([]buildbackend.Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Run(context.Background(), "/nix/store/shared.drv")
		}(i)
	}

	// Give both callers a chance to join before the backend completes.
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.runs), "only one backend invocation for a shared derivation")
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, []string{"/nix/store/shared.drv-out"}, r.Outputs)
	}
}

func TestRunDistinctDerivationsRunSeparately(t *testing.T) {
	backend := &countingBackend{release: make(chan struct{})}
	close(backend.release)
	store := buildstore.New(testLogger(t), backend)

	r1 := store.Run(context.Background(), "/nix/store/a.drv")
	r2 := store.Run(context.Background(), "/nix/store/b.drv")

	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.runs))
}

func TestAbortCancelsWhenLastSubscriberLeaves(t *testing.T) {
	backend := &countingBackend{release: make(chan struct{})}
	store := buildstore.New(testLogger(t), backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan buildbackend.Result, 1)
	go func() {
		done <- store.Run(ctx, "/nix/store/shared.drv")
	}()
	time.Sleep(20 * time.Millisecond)

	store.Abort("/nix/store/shared.drv") // the only subscriber leaves, backend canceled

	select {
	case r := <-done:
		assert.Error(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aborted run to resolve")
	}
}

func TestAbortLeavesRunningWhileSubscribersRemain(t *testing.T) {
	backend := &countingBackend{release: make(chan struct{})}
	store := buildstore.New(testLogger(t), backend)

	var wg sync.WaitGroup
	results := make([]buildbackend.Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Run(context.Background(), "/nix/store/shared.drv")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	store.Abort("/nix/store/shared.drv") // one of two subscribers leaves; build keeps running
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.Err, "remaining subscriber should still observe the successful result")
	}
}

func TestListenUnknownDerivationNotOk(t *testing.T) {
	backend := &countingBackend{release: make(chan struct{})}
	store := buildstore.New(testLogger(t), backend)

	_, _, ok := store.Listen("/nix/store/nope.drv")
	assert.False(t, ok)
}
