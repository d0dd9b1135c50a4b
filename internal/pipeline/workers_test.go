package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolDedupesAndBounds(t *testing.T) {
	p := NewWorkerPool(1, 2, func(context.Context, string) {}, nil, quietLogger)

	require.NoError(t, p.Enqueue("a"))
	require.NoError(t, p.Enqueue("a"))
	assert.Equal(t, 1, p.Depth())
	require.NoError(t, p.Enqueue("b"))
	require.ErrorIs(t, p.Enqueue("c"), ErrQueueFull)
	assert.Equal(t, 2, p.Depth())
}

func TestWorkerPoolRunsJobsConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	handle := func(ctx context.Context, id string) {
		defer wg.Done()
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
	}
	p := NewWorkerPool(3, 10, handle, nil, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	wg.Add(5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, p.Enqueue(id))
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(3), peak.Load())

	require.NoError(t, p.Enqueue("a"), "finished ids can be queued again")
}

func TestWorkerPoolStopsOnCancel(t *testing.T) {
	started := make(chan struct{})
	handle := func(ctx context.Context, id string) {
		close(started)
		<-ctx.Done()
	}
	p := NewWorkerPool(1, 4, handle, nil, quietLogger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- p.Run(ctx) }()

	require.NoError(t, p.Enqueue("a"))
	require.NoError(t, p.Enqueue("b"))
	<-started
	cancel()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, 1, p.Depth(), "unstarted jobs stay queued")
}
