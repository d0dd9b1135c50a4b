package runner

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct {
	name     string
	schedule string
	runs     atomic.Int32
	block    chan struct{}
	err      error
}

func (c *countingTask) Name() string           { return c.name }
func (c *countingTask) Schedule() string       { return c.schedule }
func (c *countingTask) Timeout() time.Duration { return 5 * time.Second }
func (c *countingTask) Run(ctx context.Context) error {
	c.runs.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return c.err
}

func quietRunner(reg *TaskRegistry) *Runner {
	return NewRunner(reg, WithLogger(log.New(io.Discard, "", 0)))
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewTaskRegistry()
	reg.Register(&countingTask{name: "b"})
	reg.Register(&countingTask{name: "a"})
	reg.Register(&countingTask{name: "b", schedule: "@every 1m"})

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	task, ok := reg.Get("b")
	require.True(t, ok)
	assert.Equal(t, "@every 1m", task.Schedule())
	_, ok = reg.Get("c")
	assert.False(t, ok)
}

func TestRunExecutesByName(t *testing.T) {
	reg := NewTaskRegistry()
	failing := &countingTask{name: "fail", err: errors.New("boom")}
	ok := &countingTask{name: "ok"}
	reg.Register(failing)
	reg.Register(ok)
	r := quietRunner(reg)

	require.NoError(t, r.Run(context.Background(), "ok"))
	require.EqualError(t, r.Run(context.Background(), "fail"), "boom")
	require.Error(t, r.Run(context.Background(), "missing"))
	assert.Equal(t, int32(1), ok.runs.Load())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	reg := NewTaskRegistry()
	reg.Register(&countingTask{name: "bad", schedule: "whenever"})
	err := quietRunner(reg).Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestStartSkipsOverlappingRuns(t *testing.T) {
	reg := NewTaskRegistry()
	slow := &countingTask{name: "slow", schedule: "@every 1s", block: make(chan struct{})}
	reg.Register(slow)
	r := quietRunner(reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return slow.runs.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), slow.runs.Load(), "ticks during a run are skipped")

	close(slow.block)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}
