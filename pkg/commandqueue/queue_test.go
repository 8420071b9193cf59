package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingTask returns a task that blocks until release is closed, plus a
// channel closed once the task has started.
func blockingTask(release <-chan struct{}) (Task, <-chan struct{}) {
	started := make(chan struct{})
	return func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, started
}

func TestRegistry_BasicEnqueue(t *testing.T) {
	reg := New()
	defer reg.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := reg.Run(context.Background(), task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestRegistry_TaskError(t *testing.T) {
	reg := New()
	defer reg.Close()

	expectedErr := errors.New("task failed")
	task := func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}

	result, err := reg.Run(context.Background(), task, nil)

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestRegistry_FailureDoesNotHaltLane(t *testing.T) {
	reg := New()
	defer reg.Close()

	failing := reg.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	}, nil)
	following := reg.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "still running", nil
	}, nil)

	_, err := failing.Wait(context.Background())
	assert.Error(t, err)

	result, err := following.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "still running", result)
}

func TestRegistry_PanicIsIsolated(t *testing.T) {
	reg := New()
	defer reg.Close()

	panicking := reg.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	}, nil)
	following := reg.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, nil)

	_, err := panicking.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	result, err := following.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRegistry_FIFOWithinLane(t *testing.T) {
	reg := New()
	defer reg.Close()

	var mu sync.Mutex
	var startOrder []int
	var activePeak int32
	var active int32

	handles := make([]*Handle, 0, 8)
	for i := 0; i < 8; i++ {
		i := i
		h := reg.EnqueueInLane(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
			cur := atomic.AddInt32(&active, 1)
			if cur > atomic.LoadInt32(&activePeak) {
				atomic.StoreInt32(&activePeak, cur)
			}
			mu.Lock()
			startOrder = append(startOrder, i)
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil, nil
		}, nil)
		handles = append(handles, h)
	}

	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, startOrder)
	assert.EqualValues(t, 1, activePeak, "lane with concurrency 1 must never run two tasks at once")
}

func TestRegistry_QueueDepthAccounting(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	blocker, started := blockingTask(release)

	first := reg.EnqueueInLane(context.Background(), "depth", blocker, nil)
	<-started

	second := reg.EnqueueInLane(context.Background(), "depth", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)

	// Depth reflects the queued task synchronously, before it starts.
	assert.Equal(t, 1, reg.GetQueueSize("depth"))

	close(release)
	_, _ = first.Wait(context.Background())
	_, _ = second.Wait(context.Background())

	assert.Equal(t, 0, reg.GetQueueSize("depth"))
	assert.Equal(t, 0, reg.GetActiveTaskCount("depth"))
}

func TestRegistry_ActiveCountMidExecution(t *testing.T) {
	reg := New()
	defer reg.Close()

	reg.SetLaneConcurrency("burst", 3)

	release := make(chan struct{})
	var handles []*Handle
	var startChans []<-chan struct{}
	for i := 0; i < 3; i++ {
		task, started := blockingTask(release)
		handles = append(handles, reg.EnqueueInLane(context.Background(), "burst", task, nil))
		startChans = append(startChans, started)
	}

	for _, started := range startChans {
		<-started
	}

	assert.Equal(t, 3, reg.GetActiveTaskCount("burst"))
	assert.Equal(t, 3, reg.GetActiveTaskCount(""))

	close(release)
	for _, h := range handles {
		_, _ = h.Wait(context.Background())
	}

	assert.Equal(t, 0, reg.GetActiveTaskCount("burst"))
}

func TestRegistry_OnWaitFiresOnce(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	blocker, started := blockingTask(release)
	first := reg.EnqueueInLane(context.Background(), "warn", blocker, nil)
	<-started

	var mu sync.Mutex
	var fired int
	var gotWaited int64
	var gotAhead int

	second := reg.EnqueueInLane(context.Background(), "warn", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, &TaskOptions{
		WarnAfterMs: 30,
		OnWait: func(waitedMs int64, tasksAhead int) {
			mu.Lock()
			fired++
			gotWaited = waitedMs
			gotAhead = tasksAhead
			mu.Unlock()
		},
	})

	time.Sleep(120 * time.Millisecond)
	close(release)
	_, _ = first.Wait(context.Background())
	_, _ = second.Wait(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)
	assert.GreaterOrEqual(t, gotWaited, int64(30))
	assert.Equal(t, 0, gotAhead, "no queued tasks were ahead at enqueue time")
}

func TestRegistry_OnWaitSkippedWhenTaskStartsInTime(t *testing.T) {
	reg := New()
	defer reg.Close()

	var fired int32
	h := reg.EnqueueInLane(context.Background(), "fast", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, &TaskOptions{
		WarnAfterMs: 50,
		OnWait: func(int64, int) {
			atomic.AddInt32(&fired, 1)
		},
	})

	_, err := h.Wait(context.Background())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestRegistry_SetLaneConcurrencyDispatchesMore(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	task1, started1 := blockingTask(release)
	task2, started2 := blockingTask(release)

	h1 := reg.EnqueueInLane(context.Background(), "widen", task1, nil)
	h2 := reg.EnqueueInLane(context.Background(), "widen", task2, nil)

	<-started1
	assert.Equal(t, 1, reg.GetActiveTaskCount("widen"))
	assert.Equal(t, 1, reg.GetQueueSize("widen"))

	reg.SetLaneConcurrency("widen", 2)
	<-started2
	assert.Equal(t, 2, reg.GetActiveTaskCount("widen"))

	close(release)
	_, _ = h1.Wait(context.Background())
	_, _ = h2.Wait(context.Background())
}

func TestRegistry_WaitForActiveTasksSnapshot(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	blocker, started := blockingTask(release)
	h := reg.EnqueueInLane(context.Background(), "drain", blocker, nil)
	<-started

	// A task started after the snapshot must not extend the wait.
	lateRelease := make(chan struct{})
	lateTask, lateStarted := blockingTask(lateRelease)

	result := make(chan bool, 1)
	go func() {
		result <- reg.WaitForActiveTasks(2 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	late := reg.EnqueueInLane(context.Background(), "late", lateTask, nil)
	<-lateStarted

	close(release)
	_, _ = h.Wait(context.Background())

	select {
	case drained := <-result:
		assert.True(t, drained)
	case <-time.After(time.Second):
		t.Fatal("WaitForActiveTasks blocked on a task started after the snapshot")
	}

	close(lateRelease)
	_, _ = late.Wait(context.Background())
}

func TestRegistry_WaitForActiveTasksTimeout(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	blocker, started := blockingTask(release)
	h := reg.EnqueueInLane(context.Background(), "stuck", blocker, nil)
	<-started

	drained := reg.WaitForActiveTasks(50 * time.Millisecond)
	assert.False(t, drained)

	close(release)
	_, _ = h.Wait(context.Background())
}

func TestRegistry_WaitForActiveTasksEmpty(t *testing.T) {
	reg := New()
	defer reg.Close()

	assert.True(t, reg.WaitForActiveTasks(10*time.Millisecond))
}

func TestRegistry_ResetAllLanesOnFreshRegistry(t *testing.T) {
	reg := New()
	defer reg.Close()

	// Safe no-op, repeatedly.
	reg.ResetAllLanes()
	reg.ResetAllLanes()

	result, err := reg.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "after reset", nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "after reset", result)
}

func TestRegistry_ResetDispatchesQueuedWork(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	blocker, started := blockingTask(release)
	orphan := reg.EnqueueInLane(context.Background(), "reset", blocker, nil)
	<-started

	queued := reg.EnqueueInLane(context.Background(), "reset", func(ctx context.Context) (interface{}, error) {
		return "dispatched after reset", nil
	}, nil)
	assert.Equal(t, 1, reg.GetQueueSize("reset"))

	// Reset frees the orphaned slot; queued work must proceed without a
	// new enqueue even though the blocker is still running.
	reg.ResetAllLanes()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := queued.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "dispatched after reset", result)

	// The pre-reset task's completion must not corrupt post-reset
	// accounting: active count stays at zero, not negative-or-garbage.
	close(release)
	_, _ = orphan.Wait(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, reg.GetActiveTaskCount("reset"))

	// And the lane still dispatches normally.
	result, err = reg.RunInLane(context.Background(), "reset", func(ctx context.Context) (interface{}, error) {
		return "healthy", nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "healthy", result)
}

func TestRegistry_LanesProgressIndependently(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	blocker, started := blockingTask(release)
	stuck := reg.EnqueueInLane(context.Background(), "lane-a", blocker, nil)
	<-started

	// lane-b is not blocked behind lane-a.
	result, err := reg.RunInLane(context.Background(), "lane-b", func(ctx context.Context) (interface{}, error) {
		return "independent", nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "independent", result)

	close(release)
	_, _ = stuck.Wait(context.Background())
}

func TestRegistry_GetStats(t *testing.T) {
	reg := New()
	defer reg.Close()

	stats := reg.GetStats()

	require.Contains(t, stats, DefaultLane)
	assert.Equal(t, 1, stats[DefaultLane]["concurrency"])
}

func TestRegistry_EventEmission(t *testing.T) {
	reg := New()
	defer reg.Close()

	var mu sync.Mutex
	var events []Event

	reg.On("enqueued", func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	reg.On("completed", func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	_, err := reg.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 2)

	assert.Equal(t, "enqueued", events[0].Type)
	assert.Equal(t, DefaultLane, events[0].Lane)
	assert.Contains(t, events[0].Data, "queueSize")

	last := events[len(events)-1]
	assert.Equal(t, "completed", last.Type)
	assert.Contains(t, last.Data, "duration")
	assert.Contains(t, last.Data, "success")
}

func TestRegistry_EventOff(t *testing.T) {
	reg := New()
	defer reg.Close()

	var count int32
	reg.On("enqueued", func(Event) {
		atomic.AddInt32(&count, 1)
	})

	_, _ = reg.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))

	reg.Off("enqueued")

	_, _ = reg.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	reg := New()
	defer reg.Close()

	release := make(chan struct{})
	blocker, started := blockingTask(release)
	h := reg.EnqueueInLane(context.Background(), "ctx", blocker, nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	_, err = h.Wait(context.Background())
	assert.NoError(t, err)
}
