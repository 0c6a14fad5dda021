package plugins

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSchedulerScheduleRunsAfterDelay(t *testing.T) {
	ts := NewTaskScheduler(2)
	defer ts.Shutdown(time.Second)

	done := make(chan struct{})
	start := time.Now()
	ts.Schedule("demo", 30*time.Millisecond, func() { close(done) })

	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestTaskSchedulerCancelPreventsExecution(t *testing.T) {
	ts := NewTaskScheduler(2)
	defer ts.Shutdown(time.Second)

	var ran int32
	id := ts.Schedule("demo", 50*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })
	assert.True(t, ts.Cancel(id))
	assert.False(t, ts.Cancel(id), "cancelling twice should be a no-op, not a re-cancel")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestTaskSchedulerRunAsyncExecutesOnBoundedPool(t *testing.T) {
	ts := NewTaskScheduler(2)
	defer ts.Shutdown(time.Second)

	var wg sync.WaitGroup
	var maxConcurrent int32
	var current int32
	wg.Add(5)
	for i := 0; i < 5; i++ {
		ts.RunAsync("demo", func() {
			defer wg.Done()
			n := atomic.AddInt32(&current, 1)
			for {
				m := atomic.LoadInt32(&maxConcurrent)
				if n <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(2))
}

func TestTaskSchedulerActiveTaskIDsScopedToPlugin(t *testing.T) {
	ts := NewTaskScheduler(2)
	defer ts.Shutdown(time.Second)

	ts.Schedule("alpha", time.Hour, func() {})
	ts.Schedule("alpha", time.Hour, func() {})
	ts.Schedule("beta", time.Hour, func() {})

	alphaIDs := ts.ActiveTaskIDs("alpha")
	betaIDs := ts.ActiveTaskIDs("beta")
	assert.Len(t, alphaIDs, 2)
	assert.Len(t, betaIDs, 1)
}

func TestTaskSchedulerCancelAllScopedToPlugin(t *testing.T) {
	ts := NewTaskScheduler(2)
	defer ts.Shutdown(time.Second)

	ts.Schedule("alpha", time.Hour, func() {})
	ts.Schedule("alpha", time.Hour, func() {})
	ts.Schedule("beta", time.Hour, func() {})

	cancelled := ts.CancelAll("alpha")
	assert.Equal(t, 2, cancelled)
	assert.Empty(t, ts.ActiveTaskIDs("alpha"))
	assert.Len(t, ts.ActiveTaskIDs("beta"), 1)
}

func TestTaskSchedulerScheduleWithFixedDelayWaitsBetweenRuns(t *testing.T) {
	ts := NewTaskScheduler(2)
	defer ts.Shutdown(time.Second)

	var mu sync.Mutex
	var runs []time.Time
	id := ts.ScheduleWithFixedDelay("demo", 0, 40*time.Millisecond, func() {
		mu.Lock()
		runs = append(runs, time.Now())
		mu.Unlock()
		time.Sleep(10 * time.Millisecond) // simulate work the delay is measured from
	})
	time.Sleep(150 * time.Millisecond)
	ts.Cancel(id)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(runs), 2)
	gap := runs[1].Sub(runs[0])
	assert.GreaterOrEqual(t, gap, 45*time.Millisecond, "fixed delay should be measured from the end of the previous run")
}

func TestPluginSchedulerScopesToOwningPlugin(t *testing.T) {
	ts := NewTaskScheduler(2)
	defer ts.Shutdown(time.Second)

	ps := NewPluginScheduler(ts, "demo")
	other := NewPluginScheduler(ts, "other")

	ps.Schedule(time.Hour, func() {})
	other.Schedule(time.Hour, func() {})

	assert.Len(t, ps.ActiveTaskIDs(), 1)
	assert.Equal(t, 1, ps.CancelAll())
	assert.Empty(t, ps.ActiveTaskIDs())
	assert.Len(t, other.ActiveTaskIDs(), 1, "cancelling one plugin's tasks must not touch another plugin's")
}

func TestTaskSchedulerShutdownDrainsWithinGrace(t *testing.T) {
	ts := NewTaskScheduler(2)
	ts.RunAsync("demo", func() { time.Sleep(20 * time.Millisecond) })

	done := make(chan struct{})
	go func() {
		ts.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
