package plugins

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// TaskKind distinguishes the four submission shapes C6 supports.
type TaskKind int

const (
	TaskOnce TaskKind = iota
	TaskFixedRate
	TaskFixedDelay
	TaskAsync
)

// SchedulerStats reports pool internals for diagnostics.
type SchedulerStats struct {
	Active         int
	Completed      int64
	TotalSubmitted int64
}

type taskRecord struct {
	id     int64
	plugin string
	kind   TaskKind
	cancel func()
}

// fixedRateSchedule implements cron.Schedule for a task that first fires at
// `first` and then every `period` thereafter. Next() jumps straight to the
// next period boundary strictly after t, so ticks missed while the cron
// goroutine was busy coalesce into a single catch-up run instead of firing
// once per missed tick.
type fixedRateSchedule struct {
	first  time.Time
	period time.Duration
}

func (s *fixedRateSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	elapsed := t.Sub(s.first)
	n := elapsed/s.period + 1
	return s.first.Add(n * s.period)
}

// TaskScheduler is the shared engine behind every plugin's scheduler handle.
// Periodic work rides the same cron.Cron instance (one background goroutine,
// matching the platform's existing "one global cron" rationale); one-shot
// and fixed-delay work use time.Timer directly since robfig/cron has no
// native one-shot concept and fixed-delay's "wait between completions"
// semantics depend on run duration, which a cron.Schedule cannot express.
type TaskScheduler struct {
	mu    sync.Mutex
	cron  *cron.Cron
	tasks map[int64]*taskRecord

	nextID    int64
	completed int64
	submitted int64

	asyncSem chan struct{}
	wg       sync.WaitGroup
}

// NewTaskScheduler creates a scheduler with a bounded async worker pool.
func NewTaskScheduler(asyncWorkers int) *TaskScheduler {
	if asyncWorkers < 1 {
		asyncWorkers = 1
	}
	c := cron.New()
	c.Start()
	return &TaskScheduler{
		cron:     c,
		tasks:    make(map[int64]*taskRecord),
		asyncSem: make(chan struct{}, asyncWorkers),
	}
}

func (ts *TaskScheduler) nextTaskID() int64 {
	return atomic.AddInt64(&ts.nextID, 1)
}

func wrapTask(pluginName string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Component("scheduler").Error().
					Str("plugin", pluginName).
					Interface("panic", r).
					Msg("scheduled task panicked")
			}
		}()
		fn()
	}
}

func (ts *TaskScheduler) track(id int64, pluginName string, kind TaskKind, cancel func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.submitted++
	ts.tasks[id] = &taskRecord{id: id, plugin: pluginName, kind: kind, cancel: cancel}
}

func (ts *TaskScheduler) complete(id int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.tasks[id]; ok {
		delete(ts.tasks, id)
		ts.completed++
	}
}

// Schedule submits a one-shot task to run after delay.
func (ts *TaskScheduler) Schedule(pluginName string, delay time.Duration, fn func()) int64 {
	id := ts.nextTaskID()
	wrapped := wrapTask(pluginName, fn)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		wrapped()
		ts.complete(id)
	})
	ts.track(id, pluginName, TaskOnce, func() { timer.Stop() })
	return id
}

// ScheduleRepeating submits a fixed-rate task: ticks land on a fixed grid
// starting at now+initialDelay regardless of how long each run takes;
// missed ticks coalesce rather than queueing up.
func (ts *TaskScheduler) ScheduleRepeating(pluginName string, initialDelay, period time.Duration, fn func()) int64 {
	id := ts.nextTaskID()
	sched := &fixedRateSchedule{first: time.Now().Add(initialDelay), period: period}
	entryID := ts.cron.Schedule(sched, cron.FuncJob(wrapTask(pluginName, fn)))
	ts.track(id, pluginName, TaskFixedRate, func() { ts.cron.Remove(entryID) })
	return id
}

// ScheduleWithFixedDelay submits a task that waits `delay` between the end
// of one run and the start of the next, after an initial `initialDelay`.
func (ts *TaskScheduler) ScheduleWithFixedDelay(pluginName string, initialDelay, delay time.Duration, fn func()) int64 {
	id := ts.nextTaskID()
	stop := make(chan struct{})
	wrapped := wrapTask(pluginName, fn)
	ts.track(id, pluginName, TaskFixedDelay, func() { close(stop) })

	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-timer.C:
				wrapped()
				select {
				case <-stop:
					return
				default:
				}
				timer.Reset(delay)
			}
		}
	}()
	return id
}

// RunAsync submits a task for immediate background execution on the bounded
// async pool.
func (ts *TaskScheduler) RunAsync(pluginName string, fn func()) int64 {
	id := ts.nextTaskID()
	wrapped := wrapTask(pluginName, fn)
	var cancelled int32
	ts.track(id, pluginName, TaskAsync, func() { atomic.StoreInt32(&cancelled, 1) })

	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		ts.asyncSem <- struct{}{}
		defer func() { <-ts.asyncSem }()
		if atomic.LoadInt32(&cancelled) == 1 {
			return
		}
		wrapped()
		ts.complete(id)
	}()
	return id
}

// Cancel cancels a task if it has not yet completed. Idempotent: cancelling
// an already-completed or already-cancelled id returns false.
func (ts *TaskScheduler) Cancel(id int64) bool {
	ts.mu.Lock()
	rec, ok := ts.tasks[id]
	if ok {
		delete(ts.tasks, id)
	}
	ts.mu.Unlock()
	if !ok {
		return false
	}
	rec.cancel()
	return true
}

// CancelAll cancels every task owned by pluginName, or every tracked task if
// pluginName is empty. Returns the number cancelled.
func (ts *TaskScheduler) CancelAll(pluginName string) int {
	ts.mu.Lock()
	var toCancel []*taskRecord
	for id, rec := range ts.tasks {
		if pluginName == "" || rec.plugin == pluginName {
			toCancel = append(toCancel, rec)
			delete(ts.tasks, id)
		}
	}
	ts.mu.Unlock()

	for _, rec := range toCancel {
		rec.cancel()
	}
	return len(toCancel)
}

// ActiveTaskIDs returns the ids of every task currently tracked for
// pluginName; the hot-reload orchestrator uses this to snapshot a plugin's
// scheduled work before tearing it down.
func (ts *TaskScheduler) ActiveTaskIDs(pluginName string) []int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var ids []int64
	for id, rec := range ts.tasks {
		if rec.plugin == pluginName {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats reports the active task count plus lifetime totals.
func (ts *TaskScheduler) Stats() SchedulerStats {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return SchedulerStats{Active: len(ts.tasks), Completed: ts.completed, TotalSubmitted: ts.submitted}
}

// Shutdown cancels every task, then gives both pools `grace` to drain
// before returning regardless.
func (ts *TaskScheduler) Shutdown(grace time.Duration) {
	ts.CancelAll("")
	cronCtx := ts.cron.Stop()

	wgDone := make(chan struct{})
	go func() {
		ts.wg.Wait()
		close(wgDone)
	}()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	cronDoneCh := cronCtx.Done()
	wgDoneCh := (<-chan struct{})(wgDone)

	for cronDoneCh != nil || wgDoneCh != nil {
		select {
		case <-cronDoneCh:
			cronDoneCh = nil
		case <-wgDoneCh:
			wgDoneCh = nil
		case <-deadline.C:
			return
		}
	}
}

// PluginScheduler is the per-plugin facing handle over the shared
// TaskScheduler, scoping every call to the owning plugin's name so unload
// and hot-reload can cancel or snapshot exactly its own tasks.
type PluginScheduler struct {
	ts     *TaskScheduler
	plugin string
}

// NewPluginScheduler creates a scheduler handle for one plugin.
func NewPluginScheduler(ts *TaskScheduler, pluginName string) *PluginScheduler {
	return &PluginScheduler{ts: ts, plugin: pluginName}
}

func (ps *PluginScheduler) Schedule(delay time.Duration, fn func()) int64 {
	return ps.ts.Schedule(ps.plugin, delay, fn)
}

func (ps *PluginScheduler) ScheduleRepeating(initialDelay, period time.Duration, fn func()) int64 {
	return ps.ts.ScheduleRepeating(ps.plugin, initialDelay, period, fn)
}

func (ps *PluginScheduler) ScheduleWithFixedDelay(initialDelay, delay time.Duration, fn func()) int64 {
	return ps.ts.ScheduleWithFixedDelay(ps.plugin, initialDelay, delay, fn)
}

func (ps *PluginScheduler) RunAsync(fn func()) int64 {
	return ps.ts.RunAsync(ps.plugin, fn)
}

func (ps *PluginScheduler) Cancel(id int64) bool {
	return ps.ts.Cancel(id)
}

// CancelAll cancels every task owned by this plugin and returns how many.
func (ps *PluginScheduler) CancelAll() int {
	return ps.ts.CancelAll(ps.plugin)
}

// ActiveTaskIDs returns this plugin's currently tracked task ids.
func (ps *PluginScheduler) ActiveTaskIDs() []int64 {
	return ps.ts.ActiveTaskIDs(ps.plugin)
}
