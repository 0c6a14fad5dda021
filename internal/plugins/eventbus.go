package plugins

import (
	"sort"
	"sync"

	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// Priority is a handler's dispatch priority. Higher values run first.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// Event is a single occurrence dispatched through the bus.
type Event struct {
	Kind      string
	Timestamp int64
	Cancelled bool
	Data      interface{}
}

// EventHandler processes one event.
type EventHandler func(evt *Event) error

// handlerRecord pairs a handler with its registration metadata. Equality
// for unregistration purposes is listener-pointer identity, not a
// field-wise comparison of priority (see DESIGN.md's note on the ambiguity
// this resolves).
type handlerRecord struct {
	listener        interface{}
	handler         EventHandler
	priority        Priority
	ignoreCancelled bool
	seq             int
}

// EventBus dispatches events to handlers registered per event kind, ordered
// by descending priority, via either a bounded worker pool (Fire, async) or
// inline on the caller's goroutine (FireSync).
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]*handlerRecord
	seq      int

	work     chan func()
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewEventBus creates an event bus with a fixed-size worker pool.
func NewEventBus(workers int) *EventBus {
	if workers < 1 {
		workers = 1
	}
	bus := &EventBus{
		handlers: make(map[string][]*handlerRecord),
		work:     make(chan func(), 256),
		shutdown: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		bus.wg.Add(1)
		go bus.worker()
	}
	return bus
}

func (bus *EventBus) worker() {
	defer bus.wg.Done()
	for {
		select {
		case fn, ok := <-bus.work:
			if !ok {
				return
			}
			bus.runSafely(fn)
		case <-bus.shutdown:
			for fn := range bus.work {
				bus.runSafely(fn)
			}
			return
		}
	}
}

func (bus *EventBus) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Component("eventbus").Error().
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn()
}

// Register files a handler under kind, keeping the per-kind slice sorted by
// descending priority (ties broken by registration order).
func (bus *EventBus) Register(kind string, listener interface{}, priority Priority, ignoreCancelled bool, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.seq++
	rec := &handlerRecord{
		listener:        listener,
		handler:         handler,
		priority:        priority,
		ignoreCancelled: ignoreCancelled,
		seq:             bus.seq,
	}
	list := append(bus.handlers[kind], rec)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	bus.handlers[kind] = list
}

// Unregister removes every handler record belonging to listener, across all
// event kinds.
func (bus *EventBus) Unregister(listener interface{}) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for kind, list := range bus.handlers {
		filtered := list[:0:0]
		for _, rec := range list {
			if rec.listener != listener {
				filtered = append(filtered, rec)
			}
		}
		bus.handlers[kind] = filtered
	}
}

func (bus *EventBus) snapshot(kind string) []*handlerRecord {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	src := bus.handlers[kind]
	out := make([]*handlerRecord, len(src))
	copy(out, src)
	return out
}

// Fire submits each eligible handler to the worker pool, in priority order,
// without waiting for completion. Errors are logged, never propagated.
func (bus *EventBus) Fire(evt *Event) {
	for _, rec := range bus.snapshot(evt.Kind) {
		if evt.Cancelled && rec.ignoreCancelled {
			continue
		}
		rec := rec
		bus.work <- func() {
			if err := rec.handler(evt); err != nil {
				logger.Component("eventbus").Error().
					Str("kind", evt.Kind).
					Err(err).
					Msg("event handler returned error")
			}
		}
	}
}

// FireSync dispatches in priority order on the caller's goroutine, catching
// panics and logging errors per handler without stopping the remaining ones.
func (bus *EventBus) FireSync(evt *Event) []error {
	var errs []error
	for _, rec := range bus.snapshot(evt.Kind) {
		if evt.Cancelled && rec.ignoreCancelled {
			continue
		}
		if err := bus.invokeSync(rec, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (bus *EventBus) invokeSync(rec *handlerRecord, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Component("eventbus").Error().
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	if e := rec.handler(evt); e != nil {
		logger.Component("eventbus").Error().
			Str("kind", evt.Kind).
			Err(e).
			Msg("event handler returned error")
		err = e
	}
	return err
}

// Shutdown drains and terminates the worker pool. Safe to call once.
func (bus *EventBus) Shutdown() {
	bus.once.Do(func() {
		close(bus.shutdown)
		close(bus.work)
		bus.wg.Wait()
	})
}

// PluginEvents is the namespaced event API handed to a single plugin via
// its context: On/Off register against the shared bus using the plugin
// instance as the listener identity, and Emit publishes custom events
// prefixed so they cannot collide with another plugin's events.
type PluginEvents struct {
	bus    *EventBus
	plugin PluginHandler
	name   string
}

// NewPluginEvents creates the event API for one plugin.
func NewPluginEvents(bus *EventBus, plugin PluginHandler, name string) *PluginEvents {
	return &PluginEvents{bus: bus, plugin: plugin, name: name}
}

// On registers a handler for kind at the given priority.
func (pe *PluginEvents) On(kind string, priority Priority, ignoreCancelled bool, handler EventHandler) {
	pe.bus.Register(kind, pe.plugin, priority, ignoreCancelled, handler)
}

// Off removes every handler this plugin registered, across all kinds.
func (pe *PluginEvents) Off() {
	pe.bus.Unregister(pe.plugin)
}

// Emit publishes a custom event namespaced under this plugin.
func (pe *PluginEvents) Emit(kind string, data interface{}) {
	pe.bus.Fire(&Event{Kind: "plugin." + pe.name + "." + kind, Data: data})
}
