package plugins

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// fileIdentity is the lightweight change-detection key for a watched bundle:
// its size and modification time. Any inequality against the last recorded
// identity counts as a change.
type fileIdentity struct {
	size    int64
	modTime int64 // UnixNano, for a precise equality check
}

func statIdentity(path string) (fileIdentity, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileIdentity{}, false
	}
	return fileIdentity{size: info.Size(), modTime: info.ModTime().UnixNano()}, true
}

// WatcherCallback is invoked once a watched file's identity has settled.
type WatcherCallback func(path string)

// Watcher monitors a directory for bundle creation, modification, and
// deletion, gating every change behind a two-stage stability check before
// reporting it: filesystem events from editors and copy tools arrive as a
// burst of small writes, and firing a reload on the first of them would load
// a half-written bundle.
type Watcher struct {
	dir          string
	ext          string
	stabilityWait time.Duration
	settleWait    time.Duration
	rescanEvery   time.Duration
	onChange      WatcherCallback
	onRemove      WatcherCallback

	fsw *fsnotify.Watcher

	mu         sync.Mutex
	identities map[string]fileIdentity
	pending    map[string]*time.Timer

	ctx    chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// WatcherConfig controls a Watcher's timing and file eligibility.
type WatcherConfig struct {
	Dir             string
	Extension       string
	StabilityWait   time.Duration
	SettleWait      time.Duration
	RescanInterval  time.Duration
}

// NewWatcher creates a watcher over dir, not yet started.
func NewWatcher(cfg WatcherConfig, onChange, onRemove WatcherCallback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, err
	}

	stability := cfg.StabilityWait
	if stability <= 0 {
		stability = 500 * time.Millisecond
	}
	settle := cfg.SettleWait
	if settle <= 0 {
		settle = 200 * time.Millisecond
	}
	rescan := cfg.RescanInterval
	if rescan <= 0 {
		rescan = 30 * time.Second
	}

	return &Watcher{
		dir:           cfg.Dir,
		ext:           cfg.Extension,
		stabilityWait: stability,
		settleWait:    settle,
		rescanEvery:   rescan,
		onChange:      onChange,
		onRemove:      onRemove,
		fsw:           fsw,
		identities:    make(map[string]fileIdentity),
		pending:       make(map[string]*time.Timer),
		ctx:           make(chan struct{}),
	}, nil
}

// Start launches the event loop and the periodic rescan loop.
func (w *Watcher) Start() {
	w.wg.Add(2)
	go w.eventLoop()
	go w.rescanLoop()
}

// Stop terminates both loops and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.ctx)
		_ = w.fsw.Close()
	})
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) eligible(path string) bool {
	if w.ext == "" {
		return true
	}
	return filepath.Ext(path) == w.ext
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.eligible(event.Name) {
				continue
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
				w.handleRemoval(event.Name)
				continue
			}
			w.scheduleStabilityCheck(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Component("watcher").Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// handleRemoval clears a file's stored identity immediately, without
// debouncing, and cancels any in-flight stability check for it.
func (w *Watcher) handleRemoval(path string) {
	w.mu.Lock()
	_, existed := w.identities[path]
	delete(w.identities, path)
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if existed && w.onRemove != nil {
		w.onRemove(path)
	}
}

// scheduleStabilityCheck atomically cancels any pending check for path and
// schedules a new one after stabilityWait — step 1 of the protocol.
func (w *Watcher) scheduleStabilityCheck(path string) {
	w.mu.Lock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.stabilityWait, func() { w.firstCheck(path) })
	w.mu.Unlock()
}

// firstCheck is step 2: if the current identity matches what's stored,
// nothing changed and we drop it. Otherwise take a snapshot and schedule the
// settle re-check.
func (w *Watcher) firstCheck(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	current, ok := statIdentity(path)
	if !ok {
		w.handleRemoval(path)
		return
	}

	w.mu.Lock()
	stored, hadStored := w.identities[path]
	w.mu.Unlock()

	if hadStored && stored == current {
		return
	}

	w.mu.Lock()
	w.pending[path] = time.AfterFunc(w.settleWait, func() { w.settleCheck(path, current) })
	w.mu.Unlock()
}

// settleCheck is step 3: re-read the same fields. If they differ, the file
// is still being written — loop back to step 1. If they match, commit the
// new identity and fire the change callback.
func (w *Watcher) settleCheck(path string, snapshot fileIdentity) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	current, ok := statIdentity(path)
	if !ok {
		w.handleRemoval(path)
		return
	}

	if current != snapshot {
		w.scheduleStabilityCheck(path)
		return
	}

	w.mu.Lock()
	w.identities[path] = current
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path)
	}
}

// rescanLoop independently re-scans the watched directory every
// rescanEvery, catching renames or kernel-buffer overflows the event channel
// missed: it drops entries for files that no longer exist and fires the
// change callback for any drift between the stored and current identity.
func (w *Watcher) rescanLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx:
			return
		case <-ticker.C:
			w.rescan()
		}
	}
}

func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Component("watcher").Warn().Err(err).Msg("rescan failed to read directory")
		return
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if !w.eligible(path) {
			continue
		}
		seen[path] = true

		current, ok := statIdentity(path)
		if !ok {
			continue
		}

		w.mu.Lock()
		stored, hadStored := w.identities[path]
		w.mu.Unlock()

		if !hadStored || stored != current {
			w.mu.Lock()
			w.identities[path] = current
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(path)
			}
		}
	}

	w.mu.Lock()
	var missing []string
	for path := range w.identities {
		if !seen[path] {
			missing = append(missing, path)
		}
	}
	for _, path := range missing {
		delete(w.identities, path)
	}
	w.mu.Unlock()

	for _, path := range missing {
		if w.onRemove != nil {
			w.onRemove(path)
		}
	}
}
