package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// ReloadPhase names one step of the hot-reload protocol, in the order they
// execute. A failure during phases 3-7 drives the orchestrator into
// PhaseRollingBack instead of advancing further.
type ReloadPhase int

const (
	PhaseValidating ReloadPhase = iota
	PhaseCapturingState
	PhaseGracefulShutdown
	PhaseDisabling
	PhaseLoadingNewVersion
	PhaseRestoringState
	PhaseEnabling
	PhaseCompleted
	PhaseRollingBack
)

func (p ReloadPhase) String() string {
	switch p {
	case PhaseValidating:
		return "VALIDATING"
	case PhaseCapturingState:
		return "CAPTURING_STATE"
	case PhaseGracefulShutdown:
		return "GRACEFUL_SHUTDOWN"
	case PhaseDisabling:
		return "DISABLING"
	case PhaseLoadingNewVersion:
		return "LOADING_NEW_VERSION"
	case PhaseRestoringState:
		return "RESTORING_STATE"
	case PhaseEnabling:
		return "ENABLING"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseRollingBack:
		return "ROLLING_BACK"
	default:
		return "UNKNOWN"
	}
}

// ReloadOptions controls one hot-reload attempt.
type ReloadOptions struct {
	// Force skips a plugin's CanHotReload veto and proceeds regardless.
	Force bool
	// PreserveState requests the CAPTURING_STATE/RESTORING_STATE phases.
	PreserveState bool
	// ShutdownTimeout bounds the GRACEFUL_SHUTDOWN phase's PrepareForReload call.
	ShutdownTimeout time.Duration
	// AutoReload marks this as a watcher-triggered reload. Like any reload, a
	// trigger that arrives while the same plugin is already reloading is
	// rejected rather than queued; for an auto reload this is logged at debug.
	AutoReload bool
}

// DefaultReloadOptions mirrors a manually-triggered reload: state preserved,
// a generous shutdown budget, not subject to auto-reload debouncing.
func DefaultReloadOptions() ReloadOptions {
	return ReloadOptions{PreserveState: true, ShutdownTimeout: 10 * time.Second}
}

// AutoReloadOptions mirrors what the file watcher submits: a shorter
// shutdown budget, per spec.md's distinction between manual and
// watcher-triggered reloads.
func AutoReloadOptions() ReloadOptions {
	return ReloadOptions{PreserveState: true, ShutdownTimeout: 5 * time.Second, AutoReload: true}
}

// ReloadResult reports the outcome of one hot-reload attempt, including the
// phase reached and how long the whole attempt took.
type ReloadResult struct {
	ReloadID       string
	Plugin         string
	Success        bool
	FailedPhase    ReloadPhase
	StatePreserved bool
	Duration       time.Duration
	Err            error
}

// stateSnapshot is what CAPTURING_STATE persists to <stateDir>/<name>.state
// and RESTORING_STATE reads back. Version is recorded so a restore can
// refuse to hand data from an incompatible build to the new code.
type stateSnapshot struct {
	Plugin     string                 `yaml:"plugin"`
	Version    string                 `yaml:"version"`
	CapturedAt time.Time              `yaml:"captured_at"`
	Config     map[string]string      `yaml:"config"`
	Custom     map[string]interface{} `yaml:"custom,omitempty"`
	TaskIDs    []int64                `yaml:"task_ids,omitempty"`
}

// HotReloadOrchestrator drives a plugin through the reload protocol: capture
// state, gracefully stop the old code, swap in the new bundle, restore state,
// re-enable. At most one reload runs per plugin name at a time; concurrent
// reloads of distinct plugins proceed independently.
type HotReloadOrchestrator struct {
	manager *Manager
	loader  *Loader
	stateDir string

	mu      sync.Mutex
	inFlight map[string]bool
}

// NewHotReloadOrchestrator creates an orchestrator over manager, persisting
// state snapshots under stateDir.
func NewHotReloadOrchestrator(manager *Manager, loader *Loader, stateDir string) (*HotReloadOrchestrator, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create hot-reload state dir: %w", err)
	}
	return &HotReloadOrchestrator{
		manager:  manager,
		loader:   loader,
		stateDir: stateDir,
		inFlight: make(map[string]bool),
	}, nil
}

func (o *HotReloadOrchestrator) snapshotPath(name string) string {
	return filepath.Join(o.stateDir, name+".state")
}

// Reload runs the full protocol for one plugin. If a reload for the same
// name is already in flight, the call returns at once with a failed result
// carrying an error, without queuing; an auto-reload trigger rejected this
// way is also logged at debug level (the watcher's stability gate will fire
// again if the bundle keeps changing).
func (o *HotReloadOrchestrator) Reload(name string, opts ReloadOptions) ReloadResult {
	reloadID := uuid.NewString()

	if !o.claim(name) {
		if opts.AutoReload {
			logger.Component("hotreload").Debug().Str("plugin", name).Msg("reload already in flight, dropping auto-reload trigger")
		}
		return ReloadResult{ReloadID: reloadID, Plugin: name, Success: false, FailedPhase: PhaseValidating, Err: fmt.Errorf("reload already in flight for %s", name)}
	}
	defer o.release(name)

	start := time.Now()
	res := o.run(name, opts)
	res.ReloadID = reloadID
	res.Duration = time.Since(start)

	logger.Component("hotreload").Info().
		Str("reload_id", reloadID).
		Str("plugin", name).
		Bool("success", res.Success).
		Str("phase", res.FailedPhase.String()).
		Dur("duration", res.Duration).
		Msg("hot reload finished")
	return res
}

func (o *HotReloadOrchestrator) claim(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[name] {
		return false
	}
	o.inFlight[name] = true
	return true
}

func (o *HotReloadOrchestrator) release(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, name)
}

func (o *HotReloadOrchestrator) run(name string, opts ReloadOptions) ReloadResult {
	// Phase 1: VALIDATING
	instance, ok := o.manager.registry.Get(name)
	if !ok {
		return ReloadResult{Plugin: name, FailedPhase: PhaseValidating, Err: &herrors.NotFound{Name: name}}
	}
	if o.manager.registry.GetState(name) != StateEnabled {
		return ReloadResult{Plugin: name, FailedPhase: PhaseValidating, Err: fmt.Errorf("plugin %s is not ENABLED", name)}
	}
	if hr, isHR := instance.(HotReloadable); isHR && !opts.Force {
		if !hr.CanHotReload() {
			return ReloadResult{Plugin: name, FailedPhase: PhaseValidating, Err: fmt.Errorf("plugin %s declined hot reload", name)}
		}
	}

	o.manager.mu.Lock()
	bundlePath, hasBundle := o.manager.bundlePaths[name]
	meta := o.manager.metaCache[name]
	o.manager.mu.Unlock()
	if !hasBundle {
		return ReloadResult{Plugin: name, FailedPhase: PhaseValidating, Err: &herrors.NotFound{Name: name}}
	}

	var oldBundleBackup string
	if info, err := os.Stat(bundlePath); err == nil && !info.IsDir() {
		backup := bundlePath + ".reload-backup"
		if err := copyFile(bundlePath, backup, 0o644); err == nil {
			oldBundleBackup = backup
		}
	}
	// The backup is removed only once run returns, so a rollback below can
	// still copy it back over the bundle.
	defer func() {
		if oldBundleBackup != "" {
			_ = os.Remove(oldBundleBackup)
		}
	}()

	// Phase 2: CAPTURING_STATE
	var snap *stateSnapshot
	if opts.PreserveState {
		snap = o.captureState(name, instance, meta)
	}

	// Phase 3: GRACEFUL_SHUTDOWN
	if hr, isHR := instance.(HotReloadable); isHR {
		timeout := opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if err := o.prepareWithTimeout(hr, timeout); err != nil {
			if !opts.Force {
				return o.rollback(name, PhaseGracefulShutdown, err, oldBundleBackup, bundlePath)
			}
			logger.Component("hotreload").Warn().Str("plugin", name).Err(err).Msg("graceful shutdown timed out, forcing ahead")
		}
	}

	// Phase 4: DISABLING
	if err := o.manager.Disable(name); err != nil {
		return o.rollback(name, PhaseDisabling, err, oldBundleBackup, bundlePath)
	}
	if err := o.manager.Unload(name); err != nil {
		return o.rollback(name, PhaseDisabling, err, oldBundleBackup, bundlePath)
	}

	// Phase 5: LOADING_NEW_VERSION
	if _, err := os.Stat(bundlePath); err != nil {
		return o.rollback(name, PhaseLoadingNewVersion, fmt.Errorf("bundle no longer present: %w", err), oldBundleBackup, bundlePath)
	}
	o.loader.Cleanup(name)
	newMeta, err := o.loader.LoadMetadata(bundlePath)
	if err != nil {
		return o.rollback(name, PhaseLoadingNewVersion, err, oldBundleBackup, bundlePath)
	}
	o.manager.mu.Lock()
	o.manager.metaCache[name] = newMeta
	o.manager.mu.Unlock()
	if ok := o.manager.loadSinglePlugin(name, bundlePath, newMeta); !ok {
		return o.rollback(name, PhaseLoadingNewVersion, fmt.Errorf("failed to load new version of %s", name), oldBundleBackup, bundlePath)
	}

	// Phase 6: RESTORING_STATE
	preserved := false
	if snap != nil {
		if compatibleVersions(snap.Version, newMeta.Version) {
			if err := o.restoreState(name, snap); err != nil {
				logger.Component("hotreload").Warn().Str("plugin", name).Err(err).Msg("state restore failed, continuing without it")
			} else {
				preserved = true
			}
		} else {
			logger.Component("hotreload").Warn().
				Str("plugin", name).
				Str("snapshot_version", snap.Version).
				Str("new_version", newMeta.Version).
				Msg("snapshot version incompatible with new build, skipping restore")
		}
	}

	// Phase 7: ENABLING
	if err := o.manager.Enable(name); err != nil {
		return o.rollback(name, PhaseEnabling, err, oldBundleBackup, bundlePath)
	}

	_ = os.Remove(o.snapshotPath(name))

	// Phase 8: COMPLETED
	return ReloadResult{Plugin: name, Success: true, FailedPhase: PhaseCompleted, StatePreserved: preserved}
}

func (o *HotReloadOrchestrator) prepareWithTimeout(hr HotReloadable, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- hr.PrepareForReload(timeout)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("prepareForReload exceeded %s", timeout)
	}
}

// captureState gathers config, optional custom plugin data, and active task
// ids, and persists the snapshot atomically (write-temp-then-rename). A
// capture failure is logged and simply skipped, per RESTORING_STATE's
// best-effort contract.
func (o *HotReloadOrchestrator) captureState(name string, instance PluginHandler, meta Metadata) *stateSnapshot {
	ctx := o.manager.contextFor(name)
	if ctx == nil {
		return nil
	}

	cfgValues := make(map[string]string)
	for _, k := range ctx.Config.Keys() {
		cfgValues[k] = ctx.Config.GetString(k, "")
	}

	snap := &stateSnapshot{
		Plugin:     name,
		Version:    meta.Version,
		CapturedAt: time.Now().UTC(),
		Config:     cfgValues,
		TaskIDs:    ctx.Scheduler.ActiveTaskIDs(),
	}

	if sp, ok := instance.(Stateful); ok {
		custom, err := sp.ExportState()
		if err != nil {
			logger.Component("hotreload").Warn().Str("plugin", name).Err(err).Msg("ExportState failed, snapshot will carry config only")
		} else {
			snap.Custom = custom
		}
	}

	if err := o.persistSnapshot(name, snap); err != nil {
		logger.Component("hotreload").Warn().Str("plugin", name).Err(err).Msg("failed to persist state snapshot")
		return snap
	}
	return snap
}

func (o *HotReloadOrchestrator) persistSnapshot(name string, snap *stateSnapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	path := o.snapshotPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// restoreState pushes a captured snapshot's config back, hands custom data
// to a stateful plugin, and restores its scheduled task ids.
func (o *HotReloadOrchestrator) restoreState(name string, snap *stateSnapshot) error {
	ctx := o.manager.contextFor(name)
	if ctx == nil {
		return fmt.Errorf("no context for %s after reload", name)
	}

	for k, v := range snap.Config {
		ctx.Config.Set(k, v)
	}
	if err := ctx.Config.Save(); err != nil {
		return fmt.Errorf("save restored config: %w", err)
	}

	instance, ok := o.manager.registry.Get(name)
	if !ok {
		return fmt.Errorf("plugin %s vanished before state restore", name)
	}
	if sp, isStateful := instance.(Stateful); isStateful && snap.Custom != nil {
		if err := sp.ImportState(snap.Custom); err != nil {
			return fmt.Errorf("ImportState: %w", err)
		}
	}
	if tr, isRestorable := instance.(TaskRestorable); isRestorable && len(snap.TaskIDs) > 0 {
		tr.RestoreTasks(snap.TaskIDs)
	}
	return nil
}

// rollback records a failed reload and makes a best-effort attempt to put
// the old bundle file back, so the next load attempt (manual or via a
// restart) sees the version that was running before this attempt.
func (o *HotReloadOrchestrator) rollback(name string, failedAt ReloadPhase, cause error, backupPath, bundlePath string) ReloadResult {
	if backupPath != "" {
		if err := copyFile(backupPath, bundlePath, 0o644); err != nil {
			logger.Component("hotreload").Error().
				Str("plugin", name).
				Err(err).
				Msg("rollback failed to restore bundle file from backup")
		}
	}
	return ReloadResult{
		Plugin:      name,
		Success:     false,
		FailedPhase: PhaseRollingBack,
		Err:         &herrors.OperationFailed{Op: herrors.OpReload, Name: name, Cause: fmt.Errorf("failed at %s: %w", failedAt, cause)},
	}
}

// compatibleVersions reports whether a snapshot taken at oldVersion may be
// restored into a plugin now running newVersion: exact match, or the same
// major with the new minor at least as high as the old minor.
func compatibleVersions(oldVersion, newVersion string) bool {
	if oldVersion == newVersion {
		return true
	}
	oldMajor, oldMinor, ok1 := majorMinor(oldVersion)
	newMajor, newMinor, ok2 := majorMinor(newVersion)
	if !ok1 || !ok2 {
		return false
	}
	return oldMajor == newMajor && newMinor >= oldMinor
}

func majorMinor(v string) (major, minor int, ok bool) {
	parts := strings.Split(v, ".")
	if len(parts) == 0 || parts[0] == "" {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) > 1 {
		minor, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, false
		}
	}
	return major, minor, true
}
