package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// Manager composes the registry, resolver, loader, extension manager, event
// bus, and task scheduler into the single entry point the host uses to bring
// plugins up and down. It also holds the metadata cache (name -> Metadata)
// and remembers each plugin's bundle path so reload can re-stage it.
type Manager struct {
	mu sync.Mutex

	registry   *Registry
	resolver   *Resolver
	loader     *Loader
	extensions *ExtensionManager
	bus        *EventBus
	scheduler  *TaskScheduler

	dataDir     string
	bundleExt   string
	metaCache   map[string]Metadata
	bundlePaths map[string]string
	contexts    map[string]*PluginContext
}

// NewManager wires the components into a manager. dataDir is the root under
// which each plugin's config.properties lives.
func NewManager(registry *Registry, resolver *Resolver, loader *Loader, extensions *ExtensionManager, bus *EventBus, scheduler *TaskScheduler, dataDir, bundleExt string) *Manager {
	return &Manager{
		registry:    registry,
		resolver:    resolver,
		loader:      loader,
		extensions:  extensions,
		bus:         bus,
		scheduler:   scheduler,
		dataDir:     dataDir,
		bundleExt:   bundleExt,
		metaCache:   make(map[string]Metadata),
		bundlePaths: make(map[string]string),
		contexts:    make(map[string]*PluginContext),
	}
}

// LoadAll scans pluginDir for bundles, resolves a dependency-safe load
// order, and loads each one in turn. A single plugin's failure is logged and
// skipped rather than aborting the rest of the batch.
func (m *Manager) LoadAll(pluginDir string) error {
	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return fmt.Errorf("scan plugin directory: %w", err)
	}

	discovered := make(map[string]Metadata)
	paths := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != m.bundleExt {
			continue
		}
		bundlePath := filepath.Join(pluginDir, e.Name())
		meta, err := m.loader.LoadMetadata(bundlePath)
		if err != nil {
			fallbackName := strings.TrimSuffix(e.Name(), m.bundleExt)
			logger.Component("manager").Warn().
				Str("bundle", bundlePath).
				Err(err).
				Msg("unreadable metadata, falling back to bundle filename")
			meta = Metadata{Name: fallbackName, Version: "0.0.0", Main: "NewPlugin", Source: bundlePath}
		}
		discovered[meta.Name] = meta
		paths[meta.Name] = bundlePath
	}

	order, err := m.resolver.Resolve(discovered)
	if err != nil {
		return err
	}

	for _, name := range order {
		meta := discovered[name]
		bundlePath := paths[name]
		m.mu.Lock()
		m.metaCache[name] = meta
		m.bundlePaths[name] = bundlePath
		m.mu.Unlock()

		if ok := m.loadSinglePlugin(name, bundlePath, meta); !ok {
			logger.Component("manager").Warn().Str("plugin", name).Msg("plugin failed to load, continuing batch")
		}
	}
	return nil
}

// LoadBuiltins registers every plugin compiled directly into the host
// binary (typically added via init()-time RegisterBuiltinPlugin calls)
// through the same onLoad/register path as a bundle-discovered plugin, minus
// the staging step since there is no bundle to copy.
func (m *Manager) LoadBuiltins() {
	for _, name := range ListBuiltinPlugins() {
		instance, ok := GetBuiltinPlugin(name)
		if !ok {
			continue
		}
		meta := Metadata{Name: name, Version: "builtin", Main: name}

		cfg, err := NewPluginConfig(m.dataDir, name, nil)
		if err != nil {
			logger.Component("manager").Error().Str("plugin", name).Err(err).Msg("builtin config store init failed")
			continue
		}
		ctx := &PluginContext{
			PluginName: name,
			Metadata:   meta,
			Events:     NewPluginEvents(m.bus, instance, name),
			Scheduler:  NewPluginScheduler(m.scheduler, name),
			Config:     cfg,
			Logger:     NewPluginLogger(name),
		}
		if err := instance.OnLoad(ctx); err != nil {
			logger.Component("manager").Error().Str("plugin", name).Err(err).Msg("builtin onLoad failed")
			continue
		}
		if err := m.registry.Register(name, instance); err != nil {
			logger.Component("manager").Error().Str("plugin", name).Err(err).Msg("builtin register failed")
			continue
		}
		m.mu.Lock()
		m.metaCache[name] = meta
		m.contexts[name] = ctx
		m.mu.Unlock()
	}
}

// loadSinglePlugin stages and instantiates one plugin, runs its onLoad hook,
// and registers it. Returns false on any failure; no partial state is left
// in the registry.
func (m *Manager) loadSinglePlugin(name, bundlePath string, meta Metadata) bool {
	instance, err := m.loader.LoadPlugin(bundlePath, meta)
	if err != nil {
		logger.Component("manager").Error().Str("plugin", name).Err(err).Msg("load failed")
		return false
	}

	cfg, err := NewPluginConfig(m.dataDir, name, nil)
	if err != nil {
		logger.Component("manager").Error().Str("plugin", name).Err(err).Msg("config store init failed")
		m.loader.Cleanup(name)
		return false
	}

	ctx := &PluginContext{
		PluginName: name,
		Metadata:   meta,
		Events:     NewPluginEvents(m.bus, instance, name),
		Scheduler:  NewPluginScheduler(m.scheduler, name),
		Config:     cfg,
		Logger:     NewPluginLogger(name),
	}

	if err := instance.OnLoad(ctx); err != nil {
		logger.Component("manager").Error().Str("plugin", name).Err(err).Msg("onLoad failed")
		m.loader.Cleanup(name)
		return false
	}

	if err := m.registry.Register(name, instance); err != nil {
		logger.Component("manager").Error().Str("plugin", name).Err(err).Msg("register failed")
		m.loader.Cleanup(name)
		return false
	}

	m.mu.Lock()
	m.contexts[name] = ctx
	m.mu.Unlock()
	return true
}

// Enable transitions a loaded or disabled plugin to ENABLED, running its
// onEnable hook. Already-enabled is a no-op. Any failure forces state ERROR
// and is surfaced as an OperationFailed.
func (m *Manager) Enable(name string) error {
	instance, ok := m.registry.Get(name)
	if !ok {
		return &herrors.NotFound{Name: name}
	}
	if m.registry.GetState(name) == StateEnabled {
		return nil
	}

	ctx := m.contextFor(name)
	if err := instance.OnEnable(ctx); err != nil {
		m.registry.ForceState(name, StateError)
		m.bus.Unregister(instance)
		return &herrors.OperationFailed{Op: herrors.OpEnable, Name: name, Cause: err}
	}
	if err := m.registry.SetState(name, StateEnabled); err != nil {
		return &herrors.OperationFailed{Op: herrors.OpEnable, Name: name, Cause: err}
	}
	return nil
}

// Disable transitions an enabled plugin to DISABLED: unregisters its event
// handlers, runs onDisable, and drops its extensions.
func (m *Manager) Disable(name string) error {
	instance, ok := m.registry.Get(name)
	if !ok {
		return &herrors.NotFound{Name: name}
	}
	if m.registry.GetState(name) != StateEnabled {
		return nil
	}

	ctx := m.contextFor(name)
	m.bus.Unregister(instance)
	if err := instance.OnDisable(ctx); err != nil {
		m.registry.ForceState(name, StateError)
		return &herrors.OperationFailed{Op: herrors.OpDisable, Name: name, Cause: err}
	}
	m.extensions.UnregisterPlugin(name)
	if err := m.registry.SetState(name, StateDisabled); err != nil {
		return &herrors.OperationFailed{Op: herrors.OpDisable, Name: name, Cause: err}
	}
	return nil
}

// Reload disables (if enabled), unloads, and re-loads a plugin from the same
// bundle path, restoring its prior enabled state afterward.
func (m *Manager) Reload(name string) error {
	wasEnabled := m.registry.GetState(name) == StateEnabled

	if wasEnabled {
		if err := m.Disable(name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	bundlePath, hasBundle := m.bundlePaths[name]
	m.mu.Unlock()
	if !hasBundle {
		return &herrors.NotFound{Name: name}
	}

	if err := m.Unload(name); err != nil {
		return err
	}

	meta, err := m.loader.LoadMetadata(bundlePath)
	if err != nil {
		return &herrors.OperationFailed{Op: herrors.OpReload, Name: name, Cause: err}
	}

	m.mu.Lock()
	m.metaCache[name] = meta
	m.mu.Unlock()

	if ok := m.loadSinglePlugin(name, bundlePath, meta); !ok {
		return &herrors.OperationFailed{Op: herrors.OpReload, Name: name, Cause: fmt.Errorf("reload failed to re-load plugin")}
	}

	if wasEnabled {
		return m.Enable(name)
	}
	return nil
}

// Unload runs onUnload (best-effort disabling first), tears down staging,
// and removes the plugin from the registry and metadata cache.
func (m *Manager) Unload(name string) error {
	if m.registry.GetState(name) == StateEnabled {
		if err := m.Disable(name); err != nil {
			logger.Component("manager").Warn().Str("plugin", name).Err(err).Msg("best-effort disable before unload failed")
		}
	}

	instance, ok := m.registry.Get(name)
	if ok {
		ctx := m.contextFor(name)
		if err := instance.OnUnload(ctx); err != nil {
			logger.Component("manager").Warn().Str("plugin", name).Err(err).Msg("onUnload failed")
		}
	}

	m.loader.Cleanup(name)
	m.registry.Unregister(name)

	m.mu.Lock()
	delete(m.metaCache, name)
	delete(m.contexts, name)
	m.mu.Unlock()
	return nil
}

// Shutdown disables and unloads every plugin in reverse dependency order,
// then tears down every shared subsystem.
func (m *Manager) Shutdown(grace time.Duration) {
	order := m.shutdownOrder()
	for _, name := range order {
		if err := m.Disable(name); err != nil {
			logger.Component("manager").Warn().Str("plugin", name).Err(err).Msg("shutdown disable failed")
		}
	}
	for _, name := range order {
		if err := m.Unload(name); err != nil {
			logger.Component("manager").Warn().Str("plugin", name).Err(err).Msg("shutdown unload failed")
		}
	}

	m.extensions.ClearAll()
	m.scheduler.Shutdown(grace)
	m.loader.CleanupAll()
	m.bus.Shutdown()
}

// shutdownOrder resolves the current metadata cache's dependency order and
// reverses it, so dependents are torn down before their dependencies.
func (m *Manager) shutdownOrder() []string {
	m.mu.Lock()
	meta := make(map[string]Metadata, len(m.metaCache))
	for k, v := range m.metaCache {
		meta[k] = v
	}
	m.mu.Unlock()

	order, err := m.resolver.Resolve(meta)
	if err != nil {
		logger.Component("manager").Warn().Err(err).Msg("shutdown order fell back to unordered names")
		names := make([]string, 0, len(meta))
		for name := range meta {
			names = append(names, name)
		}
		sort.Strings(names)
		order = names
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (m *Manager) contextFor(name string) *PluginContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[name]
}

// Metadata returns the cached metadata for a loaded plugin, if any.
func (m *Manager) Metadata(name string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metaCache[name]
	return meta, ok
}
