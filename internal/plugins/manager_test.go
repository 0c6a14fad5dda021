package plugins

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPlugin tracks which lifecycle hooks have fired, for assertions
// that a manager operation actually drove the plugin through them.
type recordingPlugin struct {
	BasePlugin
	loaded, enabled, disabled, unloaded bool
	failEnable                          bool
}

func (p *recordingPlugin) OnLoad(ctx *PluginContext) error {
	p.loaded = true
	return nil
}

func (p *recordingPlugin) OnEnable(ctx *PluginContext) error {
	if p.failEnable {
		return assert.AnError
	}
	p.enabled = true
	return nil
}

func (p *recordingPlugin) OnDisable(ctx *PluginContext) error {
	p.disabled = true
	return nil
}

func (p *recordingPlugin) OnUnload(ctx *PluginContext) error {
	p.unloaded = true
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	registry := NewRegistry()
	resolver := NewResolver()
	extensions := NewExtensionManager()
	bus := NewEventBus(2)
	scheduler := NewTaskScheduler(2)
	loader, err := NewLoader(t.TempDir(), extensions)
	require.NoError(t, err)

	m := NewManager(registry, resolver, loader, extensions, bus, scheduler, t.TempDir(), ".zip")
	t.Cleanup(func() { m.Shutdown(time.Second) })
	return m
}

func TestManagerLoadBuiltinsRunsOnLoadAndRegisters(t *testing.T) {
	p := &recordingPlugin{}
	RegisterBuiltinPlugin("test-builtin-load", p)
	defer delete(builtinPlugins, "test-builtin-load")

	m := newTestManager(t)
	m.LoadBuiltins()

	assert.True(t, p.loaded)
	assert.Equal(t, StateLoaded, m.registry.GetState("test-builtin-load"))
}

func TestManagerEnableDisableLifecycle(t *testing.T) {
	p := &recordingPlugin{}
	RegisterBuiltinPlugin("test-builtin-enable", p)
	defer delete(builtinPlugins, "test-builtin-enable")

	m := newTestManager(t)
	m.LoadBuiltins()

	require.NoError(t, m.Enable("test-builtin-enable"))
	assert.True(t, p.enabled)
	assert.Equal(t, StateEnabled, m.registry.GetState("test-builtin-enable"))

	// Enabling an already-enabled plugin is a no-op, not an error.
	require.NoError(t, m.Enable("test-builtin-enable"))

	require.NoError(t, m.Disable("test-builtin-enable"))
	assert.True(t, p.disabled)
	assert.Equal(t, StateDisabled, m.registry.GetState("test-builtin-enable"))
}

func TestManagerEnableFailureForcesErrorState(t *testing.T) {
	p := &recordingPlugin{failEnable: true}
	RegisterBuiltinPlugin("test-builtin-fail", p)
	defer delete(builtinPlugins, "test-builtin-fail")

	m := newTestManager(t)
	m.LoadBuiltins()

	err := m.Enable("test-builtin-fail")
	require.Error(t, err)
	assert.Equal(t, StateError, m.registry.GetState("test-builtin-fail"))
}

func TestManagerUnloadRunsOnUnloadAndRemovesFromRegistry(t *testing.T) {
	p := &recordingPlugin{}
	RegisterBuiltinPlugin("test-builtin-unload", p)
	defer delete(builtinPlugins, "test-builtin-unload")

	m := newTestManager(t)
	m.LoadBuiltins()
	require.NoError(t, m.Enable("test-builtin-unload"))

	require.NoError(t, m.Unload("test-builtin-unload"))
	assert.True(t, p.unloaded)
	assert.False(t, m.registry.Exists("test-builtin-unload"))

	_, ok := m.Metadata("test-builtin-unload")
	assert.False(t, ok)
}

func TestManagerLoadAllSkipsBundlesWithoutEntryButDoesNotAbortBatch(t *testing.T) {
	m := newTestManager(t)
	pluginDir := t.TempDir()
	writeTestBundle(t, pluginDir+"/broken.zip", "broken", "1.0.0")

	err := m.LoadAll(pluginDir)
	require.NoError(t, err, "a single unloadable bundle must not fail the whole batch")
	assert.False(t, m.registry.Exists("broken"), "a bundle with no .so entry fails to load and is skipped")
}
