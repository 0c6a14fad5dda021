package plugins

import "time"

// Metadata is a plugin's immutable descriptor, read from its manifest (or
// fallback annotation) without linking any of its code.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Main         string
	Dependencies []string
	Source       string
}

// PluginHandler is the contract every plugin instance must satisfy.
type PluginHandler interface {
	OnLoad(ctx *PluginContext) error
	OnEnable(ctx *PluginContext) error
	OnDisable(ctx *PluginContext) error
	OnUnload(ctx *PluginContext) error
}

// HotReloadable is an optional capability a plugin may implement to
// participate in the hot-reload protocol (C12) beyond the base contract.
type HotReloadable interface {
	// CanHotReload reports whether the plugin consents to a reload right
	// now; the orchestrator consults this unless the caller forces it.
	CanHotReload() bool
	// PrepareForReload is given a budget to wind down in-flight work
	// before the plugin is disabled and unloaded.
	PrepareForReload(timeout time.Duration) error
}

// Stateful is an optional capability a plugin may implement to participate
// in hot-reload state preservation (C12 phases CAPTURING_STATE/RESTORING_STATE).
type Stateful interface {
	ExportState() (map[string]interface{}, error)
	ImportState(data map[string]interface{}) error
}

// TaskRestorable is an optional capability for plugins that need to know
// which of their scheduled task ids survived a hot reload.
type TaskRestorable interface {
	RestoreTasks(ids []int64)
}

// PluginContext is the per-instance handle a plugin uses to reach the host's
// shared subsystems. It is owned by the plugin instance and dropped with it.
type PluginContext struct {
	PluginName string
	Metadata   Metadata

	Events    *PluginEvents
	Scheduler *PluginScheduler
	Config    *PluginConfig
	Logger    PluginLogger
}
