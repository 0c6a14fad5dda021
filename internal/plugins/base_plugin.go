package plugins

// BasePlugin provides default no-op implementations of the PluginHandler
// contract. Plugins embed it and override only the hooks they care about.
type BasePlugin struct {
	Name string
}

func (p *BasePlugin) OnLoad(ctx *PluginContext) error    { return nil }
func (p *BasePlugin) OnEnable(ctx *PluginContext) error  { return nil }
func (p *BasePlugin) OnDisable(ctx *PluginContext) error { return nil }
func (p *BasePlugin) OnUnload(ctx *PluginContext) error  { return nil }

// builtinPlugins holds plugin instances compiled directly into the host
// binary, as opposed to ones discovered dynamically from bundle files.
var builtinPlugins = make(map[string]PluginHandler)

// RegisterBuiltinPlugin registers a built-in plugin, typically from an
// init() function in the plugin's own package.
func RegisterBuiltinPlugin(name string, plugin PluginHandler) {
	builtinPlugins[name] = plugin
}

// GetBuiltinPlugin retrieves a built-in plugin by name.
func GetBuiltinPlugin(name string) (PluginHandler, bool) {
	p, ok := builtinPlugins[name]
	return p, ok
}

// ListBuiltinPlugins returns the names of all registered built-in plugins.
func ListBuiltinPlugins() []string {
	names := make([]string, 0, len(builtinPlugins))
	for name := range builtinPlugins {
		names = append(names, name)
	}
	return names
}
