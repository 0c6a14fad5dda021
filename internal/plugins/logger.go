package plugins

import (
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// PluginLogger is the structured logger handed to a plugin through its
// context. It wraps a zerolog.Logger pre-tagged with the plugin's name, the
// same component-scoping idiom the rest of the host uses for its own
// internal loggers.
type PluginLogger struct {
	z zerolog.Logger
}

// NewPluginLogger creates a logger pre-tagged with pluginName. Called by the
// manager during context construction; plugins receive it via ctx.Logger and
// never construct one themselves.
func NewPluginLogger(pluginName string) PluginLogger {
	return PluginLogger{z: logger.Plugin(pluginName)}
}

func (pl PluginLogger) Debug(msg string, fields map[string]interface{}) {
	pl.event(pl.z.Debug(), fields).Msg(msg)
}

func (pl PluginLogger) Info(msg string, fields map[string]interface{}) {
	pl.event(pl.z.Info(), fields).Msg(msg)
}

func (pl PluginLogger) Warn(msg string, fields map[string]interface{}) {
	pl.event(pl.z.Warn(), fields).Msg(msg)
}

func (pl PluginLogger) Error(msg string, fields map[string]interface{}) {
	pl.event(pl.z.Error(), fields).Msg(msg)
}

// Fatal logs at the FATAL-equivalent level without exiting the process;
// hot-reload and shutdown paths depend on the host surviving a plugin's
// fatal condition.
func (pl PluginLogger) Fatal(msg string, fields map[string]interface{}) {
	pl.event(pl.z.Error().Bool("fatal", true), fields).Msg(msg)
}

func (pl PluginLogger) event(e *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

// With returns a logger with additional pre-configured fields merged into
// every subsequent call.
func (pl PluginLogger) With(fields map[string]interface{}) PluginLogger {
	ctx := pl.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return PluginLogger{z: ctx.Logger()}
}
