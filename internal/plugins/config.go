package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/magiconair/properties"
)

// PluginConfig is a per-plugin key/value store backed by a
// config.properties file at <dataDir>/<name>/config.properties, following
// the same Java-properties-file convention the bundle manifest uses.
type PluginConfig struct {
	mu      sync.RWMutex
	name    string
	path    string
	props   *properties.Properties
	loaded  bool
}

// NewPluginConfig opens (creating if absent) the config store for a plugin.
// A missing file is created with the given defaults and saved atomically.
func NewPluginConfig(dataDir, name string, defaults map[string]string) (*PluginConfig, error) {
	dir := filepath.Join(dataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir for %s: %w", name, err)
	}
	path := filepath.Join(dir, "config.properties")

	pc := &PluginConfig{name: name, path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		p := properties.NewProperties()
		for k, v := range defaults {
			if _, _, err := p.Set(k, v); err != nil {
				return nil, fmt.Errorf("set default %s: %w", k, err)
			}
		}
		pc.props = p
		if err := pc.saveLocked(); err != nil {
			return nil, err
		}
		return pc, nil
	}

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("load config for %s: %w", name, err)
	}
	pc.props = p
	pc.loaded = true
	return pc, nil
}

func (c *PluginConfig) saveLocked() error {
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp config for %s: %w", c.name, err)
	}
	if _, err := fmt.Fprintf(f, "# generated %s\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		f.Close()
		return err
	}
	if _, err := c.props.Write(f, properties.UTF8); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Save persists the current in-memory values atomically (temp file then
// rename).
func (c *PluginConfig) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// Reload discards in-memory changes and re-reads the file from disk.
func (c *PluginConfig) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := properties.LoadFile(c.path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("reload config for %s: %w", c.name, err)
	}
	c.props = p
	return nil
}

// Set stores a string value for key; callers must call Save to persist.
func (c *PluginConfig) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props.Set(key, value)
}

// Contains reports whether key has a value.
func (c *PluginConfig) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.props.Get(key)
	return ok
}

// Keys returns every key currently set.
func (c *PluginConfig) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.props.Keys()...)
}

// GetString returns key's value, or def if absent.
func (c *PluginConfig) GetString(key, def string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props.GetString(key, def)
}

// GetInt returns key's value parsed as an int, or def if absent/unparseable.
func (c *PluginConfig) GetInt(key string, def int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetLong returns key's value parsed as an int64, or def if absent/unparseable.
func (c *PluginConfig) GetLong(key string, def int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetDouble returns key's value parsed as a float64, or def if absent/unparseable.
func (c *PluginConfig) GetDouble(key string, def float64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props.Get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns key's value using permissive boolean parsing: {true, yes,
// 1, on} case-insensitively are true, anything else present is false, and
// def is returned if the key is absent.
func (c *PluginConfig) GetBool(key string, def bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1", "on":
		return true
	default:
		return false
	}
}

// GetStringList returns key's value split on commas, trimming whitespace
// from each element, or def if absent.
func (c *PluginConfig) GetStringList(key string, def []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props.Get(key)
	if !ok {
		return def
	}
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// SetStringList persists a list as a comma-separated value.
func (c *PluginConfig) SetStringList(key string, values []string) {
	c.Set(key, strings.Join(values, ","))
}
