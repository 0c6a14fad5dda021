package plugins

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"plugin"
	"reflect"
	"sync"
	"time"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// stagedPlugin records the loader's bookkeeping for one loaded plugin: the
// staged copy on disk, the open namespace handle, and when it was created.
// The handle cannot be closed (Go's plugin package has no Close); deleting
// the staged copy frees the disk space but does not reclaim the process
// memory the plugin package keeps resident — that limitation is inherited,
// not introduced here.
type stagedPlugin struct {
	name        string
	archivePath string // staged copy of the bundle file; empty if the bundle was already a directory
	extractPath string // directory the namespace is rooted at
	handle      *plugin.Plugin
	createdAt   time.Time
}

// Loader reads plugin metadata without linking code, loads a staged copy of a
// plugin's bundle into an isolated Go plugin namespace, discovers its
// extension points and extensions, and tears everything down on request.
//
// Go plugins cannot be unloaded once opened (the stdlib plugin package
// exposes no Close); cleanup here removes what this process actually
// controls — the staged file and the table entry — and leaves the handle's
// backing memory to the Go runtime, same as the platform's dynamic-plugin
// loading always has.
type Loader struct {
	mu      sync.Mutex
	stageDir string
	seq      int64
	staged   map[string]*stagedPlugin

	extensions *ExtensionManager
}

// NewLoader creates a loader staging copies under stageDir.
func NewLoader(stageDir string, extensions *ExtensionManager) (*Loader, error) {
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}
	return &Loader{
		stageDir:   stageDir,
		staged:     make(map[string]*stagedPlugin),
		extensions: extensions,
	}, nil
}

// LoadMetadata reads a bundle's manifest without linking its code.
func (l *Loader) LoadMetadata(bundlePath string) (Metadata, error) {
	return loadMetadata(bundlePath)
}

// LoadPlugin stages bundlePath (either a directory or a single zip-archive
// file, matching how plugins/ and updates/ hold bundles), opens it in a
// fresh namespace, instantiates its main entry, discovers its extensions,
// and records the staging. Any prior staging for the same plugin name is
// torn down first.
func (l *Loader) LoadPlugin(bundlePath string, meta Metadata) (PluginHandler, error) {
	l.mu.Lock()
	if existing, ok := l.staged[meta.Name]; ok {
		l.teardownLocked(existing)
	}
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	info, err := os.Stat(bundlePath)
	if err != nil {
		return nil, &herrors.LoadError{Bundle: bundlePath, Reason: "bundle not found: " + err.Error()}
	}

	var archivePath, extractPath string
	if info.IsDir() {
		extractPath = filepath.Join(l.stageDir, fmt.Sprintf("%s_%d", meta.Name, seq))
		if err := copyDir(bundlePath, extractPath); err != nil {
			return nil, &herrors.LoadError{Bundle: bundlePath, Reason: "staging copy failed: " + err.Error()}
		}
	} else {
		ext := filepath.Ext(bundlePath)
		archivePath = filepath.Join(l.stageDir, fmt.Sprintf("%s_%d%s", meta.Name, seq, ext))
		if err := copyFile(bundlePath, archivePath, 0o644); err != nil {
			return nil, &herrors.LoadError{Bundle: bundlePath, Reason: "staging copy failed: " + err.Error()}
		}
		extractPath = filepath.Join(l.stageDir, fmt.Sprintf("%s_%d", meta.Name, seq))
		if err := unzip(archivePath, extractPath); err != nil {
			_ = os.Remove(archivePath)
			return nil, &herrors.LoadError{Bundle: bundlePath, Reason: "staged archive unreadable: " + err.Error()}
		}
	}

	entryPath, err := findPluginEntry(extractPath)
	if err != nil {
		l.removeStagedFiles(archivePath, extractPath)
		return nil, &herrors.LoadError{Bundle: bundlePath, Reason: "no .so entry in bundle: " + err.Error()}
	}

	handle, err := plugin.Open(entryPath)
	if err != nil {
		l.removeStagedFiles(archivePath, extractPath)
		return nil, &herrors.LoadError{Bundle: bundlePath, Reason: "open failed: " + err.Error()}
	}

	instance, err := instantiate(handle, meta.Main)
	if err != nil {
		l.removeStagedFiles(archivePath, extractPath)
		return nil, &herrors.LoadError{Bundle: bundlePath, Reason: err.Error()}
	}

	candidates := l.discoverExtensions(handle, meta.Name)
	l.extensions.RegisterExtensions(meta.Name, candidates)

	l.mu.Lock()
	l.staged[meta.Name] = &stagedPlugin{
		name:        meta.Name,
		archivePath: archivePath,
		extractPath: extractPath,
		handle:      handle,
		createdAt:   time.Now(),
	}
	l.mu.Unlock()

	return instance, nil
}

func (l *Loader) removeStagedFiles(archivePath, extractPath string) {
	if archivePath != "" {
		_ = os.Remove(archivePath)
	}
	if extractPath != "" {
		_ = os.RemoveAll(extractPath)
	}
}

// instantiate resolves mainSymbol in the opened namespace and constructs an
// instance, accepting either the conventional NewPlugin() PluginHandler
// factory or a symbol matching the manifest's declared main name.
func instantiate(handle *plugin.Plugin, mainSymbol string) (PluginHandler, error) {
	name := mainSymbol
	if name == "" {
		name = "NewPlugin"
	}
	sym, err := handle.Lookup(name)
	if err != nil {
		sym, err = handle.Lookup("NewPlugin")
		if err != nil {
			return nil, fmt.Errorf("entry %q not found: %w", name, err)
		}
	}
	factory, ok := sym.(func() PluginHandler)
	if !ok {
		return nil, fmt.Errorf("entry %q has wrong signature, expected func() PluginHandler", name)
	}
	instance := factory()
	if instance == nil {
		return nil, fmt.Errorf("entry %q returned a nil instance", name)
	}
	return instance, nil
}

// discoverExtensions walks the namespace's declared candidate list, looked
// up by the fixed PluginExtensions symbol convention: a package-level
// var PluginExtensions = []plugins.ExtensionCandidate{...}. A broad guard
// skips bundles that don't export it — not every plugin registers
// extensions.
func (l *Loader) discoverExtensions(handle *plugin.Plugin, pluginName string) []ExtensionCandidate {
	sym, err := handle.Lookup("PluginExtensions")
	if err != nil {
		return nil
	}
	candidates, ok := sym.(*[]ExtensionCandidate)
	if !ok {
		logger.Component("loader").Warn().
			Str("plugin", pluginName).
			Str("type", reflect.TypeOf(sym).String()).
			Msg("PluginExtensions symbol has unexpected type, skipping")
		return nil
	}
	return *candidates
}

// Cleanup tears down one plugin's staging: closes what it can (the stdlib
// plugin handle has no Close, so this only removes the staged file and the
// table entry) and deregisters its extensions. Safe if name is unknown.
func (l *Loader) Cleanup(name string) {
	l.mu.Lock()
	sp, ok := l.staged[name]
	if ok {
		delete(l.staged, name)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	l.teardownLocked(sp)
	l.extensions.UnregisterPlugin(name)
}

func (l *Loader) teardownLocked(sp *stagedPlugin) {
	if sp.archivePath != "" {
		if err := os.Remove(sp.archivePath); err != nil && !os.IsNotExist(err) {
			logger.Component("loader").Warn().
				Str("plugin", sp.name).
				Err(err).
				Msg("failed to remove staged archive")
		}
	}
	if err := os.RemoveAll(sp.extractPath); err != nil {
		logger.Component("loader").Warn().
			Str("plugin", sp.name).
			Err(err).
			Msg("failed to remove staged copy")
	}
}

// CleanupAll tears down every staged plugin and removes the staging
// directory itself, then re-creates it empty.
func (l *Loader) CleanupAll() {
	l.mu.Lock()
	names := make([]string, 0, len(l.staged))
	for name := range l.staged {
		names = append(names, name)
	}
	l.mu.Unlock()

	for _, name := range names {
		l.Cleanup(name)
	}

	if err := os.RemoveAll(l.stageDir); err != nil {
		logger.Component("loader").Warn().Err(err).Msg("failed to remove stage directory")
	}
	_ = os.MkdirAll(l.stageDir, 0o755)
}

// CleanupOlderThan tears down staged plugins created before now-age.
func (l *Loader) CleanupOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	l.mu.Lock()
	var stale []string
	for name, sp := range l.staged {
		if sp.createdAt.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	l.mu.Unlock()

	for _, name := range stale {
		l.Cleanup(name)
	}
	return len(stale)
}

// TempStats reports the staging directory's current file count, total byte
// size, and path, for diagnostics.
func (l *Loader) TempStats() (fileCount int, totalBytes int64, dir string) {
	_ = filepath.Walk(l.stageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		fileCount++
		totalBytes += info.Size()
		return nil
	})
	return fileCount, totalBytes, l.stageDir
}

// copyDir recursively copies src into dst, creating dst if needed.
func copyDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(srcPath, dstPath, fi.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
