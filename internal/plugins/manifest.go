package plugins

import (
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
)

const manifestFileName = "plugin.ini"

// loadMetadata reads a bundle's manifest without linking its code. bundlePath
// may be either a directory (an already-staged/extracted bundle) or a single
// zip-archive file (a bundle as it sits in plugins/ or updates/); archives
// are extracted to a throwaway directory that is removed before returning.
func loadMetadata(bundlePath string) (Metadata, error) {
	info, err := os.Stat(bundlePath)
	if err != nil {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "unreadable bundle: " + err.Error()}
	}
	if info.IsDir() {
		return loadMetadataFromDir(bundlePath)
	}

	tmp, err := os.MkdirTemp("", "pluginhost-meta-*")
	if err != nil {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "cannot create scratch dir: " + err.Error()}
	}
	defer os.RemoveAll(tmp)

	if err := unzip(bundlePath, tmp); err != nil {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "cannot extract archive: " + err.Error()}
	}
	meta, err := loadMetadataFromDir(tmp)
	if err != nil {
		return Metadata{}, err
	}
	meta.Source = bundlePath
	return meta, nil
}

func loadMetadataFromDir(bundlePath string) (Metadata, error) {
	iniPath := filepath.Join(bundlePath, manifestFileName)
	if _, err := os.Stat(iniPath); err == nil {
		return loadMetadataFromINI(bundlePath, iniPath)
	}
	return loadMetadataFromAnnotation(bundlePath)
}

func loadMetadataFromINI(bundlePath, iniPath string) (Metadata, error) {
	cfg, err := ini.Load(iniPath)
	if err != nil {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "unreadable manifest: " + err.Error()}
	}
	sec := cfg.Section("")

	name := strings.TrimSpace(sec.Key("name").String())
	version := strings.TrimSpace(sec.Key("version").String())
	main := strings.TrimSpace(sec.Key("main").String())

	if name == "" {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "missing required field: name"}
	}
	if version == "" {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "missing required field: version"}
	}
	if main == "" {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "missing required field: main"}
	}

	var deps []string
	if raw := strings.TrimSpace(sec.Key("dependencies").String()); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				deps = append(deps, d)
			}
		}
	}

	return Metadata{
		Name:         name,
		Version:      version,
		Description:  sec.Key("description").String(),
		Author:       sec.Key("author").String(),
		Main:         main,
		Dependencies: deps,
		Source:       bundlePath,
	}, nil
}

// loadMetadataFromAnnotation opens the bundle's compiled plugin object in a
// throwaway namespace solely to read its PluginMeta symbol, then discards the
// handle; the spec's fallback path is never used to keep the plugin resident.
func loadMetadataFromAnnotation(bundlePath string) (Metadata, error) {
	entry, err := findPluginEntry(bundlePath)
	if err != nil {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "no manifest and no loadable entry: " + err.Error()}
	}

	p, err := plugin.Open(entry)
	if err != nil {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "cannot open entry for annotation scan: " + err.Error()}
	}

	sym, err := p.Lookup("PluginMeta")
	if err != nil {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "no plugin.ini and no PluginMeta symbol"}
	}
	meta, ok := sym.(*Metadata)
	if !ok {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "PluginMeta symbol has unexpected type"}
	}
	if meta.Name == "" || meta.Version == "" || meta.Main == "" {
		return Metadata{}, &herrors.MetadataError{Bundle: bundlePath, Reason: "PluginMeta missing required field"}
	}
	out := *meta
	out.Source = bundlePath
	return out, nil
}

// findPluginEntry locates the single .so file at a staged bundle's root,
// used both by the annotation fallback and by the loader's normal load path.
func findPluginEntry(bundlePath string) (string, error) {
	entries, err := os.ReadDir(bundlePath)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".so") {
			return filepath.Join(bundlePath, e.Name()), nil
		}
	}
	return "", os.ErrNotExist
}
